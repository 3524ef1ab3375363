package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/voicewire/voicewire/internal/config"
)

const watcherBaseYAML = `
server:
  log_level: info
providers:
  stt:
    name: deepgram
  llm:
    name: openai
  tts:
    name: elevenlabs
agents:
  - name: front-desk
`

const watcherEditedYAML = `
server:
  log_level: debug
providers:
  stt:
    name: deepgram
  llm:
    name: openai
  tts:
    name: elevenlabs
agents:
  - name: front-desk
`

const watcherBrokenYAML = `
server:
  log_level: bananas
`

type reloadEvent struct {
	old, new *config.Config
}

// startWatcher writes content to a temp config file and returns a fast-polling
// watcher on it plus a channel that receives every reload callback.
func startWatcher(t *testing.T, content string) (*config.Watcher, string, <-chan reloadEvent) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, content)

	events := make(chan reloadEvent, 4)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		events <- reloadEvent{old, new}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path, events
}

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _, _ := startWatcher(t, watcherBaseYAML)

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	w, path, events := startWatcher(t, watcherBaseYAML)

	// Future mtime so the edit is visible even on coarse filesystem clocks.
	writeConfigFile(t, path, watcherEditedYAML)
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	var ev reloadEvent
	select {
	case ev = <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("reload callback was not invoked")
	}

	if ev.old == nil || ev.new == nil {
		t.Fatal("callback received nil configs")
	}
	if ev.old.Server.LogLevel != config.LogInfo {
		t.Errorf("old log_level = %q, want %q", ev.old.Server.LogLevel, config.LogInfo)
	}
	if ev.new.Server.LogLevel != config.LogDebug {
		t.Errorf("new log_level = %q, want %q", ev.new.Server.LogLevel, config.LogDebug)
	}
	if got := w.Current().Server.LogLevel; got != config.LogDebug {
		t.Errorf("Current() log_level = %q, want %q", got, config.LogDebug)
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	w, path, events := startWatcher(t, watcherBaseYAML)

	writeConfigFile(t, path, watcherBrokenYAML)
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	select {
	case ev := <-events:
		t.Fatalf("callback fired for an invalid config: %+v", ev.new)
	case <-time.After(300 * time.Millisecond):
	}

	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("Current() should still hold the old config, log_level = %q", got)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	w, _, _ := startWatcher(t, watcherBaseYAML)

	w.Stop()
	w.Stop()
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	_, path, events := startWatcher(t, watcherBaseYAML)

	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	select {
	case <-events:
		t.Fatal("callback fired for a touch with identical content")
	case <-time.After(300 * time.Millisecond):
	}
}
