package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/voicewire/voicewire/internal/app"
	"github.com/voicewire/voicewire/internal/call"
	"github.com/voicewire/voicewire/internal/callstate"
	"github.com/voicewire/voicewire/internal/carrier"
	"github.com/voicewire/voicewire/internal/config"
	"github.com/voicewire/voicewire/internal/latency"
	llmprov "github.com/voicewire/voicewire/pkg/provider/llm"
	llmmock "github.com/voicewire/voicewire/pkg/provider/llm/mock"
	sttprov "github.com/voicewire/voicewire/pkg/provider/stt"
	sttmock "github.com/voicewire/voicewire/pkg/provider/stt/mock"
	ttsprov "github.com/voicewire/voicewire/pkg/provider/tts"
	ttsmock "github.com/voicewire/voicewire/pkg/provider/tts/mock"
	"github.com/voicewire/voicewire/pkg/types"
)

const testConfigYAML = `
server:
  listen_addr: "127.0.0.1:0"
  public_url: "https://voice.example.com"
  log_level: info
carrier:
  base_url: "https://api.carrier.test/v2"
  api_key: "carrier-key"
  outbound_number: "+15550100"
providers:
  stt:
    name: deepgram
    api_key: dg-key
  llm:
    name: openai
    api_key: oa-key
    model: gpt-4o-mini
  tts:
    name: elevenlabs
    api_key: el-key
agents:
  - name: front-desk
    system_prompt: "You answer phones for a dental office."
    opener: agent
    greeting: "Hello, thanks for calling!"
    voice:
      provider: elevenlabs
      voice_id: v-1
`

// fakeCarrier records control-plane calls and hands out a fixed control ID.
type fakeCarrier struct {
	mu    sync.Mutex
	dials []carrier.DialRequest
}

func (f *fakeCarrier) Dial(_ context.Context, req carrier.DialRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials = append(f.dials, req)
	return "cc-out-1", nil
}

func (f *fakeCarrier) Answer(context.Context, string, string, string) error { return nil }
func (f *fakeCarrier) Hangup(context.Context, string) error                 { return nil }

func (f *fakeCarrier) dialed() []carrier.DialRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]carrier.DialRequest, len(f.dials))
	copy(out, f.dials)
	return out
}

// fakeCallLog records created calls.
type fakeCallLog struct {
	mu      sync.Mutex
	created []*call.Call
}

func (l *fakeCallLog) CreateCall(_ context.Context, c *call.Call, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.created = append(l.created, c)
	return nil
}

func (l *fakeCallLog) MarkAnswered(context.Context, string, time.Time) error { return nil }
func (l *fakeCallLog) FinishCall(context.Context, string, call.EndReason, time.Time) error {
	return nil
}
func (l *fakeCallLog) SetRecordingURL(context.Context, string, string) error { return nil }
func (l *fakeCallLog) AppendUtterances(context.Context, string, []types.TranscriptEntry) error {
	return nil
}
func (l *fakeCallLog) AppendLatency(context.Context, string, []latency.Record) error { return nil }

func testRegistry() *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterSTT("deepgram", func(config.ProviderEntry) (sttprov.Provider, error) {
		return sttmock.New(), nil
	})
	reg.RegisterLLM("openai", func(config.ProviderEntry) (llmprov.Provider, error) {
		return llmmock.New(), nil
	})
	reg.RegisterTTS("elevenlabs", func(config.ProviderEntry) (ttsprov.Provider, error) {
		return ttsmock.New(), nil
	})
	return reg
}

// TestApp exercises the wired HTTP surface against injected backends. One
// shared App keeps the global telemetry provider from being initialised twice.
func TestApp(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(testConfigYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	state := callstate.New(rdb)

	carrierClient := &fakeCarrier{}
	callLog := &fakeCallLog{}

	a, err := app.New(context.Background(), cfgPath, testRegistry(),
		app.WithStateStore(state),
		app.WithCallLog(callLog),
		app.WithCarrier(carrierClient),
	)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/healthz")
		if err != nil {
			t.Fatalf("GET /healthz: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/readyz")
		if err != nil {
			t.Fatalf("GET /readyz: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/metrics")
		if err != nil {
			t.Fatalf("GET /metrics: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
	})

	t.Run("outbound dial", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/calls", "application/json",
			strings.NewReader(`{"to": "+15550123", "agent": "front-desk"}`))
		if err != nil {
			t.Fatalf("POST /calls: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("status = %d, want 202", resp.StatusCode)
		}
		var body struct {
			CallID string `json:"call_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if body.CallID == "" {
			t.Fatal("response missing call_id")
		}

		dials := carrierClient.dialed()
		if len(dials) != 1 {
			t.Fatalf("carrier dials = %d, want 1", len(dials))
		}
		d := dials[0]
		if d.To != "+15550123" || d.From != "+15550100" {
			t.Errorf("dial numbers = %s -> %s", d.From, d.To)
		}
		if want := "wss://voice.example.com/media/" + body.CallID; d.StreamURL != want {
			t.Errorf("stream URL = %q, want %q", d.StreamURL, want)
		}
		if d.ClientState != body.CallID {
			t.Errorf("client state = %q, want the call ID", d.ClientState)
		}

		ccid, err := state.Get(context.Background(), body.CallID, "call_control_id")
		if err != nil || ccid != "cc-out-1" {
			t.Errorf("stored call_control_id = %q (err %v), want cc-out-1", ccid, err)
		}
		agentID, err := state.Get(context.Background(), body.CallID, "agent_id")
		if err != nil || agentID != "front-desk" {
			t.Errorf("stored agent_id = %q (err %v), want front-desk", agentID, err)
		}

		callLog.mu.Lock()
		defer callLog.mu.Unlock()
		if len(callLog.created) != 1 || callLog.created[0].Direction != types.DirectionOutbound {
			t.Errorf("call log created = %+v", callLog.created)
		}
	})

	t.Run("dial unknown agent", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/calls", "application/json",
			strings.NewReader(`{"to": "+15550123", "agent": "nobody"}`))
		if err != nil {
			t.Fatalf("POST /calls: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadGateway {
			t.Fatalf("status = %d, want 502", resp.StatusCode)
		}
	})

	t.Run("dial missing number", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/calls", "application/json", strings.NewReader(`{}`))
		if err != nil {
			t.Fatalf("POST /calls: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("close is idempotent", func(t *testing.T) {
		if err := a.Close(); err != nil {
			t.Fatalf("first close: %v", err)
		}
		if err := a.Close(); err != nil {
			t.Fatalf("second close: %v", err)
		}
	})
}
