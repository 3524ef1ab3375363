package config_test

import (
	"strings"
	"testing"

	"github.com/voicewire/voicewire/internal/config"
)

func TestValidate_DuplicateAgentNames(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  stt:
    name: deepgram
  llm:
    name: openai
  tts:
    name: elevenlabs
agents:
  - name: front-desk
  - name: front-desk
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for duplicate agent names, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("error should mention duplicate, got: %v", err)
	}
}

func TestValidate_AgentRequiresAllStages(t *testing.T) {
	t.Parallel()
	yaml := `
agents:
  - name: front-desk
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for agent without any providers, got nil")
	}
	if !strings.Contains(err.Error(), "STT provider") {
		t.Errorf("error should mention STT provider, got: %v", err)
	}
	if !strings.Contains(err.Error(), "LLM provider") {
		t.Errorf("error should mention LLM provider, got: %v", err)
	}
	if !strings.Contains(err.Error(), "TTS provider") {
		t.Errorf("error should mention TTS provider, got: %v", err)
	}
}

func TestValidate_FallbackRequiresName(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  stt:
    name: deepgram
  llm:
    name: openai
  tts:
    name: elevenlabs
    fallbacks:
      - model: sonic-2
agents:
  - name: front-desk
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for a nameless fallback, got nil")
	}
	if !strings.Contains(err.Error(), "providers.tts.fallbacks[0].name") {
		t.Errorf("error should point at the fallback entry, got: %v", err)
	}
}

func TestValidate_NamedFallbackAccepted(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  stt:
    name: deepgram
  llm:
    name: openai
  tts:
    name: elevenlabs
    fallbacks:
      - name: cartesia
        model: sonic-2
agents:
  - name: front-desk
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Providers.TTS.Fallbacks) != 1 || cfg.Providers.TTS.Fallbacks[0].Name != "cartesia" {
		t.Errorf("fallbacks = %+v, want one cartesia entry", cfg.Providers.TTS.Fallbacks)
	}
}

func TestValidate_AgentOverrideSatisfiesStage(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  stt:
    name: deepgram
  llm:
    name: openai
agents:
  - name: front-desk
    tts_provider: cartesia
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_DefaultsSatisfyAllStages(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  stt:
    name: soniox
  llm:
    name: anthropic
  tts:
    name: cartesia
redis:
  addr: localhost:6379
postgres:
  dsn: "postgres://localhost/voicewire"
agents:
  - name: front-desk
  - name: after-hours
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
agents:
  - name: agent-1
  - name: agent-1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	// Should contain both duplicate and provider errors.
	errStr := err.Error()
	if !strings.Contains(errStr, "duplicate") {
		t.Errorf("error should mention duplicate, got: %v", err)
	}
	if !strings.Contains(errStr, "LLM provider") {
		t.Errorf("error should mention LLM provider, got: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	// Sanity-check that the map is populated.
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	sttNames := config.ValidProviderNames["stt"]
	if len(sttNames) == 0 {
		t.Fatal("ValidProviderNames[\"stt\"] should not be empty")
	}
	// Check that "deepgram" is in the STT list.
	found := false
	for _, n := range sttNames {
		if n == "deepgram" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidProviderNames[\"stt\"] should contain \"deepgram\"")
	}
}

func TestLoadFromReader_ExpandsEnvRefs(t *testing.T) {
	t.Setenv("VOICEWIRE_TEST_KEY", "dg-secret")
	yaml := `
providers:
  stt:
    name: deepgram
    api_key: "${VOICEWIRE_TEST_KEY}"
  llm:
    name: openai
    api_key: "${VOICEWIRE_TEST_UNSET}"
  tts:
    name: elevenlabs
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if got := cfg.Providers.STT.APIKey; got != "dg-secret" {
		t.Errorf("stt api_key = %q, want the env value", got)
	}
	if got := cfg.Providers.LLM.APIKey; got != "" {
		t.Errorf("llm api_key = %q, want empty for an unset variable", got)
	}
}

func TestLoadFromReader_BareDollarSurvives(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  stt:
    name: deepgram
  llm:
    name: openai
  tts:
    name: elevenlabs
agents:
  - name: front-desk
    system_prompt: "Cleanings start at $80."
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if !strings.Contains(cfg.Agents[0].SystemPrompt, "$80") {
		t.Errorf("system_prompt = %q, dollar amount was mangled", cfg.Agents[0].SystemPrompt)
	}
}
