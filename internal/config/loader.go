package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// envRef matches ${NAME} references. Only the braced form expands, so a
// bare dollar sign in a system prompt survives.
var envRef = regexp.MustCompile(`\$\{(\w+)\}`)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram", "soniox", "assemblyai"},
	"llm": {"openai", "anthropic", "gemini", "groq", "grok", "deepseek", "mistral"},
	"tts": {"elevenlabs", "cartesia"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// ${NAME} references are replaced with the environment variable's value
// before decoding, so credentials stay out of the file. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := envRef.ReplaceAllStringFunc(string(raw), func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation, warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	// Fallback entries get the same name check, plus a hard error for a
	// missing name since the registry cannot resolve it.
	for kind, entry := range map[string]ProviderEntry{
		"stt": cfg.Providers.STT, "llm": cfg.Providers.LLM, "tts": cfg.Providers.TTS,
	} {
		for i, fb := range entry.Fallbacks {
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d].name is required", kind, i))
				continue
			}
			validateProviderName(kind, fb.Name)
		}
	}

	// Backing service warnings
	if cfg.Redis.Addr == "" && len(cfg.Agents) > 0 {
		slog.Warn("redis.addr is empty; call state will not be shared with webhook handlers")
	}
	if cfg.Postgres.DSN == "" && len(cfg.Agents) > 0 {
		slog.Warn("postgres.dsn is empty; call transcripts and latency records will not be persisted")
	}

	// Agent duplicate name detection
	agentNamesSeen := make(map[string]int, len(cfg.Agents))

	// Agents
	for i, agent := range cfg.Agents {
		prefix := fmt.Sprintf("agents[%d]", i)
		if agent.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := agentNamesSeen[agent.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of agents[%d]", prefix, agent.Name, prev))
			}
			agentNamesSeen[agent.Name] = i
		}
		if agent.Opener != "" && !agent.Opener.IsValid() {
			errs = append(errs, fmt.Errorf("%s.opener %q is invalid; valid values: agent, caller", prefix, agent.Opener))
		}
		if agent.Opener == OpenerAgent && agent.Greeting == "" {
			errs = append(errs, fmt.Errorf("%s.greeting is required when opener is %q", prefix, OpenerAgent))
		}
		if agent.EndpointingMs < 0 {
			errs = append(errs, fmt.Errorf("%s.endpointing_ms %d must not be negative", prefix, agent.EndpointingMs))
		}
		if agent.BargeIn.MinWords < 0 {
			errs = append(errs, fmt.Errorf("%s.barge_in.min_words %d must not be negative", prefix, agent.BargeIn.MinWords))
		}
		if agent.BargeIn.CooldownMs < 0 {
			errs = append(errs, fmt.Errorf("%s.barge_in.cooldown_ms %d must not be negative", prefix, agent.BargeIn.CooldownMs))
		}
		if agent.DeadAir.MaxCheckIns < 0 {
			errs = append(errs, fmt.Errorf("%s.dead_air.max_check_ins %d must not be negative", prefix, agent.DeadAir.MaxCheckIns))
		}
		if agent.DeadAir.MaxCallSeconds < 0 {
			errs = append(errs, fmt.Errorf("%s.dead_air.max_call_seconds %d must not be negative", prefix, agent.DeadAir.MaxCallSeconds))
		}
		for j, threshold := range agent.DeadAir.CheckInAfterMs {
			if threshold <= 0 {
				errs = append(errs, fmt.Errorf("%s.dead_air.check_in_after_ms[%d] %d must be positive", prefix, j, threshold))
				continue
			}
			if j > 0 && threshold <= agent.DeadAir.CheckInAfterMs[j-1] {
				errs = append(errs, fmt.Errorf("%s.dead_air.check_in_after_ms must be strictly ascending", prefix))
			}
		}

		// Stage overrides get the same name check as the defaults.
		validateProviderName("stt", agent.STTProvider)
		validateProviderName("llm", agent.LLMProvider)
		validateProviderName("tts", agent.TTSProvider)

		// Each stage needs a vendor from somewhere: the agent override or
		// the providers default.
		if agent.STTProvider == "" && cfg.Providers.STT.Name == "" {
			errs = append(errs, fmt.Errorf("%s: no STT provider; set stt_provider or providers.stt", prefix))
		}
		if agent.LLMProvider == "" && cfg.Providers.LLM.Name == "" {
			errs = append(errs, fmt.Errorf("%s: no LLM provider; set llm_provider or providers.llm", prefix))
		}
		if agent.TTSProvider == "" && cfg.Providers.TTS.Name == "" {
			errs = append(errs, fmt.Errorf("%s: no TTS provider; set tts_provider or providers.tts", prefix))
		}

		// Voice provider ↔ TTS provider cross-validation
		effectiveTTS := agent.TTSProvider
		if effectiveTTS == "" {
			effectiveTTS = cfg.Providers.TTS.Name
		}
		if agent.Voice.Provider != "" && effectiveTTS != "" && agent.Voice.Provider != effectiveTTS {
			slog.Warn("agent voice provider does not match configured TTS provider",
				"agent", agent.Name,
				"voice_provider", agent.Voice.Provider,
				"tts_provider", effectiveTTS,
			)
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
