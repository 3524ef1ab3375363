package resilience

import (
	"context"

	"github.com/voicewire/voicewire/pkg/provider/llm"
	"github.com/voicewire/voicewire/pkg/provider/stt"
	"github.com/voicewire/voicewire/pkg/provider/tts"
	"github.com/voicewire/voicewire/pkg/types"
)

// Typed failover wrappers for the three pipeline stages. Each satisfies the
// stage's provider interface, so the orchestrator never knows whether it is
// talking to a bare vendor client or a group with spares.
//
// Failover covers session setup only. A stream or session that dies after a
// successful start is handled by the call pipeline, not replayed against a
// fallback vendor.
var (
	_ stt.Provider = (*STTFallback)(nil)
	_ llm.Provider = (*LLMFallback)(nil)
	_ tts.Provider = (*TTSFallback)(nil)
)

// STTFallback fails over streaming transcription setup across STT vendors.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// NewSTTFallback wraps primary as the preferred transcription backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers a spare STT vendor, tried after those added before it.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream opens a transcription session on the first healthy vendor.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// LLMFallback fails over completion requests across language-model vendors.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// NewLLMFallback wraps primary as the preferred language-model backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers a spare LLM vendor, tried after those added before it.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete asks the first healthy vendor for a full completion.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion opens a streaming completion on the first healthy vendor.
// Chunks arriving after a successful open are not subject to failover.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// TTSFallback fails over synthesis session setup across TTS vendors.
//
// The voice profile is passed through unchanged, so fallback vendors should be
// configured with voices of their own or accept the primary's profile.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// NewTTSFallback wraps primary as the preferred synthesis backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers a spare TTS vendor, tried after those added before it.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// StartSession opens a synthesis session on the first healthy vendor.
func (f *TTSFallback) StartSession(ctx context.Context, voice types.VoiceProfile) (tts.Session, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (tts.Session, error) {
		return p.StartSession(ctx, voice)
	})
}
