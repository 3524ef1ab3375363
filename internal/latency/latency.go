// Package latency records per-turn timing checkpoints across the
// STT → LLM → TTS → carrier pipeline and derives the operator-facing
// time-to-first-sound figure.
package latency

import (
	"sync"
	"time"
)

// Checkpoint names one timing event within a turn.
type Checkpoint string

const (
	UserAudioEnd    Checkpoint = "user_audio_end"
	STTTranscript   Checkpoint = "stt_transcript_received"
	LLMRequestStart Checkpoint = "llm_request_start"
	LLMFirstToken   Checkpoint = "llm_first_token"
	LLMComplete     Checkpoint = "llm_complete"
	TTSRequestStart Checkpoint = "tts_request_start"
	TTSFirstChunk   Checkpoint = "tts_first_chunk"
	TTSAudioSent    Checkpoint = "tts_audio_sent"
)

// ttsCapMs caps the TTS share of the dead-air figure: once the first chunk
// starts playing the caller hears sound, so generation time past that point
// is not dead air.
const ttsCap = 500 * time.Millisecond

// TurnTimer collects checkpoints for one user turn. Safe for concurrent use;
// a checkpoint marked twice keeps its first value.
type TurnTimer struct {
	now func() time.Time

	mu    sync.Mutex
	turn  int
	marks map[Checkpoint]time.Time
}

// NewTurnTimer creates a timer for the given turn number. now nil selects
// time.Now.
func NewTurnTimer(turn int, now func() time.Time) *TurnTimer {
	if now == nil {
		now = time.Now
	}
	return &TurnTimer{
		now:   now,
		turn:  turn,
		marks: make(map[Checkpoint]time.Time),
	}
}

// Mark records a checkpoint at the current time.
func (t *TurnTimer) Mark(cp Checkpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.marks[cp]; !ok {
		t.marks[cp] = t.now()
	}
}

// Turn returns the turn number.
func (t *TurnTimer) Turn() int { return t.turn }

// Record is the persisted latency summary for one turn. Durations are in
// milliseconds for the call log.
type Record struct {
	Turn int `json:"turn"`

	// STTMs is user_audio_end → stt_transcript_received.
	STTMs int64 `json:"stt_ms"`

	// LLMMs is llm_request_start → llm_first_token.
	LLMMs int64 `json:"llm_ms"`

	// LLMTotalMs is llm_request_start → llm_complete.
	LLMTotalMs int64 `json:"llm_total_ms"`

	// TTSMs is tts_request_start → tts_first_chunk.
	TTSMs int64 `json:"tts_ms"`

	// TTFSMs is the dead-air figure: stt + llm + min(tts, 500 ms).
	TTFSMs int64 `json:"ttfs_ms"`
}

// Summarize derives the Record from the marked checkpoints. Missing
// checkpoints yield zero durations rather than errors; a degraded turn still
// produces a log entry.
func (t *TurnTimer) Summarize() Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := Record{Turn: t.turn}
	r.STTMs = t.spanMs(UserAudioEnd, STTTranscript)
	r.LLMMs = t.spanMs(LLMRequestStart, LLMFirstToken)
	r.LLMTotalMs = t.spanMs(LLMRequestStart, LLMComplete)
	r.TTSMs = t.spanMs(TTSRequestStart, TTSFirstChunk)

	tts := r.TTSMs
	if limit := ttsCap.Milliseconds(); tts > limit {
		tts = limit
	}
	r.TTFSMs = r.STTMs + r.LLMMs + tts
	return r
}

// spanMs returns the duration between two checkpoints in milliseconds, or
// zero when either is missing or the order is inverted.
func (t *TurnTimer) spanMs(from, to Checkpoint) int64 {
	a, okA := t.marks[from]
	b, okB := t.marks[to]
	if !okA || !okB || b.Before(a) {
		return 0
	}
	return b.Sub(a).Milliseconds()
}
