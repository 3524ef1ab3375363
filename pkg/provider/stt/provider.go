// Package stt defines the Provider interface for streaming Speech-to-Text
// vendors.
//
// An STT provider wraps a real-time transcription service (Deepgram, Soniox,
// or AssemblyAI) and exposes a uniform streaming interface. The central
// abstraction is SessionHandle: once opened, a session accepts raw audio and
// emits three streams: low-latency partials for barge-in decisions,
// authoritative finals for the transcript, and zero-width endpoint signals
// marking "the caller appears to be done".
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"errors"

	"github.com/voicewire/voicewire/pkg/types"
)

// ErrSessionClosed is returned by SendAudio after the session has ended.
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format and recognition settings for a new
// STT session.
type StreamConfig struct {
	// Encoding is the input codec: "mulaw" for native 8 kHz telephony audio
	// or "linear16" when the vendor requires PCM (the caller resamples).
	Encoding string

	// SampleRate is the audio sample rate in Hz (8000 for μ-law, 16000 for
	// resampled linear PCM).
	SampleRate int

	// Language is the BCP-47 language tag (e.g., "en", "en-US"). Empty lets
	// the vendor auto-detect where supported.
	Language string

	// Model selects a vendor model (e.g., "nova-3").
	Model string

	// EndpointingMs tunes the vendor's turn-end sensitivity, when supported.
	EndpointingMs int
}

// SessionHandle is an open STT streaming session. Callers must call Close
// when done; all methods are safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers one audio chunk to the vendor. Backpressure is
	// applied through a bounded internal queue. Returns ErrSessionClosed
	// after Close.
	SendAudio(chunk []byte) error

	// Partials emits low-latency interim transcripts. Closed when the
	// session ends.
	Partials() <-chan types.Transcript

	// Finals emits committed transcripts. Closed when the session ends.
	Finals() <-chan types.Transcript

	// Endpoints emits a zero-width event each time the vendor signals that
	// the caller appears to have finished a turn. Closed when the session
	// ends.
	Endpoints() <-chan struct{}

	// Close flushes pending audio and releases all resources. Safe to call
	// more than once.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle is ready to accept audio immediately.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
