// Package tts defines the Provider interface for streaming Text-to-Speech
// backends.
//
// Unlike request-scoped synthesis APIs, a voice call keeps one TTS session
// alive for its whole duration: sentences are streamed in as the LLM produces
// them, μ-law audio streams out, and a barge-in can discard everything
// queued on either side of the socket at any moment. Session is that
// abstraction; Provider opens one per call.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"

	"github.com/voicewire/voicewire/pkg/types"
)

// ErrSessionClosed is returned by session methods after Close.
var ErrSessionClosed = errors.New("tts: session is closed")

// Session is a persistent synthesis stream for one call.
//
// Audio arrives as 8 kHz μ-law chunks ready for the carrier; chunk sizes are
// vendor-dependent and callers re-frame as needed.
type Session interface {
	// StreamSentence queues one sentence for synthesis. Sentences are
	// synthesized in order.
	StreamSentence(text string) error

	// Flush forces the vendor to synthesize any buffered text instead of
	// waiting for more. Called at the end of each response.
	Flush() error

	// Audio emits synthesized μ-law audio chunks. Closed when the session
	// ends.
	Audio() <-chan []byte

	// ClearAudio discards all queued synthesis output, vendor-side where the
	// protocol allows it and locally otherwise. Used on barge-in; audio for
	// sentences streamed after the call resumes normally.
	ClearAudio()

	// Close tears the session down. Safe to call more than once.
	Close() error
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// StartSession opens a persistent synthesis stream using the given voice.
	StartSession(ctx context.Context, voice types.VoiceProfile) (Session, error)
}
