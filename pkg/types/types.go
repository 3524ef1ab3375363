// Package types defines the shared types used across all voicewire packages.
//
// These types form the lingua franca between the carrier session, the vendor
// providers, and the turn orchestrator. They are intentionally minimal; each
// package defines its own domain types, but cross-cutting data structures live
// here to avoid circular imports.
package types

import "time"

// FrameBytes is the size of one 20 ms μ-law frame at 8 kHz mono.
const FrameBytes = 160

// AudioFrame is a single 20 ms frame of 8 kHz mono μ-law audio flowing
// through the pipeline. Frames are immutable after construction and carry a
// monotonically increasing per-call sequence number.
type AudioFrame struct {
	// Data is raw μ-law audio, FrameBytes long for a full frame.
	Data []byte

	// Seq orders frames within one call. Assigned by the producer.
	Seq uint64

	// Timestamp marks when this frame was received, relative to stream start.
	Timestamp time.Duration
}

// Transcript is a speech-to-text result from an STT vendor. Both partial
// (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether the vendor has committed this segment.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). Zero when the
	// vendor does not report confidence.
	Confidence float64

	// ReceivedAt is the wall-clock time the transcript arrived from the vendor.
	ReceivedAt time.Time
}

// Sentence is a unit of LLM output, ended by terminal punctuation or by
// stream completion. Sentences are ordered by emission within one response.
type Sentence struct {
	// Text is the sentence content, trimmed of surrounding whitespace.
	Text string

	// Num is the zero-based position of this sentence within its response.
	Num int

	// IsFirst reports whether this is the opening sentence of the response.
	IsFirst bool

	// SentAt is when the sentence was handed to synthesis.
	SentAt time.Time
}

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single entry in an LLM conversation history.
type Message struct {
	// Role is one of RoleUser, RoleAssistant, or RoleSystem.
	Role Role

	// Content is the text content of the message.
	Content string
}

// TranscriptEntry is one record in a call's append-only transcript. Records
// are never rewritten; the agent may speak several sentences as one record,
// and dead-air check-ins count as assistant entries.
type TranscriptEntry struct {
	// Role is RoleUser or RoleAssistant.
	Role Role

	// Text is the utterance content.
	Text string

	// Timestamp is when the entry was committed.
	Timestamp time.Time
}

// VoiceProfile describes a TTS voice configuration.
type VoiceProfile struct {
	// ID is the vendor-specific voice identifier.
	ID string

	// Provider is the TTS vendor name (e.g., "elevenlabs", "cartesia").
	Provider string

	// Model selects a vendor model (e.g., "eleven_flash_v2_5", "sonic-2").
	Model string
}

// PlaybackKind classifies an outbound audio item tracked by the playback
// ledger. Only content and check-in playbacks imply floor ownership.
type PlaybackKind string

const (
	PlaybackContent      PlaybackKind = "content"
	PlaybackComfortNoise PlaybackKind = "comfort_noise"
	PlaybackCheckIn      PlaybackKind = "check_in"
)

// Direction indicates which party initiated the call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)
