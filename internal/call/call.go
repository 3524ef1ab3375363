// Package call holds the per-call runtime entities: the call record, its
// turn-state machine, the conversation history, and the playback ledger that
// answers "is the agent still holding the floor".
package call

import (
	"time"

	"github.com/voicewire/voicewire/pkg/types"
)

// TurnState is the orchestrator's position in the turn-taking cycle.
type TurnState string

const (
	// StateIdle means neither party holds the floor.
	StateIdle TurnState = "idle"

	// StateUserSpeaking means inbound speech is being transcribed.
	StateUserSpeaking TurnState = "user_speaking"

	// StateProcessing means a user turn is committed and the LLM is working.
	StateProcessing TurnState = "processing"

	// StateAgentSpeaking means agent audio is queued or playing.
	StateAgentSpeaking TurnState = "agent_speaking"

	// StateInterrupted means a barge-in cancelled the agent mid-response.
	StateInterrupted TurnState = "interrupted"

	// StateEnded means the call is over.
	StateEnded TurnState = "ended"
)

// EndReason records why a call ended.
type EndReason string

const (
	EndReasonCompleted    EndReason = "completed"
	EndReasonHangup       EndReason = "remote_hangup"
	EndReasonVoicemail    EndReason = "voicemail_detected"
	EndReasonVoicemailAMD EndReason = "voicemail_detected_amd"
	EndReasonMaxCheckIns  EndReason = "max_check_ins"
	EndReasonMaxDuration  EndReason = "max_duration"
	EndReasonVendorError  EndReason = "vendor_error"
)

// AgentConfig is the immutable per-call snapshot of agent behavior. It is
// copied at call creation so mid-call config reloads never change a live
// conversation.
type AgentConfig struct {
	// SystemPrompt drives the LLM persona.
	SystemPrompt string

	// Greeting is spoken when the agent opens the conversation. Empty means
	// wait for the caller to speak first.
	Greeting string

	// Voice selects the TTS voice.
	Voice types.VoiceProfile

	// STTProvider, LLMProvider, TTSProvider name the vendor choices.
	STTProvider string
	LLMProvider string
	TTSProvider string

	// LLMModel is the model identifier for the LLM vendor.
	LLMModel string
}

// Call is the root runtime entity for one telephone conversation.
type Call struct {
	// ID is the opaque call identifier assigned at creation.
	ID string

	// CallControlID is the carrier's handle for control-plane commands.
	CallControlID string

	Direction types.Direction
	From      string
	To        string

	Config AgentConfig

	CreatedAt  time.Time
	StartedAt  time.Time
	AnsweredAt time.Time
	EndedAt    time.Time
	EndReason  EndReason
}
