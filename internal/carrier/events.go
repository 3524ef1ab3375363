// Package carrier wraps one bidirectional audio WebSocket with the telephony
// provider. Inbound JSON frames are parsed into Events; outbound media is
// base64-encoded and paced at one frame per 20 ms by a single writer, which
// is what keeps carrier egress strictly ordered.
package carrier

import "time"

// EventType identifies an inbound carrier stream event.
type EventType string

const (
	// EventConnected is the first frame after the socket opens.
	EventConnected EventType = "connected"

	// EventStart carries the call control ID and marks the start of media.
	EventStart EventType = "start"

	// EventMedia carries one chunk of inbound μ-law audio.
	EventMedia EventType = "media"

	// EventDTMF reports a keypad digit pressed by the far end.
	EventDTMF EventType = "dtmf"

	// EventStop marks the end of the media stream.
	EventStop EventType = "stop"
)

// Event is one parsed inbound frame from the carrier stream.
type Event struct {
	Type EventType

	// CallControlID identifies the call; set on EventStart.
	CallControlID string

	// Audio is decoded μ-law payload; set on EventMedia.
	Audio []byte

	// Digit is the DTMF digit; set on EventDTMF.
	Digit string

	// ReceivedAt is when the frame was read off the socket.
	ReceivedAt time.Time
}

// wireFrame is the carrier's JSON envelope, both directions.
type wireFrame struct {
	Event string     `json:"event"`
	Start *startInfo `json:"start,omitempty"`
	Media *mediaInfo `json:"media,omitempty"`
	DTMF  *dtmfInfo  `json:"dtmf,omitempty"`
}

type startInfo struct {
	CallControlID string `json:"call_control_id"`
}

type mediaInfo struct {
	Payload string `json:"payload"` // base64 μ-law
}

type dtmfInfo struct {
	Digit string `json:"digit"`
}
