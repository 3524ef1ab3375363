// Package webhook serves the carrier-facing HTTP surface: the control-plane
// webhook endpoint and the per-call media WebSocket.
//
// Control-plane events and the media stream may land on different workers, so
// every handler works exclusively through the shared call-state store and the
// call log; nothing here assumes the media session lives in this process.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/voicewire/voicewire/internal/call"
	"github.com/voicewire/voicewire/internal/calllog"
	"github.com/voicewire/voicewire/internal/callstate"
	"github.com/voicewire/voicewire/internal/carrier"
	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/pkg/types"
)

// maxBodyBytes bounds webhook request bodies.
const maxBodyBytes = 1 << 20

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Carrier-Signature"

// Event types delivered by the carrier control plane.
const (
	EventCallInitiated    = "call.initiated"
	EventCallAnswered     = "call.answered"
	EventMachineDetection = "call.machine.detection.ended"
	EventPlaybackStarted  = "call.playback.started"
	EventPlaybackEnded    = "call.playback.ended"
	EventCallHangup       = "call.hangup"
	EventRecordingSaved   = "call.recording.saved"
)

// Event is the carrier's webhook envelope.
type Event struct {
	EventType string  `json:"event_type"`
	Payload   Payload `json:"payload"`
}

// Payload carries the union of fields across event types; which are set
// depends on EventType.
type Payload struct {
	CallControlID string `json:"call_control_id"`
	ClientState   string `json:"client_state,omitempty"`
	Direction     string `json:"direction,omitempty"` // "incoming" or "outgoing"
	From          string `json:"from,omitempty"`
	To            string `json:"to,omitempty"`
	Result        string `json:"result,omitempty"` // machine detection verdict
	PlaybackID    string `json:"playback_id,omitempty"`
	RecordingURL  string `json:"recording_url,omitempty"`
	HangupCause   string `json:"hangup_cause,omitempty"`
}

// CallLog is the slice of the call log the webhook layer writes.
type CallLog interface {
	CreateCall(ctx context.Context, c *call.Call, agentID string) error
	MarkAnswered(ctx context.Context, callID string, at time.Time) error
	FinishCall(ctx context.Context, callID string, reason call.EndReason, at time.Time) error
	SetRecordingURL(ctx context.Context, callID, url string) error
}

// ControlPlane is the slice of the carrier REST client used here.
type ControlPlane interface {
	Answer(ctx context.Context, callControlID, clientState, streamURL string) error
}

var (
	_ ControlPlane = (*carrier.Client)(nil)
	_ CallLog      = (*calllog.Store)(nil)
)

// Deps are the handler's collaborators.
type Deps struct {
	State  *callstate.Store
	Log    CallLog
	Client ControlPlane

	// SelectAgent maps an inbound call's numbers to the agent that should
	// take it. Empty return means no agent is configured for the number; the
	// call is still answered and logged.
	SelectAgent func(from, to string) string

	// StreamURL builds the media WebSocket URL the carrier is told to
	// connect to for a given call.
	StreamURL func(callID string) string

	// Stream runs the media pipeline for one connected call. It blocks until
	// the call ends; the session is closed by the caller afterwards.
	Stream func(ctx context.Context, callID string, sess *carrier.Session)

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Handler serves the carrier webhook and media endpoints.
type Handler struct {
	deps   Deps
	secret string
	now    func() time.Time
}

// New creates a Handler. secret enables HMAC signature verification; empty
// disables it.
func New(deps Deps, secret string) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.SelectAgent == nil {
		deps.SelectAgent = func(_, _ string) string { return "" }
	}
	return &Handler{deps: deps, secret: secret, now: time.Now}
}

// Routes returns a mux with the webhook and media endpoints registered.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/carrier", h.ServeWebhook)
	mux.HandleFunc("GET /media/{call_id}", h.ServeMedia)
	return mux
}

// ServeWebhook handles one control-plane event. Processing failures are
// logged but still acknowledged with 200; the carrier retries non-2xx
// responses and most handlers here are not idempotent-safe to replay.
func (h *Handler) ServeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if !h.verifySignature(body, r.Header.Get(SignatureHeader)) {
		http.Error(w, "bad signature", http.StatusUnauthorized)
		return
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	if err := h.dispatch(r.Context(), ev); err != nil {
		h.deps.Logger.Error("webhook event failed",
			"event_type", ev.EventType,
			"call_control_id", ev.Payload.CallControlID,
			"err", err,
		)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

func (h *Handler) dispatch(ctx context.Context, ev Event) error {
	p := ev.Payload
	callID := carrier.DecodeState(p.ClientState)
	if callID == "" {
		callID = p.CallControlID
	}

	switch ev.EventType {
	case EventCallInitiated:
		return h.onInitiated(ctx, p)
	case EventCallAnswered:
		return h.onAnswered(ctx, callID)
	case EventMachineDetection:
		return h.onMachineDetection(ctx, callID, p.Result)
	case EventPlaybackStarted:
		return h.deps.State.AddPlayback(ctx, callID, p.PlaybackID)
	case EventPlaybackEnded:
		return h.onPlaybackEnded(ctx, callID, p.PlaybackID)
	case EventCallHangup:
		return h.onHangup(ctx, callID)
	case EventRecordingSaved:
		return h.deps.Log.SetRecordingURL(ctx, callID, p.RecordingURL)
	default:
		h.deps.Logger.Debug("ignoring webhook event", "event_type", ev.EventType)
		return nil
	}
}

// onInitiated creates the call and, for inbound calls, answers it with the
// media stream URL. Outbound calls were created by the dialer; only the
// shared state is touched.
func (h *Handler) onInitiated(ctx context.Context, p Payload) error {
	if p.Direction != "incoming" {
		callID := carrier.DecodeState(p.ClientState)
		if callID == "" {
			callID = p.CallControlID
		}
		return h.deps.State.Merge(ctx, callID, map[string]string{
			"call_control_id": p.CallControlID,
			"state":           "initiated",
		})
	}

	callID := uuid.NewString()
	agentID := h.deps.SelectAgent(p.From, p.To)
	c := &call.Call{
		ID:            callID,
		CallControlID: p.CallControlID,
		Direction:     types.DirectionInbound,
		From:          p.From,
		To:            p.To,
		CreatedAt:     h.now().UTC(),
	}
	if err := h.deps.Log.CreateCall(ctx, c, agentID); err != nil {
		return err
	}
	if err := h.deps.State.Merge(ctx, callID, map[string]string{
		"call_control_id": p.CallControlID,
		"agent_id":        agentID,
		"direction":       string(types.DirectionInbound),
		"from":            p.From,
		"to":              p.To,
		"state":           "initiated",
	}); err != nil {
		return err
	}
	if err := h.deps.Client.Answer(ctx, p.CallControlID, callID, h.deps.StreamURL(callID)); err != nil {
		return err
	}
	return nil
}

func (h *Handler) onAnswered(ctx context.Context, callID string) error {
	at := h.now().UTC()
	if err := h.deps.Log.MarkAnswered(ctx, callID, at); err != nil {
		return err
	}
	return h.deps.State.Merge(ctx, callID, map[string]string{
		"answered_at": at.Format(time.RFC3339Nano),
		"state":       "answered",
	})
}

// onMachineDetection raises the abort-greeting flag when the carrier reports
// a machine. The media worker owns the consequences (skip greeting, hang up
// or leave a message); this worker may not be the one holding the socket.
func (h *Handler) onMachineDetection(ctx context.Context, callID, result string) error {
	if err := h.deps.State.Merge(ctx, callID, map[string]string{"amd_result": result}); err != nil {
		return err
	}
	if result != "machine" {
		return nil
	}
	return h.deps.State.RaiseFlag(ctx, callID, callstate.FlagAbortGreeting)
}

// onPlaybackEnded reconciles a finished playback. When the last outstanding
// playback drains, the audio-done flag tells the media worker the carrier has
// truly finished speaking, wherever that worker lives.
func (h *Handler) onPlaybackEnded(ctx context.Context, callID, playbackID string) error {
	remaining, err := h.deps.State.RemovePlayback(ctx, callID, playbackID)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}
	return h.deps.State.RaiseFlag(ctx, callID, callstate.FlagAudioDone)
}

func (h *Handler) onHangup(ctx context.Context, callID string) error {
	// The media worker records the authoritative reason when it initiated
	// the hangup; a caller-side hangup has none yet.
	reason := call.EndReasonHangup
	if stored, err := h.deps.State.Get(ctx, callID, "end_reason"); err == nil && stored != "" {
		reason = call.EndReason(stored)
	}

	var errs []error
	if err := h.deps.Log.FinishCall(ctx, callID, reason, h.now().UTC()); err != nil {
		errs = append(errs, err)
	}
	if err := h.deps.State.Forget(ctx, callID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ServeMedia upgrades the carrier's media connection and runs the call
// pipeline over it. The request blocks for the lifetime of the call.
func (h *Handler) ServeMedia(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("call_id")
	if callID == "" {
		http.Error(w, "missing call_id", http.StatusBadRequest)
		return
	}
	if h.deps.Stream == nil {
		http.Error(w, "media not available", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.deps.Logger.Error("media upgrade failed", "call_id", callID, "err", err)
		return
	}

	log := h.deps.Logger.With("call_id", callID)
	log.Info("media stream connected")

	sess := carrier.NewSession(r.Context(), conn, log)
	h.deps.Stream(r.Context(), callID, sess)

	if err := sess.Close(); err != nil {
		log.Warn("media session close", "err", err)
	}
	log.Info("media stream finished")
}

// verifySignature checks the hex HMAC-SHA256 of body against the header
// value. An empty configured secret disables verification.
func (h *Handler) verifySignature(body []byte, header string) bool {
	if h.secret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	want := mac.Sum(nil)

	got, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	return hmac.Equal(got, want)
}

// Sign computes the signature value for body under secret. Exported for
// tests and for outbound tooling that replays events.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
