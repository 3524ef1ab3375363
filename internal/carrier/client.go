package carrier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to the carrier's control-plane REST API: answering and
// hanging up calls, and dialing outbound. Media never flows through here;
// that is the Session's WebSocket.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// ClientOption configures a [Client].
type ClientOption func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// NewClient creates a control-plane client for the carrier API at baseURL.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DialRequest describes an outbound call.
type DialRequest struct {
	// To and From are E.164 numbers.
	To   string
	From string

	// StreamURL is the WebSocket endpoint the carrier connects back to for
	// bidirectional media.
	StreamURL string

	// ClientState is an opaque value the carrier echoes back in every
	// webhook for this call. The webhook layer stores the call ID here.
	ClientState string

	// MachineDetection asks the carrier to run answering machine detection
	// and report the result via webhook.
	MachineDetection bool
}

type dialPayload struct {
	To               string `json:"to"`
	From             string `json:"from"`
	StreamURL        string `json:"stream_url"`
	ClientState      string `json:"client_state,omitempty"`
	MachineDetection string `json:"answering_machine_detection,omitempty"`
}

type dialResponse struct {
	Data struct {
		CallControlID string `json:"call_control_id"`
	} `json:"data"`
}

// Dial places an outbound call and returns the carrier's call control ID.
func (c *Client) Dial(ctx context.Context, req DialRequest) (string, error) {
	payload := dialPayload{
		To:          req.To,
		From:        req.From,
		StreamURL:   req.StreamURL,
		ClientState: encodeState(req.ClientState),
	}
	if req.MachineDetection {
		payload.MachineDetection = "detect"
	}

	body, err := c.post(ctx, "/calls", payload)
	if err != nil {
		return "", fmt.Errorf("carrier: dial %s: %w", req.To, err)
	}
	var resp dialResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("carrier: dial %s: decode response: %w", req.To, err)
	}
	if resp.Data.CallControlID == "" {
		return "", fmt.Errorf("carrier: dial %s: response missing call_control_id", req.To)
	}
	return resp.Data.CallControlID, nil
}

type answerPayload struct {
	StreamURL   string `json:"stream_url"`
	StreamTrack string `json:"stream_track"`
	ClientState string `json:"client_state,omitempty"`
}

// Answer accepts an inbound call and points its media at streamURL.
// clientState is echoed back in subsequent webhooks for this call.
func (c *Client) Answer(ctx context.Context, callControlID, clientState, streamURL string) error {
	payload := answerPayload{
		StreamURL:   streamURL,
		StreamTrack: "inbound_track",
		ClientState: encodeState(clientState),
	}
	if _, err := c.post(ctx, "/calls/"+callControlID+"/actions/answer", payload); err != nil {
		return fmt.Errorf("carrier: answer %s: %w", callControlID, err)
	}
	return nil
}

// Hangup ends the call. Idempotent on the carrier side; a 404 for an
// already-ended call is not an error.
func (c *Client) Hangup(ctx context.Context, callControlID string) error {
	_, err := c.post(ctx, "/calls/"+callControlID+"/actions/hangup", struct{}{})
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("carrier: hangup %s: %w", callControlID, err)
	}
	return nil
}

// post sends a JSON body and returns the response body on any 2xx status.
func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &statusError{code: resp.StatusCode, body: truncate(data, 256)}
	}
	return data, nil
}

// statusError is a non-2xx control-plane response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

// encodeState base64-encodes the opaque client state the carrier requires.
func encodeState(s string) string {
	if s == "" {
		return ""
	}
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// DecodeState reverses [encodeState] for client_state values received in
// webhooks. Invalid encodings return the raw input.
func DecodeState(s string) string {
	if s == "" {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return s
	}
	return string(decoded)
}

func truncate(b []byte, limit int) string {
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
