// Package cartesia provides a Cartesia-backed TTS provider using the Cartesia
// Sonic WebSocket API. It implements the tts.Provider interface.
//
// Cartesia's protocol is context-oriented: inputs that share a context_id are
// synthesized as one continuous utterance, and a context can be cancelled
// server-side, which makes barge-in cheap. ClearAudio cancels the current
// context; the next sentence opens a fresh one.
package cartesia

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/voicewire/voicewire/pkg/provider/tts"
	"github.com/voicewire/voicewire/pkg/types"
)

const (
	wsEndpoint   = "wss://api.cartesia.ai/tts/websocket"
	apiVersion   = "2024-11-13"
	defaultModel = "sonic-2"
	defaultLang  = "en"
)

// Option is a functional option for configuring the Cartesia Provider.
type Option func(*Provider)

// WithModel sets the Cartesia model ID (e.g., "sonic-2", "sonic-turbo").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the synthesis language code.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// Provider implements tts.Provider backed by Cartesia.
type Provider struct {
	apiKey   string
	model    string
	language string
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new Cartesia Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("cartesia: apiKey must not be empty")
	}
	p := &Provider{apiKey: apiKey, model: defaultModel, language: defaultLang}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

type voiceRef struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type outputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// synthRequest is one generation request within a context.
type synthRequest struct {
	ModelID      string       `json:"model_id"`
	Transcript   string       `json:"transcript"`
	Voice        voiceRef     `json:"voice"`
	OutputFormat outputFormat `json:"output_format"`
	Language     string       `json:"language"`
	ContextID    string       `json:"context_id"`
	Continue     bool         `json:"continue"`
}

// cancelRequest aborts a context server-side.
type cancelRequest struct {
	ContextID string `json:"context_id"`
	Cancel    bool   `json:"cancel"`
}

// synthResponse is a server message: audio chunk, done marker, or error.
type synthResponse struct {
	Type      string `json:"type"`
	Data      string `json:"data"` // base64 audio on "chunk"
	ContextID string `json:"context_id"`
	Error     string `json:"error,omitempty"`
}

// StartSession implements tts.Provider.
func (p *Provider) StartSession(ctx context.Context, voice types.VoiceProfile) (tts.Session, error) {
	if voice.ID == "" {
		return nil, errors.New("cartesia: voice.ID must not be empty")
	}

	headers := http.Header{}
	headers.Set("X-API-Key", p.apiKey)
	headers.Set("Cartesia-Version", apiVersion)

	conn, _, err := websocket.Dial(ctx, wsEndpoint, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("cartesia: dial: %w", err)
	}

	model := voice.Model
	if model == "" {
		model = p.model
	}

	s := &session{
		conn:     conn,
		model:    model,
		language: p.language,
		voiceID:  voice.ID,
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.readLoop(ctx)

	return s, nil
}

// session is a live Cartesia connection carrying a sequence of contexts.
type session struct {
	conn     *websocket.Conn
	model    string
	language string
	voiceID  string

	audio chan []byte

	mu        sync.Mutex
	contextID string
	cancelled map[string]bool
	closed    bool

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

var _ tts.Session = (*session)(nil)

// StreamSentence implements tts.Session.
func (s *session) StreamSentence(text string) error {
	if text == "" {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return tts.ErrSessionClosed
	}
	if s.contextID == "" {
		s.contextID = uuid.NewString()
	}
	ctxID := s.contextID
	s.mu.Unlock()

	req := synthRequest{
		ModelID:    s.model,
		Transcript: text + " ",
		Voice:      voiceRef{Mode: "id", ID: s.voiceID},
		OutputFormat: outputFormat{
			Container:  "raw",
			Encoding:   "pcm_mulaw",
			SampleRate: 8000,
		},
		Language:  s.language,
		ContextID: ctxID,
		Continue:  true,
	}
	return s.send(req)
}

// Flush implements tts.Session. Closing the context with an empty final
// transcript makes Cartesia synthesize everything buffered.
func (s *session) Flush() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return tts.ErrSessionClosed
	}
	ctxID := s.contextID
	s.contextID = ""
	s.mu.Unlock()

	if ctxID == "" {
		return nil
	}
	req := synthRequest{
		ModelID:    s.model,
		Transcript: "",
		Voice:      voiceRef{Mode: "id", ID: s.voiceID},
		OutputFormat: outputFormat{
			Container:  "raw",
			Encoding:   "pcm_mulaw",
			SampleRate: 8000,
		},
		Language:  s.language,
		ContextID: ctxID,
		Continue:  false,
	}
	return s.send(req)
}

// Audio implements tts.Session.
func (s *session) Audio() <-chan []byte { return s.audio }

// ClearAudio implements tts.Session. The active context is cancelled
// server-side and its remaining chunks are dropped on arrival.
func (s *session) ClearAudio() {
	s.mu.Lock()
	ctxID := s.contextID
	s.contextID = ""
	if ctxID != "" {
		if s.cancelled == nil {
			s.cancelled = make(map[string]bool)
		}
		s.cancelled[ctxID] = true
	}
	closed := s.closed
	s.mu.Unlock()

	if ctxID != "" && !closed {
		_ = s.send(cancelRequest{ContextID: ctxID, Cancel: true})
	}

	for {
		select {
		case <-s.audio:
		default:
			return
		}
	}
}

// Close implements tts.Session.
func (s *session) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// send marshals and writes one request.
func (s *session) send(v any) error {
	select {
	case <-s.done:
		return tts.ErrSessionClosed
	default:
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cartesia: marshal: %w", err)
	}
	if err := s.conn.Write(context.Background(), websocket.MessageText, payload); err != nil {
		return fmt.Errorf("cartesia: write: %w", err)
	}
	return nil
}

// readLoop receives server messages and forwards live-context audio.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.audio)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		var resp synthResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Type != "chunk" || resp.Data == "" {
			continue
		}

		s.mu.Lock()
		dropped := s.cancelled[resp.ContextID]
		s.mu.Unlock()
		if dropped {
			continue
		}

		chunk, err := base64.StdEncoding.DecodeString(resp.Data)
		if err != nil {
			continue
		}
		select {
		case s.audio <- chunk:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
