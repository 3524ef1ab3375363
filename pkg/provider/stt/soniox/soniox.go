// Package soniox provides a Soniox-backed STT provider using the Soniox
// real-time WebSocket API. It implements the stt.Provider interface.
//
// Soniox streams token-level results rather than utterance-level ones: each
// response carries a list of tokens flagged final or non-final, and turn ends
// arrive as a literal "<end>" token when endpoint detection is enabled. This
// package reassembles those tokens into the partial/final transcript shape
// the rest of the pipeline expects.
//
// Soniox wants 16 kHz linear PCM; the caller is responsible for upsampling
// telephony audio before SendAudio.
package soniox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voicewire/voicewire/pkg/provider/stt"
	"github.com/voicewire/voicewire/pkg/types"
)

const (
	sonioxEndpoint = "wss://stt-rt.soniox.com/transcribe-websocket"
	defaultModel   = "stt-rt-preview"

	// endTok is emitted by Soniox as a standalone token when endpoint
	// detection fires.
	endTok = "<end>"
)

// Option is a functional option for configuring the Soniox Provider.
type Option func(*Provider)

// WithModel sets the Soniox real-time model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// Provider implements stt.Provider backed by Soniox.
type Provider struct {
	apiKey string
	model  string
}

// New creates a new Soniox Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("soniox: apiKey must not be empty")
	}
	p := &Provider{apiKey: apiKey, model: defaultModel}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// startRequest is the first (and only) JSON frame sent on a new connection.
type startRequest struct {
	APIKey                  string   `json:"api_key"`
	Model                   string   `json:"model"`
	AudioFormat             string   `json:"audio_format"`
	SampleRate              int      `json:"sample_rate"`
	NumChannels             int      `json:"num_channels"`
	LanguageHints           []string `json:"language_hints,omitempty"`
	EnableEndpointDetection bool     `json:"enable_endpoint_detection"`
}

// StartStream opens a streaming transcription session with Soniox.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	conn, _, err := websocket.Dial(ctx, sonioxEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("soniox: dial: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = p.model
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = 16000
	}
	req := startRequest{
		APIKey:                  p.apiKey,
		Model:                   model,
		AudioFormat:             "pcm_s16le",
		SampleRate:              sr,
		NumChannels:             1,
		EnableEndpointDetection: true,
	}
	if cfg.Language != "" {
		req.LanguageHints = []string{cfg.Language}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "marshal start request")
		return nil, fmt.Errorf("soniox: marshal start request: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		conn.Close(websocket.StatusInternalError, "send start request")
		return nil, fmt.Errorf("soniox: send start request: %w", err)
	}

	sess := &session{
		conn:      conn,
		partials:  make(chan types.Transcript, 64),
		finals:    make(chan types.Transcript, 64),
		endpoints: make(chan struct{}, 8),
		audio:     make(chan []byte, 256),
		done:      make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// ---- session ----

type sonioxToken struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence"`
}

type sonioxResponse struct {
	Tokens       []sonioxToken `json:"tokens"`
	ErrorCode    int           `json:"error_code"`
	ErrorMessage string        `json:"error_message"`
	Finished     bool          `json:"finished"`
}

type session struct {
	conn      *websocket.Conn
	partials  chan types.Transcript
	finals    chan types.Transcript
	endpoints chan struct{}
	audio     chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	// finalBuf accumulates final tokens until an endpoint flushes them out
	// as one committed transcript. Accessed only from readLoop.
	finalBuf strings.Builder
}

// SendAudio queues a 16 kHz linear PCM chunk for delivery to Soniox.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

func (s *session) Partials() <-chan types.Transcript { return s.partials }
func (s *session) Finals() <-chan types.Transcript   { return s.finals }
func (s *session) Endpoints() <-chan struct{}        { return s.endpoints }

// Close terminates the session. An empty binary frame tells Soniox to
// finalize pending audio.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageBinary, []byte{})
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)
	defer close(s.endpoints)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			s.flushFinal(1)
			return
		}

		var resp sonioxResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.ErrorCode != 0 {
			s.flushFinal(1)
			return
		}

		s.consumeTokens(resp.Tokens)

		if resp.Finished {
			s.flushFinal(1)
			return
		}
	}
}

// consumeTokens folds one response's tokens into partial and final streams.
// Non-final tokens form the current interim hypothesis; final tokens append
// to the pending committed text, which an "<end>" token flushes together
// with an endpoint signal.
func (s *session) consumeTokens(tokens []sonioxToken) {
	var interim strings.Builder
	var confSum float64
	var confN int
	sawEnd := false

	for _, tok := range tokens {
		if tok.Text == endTok {
			sawEnd = true
			continue
		}
		if tok.IsFinal {
			s.finalBuf.WriteString(tok.Text)
			confSum += tok.Confidence
			confN++
		} else {
			interim.WriteString(tok.Text)
		}
	}

	if interim.Len() > 0 {
		text := strings.TrimSpace(s.finalBuf.String() + interim.String())
		s.deliver(s.partials, types.Transcript{
			Text:       text,
			IsFinal:    false,
			ReceivedAt: time.Now(),
		})
	}

	if sawEnd {
		conf := 1.0
		if confN > 0 {
			conf = confSum / float64(confN)
		}
		s.flushFinal(conf)
		s.signalEndpoint()
	}
}

// flushFinal emits the accumulated final text, if any, and resets the buffer.
func (s *session) flushFinal(confidence float64) {
	text := strings.TrimSpace(s.finalBuf.String())
	s.finalBuf.Reset()
	if text == "" {
		return
	}
	s.deliver(s.finals, types.Transcript{
		Text:       text,
		IsFinal:    true,
		Confidence: confidence,
		ReceivedAt: time.Now(),
	})
}

func (s *session) deliver(ch chan types.Transcript, t types.Transcript) {
	select {
	case ch <- t:
	case <-s.done:
	}
}

func (s *session) signalEndpoint() {
	select {
	case s.endpoints <- struct{}{}:
	default:
	}
}
