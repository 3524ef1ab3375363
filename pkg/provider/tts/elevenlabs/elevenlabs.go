// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs stream-input WebSocket API. It implements the tts.Provider
// interface.
//
// One WebSocket is held open per call. ElevenLabs drops idle stream-input
// connections after 20 seconds, so the session sends a keep-alive space
// during silences. The protocol has no server-side cancel: ClearAudio drops
// the connection mid-generation and redials, so audio from a cancelled
// generation dies with its socket.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/voicewire/voicewire/pkg/provider/tts"
	"github.com/voicewire/voicewire/pkg/types"
)

const (
	defaultBaseURL = "wss://api.elevenlabs.io"
	wsPathFmt      = "/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s"
	defaultModel   = "eleven_flash_v2_5"

	// μ-law 8 kHz straight to the carrier, no transcoding.
	outputFormat = "ulaw_8000"

	// keepAliveInterval is comfortably inside the 20 s idle timeout.
	keepAliveInterval = 15 * time.Second

	// redialTimeout bounds the replacement dial performed by ClearAudio.
	redialTimeout = 2 * time.Second
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithBaseURL overrides the API endpoint, for proxies and tests.
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) {
		p.baseURL = baseURL
	}
}

// Provider implements tts.Provider backed by the ElevenLabs stream-input API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text                 string         `json:"text"`
	VoiceSettings        *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey             string         `json:"xi_api_key,omitempty"`
	TryTriggerGeneration bool           `json:"try_trigger_generation,omitempty"`
	Flush                bool           `json:"flush,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is the JSON message received over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded μ-law
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
}

// StartSession implements tts.Provider.
func (p *Provider) StartSession(ctx context.Context, voice types.VoiceProfile) (tts.Session, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}
	model := voice.Model
	if model == "" {
		model = p.model
	}

	wsURL := p.baseURL + fmt.Sprintf(wsPathFmt, voice.ID, model, outputFormat)

	// The opening message authenticates and must carry a non-empty text.
	boi := textMessage{
		Text: " ",
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
		XiAPIKey: p.apiKey,
	}
	boiBytes, _ := json.Marshal(boi)

	dial := func(ctx context.Context) (*websocket.Conn, error) {
		conn, _, err := websocket.Dial(ctx, wsURL, nil)
		if err != nil {
			return nil, fmt.Errorf("elevenlabs: dial: %w", err)
		}
		if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
			conn.Close(websocket.StatusInternalError, "failed to send opening message")
			return nil, fmt.Errorf("elevenlabs: send opening message: %w", err)
		}
		return conn, nil
	}

	conn, err := dial(ctx)
	if err != nil {
		return nil, err
	}

	s := &session{
		dial:  dial,
		conn:  conn,
		audio: make(chan []byte, 256),
		done:  make(chan struct{}),
	}
	s.lastSend.Store(time.Now().UnixNano())

	s.wg.Add(2)
	go s.readLoop(conn, 0)
	go s.keepAliveLoop()

	return s, nil
}

// session is a live ElevenLabs stream-input connection. The conn is replaced
// wholesale by ClearAudio; epoch stamps each read loop so audio from a
// cancelled generation never reaches the consumer.
type session struct {
	dial func(ctx context.Context) (*websocket.Conn, error)

	audio chan []byte

	// epoch increments on every ClearAudio. A read loop forwards audio only
	// while its stamp is current.
	epoch atomic.Int64

	// suppress drops incoming audio when a cancel could not replace the
	// connection; cleared by the next StreamSentence.
	suppress atomic.Bool

	// lastSend is the UnixNano of the last outbound message, for keep-alive.
	lastSend atomic.Int64

	connMu sync.Mutex
	conn   *websocket.Conn

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
	s.suppress.Store(false)
	// Trailing space tells the model the fragment is a complete unit.
	return s.send(textMessage{Text: text + " ", TryTriggerGeneration: true})
}

// Flush implements tts.Session.
func (s *session) Flush() error {
	return s.send(textMessage{Text: " ", Flush: true})
}

// Audio implements tts.Session.
func (s *session) Audio() <-chan []byte { return s.audio }

// ClearAudio implements tts.Session. The stream-input protocol cannot cancel
// server-side, so the connection is dropped and redialed; generation already
// in flight dies with the old socket. When the redial fails, incoming audio
// is suppressed locally until the next sentence instead.
func (s *session) ClearAudio() {
	select {
	case <-s.done:
		return
	default:
	}
	epoch := s.epoch.Add(1)

	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conn.Close(websocket.StatusNormalClosure, "synthesis cancelled")
	s.drainBuffered()

	ctx, cancel := context.WithTimeout(context.Background(), redialTimeout)
	defer cancel()
	conn, err := s.dial(ctx)
	if err != nil {
		s.suppress.Store(true)
		return
	}
	s.conn = conn
	s.wg.Add(1)
	go s.readLoop(conn, epoch)
	s.drainBuffered()
}

// drainBuffered empties audio chunks already queued locally.
func (s *session) drainBuffered() {
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
		close(s.done)
		s.connMu.Lock()
		// An empty text message is the end-of-stream marker.
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"text":""}`))
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.connMu.Unlock()
		s.wg.Wait()
		close(s.audio)
	})
	return nil
}

// send marshals and writes one message, recording the send time.
func (s *session) send(msg textMessage) error {
	select {
	case <-s.done:
		return tts.ErrSessionClosed
	default:
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("elevenlabs: marshal: %w", err)
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if err := s.conn.Write(context.Background(), websocket.MessageText, payload); err != nil {
		return fmt.Errorf("elevenlabs: write: %w", err)
	}
	s.lastSend.Store(time.Now().UnixNano())
	return nil
}

// readLoop receives audio messages from one connection and forwards decoded
// chunks while its epoch is current. It exits when the connection closes.
func (s *session) readLoop(conn *websocket.Conn, epoch int64) {
	defer s.wg.Done()

	for {
		_, msg, err := conn.Read(context.Background())
		if err != nil {
			return
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Audio == "" {
			continue
		}
		if epoch != s.epoch.Load() || s.suppress.Load() {
			continue
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
		if err != nil {
			continue
		}
		select {
		case s.audio <- chunk:
		case <-s.done:
			return
		}
	}
}

// keepAliveLoop sends a space whenever the connection has been quiet long
// enough to risk the idle timeout.
func (s *session) keepAliveLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastSend.Load())
			if time.Since(last) >= keepAliveInterval {
				_ = s.send(textMessage{Text: " "})
			}
		}
	}
}
