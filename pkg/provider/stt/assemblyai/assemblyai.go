// Package assemblyai provides an AssemblyAI-backed STT provider using the v3
// Universal-Streaming WebSocket API. It implements the stt.Provider interface.
//
// The v3 API is turn-oriented: every Turn message carries the full running
// transcript for the current turn plus an end_of_turn flag. Partials are the
// unfinished turns; a turn with end_of_turn set becomes a final and doubles
// as the endpoint signal.
//
// AssemblyAI streaming wants 16 kHz linear PCM; the caller upsamples.
package assemblyai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voicewire/voicewire/pkg/provider/stt"
	"github.com/voicewire/voicewire/pkg/types"
)

const assemblyaiEndpoint = "wss://streaming.assemblyai.com/v3/ws"

// Provider implements stt.Provider backed by AssemblyAI Universal-Streaming.
type Provider struct {
	apiKey string
}

// New creates a new AssemblyAI Provider. apiKey must be non-empty.
func New(apiKey string) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("assemblyai: apiKey must not be empty")
	}
	return &Provider{apiKey: apiKey}, nil
}

// StartStream opens a streaming transcription session with AssemblyAI.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	u, err := url.Parse(assemblyaiEndpoint)
	if err != nil {
		return nil, fmt.Errorf("assemblyai: parse endpoint: %w", err)
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = 16000
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("encoding", "pcm_s16le")
	q.Set("format_turns", "true")
	if cfg.EndpointingMs > 0 {
		q.Set("min_end_of_turn_silence_when_confident", strconv.Itoa(cfg.EndpointingMs))
	}
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", p.apiKey)

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("assemblyai: dial: %w", err)
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

type turnMessage struct {
	Type                string  `json:"type"`
	Transcript          string  `json:"transcript"`
	EndOfTurn           bool    `json:"end_of_turn"`
	TurnIsFormatted     bool    `json:"turn_is_formatted"`
	EndOfTurnConfidence float64 `json:"end_of_turn_confidence"`
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
}

// SendAudio queues a 16 kHz linear PCM chunk for delivery to AssemblyAI.
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

// Close terminates the session, asking the server to flush first.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"Terminate"}`))
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
			return
		}

		var turn turnMessage
		if err := json.Unmarshal(msg, &turn); err != nil {
			continue
		}

		switch turn.Type {
		case "Turn":
			if turn.Transcript == "" {
				continue
			}
			t := types.Transcript{
				Text:       turn.Transcript,
				IsFinal:    turn.EndOfTurn,
				Confidence: turn.EndOfTurnConfidence,
				ReceivedAt: time.Now(),
			}
			if turn.EndOfTurn {
				// With format_turns the final arrives twice, raw then
				// formatted. Only the formatted one is committed.
				if !turn.TurnIsFormatted {
					continue
				}
				s.deliver(s.finals, t)
				s.signalEndpoint()
			} else {
				s.deliver(s.partials, t)
			}
		case "Termination":
			return
		}
	}
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
