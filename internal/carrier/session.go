package carrier

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voicewire/voicewire/pkg/types"
)

// ErrSessionClosed is returned by send methods after the session has ended.
var ErrSessionClosed = errors.New("carrier: session is closed")

const (
	// framePeriod is the steady-state pacing of outbound media.
	framePeriod = 20 * time.Millisecond

	// clearRepeats and clearSpacing implement the redundant clear burst. The
	// carrier occasionally drops a single clear mid-burst; re-sends are
	// idempotent.
	clearRepeats = 3
	clearSpacing = 10 * time.Millisecond
)

// Session is one live carrier media stream. Construct with NewSession around
// an accepted WebSocket connection; all methods are safe for concurrent use.
type Session struct {
	conn   *websocket.Conn
	log    *slog.Logger
	events chan Event

	// egress is drained by the single paced writer goroutine.
	egress chan []byte

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewSession wraps an accepted carrier WebSocket and starts its read and
// write loops.
func NewSession(ctx context.Context, conn *websocket.Conn, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		conn:   conn,
		log:    log,
		events: make(chan Event, 256),
		egress: make(chan []byte, 512),
		done:   make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop(ctx)
	go s.writeLoop(ctx)
	return s
}

// Events returns the inbound event stream. Closed when the carrier socket
// drops or the session is closed.
func (s *Session) Events() <-chan Event { return s.events }

// SendAudio queues one μ-law frame for paced egress. Frames are sent in the
// order queued.
func (s *Session) SendAudio(frame types.AudioFrame) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.egress <- frame.Data:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// Clear drops all queued outbound audio, locally and carrier-side. The clear
// control frame is sent clearRepeats times with clearSpacing between sends.
func (s *Session) Clear(ctx context.Context) error {
	// Drain frames already queued locally.
	for {
		select {
		case <-s.egress:
			continue
		default:
		}
		break
	}

	payload, _ := json.Marshal(wireFrame{Event: "clear"})
	for i := 0; i < clearRepeats; i++ {
		if err := s.writeText(ctx, payload); err != nil {
			return err
		}
		if i < clearRepeats-1 {
			select {
			case <-time.After(clearSpacing):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// SendDTMF emits one keypad digit toward the far end.
func (s *Session) SendDTMF(ctx context.Context, digit string) error {
	payload, err := json.Marshal(wireFrame{Event: "dtmf", DTMF: &dtmfInfo{Digit: digit}})
	if err != nil {
		return err
	}
	return s.writeText(ctx, payload)
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeText serializes writes so media pacing and control frames never
// interleave mid-message.
func (s *Session) writeText(ctx context.Context, payload []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, payload)
}

// readLoop parses inbound frames into Events.
func (s *Session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		ev, ok := parseFrame(msg)
		if !ok {
			continue
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		default:
			// Inbound audio overruns mean the consumer stalled; dropping a
			// 20 ms frame beats blocking the socket reader.
			s.log.Warn("carrier event dropped, consumer backlogged", "type", ev.Type)
		}
	}
}

// parseFrame decodes one inbound JSON frame. Unknown events are skipped.
func parseFrame(msg []byte) (Event, bool) {
	var wf wireFrame
	if err := json.Unmarshal(msg, &wf); err != nil {
		return Event{}, false
	}

	ev := Event{ReceivedAt: time.Now()}
	switch wf.Event {
	case "connected":
		ev.Type = EventConnected
	case "start":
		ev.Type = EventStart
		if wf.Start != nil {
			ev.CallControlID = wf.Start.CallControlID
		}
	case "media":
		ev.Type = EventMedia
		if wf.Media == nil {
			return Event{}, false
		}
		audio, err := base64.StdEncoding.DecodeString(wf.Media.Payload)
		if err != nil {
			return Event{}, false
		}
		ev.Audio = audio
	case "dtmf":
		ev.Type = EventDTMF
		if wf.DTMF != nil {
			ev.Digit = wf.DTMF.Digit
		}
	case "stop":
		ev.Type = EventStop
	default:
		return Event{}, false
	}
	return ev, true
}

// writeLoop is the single egress path: one media frame per 20 ms.
func (s *Session) writeLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(framePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case data := <-s.egress:
				payload, _ := json.Marshal(wireFrame{
					Event: "media",
					Media: &mediaInfo{Payload: base64.StdEncoding.EncodeToString(data)},
				})
				if err := s.writeText(ctx, payload); err != nil {
					return
				}
			default:
				// No audio pending this tick.
			}
		}
	}
}
