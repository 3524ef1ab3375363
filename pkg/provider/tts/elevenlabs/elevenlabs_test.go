package elevenlabs_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voicewire/voicewire/pkg/provider/tts/elevenlabs"
	"github.com/voicewire/voicewire/pkg/types"
)

// streamServer fakes the stream-input endpoint: every non-empty sentence gets
// a burst of audio messages whose decoded payload is the sentence text, so a
// chunk can be traced back to the generation that produced it.
type streamServer struct {
	srv *httptest.Server

	mu    sync.Mutex
	conns int
}

func newStreamServer(t *testing.T, chunksPerSentence int, interval time.Duration) *streamServer {
	t.Helper()
	s := &streamServer{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns++
		s.mu.Unlock()
		defer conn.Close(websocket.StatusNormalClosure, "")

		for {
			_, msg, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(msg, &in); err != nil {
				continue
			}
			text := strings.TrimSpace(in.Text)
			if text == "" {
				// Opening message, keep-alive, flush, or end-of-stream.
				continue
			}
			for i := 0; i < chunksPerSentence; i++ {
				out, _ := json.Marshal(map[string]string{
					"audio": base64.StdEncoding.EncodeToString([]byte(text)),
				})
				if err := conn.Write(r.Context(), websocket.MessageText, out); err != nil {
					return
				}
				time.Sleep(interval)
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *streamServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *streamServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func TestClearAudioDropsInFlightGeneration(t *testing.T) {
	t.Parallel()

	srv := newStreamServer(t, 50, 10*time.Millisecond)

	p, err := elevenlabs.New("test-key", elevenlabs.WithBaseURL(srv.wsURL()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := p.StartSession(context.Background(), types.VoiceProfile{ID: "v-1"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	defer sess.Close()

	if err := sess.StreamSentence("alpha"); err != nil {
		t.Fatalf("StreamSentence: %v", err)
	}

	// The first generation is flowing.
	select {
	case chunk := <-sess.Audio():
		if string(chunk) != "alpha" {
			t.Fatalf("first chunk = %q, want alpha", chunk)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no audio from first sentence")
	}

	sess.ClearAudio()

	redialSeen := time.Now().Add(3 * time.Second)
	for srv.connCount() < 2 {
		if time.Now().After(redialSeen) {
			t.Fatalf("connections = %d, want a redial after clear", srv.connCount())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := sess.StreamSentence("bravo"); err != nil {
		t.Fatalf("StreamSentence after clear: %v", err)
	}

	// Only the new generation may come through after the clear.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case chunk := <-sess.Audio():
			switch string(chunk) {
			case "bravo":
				return
			case "alpha":
				t.Fatal("audio from the cancelled generation leaked past the clear")
			default:
				t.Fatalf("unexpected chunk %q", chunk)
			}
		case <-deadline:
			t.Fatal("no audio from the second sentence")
		}
	}
}

func TestStreamSentenceAfterFailedRedialResumes(t *testing.T) {
	t.Parallel()

	srv := newStreamServer(t, 3, 0)

	p, err := elevenlabs.New("test-key", elevenlabs.WithBaseURL(srv.wsURL()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := p.StartSession(context.Background(), types.VoiceProfile{ID: "v-1"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	defer sess.Close()

	if err := sess.StreamSentence("alpha"); err != nil {
		t.Fatalf("StreamSentence: %v", err)
	}
	select {
	case <-sess.Audio():
	case <-time.After(3 * time.Second):
		t.Fatal("no audio from first sentence")
	}

	// The endpoint goes away mid-call; the clear's redial fails and the
	// session falls back to suppression.
	srv.srv.CloseClientConnections()
	srv.srv.Close()
	sess.ClearAudio()

	// A write now fails loudly instead of hanging; the caller sees the error
	// and its fallback provider takes over.
	if err := sess.StreamSentence("bravo"); err == nil {
		t.Error("StreamSentence on a dead session should report the write failure")
	}
}
