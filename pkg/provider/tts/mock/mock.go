// Package mock provides an in-memory tts.Provider for tests. Sessions emit a
// fixed amount of μ-law silence per sentence so playback timing paths can be
// exercised without a vendor.
package mock

import (
	"context"
	"sync"

	"github.com/voicewire/voicewire/pkg/provider/tts"
	"github.com/voicewire/voicewire/pkg/types"
)

// Provider implements tts.Provider. All sessions opened are retained for
// inspection.
type Provider struct {
	mu       sync.Mutex
	sessions []*Session

	// BytesPerSentence is the size of the audio chunk emitted for each
	// streamed sentence. Defaults to 1600 (200 ms of 8 kHz μ-law).
	BytesPerSentence int

	// StartErr, when set, is returned by StartSession.
	StartErr error
}

var _ tts.Provider = (*Provider)(nil)

// New creates a mock Provider.
func New() *Provider {
	return &Provider{BytesPerSentence: 1600}
}

// StartSession implements tts.Provider.
func (p *Provider) StartSession(ctx context.Context, voice types.VoiceProfile) (tts.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	s := &Session{
		Voice:     voice,
		chunkSize: p.BytesPerSentence,
		audio:     make(chan []byte, 64),
		done:      make(chan struct{}),
	}
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Sessions returns all sessions handed out so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// Session is a scriptable tts.Session.
type Session struct {
	Voice types.VoiceProfile

	chunkSize int
	audio     chan []byte

	mu        sync.Mutex
	sentences []string
	flushes   int
	clears    int
	closed    bool
	silent    bool
	done      chan struct{}
}

var _ tts.Session = (*Session)(nil)

// StreamSentence records the sentence and, unless muted with Silence, emits
// one μ-law silence chunk for it.
func (s *Session) StreamSentence(text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return tts.ErrSessionClosed
	}
	s.sentences = append(s.sentences, text)
	silent := s.silent
	s.mu.Unlock()

	if silent {
		return nil
	}
	chunk := make([]byte, s.chunkSize)
	for i := range chunk {
		chunk[i] = 0xFF
	}
	select {
	case s.audio <- chunk:
	case <-s.done:
		return tts.ErrSessionClosed
	}
	return nil
}

// Flush implements tts.Session.
func (s *Session) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return tts.ErrSessionClosed
	}
	s.flushes++
	return nil
}

// Audio implements tts.Session.
func (s *Session) Audio() <-chan []byte { return s.audio }

// ClearAudio implements tts.Session.
func (s *Session) ClearAudio() {
	s.mu.Lock()
	s.clears++
	s.mu.Unlock()
	for {
		select {
		case <-s.audio:
		default:
			return
		}
	}
}

// Close implements tts.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	close(s.audio)
	return nil
}

// Silence suppresses audio emission for subsequent sentences, for tests that
// only care about what text reached synthesis.
func (s *Session) Silence() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = true
}

// Sentences returns the texts streamed so far.
func (s *Session) Sentences() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sentences))
	copy(out, s.sentences)
	return out
}

// Flushes returns how many times Flush was called.
func (s *Session) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

// Clears returns how many times ClearAudio was called.
func (s *Session) Clears() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}
