// Package mock provides an in-memory stt.Provider for tests. Sessions record
// the audio they receive and let the test inject transcripts and endpoint
// signals at will.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/voicewire/voicewire/pkg/provider/stt"
	"github.com/voicewire/voicewire/pkg/types"
)

// Provider implements stt.Provider. Every StartStream call returns a fresh
// Session, all of which are retained for inspection.
type Provider struct {
	mu       sync.Mutex
	sessions []*Session

	// StartErr, when set, is returned by StartStream instead of a session.
	StartErr error
}

var _ stt.Provider = (*Provider)(nil)

// New creates a mock Provider.
func New() *Provider {
	return &Provider{}
}

// StartStream implements stt.Provider.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	s := &Session{
		Config:    cfg,
		partials:  make(chan types.Transcript, 64),
		finals:    make(chan types.Transcript, 64),
		endpoints: make(chan struct{}, 8),
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

// Session is a scriptable stt.SessionHandle.
type Session struct {
	Config stt.StreamConfig

	partials  chan types.Transcript
	finals    chan types.Transcript
	endpoints chan struct{}

	mu     sync.Mutex
	audio  [][]byte
	closed bool
	done   chan struct{}
}

var _ stt.SessionHandle = (*Session)(nil)

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.audio = append(s.audio, cp)
	return nil
}

// Audio returns the chunks received so far.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}

// Partials implements stt.SessionHandle.
func (s *Session) Partials() <-chan types.Transcript { return s.partials }

// Finals implements stt.SessionHandle.
func (s *Session) Finals() <-chan types.Transcript { return s.finals }

// Endpoints implements stt.SessionHandle.
func (s *Session) Endpoints() <-chan struct{} { return s.endpoints }

// Close implements stt.SessionHandle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	close(s.partials)
	close(s.finals)
	close(s.endpoints)
	return nil
}

// EmitPartial injects an interim transcript.
func (s *Session) EmitPartial(text string) {
	s.partials <- types.Transcript{Text: text, ReceivedAt: time.Now()}
}

// EmitFinal injects a committed transcript.
func (s *Session) EmitFinal(text string, confidence float64) {
	s.finals <- types.Transcript{Text: text, IsFinal: true, Confidence: confidence, ReceivedAt: time.Now()}
}

// EmitEndpoint injects a turn-end signal.
func (s *Session) EmitEndpoint() {
	s.endpoints <- struct{}{}
}
