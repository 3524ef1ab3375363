package stt_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voicewire/voicewire/pkg/provider/stt"
	"github.com/voicewire/voicewire/pkg/types"
)

// fakeSession is a scriptable stt.SessionHandle for exercising the reconnect
// wrapper without a network.
type fakeSession struct {
	partials  chan types.Transcript
	finals    chan types.Transcript
	endpoints chan struct{}

	mu     sync.Mutex
	closed bool
	sent   [][]byte
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		partials:  make(chan types.Transcript, 8),
		finals:    make(chan types.Transcript, 8),
		endpoints: make(chan struct{}, 8),
	}
}

func (f *fakeSession) SendAudio(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return stt.ErrSessionClosed
	}
	f.sent = append(f.sent, chunk)
	return nil
}

func (f *fakeSession) Partials() <-chan types.Transcript { return f.partials }
func (f *fakeSession) Finals() <-chan types.Transcript   { return f.finals }
func (f *fakeSession) Endpoints() <-chan struct{}        { return f.endpoints }

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
	}
	return nil
}

// die simulates a transport failure by closing the output channels.
func (f *fakeSession) die() {
	close(f.partials)
	close(f.finals)
	close(f.endpoints)
}

// fakeProvider hands out pre-built sessions in order, then errors.
type fakeProvider struct {
	mu       sync.Mutex
	sessions []*fakeSession
	dials    int
}

func (p *fakeProvider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dials++
	if len(p.sessions) == 0 {
		return nil, errors.New("no more sessions")
	}
	s := p.sessions[0]
	p.sessions = p.sessions[1:]
	return s, nil
}

func TestReconnectingSessionForwardsTranscripts(t *testing.T) {
	t.Parallel()

	inner := newFakeSession()
	p := &fakeProvider{sessions: []*fakeSession{inner}}

	r, err := stt.NewReconnectingSession(context.Background(), p, stt.StreamConfig{})
	if err != nil {
		t.Fatalf("NewReconnectingSession: %v", err)
	}
	defer r.Close()

	inner.partials <- types.Transcript{Text: "hel"}
	inner.finals <- types.Transcript{Text: "hello"}
	inner.endpoints <- struct{}{}

	select {
	case got := <-r.Partials():
		if got.Text != "hel" {
			t.Errorf("partial: want %q, got %q", "hel", got.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for partial")
	}
	select {
	case got := <-r.Finals():
		if got.Text != "hello" {
			t.Errorf("final: want %q, got %q", "hello", got.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for final")
	}
	select {
	case <-r.Endpoints():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for endpoint")
	}
}

func TestReconnectingSessionRedialsOnTransportDeath(t *testing.T) {
	t.Parallel()

	first := newFakeSession()
	second := newFakeSession()
	p := &fakeProvider{sessions: []*fakeSession{first, second}}

	r, err := stt.NewReconnectingSession(context.Background(), p, stt.StreamConfig{})
	if err != nil {
		t.Fatalf("NewReconnectingSession: %v", err)
	}
	defer r.Close()

	first.die()

	// The replacement session's output must flow through the same outer
	// channels the consumer already holds.
	deadline := time.After(2 * time.Second)
	for p.dialCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for redial")
		case <-time.After(10 * time.Millisecond):
		}
	}

	second.finals <- types.Transcript{Text: "after reconnect"}
	select {
	case got := <-r.Finals():
		if got.Text != "after reconnect" {
			t.Errorf("final after reconnect: want %q, got %q", "after reconnect", got.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for post-reconnect final")
	}
}

func (p *fakeProvider) dialCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dials
}

func TestReconnectingSessionClosesAfterExhaustedRedials(t *testing.T) {
	t.Parallel()

	only := newFakeSession()
	p := &fakeProvider{sessions: []*fakeSession{only}}

	r, err := stt.NewReconnectingSession(context.Background(), p, stt.StreamConfig{})
	if err != nil {
		t.Fatalf("NewReconnectingSession: %v", err)
	}
	defer r.Close()

	only.die()

	select {
	case _, ok := <-r.Finals():
		if ok {
			t.Fatal("expected closed finals channel, got a transcript")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close after exhausted redials")
	}
}

func TestReconnectingSessionSendAudioAfterClose(t *testing.T) {
	t.Parallel()

	inner := newFakeSession()
	p := &fakeProvider{sessions: []*fakeSession{inner}}

	r, err := stt.NewReconnectingSession(context.Background(), p, stt.StreamConfig{})
	if err != nil {
		t.Fatalf("NewReconnectingSession: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.SendAudio([]byte{0xFF}); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("SendAudio after Close: want ErrSessionClosed, got %v", err)
	}
}
