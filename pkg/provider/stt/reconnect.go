package stt

import (
	"context"
	"log/slog"
	"sync"

	"github.com/voicewire/voicewire/pkg/types"
)

// maxReconnects is the number of immediate redial attempts after a transport
// failure before the session is surfaced as dead.
const maxReconnects = 3

// ReconnectingSession wraps a vendor SessionHandle and transparently redials
// on transport failure, resuming audio on the new session. Transcripts that
// were in flight when the connection dropped are lost; the caller's speech
// continues streaming into the replacement session.
//
// The wrapper owns re-fanning the vendor channels so consumers hold stable
// channel values across reconnects. All methods are safe for concurrent use.
type ReconnectingSession struct {
	provider Provider
	cfg      StreamConfig

	partials  chan types.Transcript
	finals    chan types.Transcript
	endpoints chan struct{}

	mu     sync.Mutex
	inner  SessionHandle
	closed bool
	once   sync.Once
	done   chan struct{}
}

var _ SessionHandle = (*ReconnectingSession)(nil)

// NewReconnectingSession opens the initial vendor session and returns the
// wrapper. ctx governs the initial dial and all redials.
func NewReconnectingSession(ctx context.Context, p Provider, cfg StreamConfig) (*ReconnectingSession, error) {
	inner, err := p.StartStream(ctx, cfg)
	if err != nil {
		return nil, err
	}
	r := &ReconnectingSession{
		provider:  p,
		cfg:       cfg,
		inner:     inner,
		partials:  make(chan types.Transcript, 64),
		finals:    make(chan types.Transcript, 64),
		endpoints: make(chan struct{}, 8),
		done:      make(chan struct{}),
	}
	go r.pump(ctx, inner)
	return r, nil
}

// pump forwards one inner session's channels to the stable outer channels.
// When the inner session's channels close while the wrapper is still open, a
// reconnect is attempted.
func (r *ReconnectingSession) pump(ctx context.Context, inner SessionHandle) {
	partials := inner.Partials()
	finals := inner.Finals()
	endpoints := inner.Endpoints()

	for partials != nil || finals != nil || endpoints != nil {
		select {
		case <-r.done:
			return
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			r.forwardTranscript(r.partials, t)
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			r.forwardTranscript(r.finals, t)
		case _, ok := <-endpoints:
			if !ok {
				endpoints = nil
				continue
			}
			select {
			case r.endpoints <- struct{}{}:
			default:
			}
		}
	}

	// All inner channels closed. If we are still open, the transport died.
	r.reconnect(ctx)
}

// forwardTranscript delivers t without blocking forever on a stalled consumer.
func (r *ReconnectingSession) forwardTranscript(ch chan types.Transcript, t types.Transcript) {
	select {
	case ch <- t:
	case <-r.done:
	}
}

// reconnect redials up to maxReconnects times and resumes pumping on success.
// On final failure the outer channels are closed.
func (r *ReconnectingSession) reconnect(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	for attempt := 1; attempt <= maxReconnects; attempt++ {
		select {
		case <-r.done:
			return
		case <-ctx.Done():
			r.closeChannels()
			return
		default:
		}

		inner, err := r.provider.StartStream(ctx, r.cfg)
		if err != nil {
			slog.Warn("stt reconnect failed", "attempt", attempt, "err", err)
			continue
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			_ = inner.Close()
			return
		}
		r.inner = inner
		r.mu.Unlock()

		slog.Info("stt session reconnected", "attempt", attempt)
		go r.pump(ctx, inner)
		return
	}

	slog.Error("stt session lost after reconnect attempts", "attempts", maxReconnects)
	r.closeChannels()
}

// closeChannels closes the stable outer channels exactly once.
func (r *ReconnectingSession) closeChannels() {
	r.once.Do(func() {
		close(r.partials)
		close(r.finals)
		close(r.endpoints)
	})
}

// SendAudio forwards audio to the current inner session. Failures here are
// tolerated; the pump detects transport death and redials.
func (r *ReconnectingSession) SendAudio(chunk []byte) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrSessionClosed
	}
	inner := r.inner
	r.mu.Unlock()

	if err := inner.SendAudio(chunk); err != nil {
		// Drop the chunk; a reconnect is likely in progress.
		return nil
	}
	return nil
}

// Partials implements SessionHandle.
func (r *ReconnectingSession) Partials() <-chan types.Transcript { return r.partials }

// Finals implements SessionHandle.
func (r *ReconnectingSession) Finals() <-chan types.Transcript { return r.finals }

// Endpoints implements SessionHandle.
func (r *ReconnectingSession) Endpoints() <-chan struct{} { return r.endpoints }

// Close terminates the wrapper and the current inner session.
func (r *ReconnectingSession) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	inner := r.inner
	r.mu.Unlock()

	close(r.done)
	err := inner.Close()
	r.closeChannels()
	return err
}
