// Package callstate provides the shared per-call state store.
//
// Carrier webhooks may land on any worker process, so call state cannot live
// only in the worker holding the media session. The store is two-tier: a
// local write-through cache for the worker that owns the session, and Redis
// as the cross-process source of truth. All remote writes are field merges
// (HSET), never whole-hash replacements, so concurrent workers updating
// disjoint fields cannot clobber each other.
//
// Zero-width coordination signals ("audio done", "abort greeting") travel
// over Redis pub/sub on a per-call flag channel.
package callstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a call or field has no stored value.
var ErrNotFound = errors.New("callstate: not found")

// FlagAbortGreeting is raised by the webhook worker when carrier machine
// detection reports an answering machine before the media session has
// greeted. The media worker subscribes and skips or cuts the greeting.
const FlagAbortGreeting = "abort_greeting"

// FlagAudioDone is raised by whichever worker receives the carrier's final
// playback.ended event, once no playbacks remain outstanding. The media
// worker subscribes and releases the playback floor without running out its
// duration estimate.
const FlagAudioDone = "audio_done"

const defaultTTL = time.Hour

// Option configures a Store.
type Option func(*Store)

// WithTTL sets the time-to-live for per-call keys. Keys refresh on every
// write; the TTL only reaps state for calls that ended without cleanup.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithPrefix sets the Redis key prefix. Default is "voicewire".
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// Store is the two-tier call state store.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	prefix string

	mu    sync.RWMutex
	local map[string]map[string]string
}

// New creates a Store backed by the given Redis client.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		ttl:    defaultTTL,
		prefix: "voicewire",
		local:  make(map[string]map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) callKey(callID string) string {
	return fmt.Sprintf("%s:call:%s", s.prefix, callID)
}

func (s *Store) playbackKey(callID string) string {
	return fmt.Sprintf("%s:call:%s:playbacks", s.prefix, callID)
}

func (s *Store) flagChannel(callID string) string {
	return fmt.Sprintf("%s:call:%s:flags", s.prefix, callID)
}

// Merge writes the given fields into the call's hash, leaving all other
// fields untouched, and refreshes the TTL. The local cache is updated first
// so same-worker reads never observe staleness.
func (s *Store) Merge(ctx context.Context, callID string, fields map[string]string) error {
	if callID == "" {
		return errors.New("callstate: callID must not be empty")
	}
	if len(fields) == 0 {
		return nil
	}

	s.mu.Lock()
	cached, ok := s.local[callID]
	if !ok {
		cached = make(map[string]string)
		s.local[callID] = cached
	}
	for k, v := range fields {
		cached[k] = v
	}
	s.mu.Unlock()

	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}

	key := s.callKey(callID)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, args...)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("callstate: merge %s: %w", callID, err)
	}
	return nil
}

// Get reads one field. Redis is authoritative; the local cache answers when
// Redis is unreachable so an in-progress call survives a brief outage.
func (s *Store) Get(ctx context.Context, callID, field string) (string, error) {
	val, err := s.client.HGet(ctx, s.callKey(callID), field).Result()
	if err == nil {
		return val, nil
	}
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if cached, ok := s.local[callID]; ok {
		if v, ok := cached[field]; ok {
			return v, nil
		}
	}
	return "", fmt.Errorf("callstate: get %s.%s: %w", callID, field, err)
}

// GetAll reads the full call hash.
func (s *Store) GetAll(ctx context.Context, callID string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, s.callKey(callID)).Result()
	if err != nil {
		return nil, fmt.Errorf("callstate: getall %s: %w", callID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return fields, nil
}

// AddPlayback registers an outstanding carrier playback for the call.
func (s *Store) AddPlayback(ctx context.Context, callID, playbackID string) error {
	key := s.playbackKey(callID)
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, key, playbackID)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("callstate: add playback %s: %w", playbackID, err)
	}
	return nil
}

// RemovePlayback unregisters a finished playback and returns how many remain
// outstanding. Any worker receiving the playback.ended webhook may call this.
func (s *Store) RemovePlayback(ctx context.Context, callID, playbackID string) (int64, error) {
	key := s.playbackKey(callID)
	pipe := s.client.Pipeline()
	pipe.SRem(ctx, key, playbackID)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("callstate: remove playback %s: %w", playbackID, err)
	}
	return card.Val(), nil
}

// PlaybackCount returns the number of outstanding playbacks for the call.
func (s *Store) PlaybackCount(ctx context.Context, callID string) (int64, error) {
	n, err := s.client.SCard(ctx, s.playbackKey(callID)).Result()
	if err != nil {
		return 0, fmt.Errorf("callstate: playback count %s: %w", callID, err)
	}
	return n, nil
}

// ClearPlaybacks drops every outstanding playback entry, used on barge-in.
func (s *Store) ClearPlaybacks(ctx context.Context, callID string) error {
	if err := s.client.Del(ctx, s.playbackKey(callID)).Err(); err != nil {
		return fmt.Errorf("callstate: clear playbacks %s: %w", callID, err)
	}
	return nil
}

// RaiseFlag publishes a zero-width coordination signal to every worker
// subscribed to this call, and records it as a hash field so late joiners
// can observe it.
func (s *Store) RaiseFlag(ctx context.Context, callID, flag string) error {
	if err := s.Merge(ctx, callID, map[string]string{"flag:" + flag: "1"}); err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.flagChannel(callID), flag).Err(); err != nil {
		return fmt.Errorf("callstate: raise flag %s: %w", flag, err)
	}
	return nil
}

// FlagRaised reports whether the flag was ever raised for the call.
func (s *Store) FlagRaised(ctx context.Context, callID, flag string) (bool, error) {
	_, err := s.Get(ctx, callID, "flag:"+flag)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SubscribeFlags delivers flags raised for the call until ctx is cancelled.
// The returned channel is closed on cancellation.
func (s *Store) SubscribeFlags(ctx context.Context, callID string) <-chan string {
	sub := s.client.Subscribe(ctx, s.flagChannel(callID))
	out := make(chan string, 8)

	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// Forget removes all state for a call, remote and local. Called after the
// post-call flush completes.
func (s *Store) Forget(ctx context.Context, callID string) error {
	s.mu.Lock()
	delete(s.local, callID)
	s.mu.Unlock()

	if err := s.client.Del(ctx, s.callKey(callID), s.playbackKey(callID)).Err(); err != nil {
		return fmt.Errorf("callstate: forget %s: %w", callID, err)
	}
	return nil
}
