package callstate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/voicewire/voicewire/internal/callstate"
)

func newStore(t *testing.T) (*callstate.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return callstate.New(client, callstate.WithTTL(time.Hour)), mr
}

func TestMergeIsFieldMerge(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t)
	ctx := context.Background()

	if err := store.Merge(ctx, "call-1", map[string]string{"state": "idle", "turn": "0"}); err != nil {
		t.Fatalf("first merge: %v", err)
	}
	// A second merge touching one field must leave the other intact.
	if err := store.Merge(ctx, "call-1", map[string]string{"state": "speaking"}); err != nil {
		t.Fatalf("second merge: %v", err)
	}

	got, err := store.GetAll(ctx, "call-1")
	if err != nil {
		t.Fatalf("getall: %v", err)
	}
	if got["state"] != "speaking" {
		t.Errorf("state: want %q, got %q", "speaking", got["state"])
	}
	if got["turn"] != "0" {
		t.Errorf("turn field clobbered by unrelated merge: got %q", got["turn"])
	}
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t)

	if _, err := store.Get(context.Background(), "nope", "state"); !errors.Is(err, callstate.ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
	if _, err := store.GetAll(context.Background(), "nope"); !errors.Is(err, callstate.ErrNotFound) {
		t.Errorf("getall: want ErrNotFound, got %v", err)
	}
}

func TestPlaybackSetLifecycle(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t)
	ctx := context.Background()

	for _, id := range []string{"pb-1", "pb-2", "pb-3"} {
		if err := store.AddPlayback(ctx, "call-1", id); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}

	n, err := store.PlaybackCount(ctx, "call-1")
	if err != nil || n != 3 {
		t.Fatalf("count: want 3, got %d (err %v)", n, err)
	}

	remaining, err := store.RemovePlayback(ctx, "call-1", "pb-2")
	if err != nil || remaining != 2 {
		t.Fatalf("remove: want 2 remaining, got %d (err %v)", remaining, err)
	}

	// Removing an unknown ID is a no-op, not an error.
	remaining, err = store.RemovePlayback(ctx, "call-1", "pb-99")
	if err != nil || remaining != 2 {
		t.Fatalf("remove unknown: want 2 remaining, got %d (err %v)", remaining, err)
	}

	if err := store.ClearPlaybacks(ctx, "call-1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	n, err = store.PlaybackCount(ctx, "call-1")
	if err != nil || n != 0 {
		t.Fatalf("count after clear: want 0, got %d (err %v)", n, err)
	}
}

func TestFlagsVisibleToLateJoiners(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t)
	ctx := context.Background()

	raised, err := store.FlagRaised(ctx, "call-1", "abort_greeting")
	if err != nil || raised {
		t.Fatalf("flag before raise: want false, got %v (err %v)", raised, err)
	}

	if err := store.RaiseFlag(ctx, "call-1", "abort_greeting"); err != nil {
		t.Fatalf("raise: %v", err)
	}

	raised, err = store.FlagRaised(ctx, "call-1", "abort_greeting")
	if err != nil || !raised {
		t.Fatalf("flag after raise: want true, got %v (err %v)", raised, err)
	}
}

func TestSubscribeFlagsDeliversPublished(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	flags := store.SubscribeFlags(ctx, "call-1")

	// Give the subscriber a moment to register before publishing.
	time.Sleep(50 * time.Millisecond)

	if err := store.RaiseFlag(ctx, "call-1", "audio_done"); err != nil {
		t.Fatalf("raise: %v", err)
	}

	select {
	case flag := <-flags:
		if flag != "audio_done" {
			t.Errorf("flag: want %q, got %q", "audio_done", flag)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flag")
	}
}

func TestForgetRemovesEverything(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t)
	ctx := context.Background()

	if err := store.Merge(ctx, "call-1", map[string]string{"state": "idle"}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := store.AddPlayback(ctx, "call-1", "pb-1"); err != nil {
		t.Fatalf("add playback: %v", err)
	}

	if err := store.Forget(ctx, "call-1"); err != nil {
		t.Fatalf("forget: %v", err)
	}

	if _, err := store.GetAll(ctx, "call-1"); !errors.Is(err, callstate.ErrNotFound) {
		t.Errorf("state after forget: want ErrNotFound, got %v", err)
	}
	n, err := store.PlaybackCount(ctx, "call-1")
	if err != nil || n != 0 {
		t.Errorf("playbacks after forget: want 0, got %d (err %v)", n, err)
	}
}
