package call

import (
	"testing"
	"time"

	"github.com/voicewire/voicewire/pkg/types"
)

// fakeClock is a manually advanced clock for deadline tests.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestSentenceDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		words int
		want  time.Duration
	}{
		{0, 1500 * time.Millisecond},
		{1, 1500 * time.Millisecond},
		{2, 1800 * time.Millisecond},
		{5, 3 * time.Second},
		{20, 9 * time.Second},
	}
	for _, tc := range tests {
		if got := SentenceDuration(tc.words); got != tc.want {
			t.Errorf("SentenceDuration(%d): want %v, got %v", tc.words, tc.want, got)
		}
	}
}

func TestFloorHeldAcrossMultiSentenceResponse(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := NewLedger(clock.now)

	if l.HoldingFloor() {
		t.Fatal("fresh ledger must not hold the floor")
	}

	// Turn commits: floor held before any audio exists.
	l.BeginResponse()
	if !l.HoldingFloor() {
		t.Fatal("floor must be held while generating, before first audio")
	}

	// Three sentences stack their estimates.
	l.ExtendForSentence(5) // 3.0s
	clock.advance(500 * time.Millisecond)
	l.ExtendForSentence(5) // +3.0s
	clock.advance(800 * time.Millisecond)
	l.ExtendForSentence(5) // +3.0s
	l.GenerationComplete()

	// At no intermediate point does the floor release.
	for i := 0; i < 7; i++ {
		if !l.HoldingFloor() {
			t.Fatalf("floor released %v before the deadline", l.ExpectedEnd().Sub(clock.now()))
		}
		clock.advance(time.Second)
	}

	// Past the accumulated deadline the floor releases.
	clock.advance(3 * time.Second)
	if l.HoldingFloor() {
		t.Fatal("floor still held after the deadline passed")
	}
}

func TestExtendAccumulatesNotReplaces(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := NewLedger(clock.now)

	l.ExtendForSentence(5) // 3.0s out
	l.ExtendForSentence(5) // 6.0s out
	want := clock.now().Add(6 * time.Second)
	if got := l.ExpectedEnd(); !got.Equal(want) {
		t.Errorf("expected end: want %v, got %v", want, got)
	}
}

func TestInterruptReleasesFloorImmediately(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := NewLedger(clock.now)

	l.BeginResponse()
	l.ExtendForSentence(20)
	l.Add("pb-1", types.PlaybackContent)
	l.SetSpeaking(true)

	l.Interrupt()

	if l.HoldingFloor() {
		t.Fatal("floor must release immediately on interrupt")
	}
	if l.Outstanding() != 0 {
		t.Errorf("non-comfort entries must be dropped, %d remain", l.Outstanding())
	}
}

func TestComfortNoiseNeverHoldsFloor(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := NewLedger(clock.now)

	l.Add("cn-1", types.PlaybackComfortNoise)
	if l.HoldingFloor() {
		t.Fatal("comfort noise must not imply floor ownership")
	}

	// Comfort noise survives an interrupt.
	l.Interrupt()
	l.mu.Lock()
	_, survived := l.entries["cn-1"]
	l.mu.Unlock()
	if !survived {
		t.Fatal("comfort noise entry must survive interrupt")
	}
}

func TestPlaybackDrainedSnapsDeadline(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := NewLedger(clock.now)

	l.BeginResponse()
	l.ExtendForSentence(20) // 9s estimate
	l.Add("pb-1", types.PlaybackContent)
	l.GenerationComplete()

	// Carrier confirms all playbacks finished well before the estimate.
	clock.advance(4 * time.Second)
	l.PlaybackDrained()

	if l.HoldingFloor() {
		t.Fatal("floor must release once all playbacks are confirmed ended")
	}
	if l.Outstanding() != 0 {
		t.Errorf("drained ledger still has %d entries", l.Outstanding())
	}
}

func TestFloorReleasesAtDeadlineDespiteUnconfirmedEntries(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := NewLedger(clock.now)

	l.BeginResponse()
	l.ExtendForSentence(5) // 3s estimate
	l.Add("pb-1", types.PlaybackContent)
	l.SetSpeaking(true)
	l.GenerationComplete()
	l.SetSpeaking(false)

	// The carrier never sent a playback confirmation. Once the estimate runs
	// out, the stale entry must not keep the floor held.
	clock.advance(4 * time.Second)
	if l.HoldingFloor() {
		t.Fatal("floor latched on an unconfirmed entry after the deadline")
	}

	// A new response supersedes the stale entry entirely.
	l.BeginResponse()
	if l.Outstanding() != 0 {
		t.Errorf("stale entries survived into the next response: %d", l.Outstanding())
	}
}

func TestCheckInHoldsFloor(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := NewLedger(clock.now)

	l.Add("ci-1", types.PlaybackCheckIn)
	if !l.HoldingFloor() {
		t.Fatal("check-in playback must hold the floor")
	}
}
