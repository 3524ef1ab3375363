package call

import (
	"sync"
	"time"

	"github.com/voicewire/voicewire/pkg/types"
)

// Ledger tracks outstanding outbound audio for one call and decides when the
// agent is truly done speaking.
//
// The floor is held from the moment a response begins until both the LLM has
// finished yielding sentences and the wall clock passes the accumulated
// playback deadline. It never releases between sentences of one response,
// even across momentary audio gaps.
type Ledger struct {
	now func() time.Time

	mu sync.Mutex

	// entries are carrier-side playbacks still expected to be playing.
	entries map[string]types.PlaybackKind

	// expectedEnd is the accumulated playback deadline. Each queued sentence
	// extends it; a clear resets it to now.
	expectedEnd time.Time

	// responseActive is true from response start (turn commit) until the
	// response is interrupted or fully played out. It covers the window
	// before the first audio chunk exists.
	responseActive bool

	// generationDone is true once the LLM has yielded its last sentence.
	generationDone bool

	// speaking mirrors whether the TTS receiver is currently forwarding
	// audio chunks.
	speaking bool
}

// NewLedger creates a Ledger. now is injectable for tests; nil means
// time.Now.
func NewLedger(now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		now:     now,
		entries: make(map[string]types.PlaybackKind),
	}
}

// SentenceDuration estimates how long a sentence takes to play. The constant
// floor absorbs very short sentences whose synthesis and transport overhead
// dominates.
func SentenceDuration(wordCount int) time.Duration {
	secs := 0.4*float64(wordCount) + 1.0
	if secs < 1.5 {
		secs = 1.5
	}
	return time.Duration(secs * float64(time.Second))
}

// BeginResponse marks the start of a response pipeline run. The floor is held
// from this point even though no audio exists yet. Unconfirmed entries left
// over from the previous response are dropped; their estimates ran out before
// the carrier reconciled them.
func (l *Ledger) BeginResponse() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.responseActive = true
	l.generationDone = false
	for id, kind := range l.entries {
		if kind != types.PlaybackComfortNoise {
			delete(l.entries, id)
		}
	}
}

// GenerationComplete marks that the LLM yielded its final sentence. The floor
// now releases on the playback deadline alone.
func (l *Ledger) GenerationComplete() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.generationDone = true
}

// ExtendForSentence pushes the playback deadline out by the sentence's
// estimated duration and returns that duration. Extension accumulates: queued
// sentences stack their estimates rather than replacing them.
func (l *Ledger) ExtendForSentence(wordCount int) time.Duration {
	d := SentenceDuration(wordCount)
	l.mu.Lock()
	defer l.mu.Unlock()
	base := l.expectedEnd
	if n := l.now(); base.Before(n) {
		base = n
	}
	l.expectedEnd = base.Add(d)
	return d
}

// ExpectedEnd returns the current playback deadline.
func (l *Ledger) ExpectedEnd() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expectedEnd
}

// SetSpeaking records whether TTS audio chunks are currently in flight.
func (l *Ledger) SetSpeaking(speaking bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.speaking = speaking
}

// Add registers a carrier playback entry.
func (l *Ledger) Add(playbackID string, kind types.PlaybackKind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[playbackID] = kind
}

// PlaybackDrained handles the carrier's confirmation that every queued
// playback finished. Non-comfort entries are cleared, and for a completed
// response the deadline snaps to now so the floor releases as soon as the
// chunk stream quiets instead of running out the estimate.
func (l *Ledger) PlaybackDrained() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, kind := range l.entries {
		if kind != types.PlaybackComfortNoise {
			delete(l.entries, id)
		}
	}
	if l.generationDone {
		l.expectedEnd = l.now()
		l.responseActive = false
	}
}

// Interrupt clears the response: non-comfort entries are dropped, the
// deadline resets to now, and the floor releases.
func (l *Ledger) Interrupt() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, kind := range l.entries {
		if kind != types.PlaybackComfortNoise {
			delete(l.entries, id)
		}
	}
	l.expectedEnd = l.now()
	l.responseActive = false
	l.generationDone = true
	l.speaking = false
}

// HoldingFloor reports whether the agent currently owns the conversational
// floor. Comfort-noise playbacks never count.
func (l *Ledger) HoldingFloor() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.speaking {
		return true
	}
	if l.responseActive && !l.generationDone {
		return true
	}
	if l.now().Before(l.expectedEnd) {
		return true
	}
	if l.generationDone {
		// Estimates ran out on a finished response. Entries the carrier never
		// confirmed are stale, not proof of live audio.
		return false
	}
	for _, kind := range l.entries {
		if kind == types.PlaybackContent || kind == types.PlaybackCheckIn {
			return true
		}
	}
	return false
}

// Outstanding returns the number of non-comfort playback entries.
func (l *Ledger) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, kind := range l.entries {
		if kind != types.PlaybackComfortNoise {
			n++
		}
	}
	return n
}
