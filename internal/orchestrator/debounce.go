package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"
)

const (
	defaultCommitDelay  = 800 * time.Millisecond
	defaultExtendWindow = 700 * time.Millisecond
)

// TurnDebouncer coalesces fragmented final transcripts into single user
// turns. STT vendors frequently split one utterance across several finals;
// committing on the first would make the agent answer half a question.
//
// After an endpoint signal the debouncer waits commitDelay; a further final
// arriving within extendWindow restarts the wait. The assembled turn is
// delivered on Turns.
type TurnDebouncer struct {
	commitDelay  time.Duration
	extendWindow time.Duration

	mu        sync.Mutex
	parts     []string
	lastFinal time.Time
	timer     *time.Timer

	turns chan string
	done  chan struct{}
	once  sync.Once
}

// NewTurnDebouncer creates a debouncer. Zero durations select the defaults.
func NewTurnDebouncer(commitDelay, extendWindow time.Duration) *TurnDebouncer {
	if commitDelay <= 0 {
		commitDelay = defaultCommitDelay
	}
	if extendWindow <= 0 {
		extendWindow = defaultExtendWindow
	}
	return &TurnDebouncer{
		commitDelay:  commitDelay,
		extendWindow: extendWindow,
		turns:        make(chan string, 4),
		done:         make(chan struct{}),
	}
}

// Turns delivers committed user turns.
func (d *TurnDebouncer) Turns() <-chan string { return d.turns }

// AddFinal appends one final transcript fragment to the pending turn. If a
// commit countdown is running and this final arrived inside the extend
// window, the countdown restarts.
func (d *TurnDebouncer) AddFinal(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	d.parts = append(d.parts, text)

	if d.timer != nil && now.Sub(d.lastFinal) <= d.extendWindow {
		d.timer.Stop()
		d.timer = time.AfterFunc(d.commitDelay, d.commit)
	}
	d.lastFinal = now
}

// Endpoint reacts to an STT turn-end signal by starting (or restarting) the
// commit countdown.
func (d *TurnDebouncer) Endpoint() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.parts) == 0 {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.commitDelay, d.commit)
}

// Pending returns the accumulated uncommitted text.
func (d *TurnDebouncer) Pending() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return strings.Join(d.parts, " ")
}

// Reset discards the pending turn, used when the accumulated text turned out
// to be echo or the call is ending.
func (d *TurnDebouncer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.parts = nil
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Close stops the debouncer. Turns stays open but quiescent; consumers exit
// via their own context.
func (d *TurnDebouncer) Close() {
	d.once.Do(func() {
		d.mu.Lock()
		if d.timer != nil {
			d.timer.Stop()
			d.timer = nil
		}
		d.mu.Unlock()
		close(d.done)
	})
}

// commit assembles and delivers the turn. Runs on the timer goroutine.
func (d *TurnDebouncer) commit() {
	d.mu.Lock()
	text := strings.Join(d.parts, " ")
	d.parts = nil
	d.timer = nil
	d.mu.Unlock()

	if strings.TrimSpace(text) == "" {
		return
	}
	select {
	case d.turns <- text:
	case <-d.done:
	}
}

// WaitTurn blocks until a turn commits, ctx ends, or the debouncer closes.
func (d *TurnDebouncer) WaitTurn(ctx context.Context) (string, bool) {
	select {
	case t, ok := <-d.turns:
		return t, ok
	case <-ctx.Done():
		return "", false
	}
}
