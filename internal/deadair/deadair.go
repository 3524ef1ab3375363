// Package deadair watches for stretches of mutual silence on a call and
// escalates: first configurable check-in prompts, then hangup when the
// caller stays quiet past the last threshold, the check-in budget is spent,
// or the call outlives its duration cap.
package deadair

import (
	"context"
	"sync"
	"time"
)

// Action is what the monitor asks the orchestrator to do.
type Action int

const (
	// ActionNone means keep waiting.
	ActionNone Action = iota

	// ActionCheckIn means speak a check-in prompt.
	ActionCheckIn

	// ActionHangupSilence means end the call: the check-in budget is spent and
	// the caller stayed quiet past the last threshold.
	ActionHangupSilence

	// ActionHangupDuration means end the call: it outlived the duration cap.
	ActionHangupDuration
)

// Config tunes the monitor.
type Config struct {
	// Thresholds are successive silence durations that trigger check-ins,
	// ascending (e.g., 5s, 10s, 20s). Silence past the last threshold after
	// all check-ins are spent triggers hangup.
	Thresholds []time.Duration

	// MaxCheckIns caps check-in prompts per call.
	MaxCheckIns int

	// MaxCallDuration ends the call outright regardless of activity.
	// Zero disables the cap.
	MaxCallDuration time.Duration

	// SampleInterval is how often silence is re-evaluated. Zero selects 1 s.
	SampleInterval time.Duration
}

// Monitor tracks last-spoke timestamps for both parties.
type Monitor struct {
	cfg Config
	now func() time.Time

	mu             sync.Mutex
	callStart      time.Time
	agentLastSpoke time.Time
	userLastSpoke  time.Time
	checkIns       int
}

// NewMonitor creates a Monitor. now nil selects time.Now.
func NewMonitor(cfg Config, now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = time.Second
	}
	n := now()
	return &Monitor{
		cfg:            cfg,
		now:            now,
		callStart:      n,
		agentLastSpoke: n,
		userLastSpoke:  n,
	}
}

// AgentSpoke resets the agent-side silence clock.
func (m *Monitor) AgentSpoke() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agentLastSpoke = m.now()
}

// UserSpoke resets the user-side silence clock.
func (m *Monitor) UserSpoke() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userLastSpoke = m.now()
}

// Evaluate returns the action warranted by the current silence. A returned
// ActionCheckIn consumes one check-in from the budget.
func (m *Monitor) Evaluate() Action {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.now()

	if m.cfg.MaxCallDuration > 0 && n.Sub(m.callStart) >= m.cfg.MaxCallDuration {
		return ActionHangupDuration
	}
	if len(m.cfg.Thresholds) == 0 {
		return ActionNone
	}

	// Silence runs from whichever party spoke most recently.
	last := m.agentLastSpoke
	if m.userLastSpoke.After(last) {
		last = m.userLastSpoke
	}
	silence := n.Sub(last)

	if m.checkIns >= m.cfg.MaxCheckIns || m.checkIns >= len(m.cfg.Thresholds) {
		// Budget spent: silence past the last threshold ends the call.
		if silence >= m.cfg.Thresholds[len(m.cfg.Thresholds)-1] {
			return ActionHangupSilence
		}
		return ActionNone
	}

	if silence >= m.cfg.Thresholds[m.checkIns] {
		m.checkIns++
		return ActionCheckIn
	}
	return ActionNone
}

// RefundCheckIn returns one check-in to the budget. Used when an Evaluate
// verdict could not be acted on, such as a check-in falling due while the
// agent still held the floor.
func (m *Monitor) RefundCheckIn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkIns > 0 {
		m.checkIns--
	}
}

// CheckIns returns how many check-ins have fired.
func (m *Monitor) CheckIns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkIns
}

// Run samples Evaluate on the configured interval and invokes act for every
// non-none action until ctx ends or act returns false (meaning the call is
// over).
func (m *Monitor) Run(ctx context.Context, act func(Action) bool) {
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a := m.Evaluate()
			if a == ActionNone {
				continue
			}
			if !act(a) {
				return
			}
		}
	}
}
