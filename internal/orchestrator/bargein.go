package orchestrator

import (
	"sync"
	"time"
)

// BargeInPolicy decides whether a user partial heard during agent speech is
// an interruption. All three conditions must hold: the transcript is not
// echo, it meets the word-count threshold, and the cooldown window set by
// the previous forced interruption has elapsed.
type BargeInPolicy struct {
	echo *EchoFilter

	wordThreshold int
	cooldown      time.Duration
	now           func() time.Time

	mu            sync.Mutex
	lastInterrupt time.Time
}

// NewBargeInPolicy creates a policy. wordThreshold <= 0 selects 3;
// cooldown <= 0 selects 2 s; now nil selects time.Now.
func NewBargeInPolicy(echo *EchoFilter, wordThreshold int, cooldown time.Duration, now func() time.Time) *BargeInPolicy {
	if wordThreshold <= 0 {
		wordThreshold = 3
	}
	if cooldown <= 0 {
		cooldown = 2 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &BargeInPolicy{
		echo:          echo,
		wordThreshold: wordThreshold,
		cooldown:      cooldown,
		now:           now,
	}
}

// ShouldInterrupt evaluates one partial transcript heard while the agent
// holds the floor. A true result also arms the cooldown window.
func (p *BargeInPolicy) ShouldInterrupt(transcript string) bool {
	if p.echo.IsEcho(transcript) {
		return false
	}
	if len(normalizeWords(transcript)) < p.wordThreshold {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.now()
	if !p.lastInterrupt.IsZero() && n.Sub(p.lastInterrupt) < p.cooldown {
		return false
	}
	p.lastInterrupt = n
	return true
}

// ArmCooldown starts the protection window without an interruption, used
// after forced call-control actions (DTMF, transfers) whose audio would
// otherwise trigger spurious barge-ins.
func (p *BargeInPolicy) ArmCooldown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastInterrupt = p.now()
}
