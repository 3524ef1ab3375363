package call

import (
	"strings"
	"sync"
	"time"

	"github.com/voicewire/voicewire/pkg/types"
)

// Transcript is the append-only record of everything said on a call. Entries
// are never rewritten; dead-air check-ins count as assistant entries.
type Transcript struct {
	mu      sync.Mutex
	entries []types.TranscriptEntry
}

// NewTranscript creates an empty Transcript.
func NewTranscript() *Transcript {
	return &Transcript{}
}

// Append commits one utterance.
func (t *Transcript) Append(role types.Role, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, types.TranscriptEntry{
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
	})
}

// Entries returns a copy of the transcript so far.
func (t *Transcript) Entries() []types.TranscriptEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.TranscriptEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Recent returns up to n of the most recent entries with the given role.
func (t *Transcript) Recent(role types.Role, n int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for i := len(t.entries) - 1; i >= 0 && len(out) < n; i-- {
		if t.entries[i].Role == role {
			out = append(out, t.entries[i].Text)
		}
	}
	return out
}

// History is the LLM-facing conversation window. Unlike the transcript it is
// bounded: old turns are trimmed from the front when the approximate token
// budget is exceeded, keeping prompts inside the model's context window.
type History struct {
	mu          sync.Mutex
	messages    []types.Message
	tokenBudget int
}

// defaultTokenBudget bounds prompt growth on long calls.
const defaultTokenBudget = 8000

// NewHistory creates a History. budget <= 0 selects the default.
func NewHistory(budget int) *History {
	if budget <= 0 {
		budget = defaultTokenBudget
	}
	return &History{tokenBudget: budget}
}

// Add appends one message and trims the window to budget.
func (h *History) Add(role types.Role, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, types.Message{Role: role, Content: content})
	h.trim()
}

// Messages returns a copy of the current window.
func (h *History) Messages() []types.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// trim drops oldest messages until the window fits the budget. Trimming
// keeps user/assistant pairs aligned by always dropping from the front.
func (h *History) trim() {
	for len(h.messages) > 2 && h.approxTokens() > h.tokenBudget {
		h.messages = h.messages[1:]
	}
}

// approxTokens estimates the window size at ~4 characters per token plus
// per-message overhead, the same approximation the LLM vendors use for
// budget checks.
func (h *History) approxTokens() int {
	total := 0
	for _, m := range h.messages {
		total += (len(m.Content)+3)/4 + 4
	}
	return total
}
