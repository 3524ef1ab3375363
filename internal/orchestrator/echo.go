// Package orchestrator drives the per-call turn-taking state machine: it
// consumes carrier audio and STT transcripts, decides who holds the floor,
// invokes the LLM, and streams the response through TTS back to the carrier.
//
// The policy pieces (echo suppression, filler filtering, barge-in, turn
// debouncing, voicemail detection) are isolated from the state machine so
// they can be tested without any I/O.
package orchestrator

import (
	"strings"
	"sync"
)

// echoJaccardThreshold is the word-set similarity above which a transcript is
// considered a replay of the agent's own speech.
const echoJaccardThreshold = 0.5

// EchoFilter suppresses transcripts that are the carrier speaker loop feeding
// the agent's own audio back into STT. It remembers the last three agent
// utterances and compares incoming transcripts against each by word-set
// Jaccard similarity, substring containment in either direction, and shared
// 3-gram phrases.
type EchoFilter struct {
	mu     sync.Mutex
	recent []string // normalized, newest last, max 3
}

// NewEchoFilter creates an empty EchoFilter.
func NewEchoFilter() *EchoFilter {
	return &EchoFilter{}
}

// Remember records an utterance the agent just spoke.
func (f *EchoFilter) Remember(utterance string) {
	norm := normalizeWords(utterance)
	if len(norm) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recent = append(f.recent, strings.Join(norm, " "))
	if len(f.recent) > 3 {
		f.recent = f.recent[len(f.recent)-3:]
	}
}

// IsEcho reports whether transcript matches any recent agent utterance.
func (f *EchoFilter) IsEcho(transcript string) bool {
	words := normalizeWords(transcript)
	if len(words) == 0 {
		return false
	}
	joined := strings.Join(words, " ")

	f.mu.Lock()
	recent := make([]string, len(f.recent))
	copy(recent, f.recent)
	f.mu.Unlock()

	for _, agent := range recent {
		agentWords := strings.Fields(agent)
		if jaccard(words, agentWords) >= echoJaccardThreshold {
			return true
		}
		if strings.Contains(agent, joined) || strings.Contains(joined, agent) {
			return true
		}
		if sharesTrigram(words, agentWords) {
			return true
		}
	}
	return false
}

// normalizeWords lowercases and strips punctuation, returning word tokens.
func normalizeWords(s string) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?;:'\"()-")
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

// jaccard computes word-set Jaccard similarity.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, w := range a {
		setA[w] = true
	}
	setB := make(map[string]bool, len(b))
	for _, w := range b {
		setB[w] = true
	}
	inter := 0
	for w := range setA {
		if setB[w] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// sharesTrigram reports whether any 3-word phrase appears in both sequences.
func sharesTrigram(a, b []string) bool {
	if len(a) < 3 || len(b) < 3 {
		return false
	}
	grams := make(map[string]bool, len(b))
	for i := 0; i+3 <= len(b); i++ {
		grams[strings.Join(b[i:i+3], " ")] = true
	}
	for i := 0; i+3 <= len(a); i++ {
		if grams[strings.Join(a[i:i+3], " ")] {
			return true
		}
	}
	return false
}
