package stt

import (
	"regexp"
	"strings"
)

// Transcripts picked up from the far-end speaker replaying our own TTS audio
// tend to come back mangled: single letters repeated, bare punctuation, or
// short vowel-less fragments. These never represent caller speech and must
// not reach the orchestrator. Genuine number/time shorthand ("4K", "2PM")
// survives the filter.

// shorthandRE matches digit-led tokens like "4K", "2PM", "10AM", "5G".
var shorthandRE = regexp.MustCompile(`^\d+[A-Za-z]{1,2}$`)

// IsGarbled reports whether text is a garbled-echo fragment that should be
// dropped before surfacing.
func IsGarbled(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}

	// Pure punctuation: no letters or digits at all.
	hasAlnum := false
	for _, r := range trimmed {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			hasAlnum = true
			break
		}
	}
	if !hasAlnum {
		return true
	}

	words := strings.Fields(trimmed)

	// Single-letter repetitions: "a a a", "B. B. B."
	if len(words) >= 2 {
		allSingles := true
		first := ""
		for _, w := range words {
			w = strings.Trim(strings.ToLower(w), ".,!?-")
			if len(w) != 1 {
				allSingles = false
				break
			}
			if first == "" {
				first = w
			} else if w != first {
				allSingles = false
				break
			}
		}
		if allSingles {
			return true
		}
	}

	// Short no-vowel fragments, unless they are number/time shorthand.
	if len(words) == 1 {
		w := strings.Trim(words[0], ".,!?")
		if shorthandRE.MatchString(w) {
			return false
		}
		if len(w) <= 4 && !strings.ContainsAny(strings.ToLower(w), "aeiouy0123456789") {
			return true
		}
	}

	return false
}
