// Package transcript fixes speech-to-text mishears of domain keywords.
//
// Telephony STT reliably mangles proper nouns the acoustic model has never
// seen: business names, product lines, street names. A [Corrector] holds an
// agent's configured keywords and rewrites near-miss tokens in final
// transcripts before the language model sees them, so "lakeview dennel"
// becomes "Lakeview Dental" instead of a hallucination seed.
//
// Matching is two-stage. Double Metaphone codes are computed for every
// keyword token at construction; a transcript window that shares a code with
// a keyword becomes a phonetic candidate and is accepted when its
// Jaro-Winkler similarity clears the phonetic threshold (default 0.70).
// Windows with no phonetic overlap fall back to pure Jaro-Winkler against a
// stricter fuzzy threshold (default 0.85). Multi-word keywords are matched
// against n-gram windows, longest window first.
package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85

	// minTokenLen keeps short function words ("a", "to", "is") from ever
	// being rewritten into a keyword.
	minTokenLen = 3

	// rejoinThreshold gates windows with more tokens than the keyword.
	// Those only exist to rejoin a split compound, so anything short of a
	// near-exact match would swallow the word after the keyword.
	rejoinThreshold = 0.95
)

// Option configures a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically-matched window to be rewritten. Default 0.70.
func WithPhoneticThreshold(t float64) Option {
	return func(c *Corrector) { c.phoneticThreshold = t }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a window with no
// phonetic overlap to be rewritten. Default 0.85.
func WithFuzzyThreshold(t float64) Option {
	return func(c *Corrector) { c.fuzzyThreshold = t }
}

// keyword is one configured term with its matching data precomputed.
type keyword struct {
	canonical string
	lower     string
	tokens    []string
	codes     map[string]struct{}
}

// Corrector rewrites near-miss keyword mentions in transcript text. It is
// read-only after construction and safe for concurrent use.
type Corrector struct {
	keywords          []keyword
	maxWords          int
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewCorrector builds a Corrector for the given keywords. Blank entries are
// ignored; keyword casing is preserved and becomes the canonical spelling in
// corrected output.
func NewCorrector(keywords []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	for _, raw := range keywords {
		canonical := strings.TrimSpace(raw)
		if canonical == "" {
			continue
		}
		lower := strings.ToLower(canonical)
		tokens := strings.Fields(lower)
		c.keywords = append(c.keywords, keyword{
			canonical: canonical,
			lower:     lower,
			tokens:    tokens,
			codes:     metaphoneCodes(tokens),
		})
		if len(tokens) > c.maxWords {
			c.maxWords = len(tokens)
		}
	}
	return c
}

// Correct returns text with near-miss keyword mentions replaced by their
// canonical spelling. Trailing punctuation on replaced tokens is preserved.
// When nothing matches, text is returned unchanged.
func (c *Corrector) Correct(text string) string {
	if len(c.keywords) == 0 {
		return text
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text
	}

	cores := make([]string, len(tokens))
	trails := make([]string, len(tokens))
	for i, t := range tokens {
		cores[i], trails[i] = splitTrailingPunct(t)
	}

	out := make([]string, 0, len(tokens))
	changed := false

	i := 0
	for i < len(tokens) {
		// One beyond the longest keyword: STT likes to split a compound
		// word in two, so "lake view dental" is three tokens for a
		// two-word keyword.
		maxN := c.maxWords + 1
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.ToLower(strings.Join(cores[i:i+n], " "))
			if len(window) < minTokenLen {
				continue
			}
			kw, ok := c.match(window)
			if !ok {
				continue
			}
			repl := kw.canonical + trails[i+n-1]
			if orig := strings.Join(tokens[i:i+n], " "); repl != orig {
				changed = true
			}
			out = append(out, repl)
			i += n
			matched = true
			break
		}
		if !matched {
			out = append(out, tokens[i])
			i++
		}
	}

	if !changed {
		return text
	}
	return strings.Join(out, " ")
}

// match finds the best keyword for one lowercased window, longest-score wins.
// Phonetic candidates outrank fuzzy-only ones regardless of score.
func (c *Corrector) match(window string) (keyword, bool) {
	windowTokens := strings.Fields(window)
	windowCodes := metaphoneCodes(windowTokens)

	var (
		best         keyword
		bestScore    float64
		bestPhonetic bool
		found        bool
	)

	for _, kw := range c.keywords {
		phonetic := codesOverlap(windowCodes, kw.codes)
		score := similarity(window, windowTokens, kw.lower, kw.tokens)

		if len(windowTokens) > len(kw.tokens) && score < rejoinThreshold {
			continue
		}

		switch {
		case phonetic && score >= c.phoneticThreshold:
			if !bestPhonetic || score > bestScore {
				best, bestScore, bestPhonetic, found = kw, score, true, true
			}
		case !phonetic && !bestPhonetic && score >= c.fuzzyThreshold && score > bestScore:
			best, bestScore, found = kw, score, true
		}
	}
	return best, found
}

// metaphoneCodes returns the union of Double Metaphone codes for the tokens.
func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		primary, secondary := matchr.DoubleMetaphone(t)
		if primary != "" {
			codes[primary] = struct{}{}
		}
		if secondary != "" {
			codes[secondary] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// similarity is the better Jaro-Winkler score of two comparisons: the full
// strings and the space-stripped strings. The space-stripped pass catches STT
// splitting a compound word ("lake view" for "Lakeview"). Per-token
// comparisons are deliberately absent; they would let any window containing
// one keyword word score a perfect match and expand into the whole keyword.
func similarity(window string, windowTokens []string, kwLower string, kwTokens []string) float64 {
	score := matchr.JaroWinkler(window, kwLower, false)

	if len(windowTokens) > 1 || len(kwTokens) > 1 {
		a := strings.Join(windowTokens, "")
		b := strings.Join(kwTokens, "")
		if s := matchr.JaroWinkler(a, b, false); s > score {
			score = s
		}
	}
	return score
}

// splitTrailingPunct splits "dental?" into "dental" and "?".
func splitTrailingPunct(tok string) (core, trail string) {
	cut := len(tok)
	for cut > 0 && strings.ContainsRune(".,!?;:", rune(tok[cut-1])) {
		cut--
	}
	return tok[:cut], tok[cut:]
}
