package llm

import (
	"context"
	"strings"
	"time"

	"github.com/voicewire/voicewire/pkg/types"
)

// Sentences reads token chunks from ch, accumulates them into complete
// sentences, and emits each sentence on the returned channel as soon as its
// boundary arrives. Flushing sentence-by-sentence rather than waiting for the
// full response is what lets TTS start speaking while the model is still
// generating. Any text remaining when the stream ends is flushed as a final
// fragment. The returned channel is closed when the stream ends or ctx is
// cancelled.
func Sentences(ctx context.Context, ch <-chan Chunk) <-chan types.Sentence {
	out := make(chan types.Sentence, 8)

	go func() {
		defer close(out)

		var buf strings.Builder
		num := 0

		emit := func(text string) bool {
			text = strings.TrimSpace(text)
			if text == "" {
				return true
			}
			s := types.Sentence{
				Text:    text,
				Num:     num,
				IsFirst: num == 0,
				SentAt:  time.Now(),
			}
			num++
			select {
			case out <- s:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-ch:
				if !ok {
					emit(buf.String())
					return
				}

				if chunk.FinishReason == "error" {
					// The error text is not speech; drop it along with any
					// partial sentence.
					return
				}

				if chunk.Text != "" {
					buf.WriteString(chunk.Text)
				}

				for {
					idx := firstSentenceBoundary(buf.String())
					if idx < 0 {
						break
					}
					sentence := buf.String()[:idx+1]
					rest := buf.String()[idx+1:]
					buf.Reset()
					buf.WriteString(strings.TrimLeft(rest, " \t\n\r"))
					if !emit(sentence) {
						return
					}
				}

				if chunk.FinishReason != "" {
					emit(buf.String())
					return
				}
			}
		}
	}()

	return out
}

// abbreviations that end in a period but do not end a sentence.
var abbreviations = map[string]bool{
	"dr":  true,
	"mr":  true,
	"mrs": true,
	"ms":  true,
	"st":  true,
	"vs":  true,
	"etc": true,
	"e.g": true,
	"i.e": true,
	"no":  true,
	"apt": true,
	"dept": true,
}

// firstSentenceBoundary returns the index of the first '.', '!', or '?'
// character that is immediately followed by a whitespace character and does
// not terminate a known abbreviation. Returns -1 if no boundary exists in s.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				if s[i] == '.' && endsWithAbbreviation(s[:i]) {
					continue
				}
				return i
			}
		}
	}
	return -1
}

// endsWithAbbreviation reports whether the last word of s is a known
// abbreviation, meaning the period that follows is not a sentence end.
func endsWithAbbreviation(s string) bool {
	j := len(s)
	for j > 0 {
		c := s[j-1]
		if c == ' ' || c == '\n' || c == '\r' || c == '\t' {
			break
		}
		j--
	}
	word := strings.ToLower(s[j:])
	return abbreviations[word]
}
