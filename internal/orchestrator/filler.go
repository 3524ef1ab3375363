package orchestrator

// backchannels are acknowledgement tokens that never constitute a user turn
// while the agent is speaking.
var backchannels = map[string]bool{
	"um":      true,
	"uh":      true,
	"hmm":     true,
	"mhm":     true,
	"mm":      true,
	"mmhmm":   true,
	"yeah":    true,
	"yes":     true,
	"yep":     true,
	"yup":     true,
	"no":      true,
	"ok":      true,
	"okay":    true,
	"right":   true,
	"sure":    true,
	"uhhuh":   true,
	"uh-huh":  true,
	"huh":     true,
	"oh":      true,
	"ah":      true,
	"alright": true,
	"gotcha":  true,
	"got":     true,
	"it":      true,
	"i":       true,
	"see":     true,
}

// IsFiller reports whether a transcript heard during agent speech is a
// backchannel rather than a real utterance. Transcripts of one or two words
// are fillers outright; slightly longer ones are fillers only when every
// word is a known backchannel token ("yeah okay right").
func IsFiller(text string) bool {
	words := normalizeWords(text)
	switch {
	case len(words) == 0:
		return true
	case len(words) <= 2:
		return true
	default:
		for _, w := range words {
			if !backchannels[w] {
				return false
			}
		}
		return true
	}
}
