package orchestrator

import (
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"
)

// Verdict classifies what the opening transcript of a call reveals about who
// answered.
type Verdict int

const (
	// VerdictNone means nothing conclusive; keep talking.
	VerdictNone Verdict = iota

	// VerdictVoicemail means an answering machine or voicemail prompt; hang
	// up immediately.
	VerdictVoicemail

	// VerdictGatekeeper means an IVR asking for a keypad press; send the
	// requested digit instead of hanging up.
	VerdictGatekeeper
)

// voicemailPhrases are canonical voicemail/AMD prompt fragments. Matching is
// fuzzy: telephony STT mangles these heavily ("leave a message" arrives as
// "leave the massage"), so each transcript window is scored with
// Jaro-Winkler against every phrase.
var voicemailPhrases = []string{
	"please leave a message",
	"leave a message after the tone",
	"leave your message after the tone",
	"at the tone please record your message",
	"your call has been forwarded to an automated voice messaging system",
	"the person you are trying to reach is not available",
	"is not available right now",
	"has a voice mailbox that has not been set up",
	"the mailbox is full",
	"to leave a voice message",
	"please record your message",
	"when you have finished recording you may hang up",
	"nobody is available to take your call",
	"you have reached the voicemail of",
}

// voicemailSimilarity is the Jaro-Winkler score above which a window counts
// as a voicemail phrase.
const voicemailSimilarity = 0.88

// monologueWordLimit flags a long uninterrupted opening monologue, which on
// an outbound call is almost always a recorded greeting.
const monologueWordLimit = 40

// gatekeeperRE pulls the requested digit from IVR prompts like
// "press 1 to continue" or "to speak with a representative press zero".
var gatekeeperRE = regexp.MustCompile(`\bpress\s+(\d|zero|one|two|three|four|five|six|seven|eight|nine)\b`)

var digitWords = map[string]string{
	"zero": "0", "one": "1", "two": "2", "three": "3", "four": "4",
	"five": "5", "six": "6", "seven": "7", "eight": "8", "nine": "9",
}

// VoicemailDetector inspects opening-phase transcripts for machine answers.
type VoicemailDetector struct {
	// openingWords counts words heard before the first committed user turn.
	openingWords int
	interacted   bool
}

// NewVoicemailDetector creates a detector for one call.
func NewVoicemailDetector() *VoicemailDetector {
	return &VoicemailDetector{}
}

// MarkInteraction records that a real conversational exchange happened,
// which disables the long-monologue heuristic.
func (d *VoicemailDetector) MarkInteraction() {
	d.interacted = true
}

// Classify inspects one transcript. Gatekeeper prompts win over voicemail
// phrasing because pressing the digit may still reach a human.
func (d *VoicemailDetector) Classify(transcript string) (Verdict, string) {
	lower := strings.ToLower(transcript)

	if m := gatekeeperRE.FindStringSubmatch(lower); m != nil {
		digit := m[1]
		if d, ok := digitWords[digit]; ok {
			digit = d
		}
		return VerdictGatekeeper, digit
	}

	if matchesVoicemailPhrase(lower) {
		return VerdictVoicemail, ""
	}

	if !d.interacted {
		d.openingWords += len(strings.Fields(lower))
		if d.openingWords > monologueWordLimit {
			return VerdictVoicemail, ""
		}
	}

	return VerdictNone, ""
}

// matchesVoicemailPhrase slides a window over the transcript and fuzzily
// compares each window against the canonical phrases.
func matchesVoicemailPhrase(lower string) bool {
	words := strings.Fields(lower)
	for _, phrase := range voicemailPhrases {
		plen := len(strings.Fields(phrase))
		if len(words) < plen {
			// Compare the whole transcript against the phrase prefix.
			if len(words) >= 3 {
				window := strings.Join(words, " ")
				if matchr.JaroWinkler(window, phrase, true) >= voicemailSimilarity {
					return true
				}
			}
			continue
		}
		for i := 0; i+plen <= len(words); i++ {
			window := strings.Join(words[i:i+plen], " ")
			if matchr.JaroWinkler(window, phrase, true) >= voicemailSimilarity {
				return true
			}
		}
	}
	return false
}
