package orchestrator

import "testing"

func TestVoicemailPhraseDetection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		transcript string
		want       Verdict
	}{
		{
			name:       "canonical prompt",
			transcript: "please leave a message after the tone",
			want:       VerdictVoicemail,
		},
		{
			name:       "prompt inside longer speech",
			transcript: "you have reached jake at the tone please record your message thank you",
			want:       VerdictVoicemail,
		},
		{
			name:       "mangled by STT",
			transcript: "please leave a massage",
			want:       VerdictVoicemail,
		},
		{
			name:       "forwarded to voice messaging",
			transcript: "your call has been forwarded to an automated voice messaging system",
			want:       VerdictVoicemail,
		},
		{
			name:       "human greeting",
			transcript: "hello this is jake speaking",
			want:       VerdictNone,
		},
		{
			name:       "normal sentence",
			transcript: "hi how can I help you today",
			want:       VerdictNone,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d := NewVoicemailDetector()
			got, _ := d.Classify(tc.transcript)
			if got != tc.want {
				t.Errorf("Classify(%q) = %v, want %v", tc.transcript, got, tc.want)
			}
		})
	}
}

func TestGatekeeperDetection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		transcript string
		wantDigit  string
	}{
		{"press 1 to continue this call", "1"},
		{"to speak with a representative press zero", "0"},
		{"if you know your party's extension press one now", "1"},
	}

	for _, tc := range tests {
		d := NewVoicemailDetector()
		verdict, digit := d.Classify(tc.transcript)
		if verdict != VerdictGatekeeper {
			t.Errorf("Classify(%q): want gatekeeper, got %v", tc.transcript, verdict)
			continue
		}
		if digit != tc.wantDigit {
			t.Errorf("Classify(%q): digit want %q, got %q", tc.transcript, tc.wantDigit, digit)
		}
	}
}

func TestLongMonologueIsVoicemail(t *testing.T) {
	t.Parallel()

	d := NewVoicemailDetector()

	// An opening monologue accumulating past the word limit with no
	// interaction flags as a machine.
	long := "thank you for calling acme incorporated our office hours are monday through friday nine to five"
	if v, _ := d.Classify(long); v != VerdictNone {
		t.Fatalf("first fragment should not yet flag: got %v", v)
	}
	more := "for directions to our office please visit our website at acme dot com we are located at one twenty three main street suite four hundred downtown"
	if v, _ := d.Classify(more); v != VerdictVoicemail {
		t.Errorf("accumulated monologue should flag voicemail, got %v", v)
	}
}

func TestInteractionDisablesMonologueHeuristic(t *testing.T) {
	t.Parallel()

	d := NewVoicemailDetector()
	d.MarkInteraction()

	long := "well let me tell you about my week first on monday I went to the dentist then tuesday I had a meeting that ran very long and wednesday the car broke down on the highway near the exit so I had to call a tow truck"
	if v, _ := d.Classify(long); v != VerdictNone {
		t.Errorf("monologue after real interaction must not flag, got %v", v)
	}
}
