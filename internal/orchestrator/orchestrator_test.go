package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/voicewire/voicewire/internal/call"
	"github.com/voicewire/voicewire/internal/callstate"
	"github.com/voicewire/voicewire/internal/carrier"
	"github.com/voicewire/voicewire/internal/deadair"
	llmmock "github.com/voicewire/voicewire/pkg/provider/llm/mock"
	"github.com/voicewire/voicewire/pkg/provider/stt"
	sttmock "github.com/voicewire/voicewire/pkg/provider/stt/mock"
	ttsmock "github.com/voicewire/voicewire/pkg/provider/tts/mock"
	"github.com/voicewire/voicewire/pkg/types"
)

// fakeCarrier implements CarrierSession in memory.
type fakeCarrier struct {
	events chan carrier.Event

	mu     sync.Mutex
	frames []types.AudioFrame
	clears int
	dtmf   []string
}

func newFakeCarrier() *fakeCarrier {
	return &fakeCarrier{events: make(chan carrier.Event, 64)}
}

func (f *fakeCarrier) Events() <-chan carrier.Event { return f.events }

func (f *fakeCarrier) SendAudio(frame types.AudioFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeCarrier) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeCarrier) SendDTMF(_ context.Context, digit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dtmf = append(f.dtmf, digit)
	return nil
}

func (f *fakeCarrier) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears
}

func (f *fakeCarrier) dtmfSent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.dtmf))
	copy(out, f.dtmf)
	return out
}

type testRig struct {
	orch    *Orchestrator
	car     *fakeCarrier
	sttSess *sttmock.Session
	llmProv *llmmock.Provider
	ttsSess *ttsmock.Session

	hangupMu sync.Mutex
	hangups  []call.EndReason

	runDone chan struct{}
	cancel  context.CancelFunc
}

func newTestRig(t *testing.T, cfg Config, responses ...string) *testRig {
	t.Helper()
	return newTestRigWithStore(t, cfg, nil, responses...)
}

func newTestRigWithStore(t *testing.T, cfg Config, store *callstate.Store, responses ...string) *testRig {
	t.Helper()

	sttProv := sttmock.New()
	sttSess, err := sttProv.StartStream(context.Background(), stt.StreamConfig{
		Encoding:   "mulaw",
		SampleRate: 8000,
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	ttsProv := ttsmock.New()
	ttsSess, err := ttsProv.StartSession(context.Background(), types.VoiceProfile{ID: "test"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	rig := &testRig{
		car:     newFakeCarrier(),
		sttSess: sttProv.Sessions()[0],
		llmProv: llmmock.New(responses...),
		ttsSess: ttsProv.Sessions()[0],
		runDone: make(chan struct{}),
	}

	// Fast turn commits so tests are not pacing-bound.
	if cfg.CommitDelay == 0 {
		cfg.CommitDelay = 20 * time.Millisecond
	}
	if cfg.ExtendWindow == 0 {
		cfg.ExtendWindow = 10 * time.Millisecond
	}

	c := &call.Call{
		ID:        "call-test",
		Direction: types.DirectionInbound,
		Config: call.AgentConfig{
			LLMProvider: "mock",
			TTSProvider: "mock",
		},
	}
	orch, err := New(c, cfg, Deps{
		Carrier: rig.car,
		STT:     sttSess,
		LLM:     rig.llmProv,
		TTS:     ttsSess,
		Store:   store,
		Hangup: func(_ context.Context, reason call.EndReason) error {
			rig.hangupMu.Lock()
			rig.hangups = append(rig.hangups, reason)
			rig.hangupMu.Unlock()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rig.orch = orch

	ctx, cancel := context.WithCancel(context.Background())
	rig.cancel = cancel
	go func() {
		defer close(rig.runDone)
		_ = orch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-rig.runDone:
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	return rig
}

func (r *testRig) hangupReasons() []call.EndReason {
	r.hangupMu.Lock()
	defer r.hangupMu.Unlock()
	out := make([]call.EndReason, len(r.hangups))
	copy(out, r.hangups)
	return out
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTurnFlowsThroughPipeline(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, Config{SystemPrompt: "be brief"},
		"We are open nine to five. Anything else?")

	rig.sttSess.EmitFinal("what are your hours", 0.95)
	rig.sttSess.EmitEndpoint()

	waitFor(t, "response sentences", func() bool {
		return len(rig.ttsSess.Sentences()) >= 2
	})
	got := rig.ttsSess.Sentences()
	if got[0] != "We are open nine to five." {
		t.Errorf("first sentence = %q", got[0])
	}
	if got[1] != "Anything else?" {
		t.Errorf("second sentence = %q", got[1])
	}

	waitFor(t, "flush", func() bool { return rig.ttsSess.Flushes() >= 1 })

	waitFor(t, "transcript entries", func() bool {
		return len(rig.orch.Transcript().Entries()) == 2
	})
	entries := rig.orch.Transcript().Entries()
	if entries[0].Role != types.RoleUser || entries[0].Text != "what are your hours" {
		t.Errorf("user entry = %+v", entries[0])
	}
	if entries[1].Role != types.RoleAssistant {
		t.Errorf("assistant entry = %+v", entries[1])
	}

	reqs := rig.llmProv.Requests()
	if len(reqs) != 1 {
		t.Fatalf("llm requests = %d, want 1", len(reqs))
	}
	if reqs[0].SystemPrompt != "be brief" {
		t.Errorf("system prompt = %q", reqs[0].SystemPrompt)
	}

	waitFor(t, "latency record", func() bool {
		return len(rig.orch.LatencyRecords()) == 1
	})
}

func TestResponseAudioReachesCarrierFramed(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, Config{}, "Hello there friend.")

	rig.sttSess.EmitFinal("hi", 0.9)
	rig.sttSess.EmitFinal("hello are you there", 0.9)
	rig.sttSess.EmitEndpoint()

	// The mock emits 1600 bytes per sentence; expect 10 full frames.
	waitFor(t, "carrier frames", func() bool {
		rig.car.mu.Lock()
		defer rig.car.mu.Unlock()
		return len(rig.car.frames) >= 10
	})
	rig.car.mu.Lock()
	defer rig.car.mu.Unlock()
	for i, f := range rig.car.frames {
		if len(f.Data) != types.FrameBytes {
			t.Fatalf("frame %d has %d bytes, want %d", i, len(f.Data), types.FrameBytes)
		}
	}
}

func TestBargeInInterruptsResponse(t *testing.T) {
	t.Parallel()

	unblock := make(chan struct{})
	var once sync.Once

	rig := newTestRig(t, Config{},
		"Let me explain our full pricing structure. It starts with the basic tier. Then there is premium.")

	// Hold generation open mid-stream so the agent still owns the floor when
	// the interruption arrives.
	rig.llmProv.ChunkHook = func(i int) {
		if i == 8 {
			<-unblock
		}
	}
	t.Cleanup(func() { once.Do(func() { close(unblock) }) })

	rig.sttSess.EmitFinal("tell me about pricing", 0.9)
	rig.sttSess.EmitEndpoint()

	waitFor(t, "first sentence in tts", func() bool {
		return len(rig.ttsSess.Sentences()) >= 1
	})

	rig.sttSess.EmitPartial("wait stop I have a question")

	waitFor(t, "carrier clear", func() bool { return rig.car.clearCount() >= 1 })
	waitFor(t, "tts clear", func() bool { return rig.ttsSess.Clears() >= 1 })
	once.Do(func() { close(unblock) })

	waitFor(t, "interrupted state", func() bool {
		return rig.orch.State() == call.StateInterrupted
	})

	// The committed transcript keeps only what was actually spoken.
	waitFor(t, "transcript", func() bool {
		return len(rig.orch.Transcript().Entries()) >= 2
	})
	for _, e := range rig.orch.Transcript().Entries() {
		if e.Role == types.RoleAssistant && strings.Contains(e.Text, "premium") {
			t.Errorf("unspoken sentence leaked into transcript: %q", e.Text)
		}
	}
}

func TestEchoDoesNotCommitTurn(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, Config{}, "The weather is lovely today. More?")

	rig.sttSess.EmitFinal("how is the weather", 0.9)
	rig.sttSess.EmitEndpoint()

	waitFor(t, "response", func() bool { return len(rig.ttsSess.Sentences()) >= 2 })

	// The speaker loop feeds the agent's own sentence back in.
	rig.sttSess.EmitFinal("the weather is lovely today", 0.9)
	rig.sttSess.EmitEndpoint()

	time.Sleep(150 * time.Millisecond)
	if got := len(rig.llmProv.Requests()); got != 1 {
		t.Errorf("echo committed a turn: llm requests = %d, want 1", got)
	}
}

func TestGatekeeperPromptSendsDTMF(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, Config{VoicemailDetection: true})

	rig.sttSess.EmitFinal("to speak with a representative press zero", 0.9)

	waitFor(t, "dtmf", func() bool { return len(rig.car.dtmfSent()) >= 1 })
	if got := rig.car.dtmfSent()[0]; got != "0" {
		t.Errorf("dtmf digit = %q, want %q", got, "0")
	}
	if got := len(rig.hangupReasons()); got != 0 {
		t.Errorf("gatekeeper must not hang up, got %d hangups", got)
	}
	if got := len(rig.llmProv.Requests()); got != 0 {
		t.Errorf("gatekeeper prompt committed a turn: %d requests", got)
	}
}

func TestVoicemailPromptEndsCall(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, Config{VoicemailDetection: true})

	rig.sttSess.EmitFinal("please leave a message after the tone", 0.9)

	select {
	case <-rig.runDone:
	case <-time.After(3 * time.Second):
		t.Fatal("call did not end on voicemail")
	}
	reasons := rig.hangupReasons()
	if len(reasons) != 1 || reasons[0] != call.EndReasonVoicemail {
		t.Errorf("hangup reasons = %v, want [voicemail_detected]", reasons)
	}
	if got := rig.orch.EndReason(); got != call.EndReasonVoicemail {
		t.Errorf("EndReason = %v", got)
	}
}

func TestGreetingSpokenWhenCallerStaysQuiet(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, Config{
		Greeting:      "Hi, this is the scheduling assistant.",
		GreetingDelay: 30 * time.Millisecond,
	})

	waitFor(t, "greeting", func() bool { return len(rig.ttsSess.Sentences()) == 1 })
	if got := rig.ttsSess.Sentences()[0]; got != "Hi, this is the scheduling assistant." {
		t.Errorf("greeting = %q", got)
	}

	entries := rig.orch.Transcript().Entries()
	if len(entries) != 1 || entries[0].Role != types.RoleAssistant {
		t.Errorf("transcript after greeting = %+v", entries)
	}
}

func TestEndCallMarkerHangsUpAfterResponse(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, Config{}, "<end_call>")

	rig.sttSess.EmitFinal("goodbye", 0.9)
	rig.sttSess.EmitEndpoint()

	select {
	case <-rig.runDone:
	case <-time.After(3 * time.Second):
		t.Fatal("call did not end on end-call marker")
	}
	reasons := rig.hangupReasons()
	if len(reasons) != 1 || reasons[0] != call.EndReasonCompleted {
		t.Errorf("hangup reasons = %v, want [completed]", reasons)
	}
}

func TestCarrierStopEndsCall(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, Config{})

	rig.car.events <- carrier.Event{Type: carrier.EventStop}

	select {
	case <-rig.runDone:
	case <-time.After(3 * time.Second):
		t.Fatal("call did not end on carrier stop")
	}
	if got := rig.orch.EndReason(); got != call.EndReasonHangup {
		t.Errorf("EndReason = %v, want %v", got, call.EndReasonHangup)
	}
}

func TestLLMFailureSpeaksFallback(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, Config{})
	rig.llmProv.Err = context.DeadlineExceeded

	rig.sttSess.EmitFinal("are you there", 0.9)
	rig.sttSess.EmitEndpoint()

	waitFor(t, "fallback line", func() bool {
		s := rig.ttsSess.Sentences()
		return len(s) == 1 && s[0] == fallbackLine
	})
}

func TestFloorReleasesAfterResponsePlaysOut(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, Config{}, "Okay.", "Still here, take your time.")

	rig.sttSess.EmitFinal("hello can you hear me", 0.9)
	rig.sttSess.EmitEndpoint()

	waitFor(t, "first response", func() bool { return rig.ttsSess.Flushes() >= 1 })
	waitFor(t, "floor release", func() bool { return !rig.orch.ledger.HoldingFloor() })

	// With the floor released, a backchannel counts as a real turn again;
	// during agent speech it would have been ignored.
	rig.sttSess.EmitFinal("yeah", 0.9)
	rig.sttSess.EmitEndpoint()

	waitFor(t, "second turn", func() bool { return len(rig.llmProv.Requests()) == 2 })
}

func TestFinalAfterBargeInStartsNewTurn(t *testing.T) {
	t.Parallel()

	unblock := make(chan struct{})
	var once sync.Once

	rig := newTestRig(t, Config{},
		"Our pricing has several tiers. The basic tier is free. Premium adds support.",
		"The basic tier is free forever.")

	rig.llmProv.ChunkHook = func(i int) {
		if i == 8 {
			<-unblock
		}
	}
	t.Cleanup(func() { once.Do(func() { close(unblock) }) })

	rig.sttSess.EmitFinal("tell me about pricing", 0.9)
	rig.sttSess.EmitEndpoint()

	waitFor(t, "first sentence in tts", func() bool {
		return len(rig.ttsSess.Sentences()) >= 1
	})
	rig.sttSess.EmitPartial("wait stop I have a question")
	waitFor(t, "carrier clear", func() bool { return rig.car.clearCount() >= 1 })
	once.Do(func() { close(unblock) })
	waitFor(t, "interrupted state", func() bool {
		return rig.orch.State() == call.StateInterrupted
	})

	// The caller keeps talking. The final must move the machine back into a
	// user turn, not leave it parked on the interruption.
	rig.sttSess.EmitFinal("just tell me about the basic tier", 0.9)
	waitFor(t, "user speaking state", func() bool {
		return rig.orch.State() == call.StateUserSpeaking
	})

	rig.sttSess.EmitEndpoint()
	waitFor(t, "second response", func() bool { return len(rig.llmProv.Requests()) == 2 })
}

func TestAudioDoneFlagReleasesFloorEarly(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })
	store := callstate.New(rc)

	rig := newTestRigWithStore(t, Config{}, store,
		"That works for me, see you at noon on Tuesday then.")

	rig.sttSess.EmitFinal("can you do tuesday at noon", 0.9)
	rig.sttSess.EmitEndpoint()

	waitFor(t, "turn complete", func() bool { return len(rig.orch.LatencyRecords()) == 1 })
	if !rig.orch.ledger.HoldingFloor() {
		t.Fatal("floor should be held while the duration estimate runs")
	}

	// The carrier confirms every playback finished well before the estimate.
	if err := store.RaiseFlag(context.Background(), "call-test", callstate.FlagAudioDone); err != nil {
		t.Fatalf("raise flag: %v", err)
	}
	waitFor(t, "early floor release", func() bool { return !rig.orch.ledger.HoldingFloor() })
}

func TestSpentSilenceBudgetEndsWithMaxCheckIns(t *testing.T) {
	t.Parallel()

	// MaxCheckIns of zero spends the budget immediately; silence past the
	// only threshold must end the call with the check-in reason.
	rig := newTestRig(t, Config{DeadAir: deadair.Config{
		Thresholds:     []time.Duration{50 * time.Millisecond},
		SampleInterval: 10 * time.Millisecond,
	}})

	select {
	case <-rig.runDone:
	case <-time.After(3 * time.Second):
		t.Fatal("call did not end on spent silence budget")
	}
	if got := rig.orch.EndReason(); got != call.EndReasonMaxCheckIns {
		t.Errorf("EndReason = %v, want %v", got, call.EndReasonMaxCheckIns)
	}
}

func TestDurationCapEndsWithMaxDuration(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, Config{DeadAir: deadair.Config{
		MaxCallDuration: 60 * time.Millisecond,
		SampleInterval:  10 * time.Millisecond,
	}})

	select {
	case <-rig.runDone:
	case <-time.After(3 * time.Second):
		t.Fatal("call did not end at the duration cap")
	}
	if got := rig.orch.EndReason(); got != call.EndReasonMaxDuration {
		t.Errorf("EndReason = %v, want %v", got, call.EndReasonMaxDuration)
	}
}

func TestClosingLineFinishesBeforeHangup(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, Config{}, "Goodbye. <end_call>")

	start := time.Now()
	rig.sttSess.EmitFinal("i have to go now", 0.9)
	rig.sttSess.EmitEndpoint()

	select {
	case <-rig.runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("call did not end on end-call marker")
	}

	// The hangup must wait out the playback estimate plus some slack, so the
	// closing words are not clipped mid-air.
	elapsed := time.Since(start)
	min := call.SentenceDuration(1) + 150*time.Millisecond
	if elapsed < min {
		t.Errorf("hung up after %v, want at least %v for playback plus grace", elapsed, min)
	}
	reasons := rig.hangupReasons()
	if len(reasons) != 1 || reasons[0] != call.EndReasonCompleted {
		t.Errorf("hangup reasons = %v, want [completed]", reasons)
	}
}

func TestStripEndMarker(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		wantText string
		wantEnd  bool
	}{
		{"Goodbye now. <end_call>", "Goodbye now.", true},
		{"<end_call>", "", true},
		{"Have a great day.", "Have a great day.", false},
	}
	for _, tc := range tests {
		text, end := stripEndMarker(tc.in)
		if text != tc.wantText || end != tc.wantEnd {
			t.Errorf("stripEndMarker(%q) = (%q, %v), want (%q, %v)",
				tc.in, text, end, tc.wantText, tc.wantEnd)
		}
	}
}
