package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicewire/voicewire/internal/call"
	"github.com/voicewire/voicewire/internal/callstate"
	"github.com/voicewire/voicewire/internal/carrier"
	"github.com/voicewire/voicewire/internal/deadair"
	"github.com/voicewire/voicewire/internal/latency"
	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/pkg/audio"
	"github.com/voicewire/voicewire/pkg/provider/llm"
	"github.com/voicewire/voicewire/pkg/provider/stt"
	"github.com/voicewire/voicewire/pkg/provider/tts"
	"github.com/voicewire/voicewire/pkg/types"
)

const (
	// defaultLLMTimeout bounds one streamed completion. Past it the caller
	// hears the fallback line instead of silence.
	defaultLLMTimeout = 30 * time.Second

	// defaultAMDWait is how long an outbound call waits for the carrier's
	// machine-detection verdict before greeting anyway.
	defaultAMDWait = 2500 * time.Millisecond

	// defaultGreetingDelay is how long an answered call waits for the caller
	// to speak before the agent breaks the silence with its greeting.
	defaultGreetingDelay = 1500 * time.Millisecond

	// speakingIdle is how long the TTS chunk stream may go quiet before the
	// agent is considered done speaking.
	speakingIdle = 250 * time.Millisecond

	// hangupGrace pads the estimated playback deadline before a
	// pipeline-initiated hangup, so the closing words are not clipped when
	// the estimate runs short.
	hangupGrace = 300 * time.Millisecond

	// fallbackLine is spoken when the LLM fails or times out.
	fallbackLine = "One moment, please."

	// endCallMarker is the token the system prompt tells the model to emit
	// when the conversation should end. It is stripped before synthesis.
	endCallMarker = "<end_call>"
)

// Config tunes one orchestrator run. Zero values select the defaults above.
type Config struct {
	SystemPrompt string
	Greeting     string

	Temperature float64
	MaxTokens   int

	LLMTimeout    time.Duration
	AMDWait       time.Duration
	GreetingDelay time.Duration

	// BargeInWordThreshold and BargeInCooldown tune the interruption policy.
	BargeInWordThreshold int
	BargeInCooldown      time.Duration

	// CommitDelay and ExtendWindow tune the turn debouncer.
	CommitDelay  time.Duration
	ExtendWindow time.Duration

	// STTSampleRate is the rate the STT session consumes. 8000 sends carrier
	// μ-law through untouched; anything higher converts to linear PCM and
	// resamples.
	STTSampleRate int

	// VoicemailDetection enables the opening-phase machine-answer heuristics.
	VoicemailDetection bool

	// ComfortNoise streams low-level background audio while the pipeline is
	// thinking, so the caller never hears a dead line.
	ComfortNoise bool

	// Correct, when set, rewrites final transcripts before they reach the
	// turn debouncer. Used for keyword mishear correction.
	Correct func(string) string

	DeadAir deadair.Config
}

// CarrierSession is the slice of the carrier media session the orchestrator
// drives. *carrier.Session satisfies it.
type CarrierSession interface {
	Events() <-chan carrier.Event
	SendAudio(frame types.AudioFrame) error
	Clear(ctx context.Context) error
	SendDTMF(ctx context.Context, digit string) error
}

var _ CarrierSession = (*carrier.Session)(nil)

// Deps are the orchestrator's collaborators, injected so the state machine is
// testable against mocks.
type Deps struct {
	Carrier CarrierSession
	STT     stt.SessionHandle
	LLM     llm.Provider
	TTS     tts.Session
	Store   *callstate.Store

	// Hangup performs the control-plane hangup. The orchestrator calls it at
	// most once.
	Hangup func(ctx context.Context, reason call.EndReason) error

	Metrics *observe.Metrics
	Log     *slog.Logger
}

// Orchestrator runs the turn-taking state machine for one call. Create with
// New, drive with Run; Run returns when the call ends.
type Orchestrator struct {
	cfg  Config
	deps Deps
	c    *call.Call

	ledger     *call.Ledger
	transcript *call.Transcript
	history    *call.History
	echo       *EchoFilter
	bargeIn    *BargeInPolicy
	debouncer  *TurnDebouncer
	voicemail  *VoicemailDetector
	monitor    *deadair.Monitor

	resampler *audio.Resampler // nil when STT takes μ-law natively
	framer    *audio.Framer

	mu            sync.Mutex
	state         call.TurnState
	turn          int
	timer         *latency.TurnTimer
	records       []latency.Record
	respondCancel context.CancelFunc
	greeted       bool
	pendingEnd    bool // end-of-call marker seen; hang up after playback

	// firstChunkPending is set while a response waits for its first TTS
	// chunk, for the tts_first_chunk latency mark.
	firstChunkPending bool

	hangupOnce sync.Once
	endReason  call.EndReason
	done       chan struct{}

	wg sync.WaitGroup
}

// New assembles an Orchestrator for the given call.
func New(c *call.Call, cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Carrier == nil || deps.STT == nil || deps.LLM == nil || deps.TTS == nil {
		return nil, errors.New("orchestrator: carrier, stt, llm, and tts are all required")
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	deps.Log = deps.Log.With("call_id", c.ID)
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = defaultLLMTimeout
	}
	if cfg.AMDWait <= 0 {
		cfg.AMDWait = defaultAMDWait
	}
	if cfg.GreetingDelay <= 0 {
		cfg.GreetingDelay = defaultGreetingDelay
	}

	echo := NewEchoFilter()
	o := &Orchestrator{
		cfg:        cfg,
		deps:       deps,
		c:          c,
		ledger:     call.NewLedger(nil),
		transcript: call.NewTranscript(),
		history:    call.NewHistory(0),
		echo:       echo,
		bargeIn:    NewBargeInPolicy(echo, cfg.BargeInWordThreshold, cfg.BargeInCooldown, nil),
		debouncer:  NewTurnDebouncer(cfg.CommitDelay, cfg.ExtendWindow),
		voicemail:  NewVoicemailDetector(),
		monitor:    deadair.NewMonitor(cfg.DeadAir, nil),
		framer:     audio.NewFramer(types.FrameBytes),
		state:      call.StateIdle,
		done:       make(chan struct{}),
	}

	if cfg.STTSampleRate > 0 && cfg.STTSampleRate != 8000 {
		rs, err := audio.NewResampler(8000, cfg.STTSampleRate)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: resampler: %w", err)
		}
		o.resampler = rs
	}
	return o, nil
}

// State returns the current turn state.
func (o *Orchestrator) State() call.TurnState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LatencyRecords returns the per-turn latency summaries collected so far.
func (o *Orchestrator) LatencyRecords() []latency.Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]latency.Record, len(o.records))
	copy(out, o.records)
	return out
}

// Transcript returns the call transcript.
func (o *Orchestrator) Transcript() *call.Transcript { return o.transcript }

// EndReason reports why the call ended. Valid after Run returns.
func (o *Orchestrator) EndReason() call.EndReason {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.endReason
}

// Run drives the call until it ends. It owns all pipeline goroutines and
// returns only after they have drained.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.deps.Metrics.ActiveCalls.Add(ctx, 1)
	defer o.deps.Metrics.ActiveCalls.Add(ctx, -1)
	o.deps.Metrics.CallsStarted.Add(ctx, 1)

	o.setStoreState(ctx, string(call.StateIdle))

	loops := []func(context.Context){
		o.carrierLoop,
		o.partialLoop,
		o.finalLoop,
		o.endpointLoop,
		o.ttsLoop,
		o.turnLoop,
		o.flagLoop,
	}
	if o.cfg.ComfortNoise {
		loops = append(loops, o.comfortLoop)
	}
	for _, loop := range loops {
		o.wg.Add(1)
		go func(fn func(context.Context)) {
			defer o.wg.Done()
			fn(ctx)
		}(loop)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.monitor.Run(ctx, func(a deadair.Action) bool { return o.onDeadAir(ctx, a) })
	}()

	if o.cfg.Greeting != "" {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.openConversation(ctx)
		}()
	}

	select {
	case <-o.done:
	case <-ctx.Done():
		o.endCall(ctx, call.EndReasonHangup)
	}

	cancel()
	o.debouncer.Close()
	o.wg.Wait()

	o.mu.Lock()
	reason := o.endReason
	o.mu.Unlock()
	o.deps.Metrics.RecordCallEnded(context.WithoutCancel(ctx), string(reason))
	o.setStoreState(context.WithoutCancel(ctx), string(call.StateEnded))
	return nil
}

// openConversation decides who speaks first. Outbound calls wait briefly for
// the carrier's machine-detection verdict; in every case the greeting yields
// to a caller who starts talking first.
func (o *Orchestrator) openConversation(ctx context.Context) {
	wait := o.cfg.GreetingDelay
	if o.c.Direction == types.DirectionOutbound {
		wait = o.cfg.AMDWait
	}

	select {
	case <-ctx.Done():
		return
	case <-o.done:
		return
	case <-time.After(wait):
	}

	o.mu.Lock()
	skip := o.greeted || o.state != call.StateIdle || o.pendingEnd
	if !skip {
		o.greeted = true
	}
	o.mu.Unlock()
	if skip {
		return
	}

	if o.deps.Store != nil {
		raised, err := o.deps.Store.FlagRaised(ctx, o.c.ID, callstate.FlagAbortGreeting)
		if err == nil && raised {
			o.deps.Log.Info("greeting aborted, machine detected before media start")
			o.endCall(ctx, call.EndReasonVoicemailAMD)
			return
		}
	}

	o.deps.Log.Info("speaking greeting")
	o.speakDirect(ctx, o.cfg.Greeting, types.PlaybackContent)
}

// carrierLoop consumes inbound carrier events: media to STT, DTMF and stop to
// call control.
func (o *Orchestrator) carrierLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-o.deps.Carrier.Events():
			if !ok {
				o.endCall(ctx, call.EndReasonHangup)
				return
			}
			switch ev.Type {
			case carrier.EventMedia:
				o.forwardAudio(ev.Audio)
			case carrier.EventDTMF:
				o.deps.Log.Info("inbound dtmf", "digit", ev.Digit)
				o.transcript.Append(types.RoleUser, "[dtmf "+ev.Digit+"]")
			case carrier.EventStop:
				o.endCall(ctx, call.EndReasonHangup)
				return
			}
		}
	}
}

// forwardAudio converts one inbound μ-law chunk to the STT session's format
// and sends it.
func (o *Orchestrator) forwardAudio(mulaw []byte) {
	data := mulaw
	if o.resampler != nil {
		pcm, err := o.resampler.Resample(audio.MulawToPCM16(mulaw))
		if err != nil {
			o.deps.Log.Warn("resample failed, frame dropped", "err", err)
			return
		}
		data = pcm
	}
	if err := o.deps.STT.SendAudio(data); err != nil && !errors.Is(err, stt.ErrSessionClosed) {
		o.deps.Log.Warn("stt send failed", "err", err)
	}
}

// partialLoop watches interim transcripts for barge-in while the agent holds
// the floor.
func (o *Orchestrator) partialLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-o.deps.STT.Partials():
			if !ok {
				return
			}
			if strings.TrimSpace(p.Text) == "" {
				continue
			}
			o.monitor.UserSpoke()
			if !o.ledger.HoldingFloor() {
				continue
			}
			if IsFiller(p.Text) {
				continue
			}
			if o.bargeIn.ShouldInterrupt(p.Text) {
				o.deps.Log.Info("barge-in", "partial", p.Text)
				o.deps.Metrics.BargeIns.Add(ctx, 1)
				o.interrupt(ctx)
			}
		}
	}
}

// finalLoop feeds committed transcripts through the suppression policies into
// the turn debouncer.
func (o *Orchestrator) finalLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-o.deps.STT.Finals():
			if !ok {
				return
			}
			o.handleFinal(ctx, f)
		}
	}
}

func (o *Orchestrator) handleFinal(ctx context.Context, f types.Transcript) {
	text := strings.TrimSpace(f.Text)
	if text == "" {
		return
	}
	o.monitor.UserSpoke()

	if stt.IsGarbled(text) {
		o.deps.Log.Debug("garbled final dropped", "text", text)
		return
	}
	if o.echo.IsEcho(text) {
		o.deps.Log.Debug("echo suppressed", "text", text)
		o.deps.Metrics.EchoSuppressed.Add(ctx, 1)
		return
	}

	if o.cfg.VoicemailDetection {
		if done := o.classifyOpening(ctx, text); done {
			return
		}
	}

	holding := o.ledger.HoldingFloor()
	if holding && IsFiller(text) {
		o.deps.Log.Debug("filler ignored during agent speech", "text", text)
		return
	}

	if o.cfg.Correct != nil {
		if fixed := o.cfg.Correct(text); fixed != text {
			o.deps.Log.Debug("keyword corrected", "heard", text, "corrected", fixed)
			text = fixed
		}
	}

	o.mu.Lock()
	switch o.state {
	case call.StateIdle, call.StateAgentSpeaking, call.StateInterrupted:
		o.state = call.StateUserSpeaking
	}
	o.mu.Unlock()

	o.timerForTurn().Mark(latency.STTTranscript)
	o.debouncer.AddFinal(text)
}

// classifyOpening runs voicemail and gatekeeper detection on an opening-phase
// transcript. Returns true when the transcript was consumed by a verdict.
func (o *Orchestrator) classifyOpening(ctx context.Context, text string) bool {
	verdict, digit := o.voicemail.Classify(text)
	switch verdict {
	case VerdictVoicemail:
		o.deps.Log.Info("voicemail detected", "text", text)
		o.deps.Metrics.RecordVoicemail(ctx, "pattern")
		o.endCall(ctx, call.EndReasonVoicemail)
		return true
	case VerdictGatekeeper:
		o.deps.Log.Info("gatekeeper prompt, sending dtmf", "digit", digit)
		o.deps.Metrics.RecordVoicemail(ctx, "gatekeeper")
		if err := o.deps.Carrier.SendDTMF(ctx, digit); err != nil {
			o.deps.Log.Warn("dtmf send failed", "err", err)
		}
		// The IVR will speak again right after the tone; protect against the
		// burst triggering a spurious interruption.
		o.bargeIn.ArmCooldown()
		return true
	}
	return false
}

// endpointLoop translates vendor turn-end signals into debounce countdowns.
func (o *Orchestrator) endpointLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-o.deps.STT.Endpoints():
			if !ok {
				return
			}
			o.timerForTurn().Mark(latency.UserAudioEnd)
			o.debouncer.Endpoint()
		}
	}
}

// turnLoop serializes responses: one committed user turn at a time.
func (o *Orchestrator) turnLoop(ctx context.Context) {
	for {
		text, ok := o.debouncer.WaitTurn(ctx)
		if !ok {
			return
		}
		o.voicemail.MarkInteraction()
		o.respond(ctx, text)
	}
}

// ttsLoop forwards synthesized audio to the carrier, re-framed to 20 ms. The
// idle timer clears the ledger's speaking flag once the chunk stream goes
// quiet, so the floor can release when playback runs out.
func (o *Orchestrator) ttsLoop(ctx context.Context) {
	idle := time.NewTimer(speakingIdle)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
			o.ledger.SetSpeaking(false)
		case chunk, ok := <-o.deps.TTS.Audio():
			if !ok {
				o.ledger.SetSpeaking(false)
				return
			}
			o.mu.Lock()
			if o.firstChunkPending {
				o.firstChunkPending = false
				if o.timer != nil {
					o.timer.Mark(latency.TTSFirstChunk)
				}
			}
			o.mu.Unlock()

			o.ledger.SetSpeaking(true)
			for _, frame := range o.framer.Push(chunk) {
				if err := o.deps.Carrier.SendAudio(frame); err != nil {
					return
				}
			}
			o.monitor.AgentSpoke()

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(speakingIdle)
		}
	}
}

// comfortLoop fills processing gaps with near-silent μ-law frames so the
// carrier keeps the RTP stream warm and the caller never hears a dead line.
// Comfort noise never holds the floor; the ledger tracks it separately.
func (o *Orchestrator) comfortLoop(ctx context.Context) {
	frame := types.AudioFrame{Data: make([]byte, types.FrameBytes)}
	for i := range frame.Data {
		frame.Data[i] = 0xFF // μ-law zero level
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.mu.Lock()
			thinking := o.state == call.StateProcessing
			o.mu.Unlock()
			if !thinking || o.ledger.HoldingFloor() {
				continue
			}
			if err := o.deps.Carrier.SendAudio(frame); err != nil {
				return
			}
		}
	}
}

// flagLoop reacts to cross-process coordination flags raised by webhook
// workers.
func (o *Orchestrator) flagLoop(ctx context.Context) {
	if o.deps.Store == nil {
		return
	}
	for flag := range o.deps.Store.SubscribeFlags(ctx, o.c.ID) {
		switch flag {
		case callstate.FlagAbortGreeting:
			o.deps.Log.Info("machine detected by carrier amd")
			o.deps.Metrics.RecordVoicemail(ctx, "amd")
			o.endCall(ctx, call.EndReasonVoicemailAMD)
			return
		case callstate.FlagAudioDone:
			// The carrier confirmed every queued playback finished; stop
			// running out the estimate.
			o.ledger.PlaybackDrained()
		}
	}
}

// respond runs the LLM → TTS pipeline for one committed user turn.
func (o *Orchestrator) respond(ctx context.Context, userText string) {
	o.mu.Lock()
	o.turn++
	turn := o.turn
	if o.timer == nil {
		o.timer = latency.NewTurnTimer(turn, nil)
	}
	timer := o.timer
	o.state = call.StateProcessing
	o.firstChunkPending = true
	rctx, cancel := context.WithCancel(ctx)
	o.respondCancel = cancel
	o.mu.Unlock()
	defer cancel()

	o.setStoreState(ctx, string(call.StateProcessing))
	o.transcript.Append(types.RoleUser, userText)
	o.history.Add(types.RoleUser, userText)
	o.ledger.BeginResponse()

	lctx, lcancel := context.WithTimeout(rctx, o.cfg.LLMTimeout)
	defer lcancel()

	timer.Mark(latency.LLMRequestStart)
	chunks, err := o.deps.LLM.StreamCompletion(lctx, llm.CompletionRequest{
		Messages:     o.history.Messages(),
		SystemPrompt: o.cfg.SystemPrompt,
		Temperature:  o.cfg.Temperature,
		MaxTokens:    o.cfg.MaxTokens,
	})
	if err != nil {
		o.deps.Log.Error("llm stream failed", "err", err)
		o.deps.Metrics.RecordProviderError(ctx, o.c.Config.LLMProvider, "llm")
		o.speakSentences(rctx, timer, []string{fallbackLine})
		o.finishResponse(ctx, timer)
		return
	}

	// Tee the chunk stream so first-token and completion marks land without
	// the sentence assembler knowing about timing.
	marked := make(chan llm.Chunk, 8)
	go func() {
		defer close(marked)
		first := true
		for c := range chunks {
			if first && c.Text != "" {
				timer.Mark(latency.LLMFirstToken)
				first = false
			}
			select {
			case marked <- c:
			case <-rctx.Done():
				return
			}
		}
		timer.Mark(latency.LLMComplete)
	}()

	var spoken []string
	for sentence := range llm.Sentences(rctx, marked) {
		text, endsCall := stripEndMarker(sentence.Text)
		if endsCall {
			o.mu.Lock()
			o.pendingEnd = true
			o.mu.Unlock()
		}
		if text == "" {
			continue
		}
		if len(spoken) == 0 {
			o.mu.Lock()
			o.state = call.StateAgentSpeaking
			o.mu.Unlock()
			o.setStoreState(ctx, string(call.StateAgentSpeaking))
		}
		o.speakSentences(rctx, timer, []string{text})
		spoken = append(spoken, text)
	}

	if rctx.Err() != nil {
		// Interrupted mid-generation; the interrupt path has already cleaned
		// up. Record what was actually said.
		if len(spoken) > 0 {
			o.transcript.Append(types.RoleAssistant, strings.Join(spoken, " "))
			o.history.Add(types.RoleAssistant, strings.Join(spoken, " "))
		}
		return
	}

	if len(spoken) == 0 && !o.hasPendingEnd() {
		// The model produced nothing usable.
		o.speakSentences(rctx, timer, []string{fallbackLine})
		spoken = append(spoken, fallbackLine)
	}

	if len(spoken) > 0 {
		full := strings.Join(spoken, " ")
		o.transcript.Append(types.RoleAssistant, full)
		o.history.Add(types.RoleAssistant, full)
	}

	o.finishResponse(ctx, timer)

	if o.hasPendingEnd() {
		o.hangupAfterPlayback(ctx)
	}
}

// speakSentences streams sentences into TTS, extends the playback ledger, and
// registers carrier-side playback entries.
func (o *Orchestrator) speakSentences(ctx context.Context, timer *latency.TurnTimer, sentences []string) {
	for _, s := range sentences {
		if ctx.Err() != nil {
			return
		}
		timer.Mark(latency.TTSRequestStart)
		if err := o.deps.TTS.StreamSentence(s); err != nil {
			o.deps.Log.Error("tts stream failed", "err", err)
			o.deps.Metrics.RecordProviderError(ctx, o.c.Config.TTSProvider, "tts")
			return
		}
		o.echo.Remember(s)
		o.ledger.ExtendForSentence(len(strings.Fields(s)))
		o.registerPlayback(ctx, types.PlaybackContent)
		o.monitor.AgentSpoke()
	}
}

// finishResponse flushes TTS, closes out the ledger, and records latency.
func (o *Orchestrator) finishResponse(ctx context.Context, timer *latency.TurnTimer) {
	if err := o.deps.TTS.Flush(); err != nil && !errors.Is(err, tts.ErrSessionClosed) {
		o.deps.Log.Warn("tts flush failed", "err", err)
	}
	o.ledger.GenerationComplete()
	timer.Mark(latency.TTSAudioSent)

	rec := timer.Summarize()
	o.mu.Lock()
	o.records = append(o.records, rec)
	o.timer = nil
	o.respondCancel = nil
	if o.state == call.StateProcessing || o.state == call.StateAgentSpeaking {
		o.state = call.StateAgentSpeaking
	}
	o.mu.Unlock()

	o.deps.Metrics.STTDuration.Record(ctx, float64(rec.STTMs)/1000)
	o.deps.Metrics.LLMDuration.Record(ctx, float64(rec.LLMMs)/1000)
	o.deps.Metrics.TTSDuration.Record(ctx, float64(rec.TTSMs)/1000)
	o.deps.Metrics.TTFSDuration.Record(ctx, float64(rec.TTFSMs)/1000)
	o.deps.Log.Info("turn complete",
		"turn", rec.Turn,
		"stt_ms", rec.STTMs,
		"llm_ms", rec.LLMMs,
		"tts_ms", rec.TTSMs,
		"ttfs_ms", rec.TTFSMs,
	)
}

// speakDirect synthesizes fixed text outside a user turn (greeting,
// check-ins).
func (o *Orchestrator) speakDirect(ctx context.Context, text string, kind types.PlaybackKind) {
	o.ledger.BeginResponse()
	if err := o.deps.TTS.StreamSentence(text); err != nil {
		o.deps.Log.Error("tts stream failed", "err", err)
		return
	}
	if err := o.deps.TTS.Flush(); err != nil && !errors.Is(err, tts.ErrSessionClosed) {
		o.deps.Log.Warn("tts flush failed", "err", err)
	}
	o.echo.Remember(text)
	o.ledger.ExtendForSentence(len(strings.Fields(text)))
	o.ledger.GenerationComplete()
	o.registerPlayback(ctx, kind)
	o.transcript.Append(types.RoleAssistant, text)
	o.history.Add(types.RoleAssistant, text)
	o.monitor.AgentSpoke()

	o.mu.Lock()
	o.state = call.StateAgentSpeaking
	o.mu.Unlock()
	o.setStoreState(ctx, string(call.StateAgentSpeaking))
}

// registerPlayback records one outbound playback in the ledger and the shared
// store so webhook workers can reconcile playback.ended events.
func (o *Orchestrator) registerPlayback(ctx context.Context, kind types.PlaybackKind) {
	id := uuid.NewString()
	o.ledger.Add(id, kind)
	if o.deps.Store != nil {
		if err := o.deps.Store.AddPlayback(ctx, o.c.ID, id); err != nil {
			o.deps.Log.Warn("playback register failed", "err", err)
		}
	}
}

// interrupt cancels the in-flight response on a barge-in: generation stops,
// queued synthesis is discarded on both sides, and the floor releases.
func (o *Orchestrator) interrupt(ctx context.Context) {
	o.mu.Lock()
	cancel := o.respondCancel
	o.respondCancel = nil
	o.state = call.StateInterrupted
	o.timer = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.deps.TTS.ClearAudio()
	if err := o.deps.Carrier.Clear(ctx); err != nil && !errors.Is(err, carrier.ErrSessionClosed) {
		o.deps.Log.Warn("carrier clear failed", "err", err)
	}
	o.ledger.Interrupt()
	if o.deps.Store != nil {
		if err := o.deps.Store.ClearPlaybacks(ctx, o.c.ID); err != nil {
			o.deps.Log.Warn("playback clear failed", "err", err)
		}
	}
	o.setStoreState(ctx, string(call.StateInterrupted))
}

// onDeadAir handles the silence monitor's verdicts. Returns false to stop the
// monitor.
func (o *Orchestrator) onDeadAir(ctx context.Context, a deadair.Action) bool {
	switch a {
	case deadair.ActionCheckIn:
		if o.ledger.HoldingFloor() {
			// Not actually silent; give the check-in back.
			o.monitor.RefundCheckIn()
			return true
		}
		o.deps.Log.Info("dead air check-in")
		o.deps.Metrics.CheckIns.Add(ctx, 1)
		o.speakDirect(ctx, "Are you still there?", types.PlaybackCheckIn)
		return true
	case deadair.ActionHangupSilence:
		o.deps.Log.Info("check-in budget spent, ending call")
		o.endCall(ctx, call.EndReasonMaxCheckIns)
		return false
	case deadair.ActionHangupDuration:
		o.deps.Log.Info("max call duration reached, ending call")
		o.endCall(ctx, call.EndReasonMaxDuration)
		return false
	}
	return true
}

// hangupAfterPlayback waits for the closing line to finish playing, plus a
// short grace period, then ends the call.
func (o *Orchestrator) hangupAfterPlayback(ctx context.Context) {
	deadline := o.ledger.ExpectedEnd().Add(hangupGrace)
	if wait := time.Until(deadline); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
	}
	o.endCall(ctx, call.EndReasonCompleted)
}

// endCall performs the one-shot teardown.
func (o *Orchestrator) endCall(ctx context.Context, reason call.EndReason) {
	o.hangupOnce.Do(func() {
		o.mu.Lock()
		o.state = call.StateEnded
		o.endReason = reason
		o.mu.Unlock()

		o.deps.Log.Info("ending call", "reason", reason)
		if o.deps.Store != nil {
			// Recorded before the control-plane hangup so the worker that
			// receives the hangup webhook sees the authoritative reason.
			wctx := context.WithoutCancel(ctx)
			if err := o.deps.Store.Merge(wctx, o.c.ID, map[string]string{"end_reason": string(reason)}); err != nil {
				o.deps.Log.Warn("record end reason", "err", err)
			}
		}
		if o.deps.Hangup != nil {
			if err := o.deps.Hangup(context.WithoutCancel(ctx), reason); err != nil {
				o.deps.Log.Warn("hangup request failed", "err", err)
			}
		}
		close(o.done)
	})
}

func (o *Orchestrator) hasPendingEnd() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pendingEnd
}

// timerForTurn returns the in-flight turn timer, creating one for the turn
// being assembled if none exists.
func (o *Orchestrator) timerForTurn() *latency.TurnTimer {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.timer == nil {
		o.timer = latency.NewTurnTimer(o.turn+1, nil)
	}
	return o.timer
}

// setStoreState mirrors the turn state into the shared store.
func (o *Orchestrator) setStoreState(ctx context.Context, state string) {
	if o.deps.Store == nil {
		return
	}
	if err := o.deps.Store.Merge(ctx, o.c.ID, map[string]string{"state": state}); err != nil {
		o.deps.Log.Warn("state merge failed", "err", err)
	}
}

// stripEndMarker removes the end-of-call marker from a sentence and reports
// whether it was present.
func stripEndMarker(s string) (string, bool) {
	if !strings.Contains(s, endCallMarker) {
		return strings.TrimSpace(s), false
	}
	return strings.TrimSpace(strings.ReplaceAll(s, endCallMarker, "")), true
}
