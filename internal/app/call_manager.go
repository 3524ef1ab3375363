package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voicewire/voicewire/internal/call"
	"github.com/voicewire/voicewire/internal/callstate"
	"github.com/voicewire/voicewire/internal/carrier"
	"github.com/voicewire/voicewire/internal/config"
	"github.com/voicewire/voicewire/internal/deadair"
	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/internal/orchestrator"
	"github.com/voicewire/voicewire/internal/resilience"
	"github.com/voicewire/voicewire/internal/transcript"
	"github.com/voicewire/voicewire/pkg/provider/llm"
	"github.com/voicewire/voicewire/pkg/provider/stt"
	"github.com/voicewire/voicewire/pkg/provider/tts"
	"github.com/voicewire/voicewire/pkg/types"
)

// openerAgentDelay is the greeting delay when the agent is configured to
// speak first. Long enough to absorb connection jitter, short enough that the
// caller does not wonder whether anyone picked up.
const openerAgentDelay = 250 * time.Millisecond

// CallManagerDeps holds the collaborators a [CallManager] needs to assemble
// one pipeline per connected call.
type CallManagerDeps struct {
	// Current returns the latest validated config. Each call snapshots its
	// agent settings at start, so reloads never touch a live conversation.
	Current func() *config.Config

	Registry *config.Registry
	State    *callstate.Store
	Log      CallLog

	// Hangup sends the control-plane hangup for a call control ID.
	Hangup func(ctx context.Context, callControlID string) error

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// CallManager runs one orchestrator per connected media stream and tracks
// them for graceful drain. All exported methods are safe for concurrent use.
type CallManager struct {
	deps CallManagerDeps

	mu       sync.Mutex
	active   map[string]context.CancelFunc
	draining bool
	wg       sync.WaitGroup
}

// NewCallManager creates a CallManager with the given dependencies.
func NewCallManager(deps CallManagerDeps) *CallManager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	return &CallManager{
		deps:   deps,
		active: make(map[string]context.CancelFunc),
	}
}

// Count returns the number of calls currently running.
func (m *CallManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Run drives the full pipeline for one connected media stream. It blocks
// until the call ends; the caller closes the session afterwards.
func (m *CallManager) Run(ctx context.Context, callID string, sess *carrier.Session) {
	m.run(ctx, callID, sess)
}

func (m *CallManager) run(ctx context.Context, callID string, sess orchestrator.CarrierSession) {
	log := m.deps.Logger.With("call_id", callID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !m.register(callID, cancel) {
		log.Warn("rejecting media stream, server is draining")
		return
	}
	defer m.unregister(callID)

	if err := m.runPipeline(ctx, callID, sess, log); err != nil {
		log.Error("call pipeline failed", "err", err)
	}
}

// runPipeline resolves the call's agent, opens the provider sessions, and
// runs the orchestrator to completion.
func (m *CallManager) runPipeline(ctx context.Context, callID string, sess orchestrator.CarrierSession, log *slog.Logger) error {
	info, err := m.deps.State.GetAll(ctx, callID)
	if err != nil {
		return fmt.Errorf("load call state: %w", err)
	}

	cfg := m.deps.Current()
	agent, ok := agentByName(cfg, info["agent_id"])
	if !ok {
		return fmt.Errorf("no agent configured for call (agent_id=%q)", info["agent_id"])
	}

	direction := types.DirectionInbound
	if info["direction"] == string(types.DirectionOutbound) {
		direction = types.DirectionOutbound
	}

	sttEntry := effectiveEntry(cfg.Providers.STT, agent.STTProvider, "")
	llmEntry := effectiveEntry(cfg.Providers.LLM, agent.LLMProvider, agent.LLMModel)
	ttsEntry := effectiveEntry(cfg.Providers.TTS, agent.TTSProvider, agent.Voice.Model)

	sttProv, err := m.sttProvider(sttEntry)
	if err != nil {
		return fmt.Errorf("create stt provider: %w", err)
	}
	llmProv, err := m.llmProvider(llmEntry)
	if err != nil {
		return fmt.Errorf("create llm provider: %w", err)
	}
	ttsProv, err := m.ttsProvider(ttsEntry)
	if err != nil {
		return fmt.Errorf("create tts provider: %w", err)
	}

	// The reconnecting wrapper keeps the pipeline's channels stable across
	// vendor transport drops mid-call.
	sttCfg := sttStreamConfig(sttEntry, agent.EndpointingMs)
	sttSess, err := stt.NewReconnectingSession(ctx, sttProv, sttCfg)
	if err != nil {
		m.deps.Metrics.RecordProviderError(ctx, sttEntry.Name, "stt")
		return fmt.Errorf("start stt stream: %w", err)
	}
	defer sttSess.Close()

	voice := types.VoiceProfile{
		ID:       agent.Voice.VoiceID,
		Provider: ttsEntry.Name,
		Model:    agent.Voice.Model,
	}
	ttsSess, err := ttsProv.StartSession(ctx, voice)
	if err != nil {
		m.deps.Metrics.RecordProviderError(ctx, ttsEntry.Name, "tts")
		return fmt.Errorf("start tts session: %w", err)
	}
	defer ttsSess.Close()

	c := &call.Call{
		ID:            callID,
		CallControlID: info["call_control_id"],
		Direction:     direction,
		From:          info["from"],
		To:            info["to"],
		StartedAt:     time.Now().UTC(),
		Config: call.AgentConfig{
			SystemPrompt: agent.SystemPrompt,
			Greeting:     agent.Greeting,
			Voice:        voice,
			STTProvider:  sttEntry.Name,
			LLMProvider:  llmEntry.Name,
			TTSProvider:  ttsEntry.Name,
			LLMModel:     llmEntry.Model,
		},
	}

	orch, err := orchestrator.New(c, orchestratorConfig(agent, sttCfg.SampleRate), orchestrator.Deps{
		Carrier: sess,
		STT:     sttSess,
		LLM:     llmProv,
		TTS:     ttsSess,
		Store:   m.deps.State,
		Hangup: func(hctx context.Context, _ call.EndReason) error {
			if m.deps.Hangup == nil || c.CallControlID == "" {
				return nil
			}
			return m.deps.Hangup(hctx, c.CallControlID)
		},
		Metrics: m.deps.Metrics,
		Log:     log,
	})
	if err != nil {
		return fmt.Errorf("assemble orchestrator: %w", err)
	}

	log.Info("call pipeline started",
		"agent", agent.Name,
		"direction", direction,
		"stt", sttEntry.Name,
		"llm", llmEntry.Name,
		"tts", ttsEntry.Name,
	)

	if err := orch.Run(ctx); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	m.persist(context.WithoutCancel(ctx), callID, orch, log)
	log.Info("call pipeline finished", "reason", orch.EndReason())
	return nil
}

// persist writes the transcript and latency records collected during the
// call. Failures are logged, not fatal; the call is already over.
func (m *CallManager) persist(ctx context.Context, callID string, orch *orchestrator.Orchestrator, log *slog.Logger) {
	if entries := orch.Transcript().Entries(); len(entries) > 0 {
		if err := m.deps.Log.AppendUtterances(ctx, callID, entries); err != nil {
			log.Warn("persist transcript failed", "err", err)
		}
	}
	if records := orch.LatencyRecords(); len(records) > 0 {
		if err := m.deps.Log.AppendLatency(ctx, callID, records); err != nil {
			log.Warn("persist latency records failed", "err", err)
		}
	}
}

// Drain stops accepting new calls and waits for active ones to finish. When
// ctx expires first, remaining calls are cancelled and the context error is
// returned.
func (m *CallManager) Drain(ctx context.Context) error {
	m.mu.Lock()
	m.draining = true
	n := len(m.active)
	m.mu.Unlock()
	if n > 0 {
		m.deps.Logger.Info("draining active calls", "count", n)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	for _, cancel := range m.active {
		cancel()
	}
	m.mu.Unlock()

	<-done
	return ctx.Err()
}

// register adds a call to the active set. Returns false while draining.
func (m *CallManager) register(callID string, cancel context.CancelFunc) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.draining {
		return false
	}
	m.active[callID] = cancel
	m.wg.Add(1)
	return true
}

func (m *CallManager) unregister(callID string) {
	m.mu.Lock()
	delete(m.active, callID)
	m.mu.Unlock()
	m.wg.Done()
}

// sttProvider builds the STT provider for an entry. Entries with fallbacks
// are wrapped in a failover group with per-backend circuit breakers.
func (m *CallManager) sttProvider(entry config.ProviderEntry) (stt.Provider, error) {
	p, err := m.deps.Registry.CreateSTT(entry)
	if err != nil || len(entry.Fallbacks) == 0 {
		return p, err
	}
	fb := resilience.NewSTTFallback(p, entry.Name, resilience.FallbackConfig{})
	for _, fe := range entry.Fallbacks {
		fp, err := m.deps.Registry.CreateSTT(fe)
		if err != nil {
			return nil, fmt.Errorf("stt fallback %q: %w", fe.Name, err)
		}
		fb.AddFallback(fe.Name, fp)
	}
	return fb, nil
}

func (m *CallManager) llmProvider(entry config.ProviderEntry) (llm.Provider, error) {
	p, err := m.deps.Registry.CreateLLM(entry)
	if err != nil || len(entry.Fallbacks) == 0 {
		return p, err
	}
	fb := resilience.NewLLMFallback(p, entry.Name, resilience.FallbackConfig{})
	for _, fe := range entry.Fallbacks {
		fp, err := m.deps.Registry.CreateLLM(fe)
		if err != nil {
			return nil, fmt.Errorf("llm fallback %q: %w", fe.Name, err)
		}
		fb.AddFallback(fe.Name, fp)
	}
	return fb, nil
}

func (m *CallManager) ttsProvider(entry config.ProviderEntry) (tts.Provider, error) {
	p, err := m.deps.Registry.CreateTTS(entry)
	if err != nil || len(entry.Fallbacks) == 0 {
		return p, err
	}
	fb := resilience.NewTTSFallback(p, entry.Name, resilience.FallbackConfig{})
	for _, fe := range entry.Fallbacks {
		fp, err := m.deps.Registry.CreateTTS(fe)
		if err != nil {
			return nil, fmt.Errorf("tts fallback %q: %w", fe.Name, err)
		}
		fb.AddFallback(fe.Name, fp)
	}
	return fb, nil
}

// effectiveEntry resolves the provider entry for one pipeline stage: the
// shared default, optionally overridden by the agent's vendor choice and
// model. An override naming a different vendor starts from a bare entry; its
// credentials come from the vendor's environment variable.
func effectiveEntry(base config.ProviderEntry, override, model string) config.ProviderEntry {
	e := base
	if override != "" && override != base.Name {
		e = config.ProviderEntry{Name: override}
	}
	if model != "" {
		e.Model = model
	}
	return e
}

// sttStreamConfig picks the audio format per vendor: Deepgram takes carrier
// μ-law natively, the others need linear PCM resampled to 16 kHz.
func sttStreamConfig(entry config.ProviderEntry, endpointingMs int) stt.StreamConfig {
	cfg := stt.StreamConfig{
		Encoding:      "mulaw",
		SampleRate:    8000,
		Language:      "en",
		Model:         entry.Model,
		EndpointingMs: endpointingMs,
	}
	switch entry.Name {
	case "soniox", "assemblyai":
		cfg.Encoding = "linear16"
		cfg.SampleRate = 16000
	}
	return cfg
}

// orchestratorConfig maps an agent's config onto the orchestrator's tuning
// knobs.
func orchestratorConfig(agent config.AgentConfig, sttSampleRate int) orchestrator.Config {
	cfg := orchestrator.Config{
		SystemPrompt:         agent.SystemPrompt,
		Greeting:             agent.Greeting,
		BargeInWordThreshold: agent.BargeIn.MinWords,
		BargeInCooldown:      time.Duration(agent.BargeIn.CooldownMs) * time.Millisecond,
		STTSampleRate:        sttSampleRate,
		VoicemailDetection:   agent.Voicemail.Enabled,
		ComfortNoise:         agent.EnableComfortNoise,
		DeadAir: deadair.Config{
			MaxCheckIns:     agent.DeadAir.MaxCheckIns,
			MaxCallDuration: time.Duration(agent.DeadAir.MaxCallSeconds) * time.Second,
		},
	}
	for _, ms := range agent.DeadAir.CheckInAfterMs {
		cfg.DeadAir.Thresholds = append(cfg.DeadAir.Thresholds, time.Duration(ms)*time.Millisecond)
	}
	if len(agent.Keywords) > 0 {
		cfg.Correct = transcript.NewCorrector(agent.Keywords).Correct
	}
	if agent.Opener == config.OpenerAgent {
		cfg.GreetingDelay = openerAgentDelay
	}
	return cfg
}
