// Package app wires all Voicewire subsystems into a running call server.
//
// The App struct owns the full lifecycle: New connects the shared call-state
// store, the call log, the carrier control-plane client, and the HTTP surface
// (webhooks, media WebSocket, health, metrics); Run serves until the context
// is cancelled and then drains active calls; Close tears everything down in
// reverse-init order.
//
// For testing, inject doubles via functional options (WithStateStore,
// WithCallLog, WithCarrier). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/voicewire/voicewire/internal/call"
	"github.com/voicewire/voicewire/internal/calllog"
	"github.com/voicewire/voicewire/internal/callstate"
	"github.com/voicewire/voicewire/internal/carrier"
	"github.com/voicewire/voicewire/internal/config"
	"github.com/voicewire/voicewire/internal/health"
	"github.com/voicewire/voicewire/internal/latency"
	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/internal/webhook"
	"github.com/voicewire/voicewire/pkg/types"
)

// shutdownTimeout bounds the graceful drain: HTTP shutdown plus active calls.
const shutdownTimeout = 30 * time.Second

// CallLog is the call-log surface the application writes: the webhook
// lifecycle rows plus the per-call transcript and latency records persisted
// when a call ends.
type CallLog interface {
	webhook.CallLog
	AppendUtterances(ctx context.Context, callID string, entries []types.TranscriptEntry) error
	AppendLatency(ctx context.Context, callID string, records []latency.Record) error
}

// Carrier is the control-plane client surface the application uses.
type Carrier interface {
	webhook.ControlPlane
	Dial(ctx context.Context, req carrier.DialRequest) (string, error)
	Hangup(ctx context.Context, callControlID string) error
}

var (
	_ CallLog = (*calllog.Store)(nil)
	_ Carrier = (*carrier.Client)(nil)
)

// App owns all subsystem lifetimes for the Voicewire call server.
type App struct {
	watcher  *config.Watcher
	registry *config.Registry
	level    *slog.LevelVar

	state   *callstate.Store
	redis   *redis.Client
	callLog CallLog
	pgPing  func(ctx context.Context) error
	carrier Carrier
	metrics *observe.Metrics
	calls   *CallManager

	handler http.Handler
	srv     *http.Server

	// closers are called in reverse order during Close.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStateStore injects a call-state store instead of connecting to Redis.
func WithStateStore(s *callstate.Store) Option {
	return func(a *App) { a.state = s }
}

// WithCallLog injects a call log instead of connecting to PostgreSQL.
func WithCallLog(l CallLog) Option {
	return func(a *App) { a.callLog = l }
}

// WithCarrier injects a carrier control-plane client.
func WithCarrier(c Carrier) Option {
	return func(a *App) { a.carrier = c }
}

// WithLogLevelVar ties config reloads to the given slog level variable, so a
// log_level change in the config file takes effect without a restart.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// New creates an App by wiring all subsystems together. The config file at
// cfgPath is loaded immediately and watched for changes; reg supplies the
// provider factories used to build per-call STT, LLM, and TTS sessions.
func New(ctx context.Context, cfgPath string, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{registry: reg}
	for _, o := range opts {
		o(a)
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
	}

	w, err := config.NewWatcher(cfgPath, a.onConfigChange)
	if err != nil {
		return nil, fmt.Errorf("app: config: %w", err)
	}
	a.watcher = w
	a.closers = append(a.closers, func() error { w.Stop(); return nil })
	cfg := w.Current()
	a.level.Set(slogLevel(cfg.Server.LogLevel))

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voicewire"})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error { return otelShutdown(context.Background()) })

	a.metrics, err = observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}

	if err := a.initState(cfg); err != nil {
		a.Close()
		return nil, fmt.Errorf("app: init call state: %w", err)
	}
	if err := a.initCallLog(ctx, cfg); err != nil {
		a.Close()
		return nil, fmt.Errorf("app: init call log: %w", err)
	}
	if err := a.initCarrier(cfg); err != nil {
		a.Close()
		return nil, fmt.Errorf("app: init carrier: %w", err)
	}

	a.calls = NewCallManager(CallManagerDeps{
		Current:  w.Current,
		Registry: reg,
		State:    a.state,
		Log:      a.callLog,
		Hangup:   a.carrier.Hangup,
		Metrics:  a.metrics,
	})

	a.initHTTP(cfg)
	return a, nil
}

// initState connects the shared Redis call-state store unless one was
// injected.
func (a *App) initState(cfg *config.Config) error {
	if a.state != nil {
		return nil
	}
	if cfg.Redis.Addr == "" {
		return errors.New("redis.addr is required when a state store is not injected")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.redis = rdb
	a.state = callstate.New(rdb)
	a.closers = append(a.closers, rdb.Close)
	return nil
}

// initCallLog connects the PostgreSQL call log unless one was injected.
func (a *App) initCallLog(ctx context.Context, cfg *config.Config) error {
	if a.callLog != nil {
		return nil
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required when a call log is not injected")
	}
	store, err := calllog.NewStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	a.callLog = store
	a.pgPing = store.Ping
	a.closers = append(a.closers, func() error { store.Close(); return nil })
	return nil
}

// initCarrier builds the carrier control-plane client unless one was injected.
func (a *App) initCarrier(cfg *config.Config) error {
	if a.carrier != nil {
		return nil
	}
	if cfg.Carrier.BaseURL == "" || cfg.Carrier.APIKey == "" {
		return errors.New("carrier.base_url and carrier.api_key are required when a carrier client is not injected")
	}
	a.carrier = carrier.NewClient(cfg.Carrier.BaseURL, cfg.Carrier.APIKey)
	return nil
}

// initHTTP assembles the full serving surface on one mux: carrier webhooks,
// the media WebSocket, the outbound dial endpoint, health probes, and
// Prometheus metrics.
func (a *App) initHTTP(cfg *config.Config) {
	wh := webhook.New(webhook.Deps{
		State:       a.state,
		Log:         a.callLog,
		Client:      a.carrier,
		SelectAgent: a.selectAgent,
		StreamURL:   a.streamURL,
		Stream:      a.calls.Run,
		Metrics:     a.metrics,
	}, cfg.Carrier.WebhookSecret)

	mux := wh.Routes()
	mux.HandleFunc("POST /calls", a.handleDial)

	var checkers []health.Checker
	if a.redis != nil {
		checkers = append(checkers, health.Checker{
			Name:  "redis",
			Check: func(ctx context.Context) error { return a.redis.Ping(ctx).Err() },
		})
	}
	if a.pgPing != nil {
		checkers = append(checkers, health.Checker{Name: "postgres", Check: a.pgPing})
	}
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.handler = observe.Middleware(a.metrics)(mux)
	a.srv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Handler returns the full HTTP surface. Exposed for tests.
func (a *App) Handler() http.Handler { return a.handler }

// Run serves HTTP until ctx is cancelled, then shuts the server down and
// drains active calls. It returns ctx.Err() after a clean drain.
func (a *App) Run(ctx context.Context) error {
	cfg := a.watcher.Current()
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = a.srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("voicewire serving",
		"addr", cfg.Server.ListenAddr,
		"public_url", cfg.Server.PublicURL,
		"agents", len(cfg.Agents),
	)

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	sdCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.srv.Shutdown(sdCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := a.calls.Drain(sdCtx); err != nil {
		slog.Warn("active calls did not drain before deadline", "err", err)
	}
	return ctx.Err()
}

// Close tears down all subsystems in reverse-init order. Safe to call more
// than once.
func (a *App) Close() error {
	var errs []error
	a.stopOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// Dial places an outbound call for the named agent. Empty agentName selects
// the first configured agent. It returns the new call ID; webhooks and the
// media stream pick the call up from the shared state from there.
func (a *App) Dial(ctx context.Context, agentName, to string) (string, error) {
	cfg := a.watcher.Current()
	agent, ok := agentByName(cfg, agentName)
	if !ok {
		return "", fmt.Errorf("app: unknown agent %q", agentName)
	}

	callID := uuid.NewString()
	c := &call.Call{
		ID:        callID,
		Direction: types.DirectionOutbound,
		From:      cfg.Carrier.OutboundNumber,
		To:        to,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.callLog.CreateCall(ctx, c, agent.Name); err != nil {
		return "", fmt.Errorf("app: dial: create call record: %w", err)
	}
	if err := a.state.Merge(ctx, callID, map[string]string{
		"agent_id":  agent.Name,
		"direction": string(types.DirectionOutbound),
		"from":      c.From,
		"to":        to,
		"state":     "dialing",
	}); err != nil {
		return "", fmt.Errorf("app: dial: seed call state: %w", err)
	}

	ccid, err := a.carrier.Dial(ctx, carrier.DialRequest{
		To:               to,
		From:             c.From,
		StreamURL:        a.streamURL(callID),
		ClientState:      callID,
		MachineDetection: agent.Voicemail.Enabled,
	})
	if err != nil {
		return "", fmt.Errorf("app: dial: %w", err)
	}
	if err := a.state.Merge(ctx, callID, map[string]string{"call_control_id": ccid}); err != nil {
		return "", fmt.Errorf("app: dial: record call control id: %w", err)
	}

	slog.Info("outbound call placed", "call_id", callID, "agent", agent.Name, "to", to)
	return callID, nil
}

// dialRequest is the POST /calls body.
type dialRequest struct {
	To    string `json:"to"`
	Agent string `json:"agent,omitempty"`
}

// handleDial serves the operator-facing outbound dial endpoint.
func (a *App) handleDial(w http.ResponseWriter, r *http.Request) {
	var req dialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.To == "" {
		http.Error(w, "missing to", http.StatusBadRequest)
		return
	}

	callID, err := a.Dial(r.Context(), req.Agent, req.To)
	if err != nil {
		slog.Error("dial failed", "to", req.To, "agent", req.Agent, "err", err)
		http.Error(w, "dial failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"call_id": callID}) //nolint:errcheck
}

// selectAgent maps an inbound call's numbers to an agent. With a single
// configured agent the answer is trivial; multiple agents take the first one
// until number-based routing is configured.
func (a *App) selectAgent(from, to string) string {
	cfg := a.watcher.Current()
	if len(cfg.Agents) == 0 {
		return ""
	}
	return cfg.Agents[0].Name
}

// streamURL builds the media WebSocket URL the carrier connects back to for a
// call, derived from the public base URL.
func (a *App) streamURL(callID string) string {
	base := strings.TrimSuffix(a.watcher.Current().Server.PublicURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/media/" + callID
}

// onConfigChange applies a validated config reload. Only the log level and
// agent definitions take effect live; calls already in progress keep the
// agent snapshot they started with.
func (a *App) onConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		a.level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	for _, ac := range d.AgentChanges {
		slog.Info("agent config changed",
			"agent", ac.Name,
			"added", ac.Added,
			"removed", ac.Removed,
			"prompt", ac.PromptChanged,
			"greeting", ac.GreetingChanged,
			"voice", ac.VoiceChanged,
		)
	}
}

// agentByName finds an agent config. Empty name selects the first agent.
func agentByName(cfg *config.Config, name string) (config.AgentConfig, bool) {
	if len(cfg.Agents) == 0 {
		return config.AgentConfig{}, false
	}
	if name == "" {
		return cfg.Agents[0], true
	}
	for _, ag := range cfg.Agents {
		if ag.Name == name {
			return ag, true
		}
	}
	return config.AgentConfig{}, false
}

// slogLevel converts a config log level to the slog equivalent.
func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
