// Package observe provides application-wide observability primitives for
// Voicewire: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Voicewire metrics.
const meterName = "github.com/voicewire/voicewire"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks end-of-user-audio to transcript latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM request-to-first-token latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks sentence-to-first-audio-chunk synthesis latency.
	TTSDuration metric.Float64Histogram

	// TTFSDuration tracks time-to-first-sound: the silence the caller hears
	// between finishing a sentence and the agent starting to answer.
	TTFSDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts vendor API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// BargeIns counts user interruptions of agent speech.
	BargeIns metric.Int64Counter

	// EchoSuppressed counts transcripts discarded as speaker-loop echo.
	EchoSuppressed metric.Int64Counter

	// VoicemailDetections counts machine-answer verdicts. Use with attribute:
	//   attribute.String("source", "amd"|"pattern"|"monologue"|"gatekeeper")
	VoicemailDetections metric.Int64Counter

	// CheckIns counts dead-air check-in prompts spoken.
	CheckIns metric.Int64Counter

	// CallsStarted counts calls by direction.
	CallsStarted metric.Int64Counter

	// CallsEnded counts calls by end reason.
	CallsEnded metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts vendor errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live calls on this worker.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("voicewire.stt.duration",
		metric.WithDescription("Latency from end of user audio to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("voicewire.llm.duration",
		metric.WithDescription("Latency from LLM request to first token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("voicewire.tts.duration",
		metric.WithDescription("Latency from sentence submission to first audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTFSDuration, err = m.Float64Histogram("voicewire.turn.ttfs",
		metric.WithDescription("Time from end of user speech to first response audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("voicewire.provider.requests",
		metric.WithDescription("Total vendor API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voicewire.bargein.count",
		metric.WithDescription("Total user interruptions of agent speech."),
	); err != nil {
		return nil, err
	}
	if met.EchoSuppressed, err = m.Int64Counter("voicewire.echo.suppressed",
		metric.WithDescription("Total transcripts discarded as speaker-loop echo."),
	); err != nil {
		return nil, err
	}
	if met.VoicemailDetections, err = m.Int64Counter("voicewire.voicemail.detections",
		metric.WithDescription("Total machine-answer verdicts by detection source."),
	); err != nil {
		return nil, err
	}
	if met.CheckIns, err = m.Int64Counter("voicewire.deadair.checkins",
		metric.WithDescription("Total dead-air check-in prompts spoken."),
	); err != nil {
		return nil, err
	}
	if met.CallsStarted, err = m.Int64Counter("voicewire.calls.started",
		metric.WithDescription("Total calls started by direction."),
	); err != nil {
		return nil, err
	}
	if met.CallsEnded, err = m.Int64Counter("voicewire.calls.ended",
		metric.WithDescription("Total calls ended by end reason."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("voicewire.provider.errors",
		metric.WithDescription("Total vendor errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("voicewire.active_calls",
		metric.WithDescription("Number of live calls on this worker."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicewire.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest is a convenience method that records a vendor request
// counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a vendor error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordVoicemail is a convenience method that records a machine-answer
// verdict by detection source.
func (m *Metrics) RecordVoicemail(ctx context.Context, source string) {
	m.VoicemailDetections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordCallEnded is a convenience method that records a call completion by
// end reason.
func (m *Metrics) RecordCallEnded(ctx context.Context, reason string) {
	m.CallsEnded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
