// Package observe provides application-wide observability primitives for
// pushtalk: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware for the status server.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all pushtalk metrics.
const meterName = "github.com/MrWong99/pushtalk"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks push-to-talk turns from Begin to Idle.
	TurnDuration metric.Float64Histogram

	// DrainDuration tracks how long playback took to confirm the last frame
	// after the end of a stream was requested.
	DrainDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech time to first audio.
	TTSDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts finished turns. Use with attribute:
	//   attribute.String("status", ...)
	Turns metric.Int64Counter

	// AmpTransitions counts amplifier line transitions. Use with attribute:
	//   attribute.String("state", "on"|"off")
	AmpTransitions metric.Int64Counter

	// FramesWritten counts frames accepted by the playback device. Use with
	// attribute:
	//   attribute.String("source", ...)
	FramesWritten metric.Int64Counter

	// Utterances counts TTS utterances. Use with attributes:
	//   attribute.String("engine", ...), attribute.String("status", ...)
	Utterances metric.Int64Counter

	// --- Error counters ---

	// CaptureErrors counts transient microphone read faults.
	CaptureErrors metric.Int64Counter

	// PlaybackErrors counts playback device and callback faults. Use with
	// attribute:
	//   attribute.String("kind", ...)
	PlaybackErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveTurns tracks the number of in-flight turns (0 or 1).
	ActiveTurns metric.Int64UpDownCounter

	// QueuedFrames tracks audio buffers waiting in the playback worker queues.
	QueuedFrames metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks status server request time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, from a single audio
// block up to a long assistant reply.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// instruments creates instruments on one meter and keeps the first error, so
// NewMetrics reads as a flat list.
type instruments struct {
	m   metric.Meter
	err error
}

func (b *instruments) seconds(name, desc string) metric.Float64Histogram {
	h, err := b.m.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	b.keep(err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.m.Int64Counter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *instruments) level(name, desc string) metric.Int64UpDownCounter {
	c, err := b.m.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *instruments) keep(err error) {
	if b.err == nil && err != nil {
		b.err = err
	}
}

// NewMetrics creates every instrument on mp. Tests pass a provider backed by
// a manual reader.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{m: mp.Meter(meterName)}
	met := &Metrics{
		TurnDuration:  b.seconds("pushtalk.turn.duration", "Duration of a push-to-talk turn from button press to idle."),
		DrainDuration: b.seconds("pushtalk.playback.drain.duration", "Time from stop request until the last written frame was confirmed played."),
		TTSDuration:   b.seconds("pushtalk.tts.duration", "Latency of text-to-speech synthesis to first audio."),

		Turns:          b.counter("pushtalk.turns", "Finished turns by status."),
		AmpTransitions: b.counter("pushtalk.amp.transitions", "Amplifier line transitions by state."),
		FramesWritten:  b.counter("pushtalk.playback.frames", "Frames accepted by the playback device by source."),
		Utterances:     b.counter("pushtalk.tts.utterances", "TTS utterances by engine and status."),
		CaptureErrors:  b.counter("pushtalk.capture.errors", "Transient microphone read faults."),
		PlaybackErrors: b.counter("pushtalk.playback.errors", "Playback device and callback faults by kind."),

		ActiveTurns:  b.level("pushtalk.active_turns", "In-flight push-to-talk turns."),
		QueuedFrames: b.level("pushtalk.playback.queued", "Audio buffers waiting in the playback queues."),
	}
	var err error
	met.HTTPRequestDuration, err = b.m.Float64Histogram("pushtalk.http.request.duration",
		metric.WithDescription("Status server request latency by method and mux route."),
		metric.WithUnit("s"),
	)
	b.keep(err)
	if b.err != nil {
		return nil, b.err
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

// RecordTurn records a finished turn with its outcome.
func (m *Metrics) RecordTurn(ctx context.Context, status string, d time.Duration) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.TurnDuration.Record(ctx, d.Seconds())
}

// RecordAmpTransition records one amplifier line change.
func (m *Metrics) RecordAmpTransition(ctx context.Context, on bool) {
	state := "off"
	if on {
		state = "on"
	}
	m.AmpTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordFramesWritten records frames accepted by the playback device.
func (m *Metrics) RecordFramesWritten(ctx context.Context, source string, frames uint64) {
	m.FramesWritten.Add(ctx, int64(frames), metric.WithAttributes(attribute.String("source", source)))
}

// RecordUtterance records a finished TTS utterance.
func (m *Metrics) RecordUtterance(ctx context.Context, engine, status string) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("engine", engine),
			attribute.String("status", status),
		),
	)
}

// RecordPlaybackError records a playback fault of the given kind.
func (m *Metrics) RecordPlaybackError(ctx context.Context, kind string) {
	m.PlaybackErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
