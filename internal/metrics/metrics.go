// Package metrics wires the pipeline's OpenTelemetry meter provider to a
// Prometheus exporter and exposes the counters and gauges named in
// SPEC_FULL.md §8 ("External Interfaces"), satisfying runengine.Metrics
// and archive.Metrics along the way.
//
// Grounded on queue/kafka/metrics.go's instrument-holder pattern and
// otel/otel.go's provider construction; the Prometheus bridge itself
// comes from go.opentelemetry.io/otel/exporters/prometheus backed by a
// github.com/prometheus/client_golang registry.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/supermusr/data-pipeline"

// Recorder holds every instrument the three binaries (aggregator, run
// engine, searcher) report through. A single process only ever needs the
// instruments relevant to its own component, but constructing the whole
// set keeps the registration call-site trivial and matches component_info
// convention of one Recorder per process.
type Recorder struct {
	failures               metric.Int64Counter
	framesSent             metric.Int64Counter
	messagesProcessed      metric.Int64Counter
	messagesReceived       metric.Int64Counter
	lastMessageTimestamp   metric.Int64Gauge
	lastMessageFrameNumber metric.Int64Gauge
}

// Provider bundles the constructed meter provider with the Prometheus
// registry backing it, so callers can both register instruments and serve
// /metrics from the same registry.
type Provider struct {
	MeterProvider metric.MeterProvider
	Registry      *prometheus.Registry
}

// NewProvider builds an SDK meter provider whose reader is a Prometheus
// bridge over a fresh registry, and registers component_info as a
// constant-valued gauge carrying the component name and build version
// (SPEC_FULL.md §8's process-identifying metric).
func NewProvider(component, gitVersion string) (*Provider, error) {
	reg := prometheus.NewRegistry()

	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	meter := mp.Meter(meterName)
	info, err := meter.Int64Gauge(
		"component_info",
		metric.WithDescription("Static info about the running component, value is always 1"),
	)
	if err != nil {
		return nil, err
	}
	info.Record(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("component", component),
			attribute.String("git_version", gitVersion),
		),
	)

	return &Provider{MeterProvider: mp, Registry: reg}, nil
}

// Handler returns the HTTP handler to mount at /metrics.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.Registry, promhttp.HandlerOpts{})
}

// NewRecorder constructs every instrument using the given meter provider.
func NewRecorder(mp metric.MeterProvider) (*Recorder, error) {
	meter := mp.Meter(meterName)

	failures, err := meter.Int64Counter(
		"failures",
		metric.WithDescription("Total number of failures by kind"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	framesSent, err := meter.Int64Counter(
		"frames_sent",
		metric.WithDescription("Total number of assembled frames sent downstream"),
		metric.WithUnit("{frame}"),
	)
	if err != nil {
		return nil, err
	}

	messagesProcessed, err := meter.Int64Counter(
		"messages_processed",
		metric.WithDescription("Total number of messages successfully processed"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	messagesReceived, err := meter.Int64Counter(
		"messages_received",
		metric.WithDescription("Total number of messages received by kind"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	lastMessageTimestamp, err := meter.Int64Gauge(
		"last_message_timestamp",
		metric.WithDescription("Unix nanosecond timestamp of the last message processed"),
	)
	if err != nil {
		return nil, err
	}

	lastMessageFrameNumber, err := meter.Int64Gauge(
		"last_message_frame_number",
		metric.WithDescription("Frame number of the last frame processed"),
	)
	if err != nil {
		return nil, err
	}

	return &Recorder{
		failures:               failures,
		framesSent:             framesSent,
		messagesProcessed:      messagesProcessed,
		messagesReceived:       messagesReceived,
		lastMessageTimestamp:   lastMessageTimestamp,
		lastMessageFrameNumber: lastMessageFrameNumber,
	}, nil
}

// IncFileWriteFailed satisfies runengine.Metrics and archive.Metrics.
func (r *Recorder) IncFileWriteFailed() {
	r.IncFailure("file_write")
}

// IncFailure records a failure of an arbitrary kind, used by callers (like
// the Kafka consumer loops) that aren't bound to the narrower
// runengine.Metrics/archive.Metrics interfaces.
func (r *Recorder) IncFailure(kind string) {
	r.failures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// IncFramesSent satisfies runengine.Metrics.
func (r *Recorder) IncFramesSent() {
	r.framesSent.Add(context.Background(), 1)
}

// IncMessagesProcessed satisfies runengine.Metrics.
func (r *Recorder) IncMessagesProcessed() {
	r.messagesProcessed.Add(context.Background(), 1)
}

// IncMessagesReceived records an inbound message of a given kind, used by
// the consumer loops in internal/streamio/kafka.
func (r *Recorder) IncMessagesReceived(kind string) {
	r.messagesReceived.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// SetLastMessageTimestamp satisfies runengine.Metrics.
func (r *Recorder) SetLastMessageTimestamp(t time.Time) {
	r.lastMessageTimestamp.Record(context.Background(), t.UnixNano())
}

// SetLastMessageFrameNumber satisfies runengine.Metrics.
func (r *Recorder) SetLastMessageFrameNumber(frameNumber uint32) {
	r.lastMessageFrameNumber.Record(context.Background(), int64(frameNumber))
}
