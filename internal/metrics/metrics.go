// Package metrics holds the OpenTelemetry instruments shared by the camera,
// detector and workflow packages.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

const meterName = "github.com/andresmejia3/scanline"

// Recorder wraps the instruments. A nil *Recorder is valid and records nothing.
type Recorder struct {
	frames      metric.Int64Counter
	detections  metric.Int64Counter
	failures    metric.Int64Counter
	stale       metric.Int64Counter
	transitions metric.Int64Counter
	latency     metric.Float64Histogram
}

// New registers all instruments against the given provider.
func New(mp metric.MeterProvider) (*Recorder, error) {
	meter := mp.Meter(meterName)
	r := &Recorder{}
	var err error

	if r.frames, err = meter.Int64Counter("scanline.frames.delivered",
		metric.WithDescription("Frames handed to the frame processor")); err != nil {
		return nil, fmt.Errorf("create frames counter: %w", err)
	}
	if r.detections, err = meter.Int64Counter("scanline.detections",
		metric.WithDescription("Detector results by outcome")); err != nil {
		return nil, fmt.Errorf("create detections counter: %w", err)
	}
	if r.failures, err = meter.Int64Counter("scanline.detector.failures",
		metric.WithDescription("Detector calls that failed and were treated as no symbol")); err != nil {
		return nil, fmt.Errorf("create failures counter: %w", err)
	}
	if r.stale, err = meter.Int64Counter("scanline.detections.stale",
		metric.WithDescription("Results dropped because their camera session was no longer live")); err != nil {
		return nil, fmt.Errorf("create stale counter: %w", err)
	}
	if r.transitions, err = meter.Int64Counter("scanline.workflow.transitions",
		metric.WithDescription("Accepted workflow state transitions")); err != nil {
		return nil, fmt.Errorf("create transitions counter: %w", err)
	}
	if r.latency, err = meter.Float64Histogram("scanline.detector.latency",
		metric.WithDescription("Detector latency"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("create latency histogram: %w", err)
	}
	return r, nil
}

// Noop returns a recorder backed by the no-op provider.
func Noop() *Recorder {
	r, _ := New(noop.NewMeterProvider())
	return r
}

func (r *Recorder) FrameDelivered(ctx context.Context) {
	if r == nil {
		return
	}
	r.frames.Add(ctx, 1)
}

func (r *Recorder) Detection(ctx context.Context, outcome string, took time.Duration) {
	if r == nil {
		return
	}
	r.detections.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	r.latency.Record(ctx, float64(took.Microseconds())/1000)
}

func (r *Recorder) DetectorFailure(ctx context.Context) {
	if r == nil {
		return
	}
	r.failures.Add(ctx, 1)
}

func (r *Recorder) StaleResult(ctx context.Context) {
	if r == nil {
		return
	}
	r.stale.Add(ctx, 1)
}

func (r *Recorder) Transition(ctx context.Context, from, to string) {
	if r == nil {
		return
	}
	r.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// NewMeterProvider builds the SDK provider. When endpoint is empty nothing is
// exported and the provider only aggregates in memory.
func NewMeterProvider(ctx context.Context, serviceName, endpoint string, interval time.Duration) (*sdkmetric.MeterProvider, error) {
	opts := []sdkmetric.Option{sdkmetric.WithResource(NewResource(serviceName))}

	if endpoint != "" {
		exp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create otlp metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval)),
		))
	}

	return sdkmetric.NewMeterProvider(opts...), nil
}

// NewResource creates a new OpenTelemetry resource with service name.
func NewResource(serviceName string) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)
}
