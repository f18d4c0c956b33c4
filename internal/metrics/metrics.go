// Package metrics exposes planner instruments through an OpenTelemetry
// meter backed by a Prometheus registry.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/ILLUVRSE/season-planner/internal/events"
)

const meterName = "github.com/ILLUVRSE/season-planner"

var (
	AttrAgent   = attribute.Key("agent")
	AttrOutcome = attribute.Key("outcome")
	AttrType    = attribute.Key("type")
)

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	provider      *sdkmetric.MeterProvider
	handler       http.Handler
	stageRuns     metric.Int64Counter
	stageDuration metric.Float64Histogram
	reforecasts   metric.Int64Counter
	published     metric.Int64Counter
	dropped       metric.Int64Counter
}

// New builds a private registry and meter provider; nothing is installed
// globally so several instances can coexist in tests.
func New(ctx context.Context, serviceName string) (*Metrics, error) {
	if serviceName == "" {
		serviceName = "season-planner"
	}
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	m := &Metrics{
		provider: provider,
		handler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}),
	}
	meter := provider.Meter(meterName)
	if m.stageRuns, err = meter.Int64Counter("planner_stage_runs_total", metric.WithDescription("Stage executions by agent and outcome")); err != nil {
		return nil, err
	}
	if m.stageDuration, err = meter.Float64Histogram("planner_stage_duration_seconds", metric.WithDescription("Stage execution time in seconds")); err != nil {
		return nil, err
	}
	if m.reforecasts, err = meter.Int64Counter("planner_reforecasts_total", metric.WithDescription("Variance-triggered re-forecasts committed")); err != nil {
		return nil, err
	}
	if m.published, err = meter.Int64Counter("planner_events_published_total", metric.WithDescription("Progress events delivered to subscribers")); err != nil {
		return nil, err
	}
	if m.dropped, err = meter.Int64Counter("planner_events_dropped_total", metric.WithDescription("Progress events dropped for slow subscribers")); err != nil {
		return nil, err
	}
	return m, nil
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return m.handler
}

func (m *Metrics) RecordStage(ctx context.Context, agent, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageRuns.Add(ctx, 1, metric.WithAttributes(AttrAgent.String(agent), AttrOutcome.String(outcome)))
	m.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrAgent.String(agent)))
}

func (m *Metrics) RecordReforecast(ctx context.Context) {
	if m == nil {
		return
	}
	m.reforecasts.Add(ctx, 1)
}

// Published implements events.Observer.
func (m *Metrics) Published(e events.Event) {
	if m == nil {
		return
	}
	m.published.Add(context.Background(), 1, metric.WithAttributes(AttrType.String(string(e.Type))))
}

// Dropped implements events.Observer.
func (m *Metrics) Dropped(e events.Event) {
	if m == nil {
		return
	}
	m.dropped.Add(context.Background(), 1, metric.WithAttributes(AttrType.String(string(e.Type))))
}

func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
