package pipeline

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the name of the tracer for pipeline operations.
const TracerName = "commlog-pipeline"

// Span attribute keys.
const (
	AttrStream     = "stream"
	AttrStage      = "stage"
	AttrRunID      = "run_id"
	AttrRowCount   = "row_count"
	AttrEventCount = "event_count"
	AttrDryRun     = "dry_run"
)

// Span names.
const (
	SpanRun            = "commlog.run"
	SpanStageFetch     = "commlog.stage.fetch"
	SpanStageNormalize = "commlog.stage.normalize"
	SpanStageClassify  = "commlog.stage.classify"
	SpanStageDetect    = "commlog.stage.detect"
	SpanStageCorrelate = "commlog.stage.correlate"
	SpanStageMatch     = "commlog.stage.match"
	SpanStageAggregate = "commlog.stage.aggregate"
	SpanStageWrite     = "commlog.stage.write"
)

// Metrics holds the Prometheus metrics for the classification pipeline.
type Metrics struct {
	RowsReadTotal      *prometheus.CounterVec
	RowsSkippedTotal   *prometheus.CounterVec
	EventsWrittenTotal *prometheus.CounterVec
	FlagsWrittenTotal  *prometheus.CounterVec
	RunsTotal          *prometheus.CounterVec
	StageSeconds       *prometheus.HistogramVec
	WindowLagSeconds   *prometheus.GaugeVec
}

// DefaultMetrics creates metrics registered on the default registerer.
func DefaultMetrics() *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer)
}

// NewMetrics creates a new set of pipeline metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RowsReadTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commlog_rows_read_total",
				Help: "Raw source rows read per run",
			},
			[]string{"stream"},
		),
		RowsSkippedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commlog_rows_skipped_total",
				Help: "Malformed source rows skipped during normalization",
			},
			[]string{"stream"},
		),
		EventsWrittenTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commlog_events_written_total",
				Help: "Canonical communication events written",
			},
			[]string{"stream"},
		),
		FlagsWrittenTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commlog_flags_written_total",
				Help: "Automation flags written, by automation verdict",
			},
			[]string{"stream", "automated"},
		),
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commlog_runs_total",
				Help: "Pipeline runs by final status",
			},
			[]string{"stream", "status"},
		),
		StageSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "commlog_stage_seconds",
				Help:    "Per-stage wall time",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"stream", "stage"},
		),
		WindowLagSeconds: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "commlog_window_lag_seconds",
				Help: "Age of the stream watermark after a run",
			},
			[]string{"stream"},
		),
	}
}

// Tracer provides tracing for pipeline runs.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a pipeline tracer.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(TracerName)}
}

// StartRunSpan starts the root span for a pipeline run.
func (t *Tracer) StartRunSpan(ctx context.Context, stream, runID string, dryRun bool) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanRun,
		trace.WithAttributes(
			attribute.String(AttrStream, stream),
			attribute.String(AttrRunID, runID),
			attribute.Bool(AttrDryRun, dryRun),
		),
	)
}

// StartStageSpan starts a span for one pipeline stage.
func (t *Tracer) StartStageSpan(ctx context.Context, name, stage string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name,
		trace.WithAttributes(attribute.String(AttrStage, stage)),
	)
}

// EndSpan records err (if any) and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
