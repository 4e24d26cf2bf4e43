// Package pipeline orchestrates the classification engine: it acquires the
// stream lock, reads raw communication log rows past the watermark, runs the
// normalization/classification/automation stages, and commits the derived
// events, flags, matches, and metric buckets in one transaction.
package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/practicepulse/commlog-engine/config"
	"github.com/practicepulse/commlog-engine/pkg/commlog"
	pperrors "github.com/practicepulse/commlog-engine/pkg/errors"
	"github.com/practicepulse/commlog-engine/pkg/logging"
)

// Store is the persistence surface the pipeline needs. *commlog.Repository
// implements it; tests substitute an in-memory fake.
type Store interface {
	FetchRawRows(ctx context.Context, from, to time.Time, limit int) ([]commlog.RawRow, error)
	CountIdenticalNearby(ctx context.Context, eventID, patientID int64, content string, at time.Time, window time.Duration) (int, error)
	ListActiveTemplates(ctx context.Context) ([]commlog.Template, error)
	ListRecentOutbound(ctx context.Context, from, to time.Time) ([]*commlog.CommunicationEvent, error)
	ListDayEvents(ctx context.Context, from, to time.Time) ([]*commlog.CommunicationEvent, error)
	GetWatermark(ctx context.Context, stream string) (time.Time, error)
	ReplaceWindow(ctx context.Context, stream string, from, to time.Time,
		events []*commlog.CommunicationEvent, flags []commlog.AutomationFlag,
		matches []commlog.TemplateMatch, buckets []commlog.MetricsBucket,
		replyUpdates []int64) error
}

// Result summarizes one pipeline run.
type Result struct {
	Stream string
	From   time.Time
	To     time.Time

	RowsRead     int
	RowsSkipped  int
	Events       int
	Flags        int
	Automated    int
	Matches      int
	Buckets      int
	ReplyUpdates int

	DryRun   bool
	Duration time.Duration
}

// Pipeline is the classification engine's run orchestrator.
type Pipeline struct {
	store   Store
	locker  Locker
	cfg     config.PipelineConfig
	logger  logging.Logger
	metrics *Metrics
	tracer  *Tracer
	now     func() time.Time
}

// New creates a pipeline. Metrics and tracing are optional; nil disables them.
func New(store Store, locker Locker, cfg config.PipelineConfig, logger logging.Logger) *Pipeline {
	if locker == nil {
		locker = NoopLocker{}
	}
	return &Pipeline{
		store:  store,
		locker: locker,
		cfg:    cfg,
		logger: logger.With(logging.F("component", "pipeline"), logging.F("stream", cfg.Stream)),
		tracer: NewTracer(),
		now:    time.Now,
	}
}

// WithMetrics attaches Prometheus metrics.
func (p *Pipeline) WithMetrics(m *Metrics) *Pipeline {
	p.metrics = m
	return p
}

// WithClock overrides the time source. Used by tests.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Run executes one incremental run: the window is (watermark, now]. An empty
// window still advances the watermark so lag metrics stay honest.
func (p *Pipeline) Run(ctx context.Context, dryRun bool) (*Result, error) {
	from, err := p.store.GetWatermark(ctx, p.cfg.Stream)
	if err != nil {
		return nil, pperrors.NewPipelineError(pperrors.ErrCodeSourceReadFailed, "watermark", err)
	}
	return p.process(ctx, from, p.now(), dryRun)
}

// Reprocess executes one run over an explicit (from, to] window, replacing
// whatever was previously derived for it. The watermark only moves forward:
// reprocessing an old window never regresses it.
func (p *Pipeline) Reprocess(ctx context.Context, from, to time.Time, dryRun bool) (*Result, error) {
	if !to.After(from) {
		return nil, fmt.Errorf("%w: window end %s is not after start %s",
			pperrors.ErrValidation, to.Format(time.RFC3339), from.Format(time.RFC3339))
	}
	return p.process(ctx, from, to, dryRun)
}

func (p *Pipeline) process(ctx context.Context, from, to time.Time, dryRun bool) (*Result, error) {
	runID := uuid.New().String()
	ctx = context.WithValue(ctx, logging.RunIDKey, runID)
	log := p.logger.WithContext(ctx)

	ctx, span := p.tracer.StartRunSpan(ctx, p.cfg.Stream, runID, dryRun)
	var runErr error
	defer func() { EndSpan(span, runErr) }()

	release, err := p.locker.Acquire(ctx, p.cfg.Stream)
	if err != nil {
		if pperrors.IsLockHeld(err) {
			p.countRun("lock_held")
			runErr = pperrors.NewPipelineError(pperrors.ErrCodeLockUnavailable, "lock", err)
			return nil, runErr
		}
		runErr = fmt.Errorf("failed to acquire run lock: %w", err)
		return nil, runErr
	}
	defer release()

	started := p.now()
	log.Info("run started",
		logging.F("from", from),
		logging.F("to", to),
		logging.F("dry_run", dryRun),
	)

	result := &Result{Stream: p.cfg.Stream, From: from, To: to, DryRun: dryRun}

	rows, err := p.fetch(ctx, from, to)
	if err != nil {
		p.countRun("failed")
		runErr = err
		return nil, runErr
	}

	// When the cap is hit the window end is pulled back to the last fully
	// read timestamp so the deferred rows stay ahead of the watermark.
	if len(rows) >= p.cfg.BatchLimit {
		var deferred int
		rows, to, deferred = clampWindow(rows)
		log.Info("batch limit reached, deferring remainder to next run",
			logging.F("limit", p.cfg.BatchLimit),
			logging.F("deferred", deferred),
			logging.F("window_end", to),
		)
		result.To = to
	}
	result.RowsRead = len(rows)

	events, skipped := p.normalize(ctx, rows)
	result.RowsSkipped = skipped
	result.Events = len(events)

	flags, err := p.classify(ctx, events)
	if err != nil {
		p.countRun("failed")
		runErr = err
		return nil, runErr
	}

	replyUpdates, err := p.correlate(ctx, from, events, flags)
	if err != nil {
		p.countRun("failed")
		runErr = err
		return nil, runErr
	}

	matches := p.match(ctx, log, events)
	buckets, err := p.aggregate(ctx, from, to, events)
	if err != nil {
		p.countRun("failed")
		runErr = err
		return nil, runErr
	}

	result.Flags = len(flags)
	result.Matches = len(matches)
	result.Buckets = len(buckets)
	result.ReplyUpdates = len(replyUpdates)
	for i := range flags {
		if flags[i].IsAutomated {
			result.Automated++
		}
	}

	// Nothing is committed after cancellation; the watermark stays put and
	// the next run redoes the whole window.
	if err := ctx.Err(); err != nil {
		p.countRun("cancelled")
		runErr = pperrors.NewPipelineError(pperrors.ErrCodeCancelled, "write", err)
		return nil, runErr
	}

	if !dryRun {
		if err := p.write(ctx, from, to, events, flags, matches, buckets, replyUpdates); err != nil {
			p.countRun("failed")
			runErr = err
			return nil, runErr
		}
	}

	result.Duration = p.now().Sub(started)
	p.recordRun(result)

	log.Info("run finished",
		logging.F("rows_read", result.RowsRead),
		logging.F("rows_skipped", result.RowsSkipped),
		logging.F("events", result.Events),
		logging.F("flags", result.Flags),
		logging.F("automated", result.Automated),
		logging.F("matches", result.Matches),
		logging.F("buckets", result.Buckets),
		logging.F("reply_updates", result.ReplyUpdates),
		logging.F("duration", result.Duration),
	)
	return result, nil
}

// clampWindow drops the rows sharing the final (possibly incomplete)
// timestamp of a capped read and pulls the window end back to the last
// complete one. When every row shares one timestamp nothing can be dropped
// and the full set is processed as-is.
func clampWindow(rows []commlog.RawRow) ([]commlog.RawRow, time.Time, int) {
	last := rows[len(rows)-1].OccurredAt
	cut := len(rows)
	for cut > 0 && rows[cut-1].OccurredAt.Equal(last) {
		cut--
	}
	if cut == 0 {
		return rows, last, 0
	}
	return rows[:cut], rows[cut-1].OccurredAt, len(rows) - cut
}

func (p *Pipeline) fetch(ctx context.Context, from, to time.Time) ([]commlog.RawRow, error) {
	ctx, span := p.tracer.StartStageSpan(ctx, SpanStageFetch, "fetch")
	defer span.End()
	done := p.timeStage("fetch")
	defer done()

	rows, err := p.store.FetchRawRows(ctx, from, to, p.cfg.BatchLimit)
	if err != nil {
		EndSpan(span, err)
		return nil, pperrors.NewPipelineError(pperrors.ErrCodeSourceReadFailed, "fetch", err)
	}
	return rows, nil
}

func (p *Pipeline) normalize(ctx context.Context, rows []commlog.RawRow) ([]*commlog.CommunicationEvent, int) {
	_, span := p.tracer.StartStageSpan(ctx, SpanStageNormalize, "normalize")
	defer span.End()
	done := p.timeStage("normalize")
	defer done()

	events, skipped := commlog.NewNormalizer(p.logger).NormalizeBatch(rows)
	if p.metrics != nil {
		p.metrics.RowsReadTotal.WithLabelValues(p.cfg.Stream).Add(float64(len(rows)))
		p.metrics.RowsSkippedTotal.WithLabelValues(p.cfg.Stream).Add(float64(skipped))
	}
	return events, skipped
}

// classify runs the per-event stages (entity extraction, category/outcome
// classification, automation detection) sharded across the worker pool.
// Flags land in a slice parallel to events so workers never share state.
func (p *Pipeline) classify(ctx context.Context, events []*commlog.CommunicationEvent) ([]commlog.AutomationFlag, error) {
	ctx, span := p.tracer.StartStageSpan(ctx, SpanStageClassify, "classify")
	defer span.End()
	done := p.timeStage("classify")
	defer done()

	extractor := commlog.NewEntityExtractor()
	classifier := commlog.NewClassifier().WithFollowUpDefault(p.cfg.FollowUpDefault)
	detector := commlog.NewAutomationDetector(p.store, p.logger).
		WithBatchWindow(p.cfg.BatchWindow).
		WithPatientThreshold(p.cfg.BatchPatientThreshold)

	// Results are written by slice position, not event ID, so duplicate
	// source IDs in one batch cannot collide on a slot.
	perEvent := make([]*commlog.AutomationFlag, len(events))

	pool := NewWorkerPool(p.cfg.Workers)
	err := pool.Run(ctx, events, func(ctx context.Context, i int, e *commlog.CommunicationEvent) error {
		extractor.Extract(e)
		classifier.Classify(e)
		flag, err := detector.Detect(ctx, e)
		if err != nil {
			return err
		}
		perEvent[i] = flag
		return nil
	})
	if err != nil {
		EndSpan(span, err)
		if ctx.Err() != nil {
			return nil, pperrors.NewPipelineError(pperrors.ErrCodeCancelled, "classify", err)
		}
		return nil, fmt.Errorf("classification stage failed: %w", err)
	}

	flags := make([]commlog.AutomationFlag, 0, len(events))
	for _, f := range perEvent {
		if f != nil {
			flags = append(flags, *f)
		}
	}
	return flags, nil
}

// correlate resolves replies in two directions: inbound events in the batch
// against the batch's own outbound events, and against outbound events
// committed by earlier runs whose reply window reaches into this one. The
// returned IDs are prior outbound events whose reply counts need backfilling
// in the same transaction as the window write.
func (p *Pipeline) correlate(ctx context.Context, from time.Time, events []*commlog.CommunicationEvent, flags []commlog.AutomationFlag) ([]int64, error) {
	ctx, span := p.tracer.StartStageSpan(ctx, SpanStageCorrelate, "correlate")
	defer span.End()
	done := p.timeStage("correlate")
	defer done()

	prior, err := p.store.ListRecentOutbound(ctx, from.Add(-p.cfg.ReplyWindow), from)
	if err != nil {
		EndSpan(span, err)
		return nil, pperrors.NewPipelineError(pperrors.ErrCodeSourceReadFailed, "correlate", err)
	}

	combined := make([]*commlog.CommunicationEvent, 0, len(prior)+len(events))
	combined = append(combined, prior...)
	combined = append(combined, events...)
	replied := commlog.NewReplyCorrelator(p.cfg.ReplyWindow).Correlate(combined)

	for i := range flags {
		if replied[flags[i].CommunicationID] {
			flags[i].ReplyCount = 1
		}
	}

	var updates []int64
	for _, e := range prior {
		if replied[e.ID] {
			updates = append(updates, e.ID)
		}
	}
	return updates, nil
}

// match is best-effort: a template catalog failure drops matches for this
// run but never fails it.
func (p *Pipeline) match(ctx context.Context, log logging.Logger, events []*commlog.CommunicationEvent) []commlog.TemplateMatch {
	ctx, span := p.tracer.StartStageSpan(ctx, SpanStageMatch, "match")
	defer span.End()
	done := p.timeStage("match")
	defer done()

	templates, err := p.store.ListActiveTemplates(ctx)
	if err != nil {
		log.Warn("failed to load template catalog, skipping matching", logging.Err(err))
		return nil
	}
	if len(templates) == 0 {
		return nil
	}
	return commlog.NewTemplateMatcher(p.cfg.SimilarityThreshold).MatchAll(events, templates)
}

// aggregate rebuilds metric buckets for every calendar day the window
// touches. Committed events on those days outside the window join the batch,
// so a window that splits a day never erases the day's earlier counts when
// the buckets are rewritten.
func (p *Pipeline) aggregate(ctx context.Context, from, to time.Time, events []*commlog.CommunicationEvent) ([]commlog.MetricsBucket, error) {
	ctx, span := p.tracer.StartStageSpan(ctx, SpanStageAggregate, "aggregate")
	defer span.End()
	done := p.timeStage("aggregate")
	defer done()

	dayContext, err := p.store.ListDayEvents(ctx, from, to)
	if err != nil {
		EndSpan(span, err)
		return nil, pperrors.NewPipelineError(pperrors.ErrCodeSourceReadFailed, "aggregate", err)
	}

	all := make([]*commlog.CommunicationEvent, 0, len(dayContext)+len(events))
	all = append(all, dayContext...)
	all = append(all, events...)
	return commlog.NewAggregator().Aggregate(all), nil
}

func (p *Pipeline) write(ctx context.Context, from, to time.Time,
	events []*commlog.CommunicationEvent, flags []commlog.AutomationFlag,
	matches []commlog.TemplateMatch, buckets []commlog.MetricsBucket,
	replyUpdates []int64,
) error {
	ctx, span := p.tracer.StartStageSpan(ctx, SpanStageWrite, "write")
	defer span.End()
	done := p.timeStage("write")
	defer done()

	if err := p.store.ReplaceWindow(ctx, p.cfg.Stream, from, to, events, flags, matches, buckets, replyUpdates); err != nil {
		EndSpan(span, err)
		return err
	}
	return nil
}

func (p *Pipeline) timeStage(stage string) func() {
	if p.metrics == nil {
		return func() {}
	}
	started := p.now()
	return func() {
		p.metrics.StageSeconds.WithLabelValues(p.cfg.Stream, stage).
			Observe(p.now().Sub(started).Seconds())
	}
}

func (p *Pipeline) countRun(status string) {
	if p.metrics != nil {
		p.metrics.RunsTotal.WithLabelValues(p.cfg.Stream, status).Inc()
	}
}

func (p *Pipeline) recordRun(r *Result) {
	if p.metrics == nil {
		return
	}
	status := "ok"
	if r.DryRun {
		status = "dry_run"
	}
	p.metrics.RunsTotal.WithLabelValues(p.cfg.Stream, status).Inc()
	if !r.DryRun {
		p.metrics.EventsWrittenTotal.WithLabelValues(p.cfg.Stream).Add(float64(r.Events))
		for _, automated := range []bool{true, false} {
			n := r.Automated
			if !automated {
				n = r.Flags - r.Automated
			}
			p.metrics.FlagsWrittenTotal.
				WithLabelValues(p.cfg.Stream, strconv.FormatBool(automated)).
				Add(float64(n))
		}
		p.metrics.WindowLagSeconds.WithLabelValues(p.cfg.Stream).
			Set(p.now().Sub(r.To).Seconds())
	}
}
