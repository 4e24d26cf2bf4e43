package commlog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	pperrors "github.com/practicepulse/commlog-engine/pkg/errors"
	"github.com/practicepulse/commlog-engine/pkg/logging"
)

// Repository provides database access for the classification engine: raw
// commlog reads, the template catalog, watermarks, and the transactional
// delete-then-reinsert of a processed window.
type Repository struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewRepository creates a repository over the given pool.
func NewRepository(pool *pgxpool.Pool, logger logging.Logger) *Repository {
	return &Repository{
		pool:   pool,
		logger: logger.With(logging.F("component", "repository")),
	}
}

// FetchRawRows reads raw commlog rows with occurred_at in (from, to],
// ordered by occurred_at then id, capped at limit. Hitting the cap is not
// an error; the remainder is picked up by the next run.
func (r *Repository) FetchRawRows(ctx context.Context, from, to time.Time, limit int) ([]RawRow, error) {
	query := `
		SELECT id, patient_id, user_id, occurred_at, ended_at,
		       type_code, mode, sent_flag, COALESCE(note, ''), program_id
		FROM commlog
		WHERE occurred_at > $1 AND occurred_at <= $2
		ORDER BY occurred_at, id
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query commlog: %w", err)
	}
	defer rows.Close()

	var result []RawRow
	for rows.Next() {
		var row RawRow
		if err := rows.Scan(
			&row.ID, &row.PatientID, &row.UserID, &row.OccurredAt, &row.EndedAt,
			&row.TypeCode, &row.ModeCode, &row.SentFlag, &row.Note, &row.ProgramID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan commlog row: %w", err)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read commlog rows: %w", err)
	}
	return result, nil
}

// CountIdenticalNearby counts distinct patients other than patientID that
// received byte-identical outbound content within ±window of at, excluding
// the event row itself.
func (r *Repository) CountIdenticalNearby(ctx context.Context, eventID, patientID int64, content string, at time.Time, window time.Duration) (int, error) {
	query := `
		SELECT COUNT(DISTINCT patient_id)
		FROM commlog
		WHERE note = $1
		  AND sent_flag = 2
		  AND occurred_at BETWEEN $2 AND $3
		  AND id <> $4
		  AND patient_id <> $5
	`

	var count int
	err := r.pool.QueryRow(ctx, query,
		content, at.Add(-window), at.Add(window), eventID, patientID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count identical content: %w", err)
	}
	return count, nil
}

// ListActiveTemplates returns all active catalog templates.
func (r *Repository) ListActiveTemplates(ctx context.Context) ([]Template, error) {
	query := `
		SELECT id, name, type, category, COALESCE(subject, ''), COALESCE(content, ''),
		       variables, is_active, updated_at
		FROM templates
		WHERE is_active
		ORDER BY id
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()

	var templates []Template
	for rows.Next() {
		var t Template
		if err := rows.Scan(
			&t.ID, &t.Name, &t.Type, &t.Category, &t.Subject, &t.Content,
			&t.Variables, &t.IsActive, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		templates = append(templates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read templates: %w", err)
	}
	return templates, nil
}

// ListRecentOutbound returns committed outbound email and SMS events with
// occurred_at in (from, to]. These are the events from earlier windows whose
// reply window can reach into the one being processed.
func (r *Repository) ListRecentOutbound(ctx context.Context, from, to time.Time) ([]*CommunicationEvent, error) {
	query := `
		SELECT id, patient_id, occurred_at, mode, direction
		FROM communication_events
		WHERE direction = 'outbound'
		  AND mode IN ('email', 'sms')
		  AND occurred_at > $1 AND occurred_at <= $2
		ORDER BY occurred_at, id
	`

	rows, err := r.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent outbound events: %w", err)
	}
	defer rows.Close()

	var events []*CommunicationEvent
	for rows.Next() {
		var e CommunicationEvent
		if err := rows.Scan(&e.ID, &e.PatientID, &e.OccurredAt, &e.Mode, &e.Direction); err != nil {
			return nil, fmt.Errorf("failed to scan outbound event: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read outbound events: %w", err)
	}
	return events, nil
}

// ListDayEvents returns committed events on the calendar days touched by
// (from, to], excluding the window itself. Together with the window's batch
// they make up the full population behind those days' metric buckets. Only
// the columns the aggregator consumes are populated.
func (r *Repository) ListDayEvents(ctx context.Context, from, to time.Time) ([]*CommunicationEvent, error) {
	query := `
		SELECT id, patient_id, user_id, occurred_at, ended_at,
		       mode, type_code, direction, category, outcome
		FROM communication_events
		WHERE occurred_at >= date_trunc('day', $1::timestamptz)
		  AND occurred_at < date_trunc('day', $2::timestamptz) + interval '1 day'
		  AND NOT (occurred_at > $1 AND occurred_at <= $2)
		ORDER BY occurred_at, id
	`

	rows, err := r.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query day events: %w", err)
	}
	defer rows.Close()

	var events []*CommunicationEvent
	for rows.Next() {
		var e CommunicationEvent
		if err := rows.Scan(
			&e.ID, &e.PatientID, &e.UserID, &e.OccurredAt, &e.EndedAt,
			&e.Mode, &e.TypeCode, &e.Direction, &e.Category, &e.Outcome,
		); err != nil {
			return nil, fmt.Errorf("failed to scan day event: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read day events: %w", err)
	}
	return events, nil
}

// GetWatermark returns the watermark for a stream, or the zero time when
// the stream has never been processed.
func (r *Repository) GetWatermark(ctx context.Context, stream string) (time.Time, error) {
	var watermark time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT watermark FROM pipeline_watermarks WHERE stream = $1`, stream,
	).Scan(&watermark)
	if err == pgx.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query watermark for %s: %w", stream, err)
	}
	return watermark, nil
}

// Watermarks returns all stream watermarks with their last update times.
func (r *Repository) Watermarks(ctx context.Context) (map[string]time.Time, error) {
	rows, err := r.pool.Query(ctx, `SELECT stream, watermark FROM pipeline_watermarks ORDER BY stream`)
	if err != nil {
		return nil, fmt.Errorf("failed to query watermarks: %w", err)
	}
	defer rows.Close()

	watermarks := make(map[string]time.Time)
	for rows.Next() {
		var stream string
		var watermark time.Time
		if err := rows.Scan(&stream, &watermark); err != nil {
			return nil, fmt.Errorf("failed to scan watermark: %w", err)
		}
		watermarks[stream] = watermark
	}
	return watermarks, rows.Err()
}

// ReplaceWindow atomically replaces all derived output for (from, to]:
// it deletes the window's automation flags, template matches, events, and
// the metric buckets of every day the window touches, reinserts the new
// rows, backfills reply counts on prior outbound events named in
// replyUpdates, and advances the stream watermark to the window end. The
// caller supplies buckets recomputed over the full affected days, matching
// the day-wide bucket delete. A failure rolls the whole window back and
// leaves the watermark untouched, so the next run retries the same window.
func (r *Repository) ReplaceWindow(
	ctx context.Context,
	stream string,
	from, to time.Time,
	events []*CommunicationEvent,
	flags []AutomationFlag,
	matches []TemplateMatch,
	buckets []MetricsBucket,
	replyUpdates []int64,
) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return pperrors.NewPipelineError(pperrors.ErrCodeWindowWriteFailed, "write",
			fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := r.deleteWindow(ctx, tx, from, to); err != nil {
		return pperrors.NewPipelineError(pperrors.ErrCodeWindowWriteFailed, "write", err)
	}
	if err := r.insertEvents(ctx, tx, events); err != nil {
		return pperrors.NewPipelineError(pperrors.ErrCodeWindowWriteFailed, "write", err)
	}
	if err := r.insertFlags(ctx, tx, flags); err != nil {
		return pperrors.NewPipelineError(pperrors.ErrCodeWindowWriteFailed, "write", err)
	}
	if err := r.insertMatches(ctx, tx, matches); err != nil {
		return pperrors.NewPipelineError(pperrors.ErrCodeWindowWriteFailed, "write", err)
	}
	if err := r.insertBuckets(ctx, tx, buckets); err != nil {
		return pperrors.NewPipelineError(pperrors.ErrCodeWindowWriteFailed, "write", err)
	}

	if len(replyUpdates) > 0 {
		_, err := tx.Exec(ctx,
			`UPDATE automation_flags SET reply_count = 1 WHERE communication_id = ANY($1)`,
			replyUpdates,
		)
		if err != nil {
			return pperrors.NewPipelineError(pperrors.ErrCodeWindowWriteFailed, "write",
				fmt.Errorf("failed to backfill reply counts: %w", err))
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO pipeline_watermarks (stream, watermark, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (stream) DO UPDATE
		SET watermark = GREATEST(pipeline_watermarks.watermark, EXCLUDED.watermark),
		    updated_at = NOW()
	`, stream, to)
	if err != nil {
		return pperrors.NewPipelineError(pperrors.ErrCodeWindowWriteFailed, "write",
			fmt.Errorf("failed to advance watermark: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return pperrors.NewPipelineError(pperrors.ErrCodeWindowWriteFailed, "write",
			fmt.Errorf("failed to commit window: %w", err))
	}

	r.logger.Debug("window replaced",
		logging.F("stream", stream),
		logging.F("from", from),
		logging.F("to", to),
		logging.F("events", len(events)),
		logging.F("flags", len(flags)),
		logging.F("buckets", len(buckets)),
		logging.F("reply_updates", len(replyUpdates)),
	)
	return nil
}

func (r *Repository) deleteWindow(ctx context.Context, tx pgx.Tx, from, to time.Time) error {
	statements := []string{
		`DELETE FROM automation_flags WHERE communication_id IN (
			SELECT id FROM communication_events WHERE occurred_at > $1 AND occurred_at <= $2)`,
		`DELETE FROM template_matches WHERE communication_id IN (
			SELECT id FROM communication_events WHERE occurred_at > $1 AND occurred_at <= $2)`,
		`DELETE FROM communication_events WHERE occurred_at > $1 AND occurred_at <= $2`,
		`DELETE FROM communication_metrics WHERE date >= $1::date AND date <= $2::date`,
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt, from, to); err != nil {
			return fmt.Errorf("failed to delete window rows: %w", err)
		}
	}
	return nil
}

func (r *Repository) insertEvents(ctx context.Context, tx pgx.Tx, events []*CommunicationEvent) error {
	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(`
			INSERT INTO communication_events (
				id, patient_id, user_id, occurred_at, ended_at,
				mode, type_code, direction, content, category, outcome,
				linked_appointment_id, linked_claim_id, linked_procedure_id,
				contact_phone, follow_up_required, follow_up_date, program_id
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		`,
			e.ID, e.PatientID, e.UserID, e.OccurredAt, e.EndedAt,
			e.Mode, e.TypeCode, e.Direction, nullIfEmpty(e.Content), e.Category, e.Outcome,
			e.LinkedAppointmentID, e.LinkedClaimID, e.LinkedProcedureID,
			nullIfEmpty(e.ContactPhone), e.FollowUpRequired, e.FollowUpDate, e.ProgramID,
		)
	}
	return sendBatch(ctx, tx, batch, "communication_events")
}

func (r *Repository) insertFlags(ctx context.Context, tx pgx.Tx, flags []AutomationFlag) error {
	batch := &pgx.Batch{}
	for _, f := range flags {
		batch.Queue(`
			INSERT INTO automation_flags (
				communication_id, is_automated, signal, trigger_type, campaign_type,
				status, open_count, click_count, reply_count, bounce_count
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`,
			f.CommunicationID, f.IsAutomated, f.Signal, f.TriggerType, nullIfEmpty(string(f.CampaignType)),
			f.Status, f.OpenCount, f.ClickCount, f.ReplyCount, f.BounceCount,
		)
	}
	return sendBatch(ctx, tx, batch, "automation_flags")
}

func (r *Repository) insertMatches(ctx context.Context, tx pgx.Tx, matches []TemplateMatch) error {
	batch := &pgx.Batch{}
	for _, m := range matches {
		batch.Queue(`
			INSERT INTO template_matches (communication_id, template_id, similarity, matched_via)
			VALUES ($1,$2,$3,$4)
		`, m.CommunicationID, m.TemplateID, m.Similarity, m.MatchedVia)
	}
	return sendBatch(ctx, tx, batch, "template_matches")
}

func (r *Repository) insertBuckets(ctx context.Context, tx pgx.Tx, buckets []MetricsBucket) error {
	batch := &pgx.Batch{}
	for _, b := range buckets {
		batch.Queue(`
			INSERT INTO communication_metrics (
				date, user_id, type_code, direction, category,
				total_count, successful_count, failed_count,
				average_duration_minutes, response_rate, conversion_rate
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`,
			b.Date, b.UserID, b.TypeCode, b.Direction, b.Category,
			b.TotalCount, b.SuccessfulCount, b.FailedCount,
			b.AverageDurationMinutes, b.ResponseRate, b.ConversionRate,
		)
	}
	return sendBatch(ctx, tx, batch, "communication_metrics")
}

// ListMetrics returns metric buckets with date in [from, to], ordered by
// the bucket key.
func (r *Repository) ListMetrics(ctx context.Context, from, to time.Time) ([]MetricsBucket, error) {
	query := `
		SELECT date::text, user_id, type_code, direction, category,
		       total_count, successful_count, failed_count,
		       average_duration_minutes, response_rate, conversion_rate
		FROM communication_metrics
		WHERE date >= $1::date AND date <= $2::date
		ORDER BY date, user_id, type_code, direction, category
	`

	rows, err := r.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close()

	var buckets []MetricsBucket
	for rows.Next() {
		var b MetricsBucket
		if err := rows.Scan(
			&b.Date, &b.UserID, &b.TypeCode, &b.Direction, &b.Category,
			&b.TotalCount, &b.SuccessfulCount, &b.FailedCount,
			&b.AverageDurationMinutes, &b.ResponseRate, &b.ConversionRate,
		); err != nil {
			return nil, fmt.Errorf("failed to scan metrics bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

func sendBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch, table string) error {
	if batch.Len() == 0 {
		return nil
	}
	results := tx.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", table, err)
		}
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
