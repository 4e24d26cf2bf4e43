package commlog

import (
	"fmt"
	"time"

	"github.com/practicepulse/commlog-engine/pkg/errors"
	"github.com/practicepulse/commlog-engine/pkg/logging"
)

// Normalizer maps raw communication log rows into canonical events.
// Malformed rows are rejected individually; rejection never aborts a batch.
type Normalizer struct {
	logger logging.Logger
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(logger logging.Logger) *Normalizer {
	return &Normalizer{
		logger: logger.With(logging.F("component", "normalizer")),
	}
}

// Normalize converts one raw row into a CommunicationEvent.
// Rows with a missing or nonsensical occurred_at are rejected with
// ErrValidation. An ended_at that does not follow occurred_at is dropped
// rather than rejecting the row, since only phone duration depends on it.
func (n *Normalizer) Normalize(row RawRow) (*CommunicationEvent, error) {
	if err := validTimestamp(row.OccurredAt); err != nil {
		return nil, fmt.Errorf("row %d: %w", row.ID, err)
	}

	event := &CommunicationEvent{
		ID:         row.ID,
		PatientID:  row.PatientID,
		UserID:     row.UserID,
		OccurredAt: row.OccurredAt,
		Mode:       ParseMode(row.ModeCode),
		TypeCode:   row.TypeCode,
		Direction:  ParseDirection(row.SentFlag),
		Content:    row.Note,
		Category:   CategoryGeneral,
		Outcome:    OutcomeCompleted,
		ProgramID:  row.ProgramID,
	}

	if row.EndedAt != nil && validTimestamp(*row.EndedAt) == nil && row.EndedAt.After(row.OccurredAt) {
		ended := *row.EndedAt
		event.EndedAt = &ended
	}

	return event, nil
}

// NormalizeBatch converts a slice of raw rows, skipping malformed ones with
// a logged warning. It returns the normalized events and the skip count.
func (n *Normalizer) NormalizeBatch(rows []RawRow) ([]*CommunicationEvent, int) {
	events := make([]*CommunicationEvent, 0, len(rows))
	skipped := 0

	for _, row := range rows {
		event, err := n.Normalize(row)
		if err != nil {
			skipped++
			n.logger.Warn("skipping malformed commlog row",
				logging.F("row_id", row.ID),
				logging.F("patient_id", row.PatientID),
				logging.Err(err),
			)
			continue
		}
		events = append(events, event)
	}

	return events, skipped
}

// minValidTimestamp rejects the zero value and the sentinel dates some
// practice-management systems store for "no date".
var minValidTimestamp = time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)

func validTimestamp(t time.Time) error {
	if t.IsZero() || t.Before(minValidTimestamp) {
		return fmt.Errorf("missing or invalid timestamp %v: %w", t, errors.ErrValidation)
	}
	return nil
}
