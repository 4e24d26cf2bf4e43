package commlog

import "sort"

// Aggregator rolls classified events into per-(date, user, type code,
// direction, category) metric buckets. Buckets are derived rows, rebuilt
// deterministically from events.
type Aggregator struct{}

// NewAggregator creates an Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

type bucketKey struct {
	date      string
	userID    int64
	typeCode  int
	direction Direction
	category  Category
}

type bucketAccum struct {
	total         int
	successful    int
	failed        int
	durationSum   float64
	durationCount int
	conversions   int
}

// Aggregate computes metric buckets for the given events. Output order is
// deterministic (sorted by bucket key) so re-running over unchanged input
// yields identical rows.
func (a *Aggregator) Aggregate(events []*CommunicationEvent) []MetricsBucket {
	accums := make(map[bucketKey]*bucketAccum)

	for _, e := range events {
		key := bucketKey{
			date:      e.OccurredAt.Format("2006-01-02"),
			userID:    e.UserID,
			typeCode:  e.TypeCode,
			direction: e.Direction,
			category:  e.Category,
		}
		acc := accums[key]
		if acc == nil {
			acc = &bucketAccum{}
			accums[key] = acc
		}

		acc.total++
		if successfulOutcome(e.Outcome) {
			acc.successful++
		} else {
			acc.failed++
		}

		if minutes, ok := e.DurationMinutes(); ok {
			acc.durationSum += minutes
			acc.durationCount++
		}
		if e.Category == CategoryAppointment && e.Outcome == OutcomeConfirmed {
			acc.conversions++
		}
	}

	buckets := make([]MetricsBucket, 0, len(accums))
	for key, acc := range accums {
		bucket := MetricsBucket{
			Date:            key.date,
			UserID:          key.userID,
			TypeCode:        key.typeCode,
			Direction:       key.direction,
			Category:        key.category,
			TotalCount:      acc.total,
			SuccessfulCount: acc.successful,
			FailedCount:     acc.failed,
		}

		if acc.durationCount > 0 {
			avg := acc.durationSum / float64(acc.durationCount)
			bucket.AverageDurationMinutes = &avg
		}
		if key.direction == DirectionOutbound && acc.total > 0 {
			rate := clamp01(float64(acc.successful) / float64(acc.total))
			bucket.ResponseRate = &rate
		}
		if acc.total > 0 && acc.conversions > 0 {
			rate := clamp01(float64(acc.conversions) / float64(acc.total))
			bucket.ConversionRate = &rate
		}

		buckets = append(buckets, bucket)
	}

	sort.Slice(buckets, func(i, j int) bool {
		a, b := buckets[i], buckets[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if a.TypeCode != b.TypeCode {
			return a.TypeCode < b.TypeCode
		}
		if a.Direction != b.Direction {
			return a.Direction < b.Direction
		}
		return a.Category < b.Category
	})

	return buckets
}

// successfulOutcome reports whether the outcome counts toward
// successful_count; the complement feeds failed_count, so total is always
// the sum of the two.
func successfulOutcome(o Outcome) bool {
	switch o {
	case OutcomeConfirmed, OutcomeRescheduled, OutcomeCompleted:
		return true
	default:
		return false
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
