package commlog

import (
	"sort"
	"time"
)

// DefaultReplyWindow is the trailing window in which an inbound message
// counts as a reply to an outbound one.
const DefaultReplyWindow = 72 * time.Hour

// ReplyCorrelator finds, for each outbound event, whether an inbound message
// from the same patient arrived within a trailing window. The join is
// restricted to email and SMS on both sides and partitioned by patient so it
// never considers other patients' events.
type ReplyCorrelator struct {
	window time.Duration
}

// NewReplyCorrelator creates a correlator with the given window; a
// non-positive window falls back to the default.
func NewReplyCorrelator(window time.Duration) *ReplyCorrelator {
	if window <= 0 {
		window = DefaultReplyWindow
	}
	return &ReplyCorrelator{window: window}
}

// Correlate returns the set of outbound event IDs that received a reply.
// An outbound event at t is replied-to iff an inbound email/SMS event from
// the same patient has occurred_at in [t, t+window]. The input may mix the
// current batch with outbound events committed by earlier runs, which is how
// replies landing after an event's window was written still get counted.
func (c *ReplyCorrelator) Correlate(events []*CommunicationEvent) map[int64]bool {
	inboundByPatient := make(map[int64][]time.Time)
	for _, e := range events {
		if e.Direction != DirectionInbound || !replyMode(e.Mode) {
			continue
		}
		inboundByPatient[e.PatientID] = append(inboundByPatient[e.PatientID], e.OccurredAt)
	}
	for patientID := range inboundByPatient {
		times := inboundByPatient[patientID]
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	}

	replied := make(map[int64]bool)
	for _, e := range events {
		if e.Direction != DirectionOutbound || !replyMode(e.Mode) {
			continue
		}
		times := inboundByPatient[e.PatientID]
		if len(times) == 0 {
			continue
		}
		deadline := e.OccurredAt.Add(c.window)
		// First inbound at or after the outbound timestamp.
		i := sort.Search(len(times), func(i int) bool {
			return !times[i].Before(e.OccurredAt)
		})
		if i < len(times) && !times[i].After(deadline) {
			replied[e.ID] = true
		}
	}
	return replied
}

func replyMode(m Mode) bool {
	return m == ModeEmail || m == ModeSMS
}
