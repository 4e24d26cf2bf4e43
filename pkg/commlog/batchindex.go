package commlog

import (
	"context"
	"sort"
	"time"
)

// MemoryBatchIndex is an in-memory BatchCounter over a set of outbound
// events, keyed by byte-identical content and sorted by timestamp. It serves
// windows where the whole batch is already in memory, and tests.
type MemoryBatchIndex struct {
	byContent map[string][]indexedEvent
}

type indexedEvent struct {
	id        int64
	patientID int64
	at        time.Time
}

// NewMemoryBatchIndex builds an index from outbound events. Events of other
// directions are ignored since only outbound events batch-match.
func NewMemoryBatchIndex(events []*CommunicationEvent) *MemoryBatchIndex {
	idx := &MemoryBatchIndex{byContent: make(map[string][]indexedEvent)}
	for _, e := range events {
		if e.Direction != DirectionOutbound || e.Content == "" {
			continue
		}
		idx.byContent[e.Content] = append(idx.byContent[e.Content], indexedEvent{
			id:        e.ID,
			patientID: e.PatientID,
			at:        e.OccurredAt,
		})
	}
	for content := range idx.byContent {
		entries := idx.byContent[content]
		sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
	}
	return idx
}

// CountIdenticalNearby returns the number of distinct patients other than
// patientID that received content within ±window of at, excluding the event
// row identified by eventID.
func (idx *MemoryBatchIndex) CountIdenticalNearby(_ context.Context, eventID, patientID int64, content string, at time.Time, window time.Duration) (int, error) {
	entries := idx.byContent[content]
	if len(entries) == 0 {
		return 0, nil
	}

	from := at.Add(-window)
	to := at.Add(window)

	patients := make(map[int64]struct{})
	for _, entry := range entries {
		if entry.at.Before(from) || entry.at.After(to) {
			continue
		}
		if entry.id == eventID || entry.patientID == patientID {
			continue
		}
		patients[entry.patientID] = struct{}{}
	}
	return len(patients), nil
}
