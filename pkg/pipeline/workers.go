package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/practicepulse/commlog-engine/pkg/commlog"
)

// StageFunc processes one event during the parallel per-event stages. The
// index is the event's position in the slice passed to Run, so callers can
// write per-event results positionally even when event IDs collide.
type StageFunc func(ctx context.Context, i int, e *commlog.CommunicationEvent) error

// WorkerPool fans per-event stage work out over a fixed number of
// goroutines. Events are sharded by slice range so each worker touches a
// disjoint set and no per-event synchronization is needed.
type WorkerPool struct {
	workers int

	processed atomic.Int64
	failed    atomic.Int64
}

// NewWorkerPool creates a pool; worker counts below 1 are clamped to 1.
func NewWorkerPool(workers int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool{workers: workers}
}

// Run applies fn to every event. Per-event errors are counted but do not
// stop the other workers; the first error is returned after all workers
// finish. A cancelled context stops workers between events.
func (p *WorkerPool) Run(ctx context.Context, events []*commlog.CommunicationEvent, fn StageFunc) error {
	if len(events) == 0 {
		return nil
	}

	workers := p.workers
	if workers > len(events) {
		workers = len(events)
	}

	shardSize := (len(events) + workers - 1) / workers
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		start := i * shardSize
		end := start + shardSize
		if end > len(events) {
			end = len(events)
		}
		if start >= end {
			break
		}

		wg.Add(1)
		go func(worker, start int, shard []*commlog.CommunicationEvent) {
			defer wg.Done()
			for j, e := range shard {
				if ctx.Err() != nil {
					errs[worker] = ctx.Err()
					return
				}
				if err := fn(ctx, start+j, e); err != nil {
					p.failed.Add(1)
					if errs[worker] == nil {
						errs[worker] = err
					}
					continue
				}
				p.processed.Add(1)
			}
		}(i, start, events[start:end])
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Processed returns the number of successfully processed events.
func (p *WorkerPool) Processed() int64 {
	return p.processed.Load()
}

// Failed returns the number of events whose stage function errored.
func (p *WorkerPool) Failed() int64 {
	return p.failed.Load()
}
