package events

import (
	"context"
	"sync"
	"time"

	"github.com/cordum/tradeflow/core/infra/logging"
	"github.com/cordum/tradeflow/core/workflow"
)

// projectorMaxBacklog caps the events held for one sink and run while the
// sink is failing. Older events beyond it are dropped.
const projectorMaxBacklog = timelineMaxEntries

// Projector turns engine transitions into events and fans them out to sinks.
// It drops anything at or below the last sequence seen for a run, so sinks
// observe a strictly increasing sequence. Events a sink refuses are queued
// per sink and run, and delivered in order before anything newer.
type Projector struct {
	mu      sync.Mutex
	last    map[string]int64
	sinks   []Sink
	backlog map[backlogKey][]Event
}

type backlogKey struct {
	sink  int
	runID string
}

// NewProjector builds a projector publishing to sinks in the given order.
func NewProjector(sinks ...Sink) *Projector {
	return &Projector{last: map[string]int64{}, sinks: sinks, backlog: map[backlogKey][]Event{}}
}

// Observe implements workflow.Observer.
func (p *Projector) Observe(ctx context.Context, t workflow.Transition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	last := p.last[t.RunID]
	if t.Sequence <= last {
		logging.Warn("events", "dropping out-of-order event", "run_id", t.RunID, "sequence", t.Sequence, "last", last)
		return
	}
	if last != 0 && t.Sequence != last+1 {
		logging.Warn("events", "sequence gap", "run_id", t.RunID, "sequence", t.Sequence, "last", last)
	}
	ev := FromTransition(t)
	for i, sink := range p.sinks {
		key := backlogKey{sink: i, runID: ev.RunID}
		p.deliver(ctx, key, sink, append(p.backlog[key], ev))
	}
	if ev.Terminal() {
		// later calls on the same run continue from the persisted sequence
		delete(p.last, t.RunID)
		return
	}
	p.last[t.RunID] = t.Sequence
}

// Flush retries queued events and returns how many are still pending.
func (p *Projector) Flush(ctx context.Context) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, queue := range p.backlog {
		p.deliver(ctx, key, p.sinks[key.sink], queue)
	}
	pending := 0
	for _, queue := range p.backlog {
		pending += len(queue)
	}
	return pending
}

// RunFlusher calls Flush every interval until ctx is done.
func (p *Projector) RunFlusher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pending := p.Flush(ctx); pending > 0 {
				logging.Warn("events", "events still queued for failing sinks", "pending", pending)
			}
		}
	}
}

func (p *Projector) deliver(ctx context.Context, key backlogKey, sink Sink, queue []Event) {
	for len(queue) > 0 {
		if err := sink.Publish(ctx, queue[0]); err != nil {
			logging.Error("events", "sink publish failed", "run_id", key.runID, "sequence", queue[0].Sequence, "queued", len(queue), "error", err)
			break
		}
		queue = queue[1:]
	}
	if len(queue) == 0 {
		delete(p.backlog, key)
		return
	}
	if over := len(queue) - projectorMaxBacklog; over > 0 {
		logging.Error("events", "sink backlog full, dropping oldest events", "run_id", key.runID, "dropped", over)
		queue = queue[over:]
	}
	p.backlog[key] = queue
}
