package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cordum/tradeflow/core/infra/bus"
	"github.com/cordum/tradeflow/core/infra/logging"
)

const (
	relayRetryDelay    = 250 * time.Millisecond
	relayMaxRetryDelay = 5 * time.Second
	relayGapTimeout    = 30 * time.Second
)

// sequenceSource is implemented by durable sinks that know the newest
// sequence they hold for a run.
type sequenceSource interface {
	LastSequence(ctx context.Context, runID string) (int64, error)
}

// Relay consumes events from the bus and replays them into local sinks. The
// durable sink is written first; if it fails the message is redelivered and
// the live sink is not touched, so subscribers never see an event the
// timeline lacks.
//
// With redelivery enabled the relay writes each run's events strictly in
// sequence order. An event that arrives ahead of a missing one is sent back
// until the missing one lands or relayGapTimeout passes.
type Relay struct {
	mu         sync.Mutex
	runs       map[string]*relayRun
	durable    Sink
	live       Sink
	redeliver  bool
	gapTimeout time.Duration
	now        func() time.Time
}

type relayRun struct {
	last     int64
	known    bool
	attempts int
	gapSince time.Time
}

// NewRelay builds a relay. Either sink may be nil.
func NewRelay(durable, live Sink) *Relay {
	return &Relay{
		runs:       map[string]*relayRun{},
		durable:    durable,
		live:       live,
		gapTimeout: relayGapTimeout,
		now:        time.Now,
	}
}

// WithRedelivery tells the relay the bus redelivers messages it refuses, as
// JetStream does. Without it out-of-order events are written as they come.
func (r *Relay) WithRedelivery(enabled bool) *Relay {
	r.redeliver = enabled
	return r
}

// Handle implements bus.Handler.
func (r *Relay) Handle(_ string, data []byte) error {
	ev, err := Decode(data)
	if err != nil {
		return err
	}
	ctx := context.Background()
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.state(ctx, ev.RunID)
	if st.known && ev.Sequence <= st.last {
		return nil
	}
	if r.redeliver && st.known && ev.Sequence > st.last+1 {
		now := r.now()
		if st.gapSince.IsZero() {
			st.gapSince = now
		}
		if now.Sub(st.gapSince) < r.gapTimeout {
			return r.retry(st, fmt.Errorf("run %s: sequence %d is waiting for %d", ev.RunID, ev.Sequence, st.last+1))
		}
		logging.Warn("events", "sequence gap accepted", "run_id", ev.RunID, "sequence", ev.Sequence, "last", st.last)
	}
	if r.durable != nil {
		if err := r.durable.Publish(ctx, ev); err != nil {
			return r.retry(st, err)
		}
	}
	if r.live != nil {
		_ = r.live.Publish(ctx, ev)
	}
	if ev.Terminal() {
		delete(r.runs, ev.RunID)
		return nil
	}
	*st = relayRun{last: ev.Sequence, known: true}
	return nil
}

func (r *Relay) retry(st *relayRun, err error) error {
	st.attempts++
	return bus.RetryAfter(err, bus.Backoff(st.attempts, relayRetryDelay, relayMaxRetryDelay))
}

// state returns the run's relay state, seeding it from the durable sink the
// first time the run is seen.
func (r *Relay) state(ctx context.Context, runID string) *relayRun {
	if st, ok := r.runs[runID]; ok {
		return st
	}
	st := &relayRun{}
	if src, ok := r.durable.(sequenceSource); ok {
		last, err := src.LastSequence(ctx, runID)
		if err != nil {
			// not cached, so the next delivery asks again
			logging.Warn("events", "read last sequence failed", "run_id", runID, "error", err)
			return st
		}
		st.last, st.known = last, true
	}
	r.runs[runID] = st
	return st
}
