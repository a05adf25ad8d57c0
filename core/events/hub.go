package events

import (
	"context"
	"sync"

	"github.com/cordum/tradeflow/core/infra/logging"
)

const defaultSubscriberBuffer = 256

// Hub fans events out to live stream subscribers. Subscribers that cannot
// keep up are disconnected; they recover by replaying the timeline.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
}

// Subscription receives events matching its filter until closed.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	match  func(Event) bool
	hub    *Hub
	closed bool
}

// NewHub creates a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{subs: map[*Subscription]struct{}{}, buffer: buffer}
}

// SubscribeRun streams events of one run.
func (h *Hub) SubscribeRun(runID string) *Subscription {
	return h.subscribe(func(ev Event) bool { return ev.RunID == runID })
}

// SubscribeThread streams events of every run in a thread.
func (h *Hub) SubscribeThread(threadID string) *Subscription {
	return h.subscribe(func(ev Event) bool { return ev.ThreadID == threadID })
}

func (h *Hub) subscribe(match func(Event) bool) *Subscription {
	ch := make(chan Event, h.buffer)
	sub := &Subscription{C: ch, ch: ch, match: match, hub: h}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Publish implements Sink.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	var slow []*Subscription
	h.mu.RLock()
	for sub := range h.subs {
		if !sub.match(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		logging.Warn("events", "dropping slow subscriber", "run_id", ev.RunID)
		sub.Close()
	}
	return nil
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close detaches the subscription and closes its channel. Safe to call twice.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.hub.subs, s)
	close(s.ch)
}
