package events

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/cordum/tradeflow/core/infra/bus"
	"github.com/cordum/tradeflow/core/workflow"
	"github.com/redis/go-redis/v9"
)

type captureSink struct {
	events []Event
	err    error
}

func (c *captureSink) Publish(_ context.Context, ev Event) error {
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, ev)
	return nil
}

type capturePublisher struct {
	subjects []string
	ids      []string
	payloads [][]byte
}

func (c *capturePublisher) Publish(subject, msgID string, data []byte) error {
	c.subjects = append(c.subjects, subject)
	c.ids = append(c.ids, msgID)
	c.payloads = append(c.payloads, data)
	return nil
}

func transition(runID string, seq int64, kind workflow.TransitionKind) workflow.Transition {
	return workflow.Transition{
		RunID:    runID,
		ThreadID: "thread-1",
		Workflow: "trading",
		Sequence: seq,
		Kind:     kind,
		Node:     "simulate",
		Phase:    workflow.PhaseTool,
		Depth:    1,
		Lineage:  []string{"trading"},
		Status:   workflow.RunStatusRunning,
	}
}

func TestProjectorMapsAndOrders(t *testing.T) {
	sink := &captureSink{}
	p := NewProjector(sink)
	ctx := context.Background()

	p.Observe(ctx, transition("run-1", 1, workflow.TransitionNodeStart))
	p.Observe(ctx, transition("run-1", 2, workflow.TransitionNodeEnd))
	p.Observe(ctx, transition("run-1", 2, workflow.TransitionNodeEnd))
	p.Observe(ctx, transition("run-1", 1, workflow.TransitionNodeStart))
	p.Observe(ctx, transition("run-1", 3, workflow.TransitionDone))

	if len(sink.events) != 3 {
		t.Fatalf("expected duplicates to be dropped, got %d events", len(sink.events))
	}
	want := []Status{StatusStart, StatusEnd, StatusDone}
	for i, ev := range sink.events {
		if ev.Status != want[i] || ev.Sequence != int64(i+1) {
			t.Fatalf("event %d = %s/%d", i, ev.Status, ev.Sequence)
		}
	}
	// a later engine call continues from the persisted sequence
	p.Observe(ctx, transition("run-1", 4, workflow.TransitionResumed))
	if len(sink.events) != 4 || sink.events[3].Status != StatusResumed {
		t.Fatalf("expected resumed event after done, got %+v", sink.events)
	}
}

func TestProjectorKeepsPublishingWhenASinkFails(t *testing.T) {
	broken := &captureSink{err: errors.New("down")}
	ok := &captureSink{}
	p := NewProjector(broken, ok)
	p.Observe(context.Background(), transition("run-1", 1, workflow.TransitionNodeStart))
	if len(ok.events) != 1 {
		t.Fatalf("healthy sink missed the event")
	}
}

func TestHubRoutesByRunAndThread(t *testing.T) {
	hub := NewHub(4)
	runSub := hub.SubscribeRun("run-1")
	threadSub := hub.SubscribeThread("thread-1")
	other := hub.SubscribeRun("run-2")
	defer runSub.Close()
	defer threadSub.Close()
	defer other.Close()

	ev := FromTransition(transition("run-1", 1, workflow.TransitionNodeStart))
	if err := hub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-runSub.C:
		if got.Sequence != 1 {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("run subscriber got nothing")
	}
	select {
	case <-threadSub.C:
	case <-time.After(time.Second):
		t.Fatalf("thread subscriber got nothing")
	}
	select {
	case ev := <-other.C:
		t.Fatalf("unrelated subscriber got %+v", ev)
	default:
	}
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	hub := NewHub(1)
	sub := hub.SubscribeRun("run-1")
	ctx := context.Background()
	_ = hub.Publish(ctx, FromTransition(transition("run-1", 1, workflow.TransitionNodeStart)))
	_ = hub.Publish(ctx, FromTransition(transition("run-1", 2, workflow.TransitionNodeEnd)))

	if hub.Subscribers() != 0 {
		t.Fatalf("slow subscriber still attached")
	}
	<-sub.C
	if _, ok := <-sub.C; ok {
		t.Fatalf("expected closed channel")
	}
	sub.Close()
}

func TestRedisTimeline(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	tl := NewRedisTimeline(client, time.Hour)
	ctx := context.Background()

	for seq := int64(1); seq <= 3; seq++ {
		if err := tl.Publish(ctx, FromTransition(transition("run-1", seq, workflow.TransitionNodeStart))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	all, err := tl.List(ctx, "run-1", 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("list: %d err=%v", len(all), err)
	}
	tail, _ := tl.List(ctx, "run-1", 2)
	if len(tail) != 1 || tail[0].Sequence != 3 {
		t.Fatalf("expected only sequence 3, got %+v", tail)
	}
	if ttl := mr.TTL(timelineKey("run-1")); ttl <= 0 {
		t.Fatalf("expected timeline ttl, got %v", ttl)
	}
}

func TestNatsSinkAndRelay(t *testing.T) {
	pub := &capturePublisher{}
	sink := NewNatsSink(pub)
	ev := FromTransition(transition("run-1", 7, workflow.TransitionSuspended))
	if err := sink.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if pub.subjects[0] != bus.EventSubject("run-1") || pub.ids[0] != "run-1:7" {
		t.Fatalf("unexpected publish: %v %v", pub.subjects, pub.ids)
	}

	durable := &captureSink{err: errors.New("redis down")}
	live := &captureSink{}
	relay := NewRelay(durable, live)
	err := relay.Handle(pub.subjects[0], pub.payloads[0])
	if delay, ok := bus.RetryDelay(err); !ok || delay != relayRetryDelay {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if len(live.events) != 0 {
		t.Fatalf("live sink saw an event the timeline lacks")
	}

	durable.err = nil
	if err := relay.Handle(pub.subjects[0], pub.payloads[0]); err != nil {
		t.Fatalf("relay: %v", err)
	}
	if err := relay.Handle(pub.subjects[0], pub.payloads[0]); err != nil {
		t.Fatalf("duplicate relay: %v", err)
	}
	if len(durable.events) != 1 || len(live.events) != 1 {
		t.Fatalf("expected one delivery per sink, got %d/%d", len(durable.events), len(live.events))
	}
	if live.events[0].Status != StatusSuspended {
		t.Fatalf("unexpected status %s", live.events[0].Status)
	}
	if _, err := Decode([]byte(`{"run_id":""}`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

// failingSink refuses events until fail is cleared.
type failingSink struct {
	Sink
	fail bool
}

func (f *failingSink) Publish(ctx context.Context, ev Event) error {
	if f.fail {
		return errors.New("redis down")
	}
	return f.Sink.Publish(ctx, ev)
}

func (f *failingSink) LastSequence(ctx context.Context, runID string) (int64, error) {
	return f.Sink.(*RedisTimeline).LastSequence(ctx, runID)
}

func encodeEvent(t *testing.T, runID string, seq int64, kind workflow.TransitionKind) []byte {
	t.Helper()
	pub := &capturePublisher{}
	if err := NewNatsSink(pub).Publish(context.Background(), FromTransition(transition(runID, seq, kind))); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return pub.payloads[0]
}

func timelineSequences(t *testing.T, tl *RedisTimeline, runID string) []int64 {
	t.Helper()
	evs, err := tl.List(context.Background(), runID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	out := make([]int64, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Sequence)
	}
	return out
}

func newTestTimeline(t *testing.T) *RedisTimeline {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisTimeline(client, 0)
}

func TestRelayHoldsLaterEventsUntilRedelivery(t *testing.T) {
	tl := newTestTimeline(t)
	durable := &failingSink{Sink: tl}
	live := &captureSink{}
	relay := NewRelay(durable, live).WithRedelivery(true)

	one := encodeEvent(t, "run-1", 1, workflow.TransitionNodeStart)
	two := encodeEvent(t, "run-1", 2, workflow.TransitionNodeEnd)
	three := encodeEvent(t, "run-1", 3, workflow.TransitionNodeStart)

	if err := relay.Handle("", one); err != nil {
		t.Fatalf("seq 1: %v", err)
	}
	durable.fail = true
	if _, ok := bus.RetryDelay(relay.Handle("", two)); !ok {
		t.Fatalf("seq 2 should be redelivered while the timeline is down")
	}
	durable.fail = false
	err := relay.Handle("", three)
	delay, ok := bus.RetryDelay(err)
	if !ok || delay <= relayRetryDelay {
		t.Fatalf("seq 3 should wait for seq 2 with a longer delay, got %v", err)
	}
	if err := relay.Handle("", two); err != nil {
		t.Fatalf("redelivered seq 2: %v", err)
	}
	if err := relay.Handle("", three); err != nil {
		t.Fatalf("redelivered seq 3: %v", err)
	}
	if err := relay.Handle("", two); err != nil {
		t.Fatalf("duplicate seq 2: %v", err)
	}

	got := timelineSequences(t, tl, "run-1")
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("timeline = %v", got)
	}
	if len(live.events) != 3 || live.events[1].Sequence != 2 {
		t.Fatalf("live sink saw %d events", len(live.events))
	}
}

func TestRelayAcceptsGapAfterTimeout(t *testing.T) {
	tl := newTestTimeline(t)
	relay := NewRelay(tl, nil).WithRedelivery(true)
	now := time.Now()
	relay.now = func() time.Time { return now }

	if err := relay.Handle("", encodeEvent(t, "run-1", 1, workflow.TransitionNodeStart)); err != nil {
		t.Fatalf("seq 1: %v", err)
	}
	three := encodeEvent(t, "run-1", 3, workflow.TransitionNodeStart)
	if _, ok := bus.RetryDelay(relay.Handle("", three)); !ok {
		t.Fatalf("expected seq 3 to wait")
	}
	now = now.Add(relayGapTimeout)
	if err := relay.Handle("", three); err != nil {
		t.Fatalf("seq 3 after timeout: %v", err)
	}
	if got := timelineSequences(t, tl, "run-1"); len(got) != 2 || got[1] != 3 {
		t.Fatalf("timeline = %v", got)
	}
}

func TestRelaySeedsFromTimeline(t *testing.T) {
	tl := newTestTimeline(t)
	ctx := context.Background()
	for seq := int64(1); seq <= 3; seq++ {
		kind := workflow.TransitionNodeStart
		if seq == 3 {
			kind = workflow.TransitionDone
		}
		if err := tl.Publish(ctx, FromTransition(transition("run-1", seq, kind))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if last, err := tl.LastSequence(ctx, "run-1"); err != nil || last != 3 {
		t.Fatalf("last sequence = %d err=%v", last, err)
	}
	if last, err := tl.LastSequence(ctx, "missing"); err != nil || last != 0 {
		t.Fatalf("missing run last sequence = %d err=%v", last, err)
	}

	relay := NewRelay(tl, nil).WithRedelivery(true)
	if err := relay.Handle("", encodeEvent(t, "run-1", 3, workflow.TransitionDone)); err != nil {
		t.Fatalf("replayed done: %v", err)
	}
	if _, ok := bus.RetryDelay(relay.Handle("", encodeEvent(t, "run-1", 5, workflow.TransitionNodeEnd))); !ok {
		t.Fatalf("expected seq 5 to wait for 4")
	}
	if err := relay.Handle("", encodeEvent(t, "run-1", 4, workflow.TransitionResumed)); err != nil {
		t.Fatalf("seq 4: %v", err)
	}
	if got := timelineSequences(t, tl, "run-1"); len(got) != 4 || got[3] != 4 {
		t.Fatalf("timeline = %v", got)
	}
}

func TestProjectorQueuesFailedSinkWrites(t *testing.T) {
	tl := newTestTimeline(t)
	durable := &failingSink{Sink: tl}
	live := &captureSink{}
	p := NewProjector(durable, live)
	ctx := context.Background()

	p.Observe(ctx, transition("run-1", 1, workflow.TransitionNodeStart))
	durable.fail = true
	p.Observe(ctx, transition("run-1", 2, workflow.TransitionNodeEnd))
	if pending := p.Flush(ctx); pending != 1 {
		t.Fatalf("pending = %d", pending)
	}
	durable.fail = false
	p.Observe(ctx, transition("run-1", 3, workflow.TransitionDone))

	if got := timelineSequences(t, tl, "run-1"); len(got) != 3 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("timeline = %v", got)
	}
	if len(live.events) != 3 {
		t.Fatalf("live sink saw %d events", len(live.events))
	}

	durable.fail = true
	p.Observe(ctx, transition("run-1", 4, workflow.TransitionResumed))
	durable.fail = false
	if pending := p.Flush(ctx); pending != 0 {
		t.Fatalf("pending after flush = %d", pending)
	}
	if got := timelineSequences(t, tl, "run-1"); len(got) != 4 || got[3] != 4 {
		t.Fatalf("timeline after flush = %v", got)
	}
}
