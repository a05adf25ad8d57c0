package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cordum/tradeflow/core/infra/bus"
)

// Publisher is the slice of the bus the NATS sink needs.
type Publisher interface {
	Publish(subject, msgID string, data []byte) error
}

// NatsSink publishes events on per-run subjects. The message id is
// "run:sequence" so JetStream drops redelivered duplicates.
type NatsSink struct {
	pub Publisher
}

// NewNatsSink wraps a bus publisher.
func NewNatsSink(pub Publisher) *NatsSink {
	return &NatsSink{pub: pub}
}

// Publish implements Sink.
func (s *NatsSink) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.pub.Publish(bus.EventSubject(ev.RunID), MessageID(ev), data)
}

// MessageID is the dedupe id of an event on the bus.
func MessageID(ev Event) string {
	return ev.RunID + ":" + strconv.FormatInt(ev.Sequence, 10)
}

// Decode parses an event published by NatsSink.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.RunID == "" || ev.Sequence <= 0 {
		return Event{}, fmt.Errorf("decode event: missing run id or sequence")
	}
	return ev, nil
}
