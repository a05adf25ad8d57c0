package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const timelineMaxEntries = 1000

// RedisTimeline keeps a capped, replayable per-run event list.
type RedisTimeline struct {
	client    redis.UniversalClient
	retention time.Duration
}

// NewRedisTimeline stores timelines in client. A positive retention expires
// a run's timeline that long after its last event.
func NewRedisTimeline(client redis.UniversalClient, retention time.Duration) *RedisTimeline {
	return &RedisTimeline{client: client, retention: retention}
}

// Publish implements Sink.
func (t *RedisTimeline) Publish(ctx context.Context, ev Event) error {
	if ev.RunID == "" {
		return fmt.Errorf("run id required")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	key := timelineKey(ev.RunID)
	pipe := t.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -timelineMaxEntries, -1)
	if t.retention > 0 {
		pipe.Expire(ctx, key, t.retention)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// List returns events with a sequence greater than after, oldest first.
func (t *RedisTimeline) List(ctx context.Context, runID string, after int64) ([]Event, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id required")
	}
	raw, err := t.client.LRange(ctx, timelineKey(runID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(raw))
	for _, item := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		if ev.Sequence <= after {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// LastSequence returns the sequence of the newest stored event, or 0 when
// the run has none.
func (t *RedisTimeline) LastSequence(ctx context.Context, runID string) (int64, error) {
	raw, err := t.client.LIndex(ctx, timelineKey(runID), -1).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return 0, fmt.Errorf("decode event: %w", err)
	}
	return ev.Sequence, nil
}

func timelineKey(runID string) string {
	return "tf:run:" + runID + ":events"
}
