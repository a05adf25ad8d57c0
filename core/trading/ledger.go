package trading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultClaimTTL   = 5 * time.Minute
	executionsListKey = "tf:executions"
	executionsMax     = 10000
)

// ErrExecutionInFlight is returned when another caller holds the claim on
// an idempotency key and has not recorded a result yet.
var ErrExecutionInFlight = errors.New("execution in flight")

// RedisLedger makes any broker idempotent across restarts: a key is claimed
// with SETNX before the inner broker trades and the fill is recorded after.
type RedisLedger struct {
	client   redis.UniversalClient
	inner    Broker
	claimTTL time.Duration
}

// NewRedisLedger wraps inner with a Redis execution ledger.
func NewRedisLedger(client redis.UniversalClient, inner Broker) *RedisLedger {
	return &RedisLedger{client: client, inner: inner, claimTTL: defaultClaimTTL}
}

// Execute implements Broker.
func (l *RedisLedger) Execute(ctx context.Context, key, account string, o Order) (*Execution, error) {
	if key == "" {
		return nil, fmt.Errorf("idempotency key required")
	}
	if prior, err := l.lookup(ctx, key); err != nil || prior != nil {
		return prior, err
	}
	ok, err := l.client.SetNX(ctx, claimKey(key), "1", l.claimTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("claim execution: %w", err)
	}
	if !ok {
		// the holder may have finished between lookup and claim
		if prior, err := l.lookup(ctx, key); err != nil || prior != nil {
			return prior, err
		}
		return nil, fmt.Errorf("%w: %s", ErrExecutionInFlight, key)
	}
	exec, err := l.inner.Execute(ctx, key, account, o)
	if err != nil {
		_ = l.client.Del(ctx, claimKey(key)).Err()
		return nil, err
	}
	data, err := json.Marshal(exec)
	if err != nil {
		return nil, fmt.Errorf("marshal execution: %w", err)
	}
	pipe := l.client.TxPipeline()
	pipe.Set(ctx, executionKey(key), data, 0)
	pipe.RPush(ctx, executionsListKey, key)
	pipe.LTrim(ctx, executionsListKey, -executionsMax, -1)
	pipe.Del(ctx, claimKey(key))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("record execution: %w", err)
	}
	return exec, nil
}

// Executions lists recorded fills, oldest first.
func (l *RedisLedger) Executions(ctx context.Context, limit int64) ([]Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	keys, err := l.client.LRange(ctx, executionsListKey, -limit, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Execution, 0, len(keys))
	for _, key := range keys {
		exec, err := l.lookup(ctx, key)
		if err != nil || exec == nil {
			continue
		}
		out = append(out, *exec)
	}
	return out, nil
}

func (l *RedisLedger) lookup(ctx context.Context, key string) (*Execution, error) {
	data, err := l.client.Get(ctx, executionKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var exec Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	return &exec, nil
}

func executionKey(key string) string {
	return "tf:exec:" + key
}

func claimKey(key string) string {
	return "tf:exec:claim:" + key
}

