package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cordum/tradeflow/core/infra/redisutil"
	"github.com/redis/go-redis/v9"
)

// RedisStore persists runs and their indexes in Redis.
type RedisStore struct {
	client    redis.UniversalClient
	retention time.Duration
}

// NewRedisStore connects to Redis at url.
func NewRedisStore(url string) (*RedisStore, error) {
	client, err := redisutil.Connect(url)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// WithRetention expires terminal runs and their request index after d.
// Zero keeps them forever.
func (s *RedisStore) WithRetention(d time.Duration) *RedisStore {
	s.retention = d
	return s
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// CreateRun persists a new run and indexes it by thread and status.
func (s *RedisStore) CreateRun(ctx context.Context, run *RunState) error {
	if run == nil || run.RunID == "" || run.Workflow == "" {
		return fmt.Errorf("run id and workflow required")
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	ok, err := s.client.SetNX(ctx, runKey(run.RunID), payload, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("run %s already exists", run.RunID)
	}
	score := float64(run.CreatedAt.UnixNano())
	pipe := s.client.TxPipeline()
	if run.ThreadID != "" {
		pipe.ZAdd(ctx, threadIndexKey(run.ThreadID), redis.Z{Score: score, Member: run.RunID})
	}
	pipe.ZAdd(ctx, statusIndexKey(run.Status), redis.Z{Score: score, Member: run.RunID})
	_, err = pipe.Exec(ctx)
	return err
}

// SaveRun overwrites the run document and moves it between status indexes.
func (s *RedisStore) SaveRun(ctx context.Context, run *RunState) error {
	if run == nil || run.RunID == "" || run.Workflow == "" {
		return fmt.Errorf("run id and workflow required")
	}
	prevStatus := RunStatus("")
	if data, err := s.client.Get(ctx, runKey(run.RunID)).Bytes(); err == nil {
		var prev RunState
		if err := json.Unmarshal(data, &prev); err == nil {
			prevStatus = prev.Status
		}
	}
	run.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	score := float64(run.CreatedAt.UnixNano())
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, runKey(run.RunID), payload, 0)
	if prevStatus != "" && prevStatus != run.Status {
		pipe.ZRem(ctx, statusIndexKey(prevStatus), run.RunID)
	}
	pipe.ZAdd(ctx, statusIndexKey(run.Status), redis.Z{Score: score, Member: run.RunID})
	if run.Status.Terminal() && s.retention > 0 {
		pipe.Expire(ctx, runKey(run.RunID), s.retention)
		for _, res := range run.Resolutions {
			if res.RequestID != "" {
				pipe.Expire(ctx, requestKey(res.RequestID), s.retention)
			}
		}
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetRun loads a run by id.
func (s *RedisStore) GetRun(ctx context.Context, runID string) (*RunState, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id required")
	}
	data, err := s.client.Get(ctx, runKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	var run RunState
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	run.normalize()
	return &run, nil
}

// IndexRequest maps a request id to its run. Request ids are never reused.
func (s *RedisStore) IndexRequest(ctx context.Context, requestID, runID string) error {
	if requestID == "" || runID == "" {
		return fmt.Errorf("request id and run id required")
	}
	ok, err := s.client.SetNX(ctx, requestKey(requestID), runID, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("request %s already indexed", requestID)
	}
	return nil
}

// RunIDForRequest returns the run that issued requestID.
func (s *RedisStore) RunIDForRequest(ctx context.Context, requestID string) (string, error) {
	if requestID == "" {
		return "", ErrRequestNotFound
	}
	runID, err := s.client.Get(ctx, requestKey(requestID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrRequestNotFound
	}
	return runID, err
}

// ListRunsByThread returns the most recent runs of a conversation thread.
func (s *RedisStore) ListRunsByThread(ctx context.Context, threadID string, limit int64) ([]*RunState, error) {
	if threadID == "" {
		return nil, fmt.Errorf("thread id required")
	}
	return s.listIndex(ctx, threadIndexKey(threadID), limit)
}

// ListRunsByStatus returns the most recent runs in status.
func (s *RedisStore) ListRunsByStatus(ctx context.Context, status RunStatus, limit int64) ([]*RunState, error) {
	return s.listIndex(ctx, statusIndexKey(status), limit)
}

func (s *RedisStore) listIndex(ctx context.Context, index string, limit int64) ([]*RunState, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRevRange(ctx, index, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*RunState{}, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, runKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]*RunState, 0, len(ids))
	var stale []any
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			stale = append(stale, ids[i])
			continue
		}
		if err != nil {
			return nil, err
		}
		var run RunState
		if err := json.Unmarshal(data, &run); err != nil {
			continue
		}
		run.normalize()
		out = append(out, &run)
	}
	if len(stale) > 0 {
		// expired runs leave dangling index members
		_ = s.client.ZRem(ctx, index, stale...).Err()
	}
	return out, nil
}

func runKey(id string) string {
	return "tf:run:" + id
}

func threadIndexKey(thread string) string {
	return "tf:runs:thread:" + thread
}

func statusIndexKey(status RunStatus) string {
	return "tf:runs:status:" + string(status)
}

func requestKey(requestID string) string {
	return "tf:request:" + requestID
}

