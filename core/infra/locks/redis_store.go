package locks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cordum/tradeflow/core/infra/redisutil"
)

const defaultTTL = 30 * time.Second

// ErrNotHeld is returned by Get when no owner holds the resource.
var ErrNotHeld = errors.New("lease not held")

// RedisStore implements Store with SET NX PX and owner-checked scripts.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore constructs a Redis-backed lease store.
func NewRedisStore(url string) (*RedisStore, error) {
	client, err := redisutil.Connect(url)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client; Close will close it.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Close shuts down the Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Acquire takes the lease if it is free or already held by owner.
func (s *RedisStore) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (*Lease, bool, error) {
	resource, owner, err := s.normalize(resource, owner)
	if err != nil {
		return nil, false, err
	}
	ttl = normalizeTTL(ttl)
	res, err := s.client.Eval(ctx, acquireScript, []string{leaseKey(resource)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return nil, false, err
	}
	if res != 1 {
		return nil, false, nil
	}
	return &Lease{Resource: resource, Owner: owner, ExpiresAt: time.Now().UTC().Add(ttl)}, true, nil
}

// Release drops the lease if owner still holds it. Releasing an expired or
// foreign lease reports false.
func (s *RedisStore) Release(ctx context.Context, resource, owner string) (bool, error) {
	resource, owner, err := s.normalize(resource, owner)
	if err != nil {
		return false, err
	}
	res, err := s.client.Eval(ctx, releaseScript, []string{leaseKey(resource)}, owner).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Renew extends the lease TTL if owner still holds it.
func (s *RedisStore) Renew(ctx context.Context, resource, owner string, ttl time.Duration) (*Lease, bool, error) {
	resource, owner, err := s.normalize(resource, owner)
	if err != nil {
		return nil, false, err
	}
	ttl = normalizeTTL(ttl)
	res, err := s.client.Eval(ctx, renewScript, []string{leaseKey(resource)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return nil, false, err
	}
	if res != 1 {
		return nil, false, nil
	}
	return &Lease{Resource: resource, Owner: owner, ExpiresAt: time.Now().UTC().Add(ttl)}, true, nil
}

// Get returns the current holder of resource.
func (s *RedisStore) Get(ctx context.Context, resource string) (*Lease, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("lease store unavailable")
	}
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return nil, fmt.Errorf("resource required")
	}
	pipe := s.client.Pipeline()
	ownerCmd := pipe.Get(ctx, leaseKey(resource))
	ttlCmd := pipe.PTTL(ctx, leaseKey(resource))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	owner, err := ownerCmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotHeld
	}
	if err != nil {
		return nil, err
	}
	lease := &Lease{Resource: resource, Owner: owner}
	if ttl := ttlCmd.Val(); ttl > 0 {
		lease.ExpiresAt = time.Now().UTC().Add(ttl)
	}
	return lease, nil
}

func (s *RedisStore) normalize(resource, owner string) (string, string, error) {
	if s == nil || s.client == nil {
		return "", "", fmt.Errorf("lease store unavailable")
	}
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return "", "", fmt.Errorf("resource and owner required")
	}
	return resource, owner, nil
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultTTL
	}
	return ttl
}

func leaseKey(resource string) string {
	return "lease:" + resource
}

const acquireScript = `
local current = redis.call("GET", KEYS[1])
if not current then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  return 1
end
if current == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 1
end
return 0
`

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("DEL", KEYS[1])
  return 1
end
return 0
`

const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 1
end
return 0
`
