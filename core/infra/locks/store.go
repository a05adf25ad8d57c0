package locks

import (
	"context"
	"time"
)

// Lease captures exclusive ownership of a resource until ExpiresAt.
type Lease struct {
	Resource  string    `json:"resource"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store manages exclusive, expiring leases. Acquire reports false without error
// when another owner holds the resource.
type Store interface {
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (*Lease, bool, error)
	Release(ctx context.Context, resource, owner string) (bool, error)
	Renew(ctx context.Context, resource, owner string, ttl time.Duration) (*Lease, bool, error)
	Get(ctx context.Context, resource string) (*Lease, error)
}
