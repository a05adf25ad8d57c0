package locks

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStoreAcquireRelease(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	lease, ok, err := store.Acquire(ctx, "run:alpha", "engine-a", 2*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok || lease == nil || lease.Owner != "engine-a" {
		t.Fatalf("expected lease acquired, got %#v ok=%v", lease, ok)
	}

	if _, ok, err := store.Acquire(ctx, "run:alpha", "engine-b", 2*time.Second); err != nil || ok {
		t.Fatalf("expected second owner rejected, err=%v ok=%v", err, ok)
	}

	if ok, err := store.Release(ctx, "run:alpha", "engine-b"); err != nil || ok {
		t.Fatalf("expected foreign release to be a no-op, err=%v ok=%v", err, ok)
	}
	if ok, err := store.Release(ctx, "run:alpha", "engine-a"); err != nil || !ok {
		t.Fatalf("expected release ok, err=%v ok=%v", err, ok)
	}

	if _, ok, err := store.Acquire(ctx, "run:alpha", "engine-b", 2*time.Second); err != nil || !ok {
		t.Fatalf("expected acquire after release, err=%v ok=%v", err, ok)
	}
}

func TestRedisStoreReentrantAcquire(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if _, ok, err := store.Acquire(ctx, "run:beta", "engine-a", time.Second); err != nil || !ok {
		t.Fatalf("acquire: err=%v ok=%v", err, ok)
	}
	if _, ok, err := store.Acquire(ctx, "run:beta", "engine-a", time.Second); err != nil || !ok {
		t.Fatalf("expected same owner to re-acquire, err=%v ok=%v", err, ok)
	}
}

func TestRedisStoreExpiry(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	if _, ok, err := store.Acquire(ctx, "run:gamma", "engine-a", time.Second); err != nil || !ok {
		t.Fatalf("acquire: err=%v ok=%v", err, ok)
	}
	mr.FastForward(2 * time.Second)
	if _, err := store.Get(ctx, "run:gamma"); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld after expiry, got %v", err)
	}
	if _, ok, err := store.Acquire(ctx, "run:gamma", "engine-b", time.Second); err != nil || !ok {
		t.Fatalf("expected acquire after expiry, err=%v ok=%v", err, ok)
	}
}

func TestRedisStoreRenew(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	if _, ok, err := store.Acquire(ctx, "run:delta", "engine-a", time.Second); err != nil || !ok {
		t.Fatalf("acquire: err=%v ok=%v", err, ok)
	}
	if _, ok, err := store.Renew(ctx, "run:delta", "engine-a", 10*time.Second); err != nil || !ok {
		t.Fatalf("renew: err=%v ok=%v", err, ok)
	}
	mr.FastForward(2 * time.Second)
	lease, err := store.Get(ctx, "run:delta")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if lease.Owner != "engine-a" {
		t.Fatalf("unexpected owner %q", lease.Owner)
	}
	if _, ok, err := store.Renew(ctx, "run:delta", "engine-b", time.Second); err != nil || ok {
		t.Fatalf("expected foreign renew to fail, err=%v ok=%v", err, ok)
	}
}

func TestRedisStoreValidation(t *testing.T) {
	store, _ := newTestStore(t)
	if _, _, err := store.Acquire(context.Background(), " ", "engine-a", time.Second); err == nil {
		t.Fatalf("expected error for empty resource")
	}
	var nilStore *RedisStore
	if _, _, err := nilStore.Acquire(context.Background(), "run", "owner", time.Second); err == nil {
		t.Fatalf("expected error for nil store")
	}
}
