package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/angelmondragon/painsync/pkg/config"
	"github.com/redis/go-redis/v9"
)

func TestAcquireAndReleaseLock(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}

	ok, err := client.AcquireLock(ctx, "k", "owner-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to win, ok=%v err=%v", ok, err)
	}
	ok, err = client.AcquireLock(ctx, "k", "owner-2", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected second acquire to lose, ok=%v err=%v", ok, err)
	}
	if mock.ttl["k"] != time.Minute {
		t.Fatalf("expected ttl to be forwarded, got %s", mock.ttl["k"])
	}

	released, err := client.ReleaseLock(ctx, "k", "owner-2")
	if err != nil || released {
		t.Fatalf("non-owner release must be a no-op, released=%v err=%v", released, err)
	}
	if mock.data["k"] != "owner-1" {
		t.Fatalf("lock value changed by non-owner: %q", mock.data["k"])
	}

	released, err = client.ReleaseLock(ctx, "k", "owner-1")
	if err != nil || !released {
		t.Fatalf("owner release failed, released=%v err=%v", released, err)
	}
	if _, exists := mock.data["k"]; exists {
		t.Fatalf("expected key to be deleted")
	}
}

func TestReleaseLockPropagatesErrors(t *testing.T) {
	mock := newMockCmdable()
	mock.evalErr = fmt.Errorf("NOSCRIPT")
	client := &Client{store: mock}
	if _, err := client.ReleaseLock(context.Background(), "k", "owner"); err == nil {
		t.Fatalf("expected eval error to surface")
	}
}

func TestUninitializedClient(t *testing.T) {
	client := &Client{}
	ctx := context.Background()
	if err := client.Ping(ctx); err == nil {
		t.Fatalf("expected error from uninitialized ping")
	}
	if _, err := client.AcquireLock(ctx, "k", "v", time.Second); err == nil {
		t.Fatalf("expected error from uninitialized acquire")
	}
	if _, err := client.ReleaseLock(ctx, "k", "v"); err == nil {
		t.Fatalf("expected error from uninitialized release")
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close without raw client should be nil, got %v", err)
	}
}

func TestLockKey(t *testing.T) {
	client := &Client{}
	if got := client.LockKey("sweep", "site-a"); got != "painsync:lock:sweep:site-a" {
		t.Fatalf("unexpected lock key %s", got)
	}
	if got := client.LockKey("housekeeping", " "); got != "painsync:lock:housekeeping" {
		t.Fatalf("blank parts should be skipped, got %s", got)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	if _, err := optionsFromConfig(config.RedisConfig{}); err == nil {
		t.Fatalf("expected error without url or address")
	}

	opts, err := optionsFromConfig(config.RedisConfig{URL: "redis://localhost:6379/2", PoolSize: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.DB != 2 || opts.PoolSize != 3 {
		t.Fatalf("unexpected options db=%d pool=%d", opts.DB, opts.PoolSize)
	}

	opts, err = optionsFromConfig(config.RedisConfig{Address: "cache:6379", DB: 1, DialTimeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.Addr != "cache:6379" || opts.DB != 1 || opts.DialTimeout != time.Second {
		t.Fatalf("unexpected options %+v", opts)
	}
}

// mockCmdable understands SETNX and the release script.
type mockCmdable struct {
	data    map[string]string
	ttl     map[string]time.Duration
	evalErr error
}

func newMockCmdable() *mockCmdable {
	return &mockCmdable{data: map[string]string{}, ttl: map[string]time.Duration{}}
}

func (m *mockCmdable) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (m *mockCmdable) SetNX(_ context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	if _, exists := m.data[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	m.data[key] = fmt.Sprint(value)
	m.ttl[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (m *mockCmdable) Eval(_ context.Context, script string, keys []string, args ...any) *redis.Cmd {
	if m.evalErr != nil {
		return redis.NewCmdResult(nil, m.evalErr)
	}
	if script != releaseScript || len(keys) != 1 || len(args) != 1 {
		return redis.NewCmdResult(nil, fmt.Errorf("unexpected script"))
	}
	if m.data[keys[0]] != fmt.Sprint(args[0]) {
		return redis.NewCmdResult(int64(0), nil)
	}
	delete(m.data, keys[0])
	delete(m.ttl, keys[0])
	return redis.NewCmdResult(int64(1), nil)
}
