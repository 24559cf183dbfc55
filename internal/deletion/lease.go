// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package deletion

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/holomush/worldtree/internal/world"
)

// ErrLeaseHeld is returned by Lease.Acquire when another holder owns the key.
var ErrLeaseHeld = errors.New("lease held by another runner")

// Lease grants exclusive ownership of an operation to one runner.
type Lease interface {
	// Acquire takes the lease for key or returns ErrLeaseHeld.
	// The returned release function is safe to call more than once.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// LocalLease is a Lease valid within one process.
type LocalLease struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLease creates an empty in-process lease table.
func NewLocalLease() *LocalLease {
	return &LocalLease{held: make(map[string]struct{})}
}

// Acquire implements Lease.
func (l *LocalLease) Acquire(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, oops.With("key", key).Wrap(ErrLeaseHeld)
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

const redisLeasePrefix = "worldtree:delete-op:"

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// renewScript extends the key's TTL only if it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisLease is a Lease shared by every process using the same Redis.
// A held lease is renewed at a third of its TTL until released, so a crashed
// holder frees the operation after at most one TTL.
type RedisLease struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisLease connects to redisURL and verifies the connection.
func NewRedisLease(ctx context.Context, redisURL string, ttl time.Duration, logger *slog.Logger) (*RedisLease, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, oops.Code("REDIS_URL_INVALID").Wrap(err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, oops.Code("REDIS_CONNECT_FAILED").With("addr", opts.Addr).Wrap(err)
	}
	return NewRedisLeaseFromClient(client, ttl, logger), nil
}

// NewRedisLeaseFromClient wraps an existing client.
func NewRedisLeaseFromClient(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisLease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLease{client: client, ttl: ttl, logger: logger}
}

// Acquire implements Lease with SET NX PX and a random token.
func (l *RedisLease) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := redisLeasePrefix + key
	token := newToken()
	ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, oops.Code("LEASE_ACQUIRE_FAILED").With("key", key).Wrap(err)
	}
	if !ok {
		return nil, oops.With("key", key).Wrap(ErrLeaseHeld)
	}

	renewCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				err := renewScript.Run(renewCtx, l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Err()
				if err != nil && !errors.Is(err, context.Canceled) {
					l.logger.Warn("lease renewal failed", "key", key, "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			<-done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
				l.logger.Warn("lease release failed", "key", key, "error", err)
			}
		})
	}, nil
}

func newToken() string {
	return world.NewID().String()
}

// Close closes the Redis client.
func (l *RedisLease) Close() error {
	return l.client.Close()
}

var (
	_ Lease = (*LocalLease)(nil)
	_ Lease = (*RedisLease)(nil)
)
