package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/vitwit/paykit/logger"
)

const lockKeyPrefix = "paykit:lock:wallet:"

// RedisLockOptions tunes the redsync mutex behind RedisLocker.
type RedisLockOptions struct {
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
}

func DefaultRedisLockOptions() RedisLockOptions {
	return RedisLockOptions{
		Expiry:     10 * time.Second,
		Tries:      32,
		RetryDelay: 100 * time.Millisecond,
	}
}

// RedisLocker is a Locker shared by every paykit instance pointed at the same
// Redis. Locks expire after Expiry so a crashed holder cannot block a wallet
// forever.
type RedisLocker struct {
	rs     *redsync.Redsync
	opts   RedisLockOptions
	logger logger.Logger
}

var _ Locker = (*RedisLocker)(nil)

func NewRedisLocker(client redis.UniversalClient, opts RedisLockOptions, log logger.Logger) *RedisLocker {
	def := DefaultRedisLockOptions()
	if opts.Expiry <= 0 {
		opts.Expiry = def.Expiry
	}
	if opts.Tries < 1 {
		opts.Tries = def.Tries
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = def.RetryDelay
	}

	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		opts:   opts,
		logger: logger.OrNoop(log),
	}
}

// WithLock runs fn while holding the wallet's mutex. The mutex is extended
// every Expiry/2 until fn returns, so a holder that is still working (a
// charge waiting on confirmation, say) keeps it past Expiry.
func (r *RedisLocker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	mutex := r.rs.NewMutex(
		lockKeyPrefix+key,
		redsync.WithExpiry(r.opts.Expiry),
		redsync.WithTries(r.opts.Tries),
		redsync.WithRetryDelay(r.opts.RetryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		return fmt.Errorf("acquire lock for %s: %w", key, err)
	}

	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		r.keepAlive(mutex, key, stop)
	}()

	defer func() {
		close(stop)
		<-stopped
		// the caller's ctx may already be done; release regardless
		if ok, err := mutex.UnlockContext(context.Background()); !ok || err != nil {
			r.logger.Warn("failed to release wallet lock", map[string]any{
				"key":       key,
				"unlock_ok": ok,
				"error":     err,
			})
		}
	}()

	return fn(ctx)
}

func (r *RedisLocker) keepAlive(mutex *redsync.Mutex, key string, stop <-chan struct{}) {
	ticker := time.NewTicker(r.opts.Expiry / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if ok, err := mutex.ExtendContext(context.Background()); !ok || err != nil {
				r.logger.Warn("failed to extend wallet lock", map[string]any{
					"key":       key,
					"extend_ok": ok,
					"error":     err,
				})
			}
		}
	}
}
