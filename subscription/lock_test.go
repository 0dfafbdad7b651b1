package subscription

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/paykit/types"
)

func exerciseMutualExclusion(t *testing.T, locker Locker) {
	t.Helper()

	var (
		wg       sync.WaitGroup
		inFlight atomic.Int32
		maxSeen  atomic.Int32
		runs     atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(context.Background(), "wallet-a", func(context.Context) error {
				n := inFlight.Add(1)
				for {
					seen := maxSeen.Load()
					if n <= seen || maxSeen.CompareAndSwap(seen, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				inFlight.Add(-1)
				runs.Add(1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 8, runs.Load())
	assert.EqualValues(t, 1, maxSeen.Load())
}

func TestKeyedLockerSerialisesSameKey(t *testing.T) {
	l := NewKeyedLocker()
	exerciseMutualExclusion(t, l)
	assert.Equal(t, 0, l.size(), "idle keys are released")
}

func TestKeyedLockerIndependentKeys(t *testing.T) {
	l := NewKeyedLocker()
	release := make(chan struct{})
	held := make(chan struct{})

	go func() {
		_ = l.WithLock(context.Background(), "a", func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	done := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "b", func(context.Context) error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked by a")
	}
	close(release)
}

func TestKeyedLockerHonoursContext(t *testing.T) {
	l := NewKeyedLocker()
	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "a", func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	called := false
	err := l.WithLock(ctx, "a", func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)
}

func TestKeyedLockerReturnsFnError(t *testing.T) {
	l := NewKeyedLocker()
	want := types.NewError(types.ErrCodeDuplicateActive, "dup")
	err := l.WithLock(context.Background(), "a", func(context.Context) error { return want })
	assert.Same(t, want, err)
}

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisLocker(client, RedisLockOptions{
		Expiry:     2 * time.Second,
		Tries:      200,
		RetryDelay: 2 * time.Millisecond,
	}, nil), mr
}

func TestRedisLockerSerialisesSameKey(t *testing.T) {
	l, mr := newRedisLocker(t)
	exerciseMutualExclusion(t, l)
	assert.False(t, mr.Exists(lockKeyPrefix+"wallet-a"), "lock key released")
}

func TestRedisLockerReturnsFnError(t *testing.T) {
	l, _ := newRedisLocker(t)
	want := errors.New("boom")
	err := l.WithLock(context.Background(), "wallet-b", func(context.Context) error { return want })
	assert.Same(t, want, err)
}

func TestRedisLockerGivesUpWhenHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, mr.Set(lockKeyPrefix+"wallet-c", "someone-else"))

	l := NewRedisLocker(client, RedisLockOptions{Expiry: time.Second, Tries: 2, RetryDelay: time.Millisecond}, nil)
	called := false
	err := l.WithLock(context.Background(), "wallet-c", func(context.Context) error {
		called = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, called)
}

func TestRedisLockerOutlivesExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l := NewRedisLocker(client, RedisLockOptions{Expiry: 200 * time.Millisecond, Tries: 1}, nil)
	err := l.WithLock(context.Background(), "wallet-d", func(context.Context) error {
		// miniredis only ages keys on FastForward; three steps add up to more
		// than one expiry, with an extension landing in between each
		for i := 0; i < 3; i++ {
			time.Sleep(150 * time.Millisecond)
			mr.FastForward(150 * time.Millisecond)
			assert.True(t, mr.Exists(lockKeyPrefix+"wallet-d"), "step %d", i)
		}
		return nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists(lockKeyPrefix+"wallet-d"))
}

func TestEngineWithRedisLocker(t *testing.T) {
	l, _ := newRedisLocker(t)
	e, _ := newTestEngine(t, WithLocker(l))
	w := wallet()

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Create(context.Background(), w, types.PlanBasic); err == nil {
				successes.Add(1)
			} else {
				assert.True(t, errors.Is(err, types.ErrDuplicateActive), err.Error())
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, successes.Load())
}
