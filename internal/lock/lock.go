// Package lock provides named mutual exclusion across processes on top of redis.
//
// A lock is the key "lock:<name>" holding a random token, written with SET NX and
// a lease. Release deletes the key only while it still holds the caller's token,
// so a holder whose lease expired can never remove a successor's lock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/freechat/internal/metrics"
	"go.uber.org/zap"
)

const keyPrefix = "lock:"

var (
	// ErrTimeout means the lock stayed held by someone else for the whole wait.
	ErrTimeout = errors.New("lock: timed out waiting for lock")
	// ErrUnavailable means redis could not be reached; callers must not proceed
	// as if they held the lock.
	ErrUnavailable = errors.New("lock: store unavailable")
	// ErrNotHeld is returned by Release when the lease expired or the token no
	// longer matches.
	ErrNotHeld = errors.New("lock: not held")
)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type Options struct {
	Lease         time.Duration
	Timeout       time.Duration
	RetryInterval time.Duration
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

type Locker struct {
	rdb     redis.UniversalClient
	lease   time.Duration
	timeout time.Duration
	retry   time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewLocker(rdb redis.UniversalClient, opts Options) *Locker {
	l := &Locker{
		rdb:     rdb,
		lease:   opts.Lease,
		timeout: opts.Timeout,
		retry:   opts.RetryInterval,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
	if l.lease <= 0 {
		l.lease = 10 * time.Second
	}
	if l.timeout <= 0 {
		l.timeout = 5 * time.Second
	}
	if l.retry <= 0 {
		l.retry = 10 * time.Millisecond
	}
	if l.log == nil {
		l.log = zap.NewNop()
	}
	if l.metrics == nil {
		l.metrics = metrics.New()
	}
	l.log = l.log.Named("lock")
	return l
}

// Lock is a held lock. It is not safe for concurrent Release calls.
type Lock struct {
	locker   *Locker
	key      string
	token    string
	lease    time.Duration
	released bool
}

func (lk *Lock) Name() string { return lk.key[len(keyPrefix):] }

// Acquire blocks until the named lock is taken, timeout elapses, or ctx is done.
// Zero timeout or retry values use the locker defaults.
func (l *Locker) Acquire(ctx context.Context, name string, timeout, retry time.Duration) (*Lock, error) {
	if timeout <= 0 {
		timeout = l.timeout
	}
	if retry <= 0 {
		retry = l.retry
	}
	key := keyPrefix + name
	token := uuid.NewString()
	start := time.Now()
	deadline := start.Add(timeout)

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.lease).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			l.metrics.LockAcquireTotal.WithLabelValues("error").Inc()
			l.log.Error("lock store unavailable", zap.String("lock", name), zap.Error(err))
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if ok {
			l.metrics.LockAcquireTotal.WithLabelValues("acquired").Inc()
			l.metrics.LockAcquireDuration.Observe(time.Since(start).Seconds())
			return &Lock{locker: l, key: key, token: token, lease: l.lease}, nil
		}

		if !time.Now().Before(deadline) {
			l.metrics.LockAcquireTotal.WithLabelValues("timeout").Inc()
			l.log.Warn("lock wait timed out", zap.String("lock", name), zap.Duration("timeout", timeout))
			return nil, ErrTimeout
		}

		wait := retry
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// Release frees the lock if it is still ours. Releasing after the lease ran out
// returns ErrNotHeld and leaves any new holder untouched. Releasing twice is a
// no-op.
func (lk *Lock) Release(ctx context.Context) error {
	if lk.released {
		return nil
	}
	n, err := releaseScript.Run(ctx, lk.locker.rdb, []string{lk.key}, lk.token).Int64()
	if err != nil {
		lk.locker.log.Error("lock release failed", zap.String("lock", lk.Name()), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	lk.released = true
	if n == 0 {
		lk.locker.log.Warn("lock expired before release", zap.String("lock", lk.Name()), zap.Duration("lease", lk.lease))
		return ErrNotHeld
	}
	return nil
}

// WithLock runs fn while holding the named lock. The lock is released on every
// exit path; a release failure is logged but does not replace fn's result.
func (l *Locker) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	lk, err := l.Acquire(ctx, name, 0, 0)
	if err != nil {
		return err
	}
	defer func() {
		// release even if the request context was cancelled mid-operation
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = lk.Release(relCtx)
	}()
	return fn(ctx)
}
