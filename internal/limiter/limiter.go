// Package limiter bounds how many worker processes run at once.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"meeting-taskflow/internal/domain"
)

// ErrTooManyConcurrentJobs is wrapped by every rejection so callers can match it.
var ErrTooManyConcurrentJobs = errors.New("too many concurrent jobs")

// Limiter hands out a fixed number of worker slots.
type Limiter struct {
	sem          *semaphore.Weighted
	size         int64
	queueTimeout time.Duration
}

// New creates a limiter with size slots. A zero queueTimeout rejects
// immediately when every slot is taken; a positive value waits up to that long.
func New(size int64, queueTimeout time.Duration) *Limiter {
	if size <= 0 {
		size = 1
	}
	return &Limiter{
		sem:          semaphore.NewWeighted(size),
		size:         size,
		queueTimeout: queueTimeout,
	}
}

// Size returns the number of slots.
func (l *Limiter) Size() int64 {
	return l.size
}

// Acquire takes one slot. The returned release func is safe to call more than once.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if l.queueTimeout <= 0 {
		if !l.sem.TryAcquire(1) {
			return nil, busyError(nil)
		}
		return l.releaser(), nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, l.queueTimeout)
	defer cancel()
	if err := l.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, busyError(err)
	}
	return l.releaser(), nil
}

func (l *Limiter) releaser() func() {
	var once sync.Once
	return func() {
		once.Do(func() { l.sem.Release(1) })
	}
}

func busyError(cause error) error {
	err := ErrTooManyConcurrentJobs
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrTooManyConcurrentJobs, cause)
	}
	return &domain.PipelineError{
		Kind:    domain.KindBusy,
		Message: "Too many concurrent jobs; try again shortly",
		Err:     err,
	}
}
