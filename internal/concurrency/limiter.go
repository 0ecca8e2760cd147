// Package concurrency implements the ConcurrencyLimiter module: a per-user
// cap on in-flight operations with a bounded FIFO wait queue and a hard
// timeout, so one user issuing a burst of requests can't starve others or
// block forever. Grounded on the same channel-as-semaphore idiom the
// teacher uses for its browser pool's acquire/release slots, keyed per
// user instead of pooled globally.
package concurrency

import (
	"context"
	"sync"
	"time"

	"github.com/kestrelsoft/browserplane/internal/core"
)

type userSlots struct {
	sem    chan struct{} // capacity-buffered semaphore
	waiting int
	mu      sync.Mutex
}

// Limiter bounds concurrent in-flight operations per user.
type Limiter struct {
	mu           sync.Mutex
	users        map[core.UserId]*userSlots
	maxInFlight  int
	maxWaiters   int
	hardTimeout  time.Duration
}

// New creates a Limiter allowing maxInFlight concurrent operations per
// user, a FIFO wait queue bounded to maxWaiters, and a hard timeout applied
// to every wait regardless of caller-supplied context deadlines.
func New(maxInFlight, maxWaiters int, hardTimeout time.Duration) *Limiter {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	if hardTimeout <= 0 {
		hardTimeout = 30 * time.Second
	}
	return &Limiter{
		users:       make(map[core.UserId]*userSlots),
		maxInFlight: maxInFlight,
		maxWaiters:  maxWaiters,
		hardTimeout: hardTimeout,
	}
}

func (l *Limiter) slotsFor(userId core.UserId) *userSlots {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.users[userId]
	if !ok {
		s = &userSlots{sem: make(chan struct{}, l.maxInFlight)}
		l.users[userId] = s
	}
	return s
}

// Release is returned by Acquire to release the held slot exactly once.
type Release func()

// Acquire blocks until a slot for userId is available, the bounded wait
// queue is full, the hard timeout elapses, or ctx is canceled - whichever
// comes first. On success it returns a Release func the caller must call
// when the operation completes.
func (l *Limiter) Acquire(ctx context.Context, userId core.UserId) (Release, error) {
	s := l.slotsFor(userId)

	// A free slot is taken at once; only callers that have to wait count
	// against the bounded wait queue.
	select {
	case s.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() { <-s.sem })
		}, nil
	default:
	}

	s.mu.Lock()
	if s.waiting >= l.maxWaiters {
		s.mu.Unlock()
		return nil, core.NewBusyError("concurrency wait queue is full for this user", l.hardTimeout)
	}
	s.waiting++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.waiting--
		s.mu.Unlock()
	}()

	waitCtx, cancel := context.WithTimeout(ctx, l.hardTimeout)
	defer cancel()

	select {
	case s.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() { <-s.sem })
		}, nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, core.NewTimeoutError("request canceled while waiting for a concurrency slot", ctx.Err())
		}
		return nil, core.NewBusyError("timed out waiting for a concurrency slot", 0)
	}
}

// InFlight returns the number of currently held slots for userId, for
// tests and the admin surface.
func (l *Limiter) InFlight(userId core.UserId) int {
	s := l.slotsFor(userId)
	return len(s.sem)
}

// Waiting returns the number of callers currently queued for userId.
func (l *Limiter) Waiting(userId core.UserId) int {
	s := l.slotsFor(userId)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting
}
