// Package ratelimit implements a per-user fixed-window request limiter.
// It is grounded on the orchestrator's HTTP-layer per-IP limiter but keyed
// by core.UserId instead of client IP, since every operation in this
// system is already scoped to an authenticated user.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kestrelsoft/browserplane/internal/core"
)

const (
	maxTrackedUsers = 50000
	cleanupInterval = time.Minute
)

type bucket struct {
	windowStart time.Time
	count       int
}

// Limiter enforces requestsPerWindow requests per user per window. It is
// safe for concurrent use and runs a background goroutine that evicts
// stale buckets; call Close on shutdown to stop it.
type Limiter struct {
	mu                sync.Mutex
	buckets           map[core.UserId]*bucket
	requestsPerWindow int
	window            time.Duration

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Limiter and starts its background cleanup routine.
func New(requestsPerWindow int, window time.Duration) *Limiter {
	if requestsPerWindow < 1 {
		requestsPerWindow = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	l := &Limiter{
		buckets:           make(map[core.UserId]*bucket),
		requestsPerWindow: requestsPerWindow,
		window:            window,
		stopCh:            make(chan struct{}),
	}
	l.wg.Add(1)
	go l.cleanupRoutine()
	return l
}

// Allow reports whether userId may proceed, and if not, how long the
// caller should wait before retrying.
func (l *Limiter) Allow(userId core.UserId) (bool, time.Duration) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[userId]
	if !ok {
		if len(l.buckets) >= maxTrackedUsers {
			l.evictOldestLocked()
		}
		l.buckets[userId] = &bucket{windowStart: now, count: 1}
		return true, 0
	}

	if now.Sub(b.windowStart) >= l.window {
		b.windowStart = now
		b.count = 1
		return true, 0
	}

	if b.count >= l.requestsPerWindow {
		retryAfter := l.window - now.Sub(b.windowStart)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter
	}

	b.count++
	return true, 0
}

// evictOldestLocked removes the bucket with the oldest windowStart. Caller
// must hold l.mu.
func (l *Limiter) evictOldestLocked() {
	var oldestKey core.UserId
	var oldestTime time.Time
	first := true
	for k, b := range l.buckets {
		if first || b.windowStart.Before(oldestTime) {
			oldestKey = k
			oldestTime = b.windowStart
			first = false
		}
	}
	if !first {
		delete(l.buckets, oldestKey)
	}
}

func (l *Limiter) cleanupRoutine() {
	defer l.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanupStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) cleanupStale() {
	cutoff := time.Now().Add(-2 * l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	for k, b := range l.buckets {
		if b.windowStart.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
}

// TrackedUsers returns the number of users currently tracked, for tests and
// the admin TUI.
func (l *Limiter) TrackedUsers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Close stops the cleanup goroutine. Idempotent.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.wg.Wait()
		log.Debug().Msg("rate limiter closed")
	})
}
