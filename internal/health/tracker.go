// Package health tracks a single, process-wide consecutive navigation
// failure count so the orchestrator can flag itself unhealthy after
// repeated engine failures and recover once a navigation succeeds.
// Grounded on the teacher's stats-manager shape (mutex-guarded state plus
// a background ticker), narrowed from a per-key map to one counter since
// this build's health signal is meant to answer "is the browser engine
// itself working", not "is this particular user having a bad time".
package health

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kestrelsoft/browserplane/internal/core"
)

// staleNavThreshold is how long the engine can go without a successful
// navigation, while idle, before the periodic probe warns.
const staleNavThreshold = 120 * time.Second

// Tracker records consecutive navigation failure/success outcomes and
// declares the engine unhealthy once the configured threshold is reached.
// It also tracks in-flight navigation operations for the periodic probe.
type Tracker struct {
	mu    sync.Mutex
	state core.HealthState

	threshold     int
	probeInterval time.Duration

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Tracker that marks the engine unhealthy after `threshold`
// consecutive navigation failures, and starts its periodic stale-nav probe
// at probeInterval.
func New(threshold int, probeInterval time.Duration) *Tracker {
	if threshold < 1 {
		threshold = 1
	}
	if probeInterval <= 0 {
		probeInterval = 60 * time.Second
	}
	t := &Tracker{
		threshold:     threshold,
		probeInterval: probeInterval,
		stopCh:        make(chan struct{}),
	}
	t.wg.Add(1)
	go t.probeRoutine()
	return t
}

// BeginOp marks a navigation as in flight, for the periodic probe's
// activeOps check, and returns a func to call when it finishes.
func (t *Tracker) BeginOp() func() {
	t.mu.Lock()
	t.state.ActiveOps++
	t.mu.Unlock()

	var done sync.Once
	return func() {
		done.Do(func() {
			t.mu.Lock()
			t.state.ActiveOps--
			t.mu.Unlock()
		})
	}
}

// RecordFailure increments the consecutive-failure counter and returns
// whether the engine is now considered unhealthy.
func (t *Tracker) RecordFailure() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.ConsecutiveFailures++
	t.state.LastFailure = time.Now()
	t.state.Unhealthy = t.state.ConsecutiveFailures >= t.threshold
	return t.state.Unhealthy
}

// RecordSuccess resets the consecutive-failure counter and stamps
// LastSuccess.
func (t *Tracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.ConsecutiveFailures = 0
	t.state.LastSuccess = time.Now()
	t.state.Unhealthy = false
}

// IsUnhealthy reports whether the engine is currently flagged unhealthy.
func (t *Tracker) IsUnhealthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Unhealthy
}

// State returns a copy of the current HealthState.
func (t *Tracker) State() core.HealthState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Reset clears the tracked failure/success history, e.g. after a manual
// recovery action.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	activeOps := t.state.ActiveOps
	t.state = core.HealthState{ActiveOps: activeOps}
}

func (t *Tracker) probeRoutine() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.probeOnce()
		case <-t.stopCh:
			return
		}
	}
}

func (t *Tracker) probeOnce() {
	t.mu.Lock()
	activeOps := t.state.ActiveOps
	lastSuccess := t.state.LastSuccess
	t.mu.Unlock()

	if activeOps != 0 || lastSuccess.IsZero() {
		return
	}
	if idle := time.Since(lastSuccess); idle > staleNavThreshold {
		log.Warn().
			Dur("idle_since_last_successful_nav", idle).
			Msg("no successful navigation in a while with no ops in flight")
	}
}

// Close stops the background probe. Idempotent.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		close(t.stopCh)
		t.wg.Wait()
	})
}
