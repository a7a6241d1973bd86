// Package project serializes access to the shared engine context behind
// a single mutex: no two handlers may mutate engine state concurrently.
// Acquisition backs off for up to 5 seconds (50 x 100ms) using
// github.com/cenkalti/backoff/v4 instead of a hand-rolled spin loop, and
// a github.com/sony/gobreaker circuit breaker trips once acquisition
// keeps failing, so a wedged engine stops being hammered by every worker
// at once.
package project

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// ErrBusy is returned when the project lock could not be acquired within
// the acquisition window, or while the breaker is open.
var ErrBusy = errors.New("project busy")

// Lock guards the shared engine.Context currently loaded by the daemon.
type Lock struct {
	mu sync.Mutex

	breaker *gobreaker.CircuitBreaker

	stateMu        sync.Mutex
	hasActive      bool
	projectID      string
	lastActivity   time.Time
	acquireTimeout time.Duration
	retryInterval  time.Duration
}

// New builds a Lock. acquireTimeout/retryInterval default to 5s / 100ms
// when zero.
func New(acquireTimeout, retryInterval time.Duration) *Lock {
	if acquireTimeout <= 0 {
		acquireTimeout = 5 * time.Second
	}
	if retryInterval <= 0 {
		retryInterval = 100 * time.Millisecond
	}
	l := &Lock{acquireTimeout: acquireTimeout, retryInterval: retryInterval}
	l.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "project-lock",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 3 },
	})
	return l
}

// Acquire blocks, retrying on a constant backoff, until the mutex is
// held or the acquisition window elapses. On success it updates
// lastActivity and returns a release function the caller must call
// exactly once.
func (l *Lock) Acquire(ctx context.Context) (release func(), err error) {
	_, err = l.breaker.Execute(func() (any, error) {
		b := backoff.WithContext(
			backoff.WithMaxElapsedTime(backoff.NewConstantBackOff(l.retryInterval), l.acquireTimeout),
			ctx,
		)
		acquired := false
		tryLock := func() error {
			if l.mu.TryLock() {
				acquired = true
				return nil
			}
			return ErrBusy
		}
		if retryErr := backoff.Retry(tryLock, b); retryErr != nil {
			if !acquired {
				return nil, ErrBusy
			}
		}
		return nil, nil
	})
	if err != nil {
		return nil, ErrBusy
	}

	l.stateMu.Lock()
	l.lastActivity = time.Now()
	l.stateMu.Unlock()

	return l.mu.Unlock, nil
}

// SetActiveProject records which engine/project is currently loaded, for
// ProjectIsIdle and status reporting.
func (l *Lock) SetActiveProject(id string) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	l.hasActive = id != ""
	l.projectID = id
}

// ActiveProject reports the currently loaded project id, if any.
func (l *Lock) ActiveProject() (id string, ok bool) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.projectID, l.hasActive
}

// ProjectIsIdle reports whether the project has seen no successful lock
// acquisition for at least timeout, so the caller may decide to unload
// the engine.
func (l *Lock) ProjectIsIdle(timeout time.Duration) bool {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if l.lastActivity.IsZero() {
		return false
	}
	return time.Since(l.lastActivity) >= timeout
}
