package store

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

const DefaultIops = 10

// How long a caller may wait for the gate before the process is considered
// wedged.
const acquireTimeout = 10 * time.Second

// A Gate serialises every zone operation of one process and spaces wake-ups
// so that at most iops operations start per second. It is owned by the
// process root and threaded through the store constructors; zone stores must
// never share implicit global state.
type Gate struct {
	sem      *semaphore.Weighted
	interval time.Duration
	// lastIO is the wake-up instant of the previous operation. Only the
	// semaphore holder touches it.
	lastIO time.Time
}

// NewGate creates a gate budgeted to iops operations per second. Non-positive
// iops falls back to [DefaultIops].
func NewGate(iops int) *Gate {
	if iops <= 0 {
		iops = DefaultIops
	}
	return &Gate{
		sem:      semaphore.NewWeighted(1),
		interval: time.Second / time.Duration(iops),
	}
}

// Interval returns the quantum between two operation wake-ups.
func (g *Gate) Interval() time.Duration {
	return g.interval
}

// Do runs fn under the gate: it acquires the process-wide semaphore, sleeps
// out the remainder of the IOPS quantum, then runs fn. The quantum is
// measured between wake-ups, the duration of fn itself is not counted.
// Waiting for the semaphore is bounded; exceeding the bound is a hard
// failure, not a retry.
func (g *Gate) Do(ctx context.Context, fn func() error) error {
	actx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()
	if err := g.sem.Acquire(actx, 1); err != nil {
		return fmt.Errorf("io gate: %w", err)
	}
	defer g.sem.Release(1)

	now := time.Now()
	if age := now.Sub(g.lastIO); age < g.interval {
		time.Sleep(g.interval - age)
		now = time.Now()
	}
	g.lastIO = now
	return fn()
}
