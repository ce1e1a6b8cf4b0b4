package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	kamui "github.com/lambdaS-zh/kamui"
)

// Defaults mirroring the historical tunnel settings.
const (
	DefaultTimeSlice = 10 * time.Millisecond
	MinTimeSlice     = time.Millisecond
)

// A Driver turns the non-blocking protocol steps into a cooperative poll
// loop. Handshake and IO methods never block internally; they report
// [kamui.ErrAgain] until the shared state advances and the driver owns the
// retry cadence.
type Driver struct {
	// Interval is the sleep between two retries, floored to [MinTimeSlice].
	Interval time.Duration
	// Timeout bounds one polled operation; zero means no budget. Exceeding
	// it surfaces as [kamui.ErrTimeout].
	Timeout time.Duration
	// Wake optionally cuts a sleep short, e.g. when a filesystem watcher
	// saw the workspace change. A nil channel is simply never selected.
	Wake <-chan struct{}
}

// DefaultDriver returns a driver with the historical defaults and no budget.
func DefaultDriver() *Driver {
	return &Driver{Interval: DefaultTimeSlice}
}

// Poll runs step until it stops reporting try-again. It returns step's final
// result, [kamui.ErrTimeout] past the budget, or the context error on
// cancellation.
func (d *Driver) Poll(ctx context.Context, step func() error) error {
	interval := d.Interval
	if interval < MinTimeSlice {
		interval = MinTimeSlice
	}
	var deadline time.Time
	if d.Timeout > 0 {
		deadline = time.Now().Add(d.Timeout)
	}
	for {
		err := step()
		if err == nil || !errors.Is(err, kamui.ErrAgain) {
			return err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("%w after %v: %v", kamui.ErrTimeout, d.Timeout, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		case <-d.Wake:
		}
	}
}
