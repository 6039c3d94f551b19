package clock

import (
	"context"
	"errors"
	"time"
)

// ErrPollTimeout is returned by Poll when the deadline passes before the
// condition holds.
var ErrPollTimeout = errors.New("clock: poll timed out")

// Poll evaluates check immediately and then once per interval until it
// reports done, returns an error, the timeout elapses, or ctx ends. A zero
// timeout leaves the bound to ctx alone.
func Poll(ctx context.Context, clk Clock, interval, timeout time.Duration, check func() (bool, error)) error {
	if clk == nil {
		clk = Real{}
	}
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = clk.Now().Add(timeout)
	}
	for {
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		wait := interval
		if !deadline.IsZero() {
			remaining := deadline.Sub(clk.Now())
			if remaining <= 0 {
				return ErrPollTimeout
			}
			if remaining < wait {
				wait = remaining
			}
		}
		select {
		case <-clk.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
