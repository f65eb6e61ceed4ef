package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rendis/cascade/pkg/schema"
)

// pausePollInterval is how often a paused run re-checks its flags.
const pausePollInterval = 200 * time.Millisecond

// RunControl carries the cooperative pause/cancel flags of one cascade run.
// Cancellation is polled at suspension points, never preemptive: an in-flight
// provider call is not torn down, but no new node starts once the flag is set.
type RunControl struct {
	cancelled atomic.Bool
	paused    atomic.Bool
}

// NewRunControl creates a RunControl with both flags cleared.
func NewRunControl() *RunControl {
	return &RunControl{}
}

// Cancel requests cooperative cancellation.
func (c *RunControl) Cancel() { c.cancelled.Store(true) }

// Pause requests suspension between nodes.
func (c *RunControl) Pause() { c.paused.Store(true) }

// Resume clears the pause flag.
func (c *RunControl) Resume() { c.paused.Store(false) }

// IsCancelled reports whether cancellation was requested.
func (c *RunControl) IsCancelled() bool { return c.cancelled.Load() }

// IsPaused reports whether the run is currently paused.
func (c *RunControl) IsPaused() bool { return c.paused.Load() }

// CheckCancelled returns a typed error if cancellation was requested or the
// context is done.
func (c *RunControl) CheckCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return schema.NewError(schema.ErrCodeCancelled, "run context cancelled").WithCause(err)
	}
	if c.IsCancelled() {
		return schema.NewError(schema.ErrCodeCancelled, "cascade run cancelled")
	}
	return nil
}

// WaitWhilePaused blocks while the pause flag is set, polling at 200 ms
// intervals and re-checking cancellation on each wake.
func (c *RunControl) WaitWhilePaused(ctx context.Context) error {
	for c.IsPaused() {
		if err := c.CheckCancelled(ctx); err != nil {
			return err
		}
		select {
		case <-time.After(pausePollInterval):
		case <-ctx.Done():
			return schema.NewError(schema.ErrCodeCancelled, "run context cancelled").WithCause(ctx.Err())
		}
	}
	return c.CheckCancelled(ctx)
}
