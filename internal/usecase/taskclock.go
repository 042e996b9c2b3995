package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// errTaskDeadline is the cancellation cause of a task that used up its budget.
var errTaskDeadline = fmt.Errorf("task budget exhausted: %w", context.DeadlineExceeded)

// taskClock cancels a task context once the task has run for its budget.
// Time spent while held does not count, so a coordination primitive can
// run to its own timeout without the task deadline cutting it short.
type taskClock struct {
	cancel context.CancelCauseFunc

	mu      sync.Mutex
	timer   *time.Timer
	left    time.Duration
	resumed time.Time
	holds   int
	stopped bool
}

func newTaskClock(ctx context.Context, budget time.Duration) (context.Context, *taskClock) {
	ctx, cancel := context.WithCancelCause(ctx)
	c := &taskClock{cancel: cancel, left: budget, resumed: time.Now()}
	c.timer = time.AfterFunc(budget, func() { cancel(errTaskDeadline) })
	return ctx, c
}

// Hold pauses the clock until the returned func is called. Holds nest.
func (c *taskClock) Hold() (release func()) {
	c.mu.Lock()
	if c.holds == 0 && !c.stopped && c.timer.Stop() {
		c.left -= time.Since(c.resumed)
	}
	c.holds++
	c.mu.Unlock()

	var once sync.Once
	return func() { once.Do(c.release) }
}

func (c *taskClock) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holds--
	if c.holds > 0 || c.stopped {
		return
	}
	if c.left <= 0 {
		c.cancel(errTaskDeadline)
		return
	}
	c.resumed = time.Now()
	c.timer.Reset(c.left)
}

// Stop releases the timer and the context.
func (c *taskClock) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.timer.Stop()
	c.mu.Unlock()
	c.cancel(context.Canceled)
}
