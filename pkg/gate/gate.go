// Package gate provides a FIFO mutual-exclusion gate for tasks that may
// block mid-execution.
//
// Every cache mutation in the correlation path runs inside one Gate. Tasks
// are admitted strictly in the order Run was called and at most one task body
// executes at a time, including while it waits on I/O. A task that fails or
// panics releases the gate for the next one.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrTaskPanicked wraps a panic recovered from a task body
var ErrTaskPanicked = errors.New("gate: task panicked")

// Task is a unit of work run under the gate
type Task func(ctx context.Context) error

// Observer receives the time a task spent queued before admission
type Observer func(wait time.Duration)

// Gate serializes tasks in arrival order
type Gate struct {
	sem      *semaphore.Weighted
	waiting  atomic.Int64
	observer Observer
}

// New creates an open gate
func New() *Gate {
	return &Gate{sem: semaphore.NewWeighted(1)}
}

// SetObserver installs a callback for admission wait times
func (g *Gate) SetObserver(o Observer) {
	g.observer = o
}

// Waiting returns the number of tasks queued or running
func (g *Gate) Waiting() int64 {
	return g.waiting.Load()
}

// Run waits for its turn, then runs task. Cancelling ctx neither abandons
// a queued task nor interrupts an admitted one; the task still sees ctx values.
func (g *Gate) Run(ctx context.Context, task Task) error {
	g.waiting.Add(1)
	defer g.waiting.Add(-1)

	ctx = context.WithoutCancel(ctx)

	start := time.Now()
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("gate: not admitted: %w", err)
	}
	defer g.sem.Release(1)

	if g.observer != nil {
		g.observer(time.Since(start))
	}

	return runTask(ctx, task)
}

func runTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return task(ctx)
}

// Do runs fn under the gate and returns its result
func Do[T any](ctx context.Context, g *Gate, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := g.Run(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}
