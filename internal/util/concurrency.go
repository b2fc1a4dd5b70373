package util

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ConcurrentTask represents a task that can be executed concurrently
type ConcurrentTask func(ctx context.Context) error

// RunConcurrent executes tasks with at most maxConcurrency running at once. The first
// error cancels the context passed to tasks that have not finished and is returned.
func RunConcurrent(ctx context.Context, tasks []ConcurrentTask, maxConcurrency int) error {
	if len(tasks) == 0 {
		return nil
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)
	for _, task := range tasks {
		t := task
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return t(gctx)
		})
	}
	return g.Wait()
}
