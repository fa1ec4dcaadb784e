// Package workers provides lightweight parallel execution helpers for
// scan-time work, trusting Go's scheduler rather than a hand-managed pool.
package workers

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ForEach runs fn for every index in [0, n) with at most limit tasks in
// flight. The first error cancels the remaining tasks.
func ForEach(ctx context.Context, limit, n int, fn func(ctx context.Context, i int) error) error {
	if limit < 1 {
		limit = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return fn(ctx, i)
		})
	}

	return g.Wait()
}
