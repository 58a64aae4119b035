package nn

import "golang.org/x/sync/errgroup"

// parallelFor runs fn for every i in [0, n) on at most workers goroutines and
// returns once all calls finished. Each call must only write to memory owned
// by index i.
func parallelFor(workers, n int, fn func(i int)) {
	if workers <= 1 || n <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}
