package kfsync

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// forEachIndex runs handler over indexes 0..total-1 with at most limit
// invocations in flight. Workers claim the next index through a shared
// atomic counter so no index is ever processed twice. The first handler
// error cancels the remaining work and is returned.
func forEachIndex(ctx context.Context, total, limit int, handler func(ctx context.Context, i int) error) error {
	if total == 0 {
		return nil
	}
	if limit < 1 {
		limit = 1
	}
	if limit > total {
		limit = total
	}

	var next int64 = -1
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < limit; w++ {
		g.Go(func() error {
			for {
				i := int(atomic.AddInt64(&next, 1))
				if i >= total {
					return nil
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := handler(ctx, i); err != nil {
					return err
				}
			}
		})
	}
	return g.Wait()
}

// forEachIndexTolerant is the fan-out variant for detail fetches: a
// per-item failure is handed to onError and the pool keeps going, so one
// bad remote record cannot abort a multi-thousand-item pass. Only context
// cancellation stops it early. Returns the number of failed items.
// onProgress, when non-nil, is called after every completed item.
func forEachIndexTolerant(ctx context.Context, total, limit int, handler func(ctx context.Context, i int) error, onError func(i int, err error), onProgress func(done, total int)) int {
	if total == 0 {
		return 0
	}
	if limit < 1 {
		limit = 1
	}
	if limit > total {
		limit = total
	}

	var (
		next   int64 = -1
		done   int64
		failed int64
		wg     sync.WaitGroup
	)
	for w := 0; w < limit; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&next, 1))
				if i >= total {
					return
				}
				if ctx.Err() != nil {
					return
				}
				if err := handler(ctx, i); err != nil {
					atomic.AddInt64(&failed, 1)
					if onError != nil {
						onError(i, err)
					}
				}
				d := int(atomic.AddInt64(&done, 1))
				if onProgress != nil {
					onProgress(d, total)
				}
			}
		}()
	}
	wg.Wait()
	return int(atomic.LoadInt64(&failed))
}

// progressCheckpoints returns true for roughly `steps` evenly spaced values
// of done, always including the final item. Keeps fan-out logging to a
// handful of lines per phase.
func progressCheckpoints(done, total, steps int) bool {
	if total <= 0 || done <= 0 {
		return false
	}
	if done == total {
		return true
	}
	if total <= steps {
		return true
	}
	interval := total / steps
	if interval < 1 {
		interval = 1
	}
	return done%interval == 0
}
