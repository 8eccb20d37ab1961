package processor

import "sync"

// streamingPool runs up to width tasks concurrently, starting the next
// queued task the instant a slot frees up rather than waiting for a
// fixed-size batch to fully complete: the all-parallel dispatch fast
// path's concurrency gate.
type streamingPool struct {
	width int
}

func newStreamingPool(width int) *streamingPool {
	if width <= 0 {
		width = 1
	}
	return &streamingPool{width: width}
}

// run executes fn(i) for i in [0, n) with at most p.width in flight at
// once, and returns the first error encountered (every task still runs;
// run does not cancel siblings early, since handlers are expected to be
// idempotent and the caller aborts the whole batch on any error anyway).
func (p *streamingPool) run(n int, fn func(i int) error) error {
	if n == 0 {
		return nil
	}

	sem := make(chan struct{}, p.width)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		firstErr error
	)

	for i := 0; i < n; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := fn(i); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	return firstErr
}
