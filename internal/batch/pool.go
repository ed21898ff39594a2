package batch

import "sync"

// WorkerPool is the bounded pool flushes are submitted to, shared across
// every topic's Accumulator so the engine has one place to cap total flush
// concurrency (spec.md §5: "parallelism >= number of topics, <= configured
// cap").
type WorkerPool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

// NewWorkerPool builds a pool that runs at most size tasks concurrently.
func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{sem: make(chan struct{}, size)}
}

// Submit blocks until a slot is free, then runs fn in its own goroutine.
// Submit itself returns immediately once the goroutine has started; use
// Wait to block for completion of everything submitted so far.
func (p *WorkerPool) Submit(fn func()) {
	p.sem <- struct{}{}
	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.sem
			p.wg.Done()
		}()
		fn()
	}()
}

// Wait blocks until every task submitted so far has completed.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}
