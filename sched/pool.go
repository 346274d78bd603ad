// Package sched runs per-frame bulk work: a fixed worker pool for data
// parallel loops and a task graph with explicit dependency edges.
package sched

import (
	"runtime"
	"sync"
)

// DefaultThreshold is the item count below which ParallelFor runs inline.
// Small loops are faster single-threaded than paying the dispatch cost.
const DefaultThreshold = 256

// workChunk is a range of items for one worker.
type workChunk struct {
	start, end int
	fn         func(start, end int)
	wg         *sync.WaitGroup
}

// Pool is a fixed set of persistent worker goroutines. Workers start on
// first use and live until Stop. ParallelFor may be called concurrently
// from several goroutines, but never from inside a chunk function.
type Pool struct {
	numWorkers int
	threshold  int

	mu       sync.Mutex
	workChan chan workChunk
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// NewPool creates a pool with the given worker count (<= 0 means
// GOMAXPROCS) and inline threshold (<= 0 means DefaultThreshold).
func NewPool(workers, threshold int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Pool{numWorkers: workers, threshold: threshold}
}

// Workers returns the number of workers.
func (p *Pool) Workers() int {
	return p.numWorkers
}

// start launches the worker goroutines.
func (p *Pool) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}

	p.workChan = make(chan workChunk, p.numWorkers)
	p.stopChan = make(chan struct{})
	p.running = true

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop signals all workers to exit and waits for them.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopChan)
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		case chunk := <-p.workChan:
			chunk.fn(chunk.start, chunk.end)
			chunk.wg.Done()
		}
	}
}

// ParallelFor splits [0, n) into contiguous chunks, one per worker, and
// blocks until every chunk has run. The calling goroutine runs the last
// chunk itself. Below the threshold the whole range runs inline.
func (p *Pool) ParallelFor(n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	if n < p.threshold || p.numWorkers == 1 {
		fn(0, n)
		return
	}

	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		p.start()
	}

	chunkSize := (n + p.numWorkers - 1) / p.numWorkers

	var wg sync.WaitGroup
	var last workChunk
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		chunk := workChunk{start: start, end: end, fn: fn, wg: &wg}
		if end == n {
			last = chunk
			break
		}
		wg.Add(1)
		p.workChan <- chunk
	}

	last.fn(last.start, last.end)
	wg.Wait()
}
