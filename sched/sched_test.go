package sched

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestParallelForCoversRange(t *testing.T) {
	p := NewPool(4, 8)
	defer p.Stop()

	for _, n := range []int{0, 1, 7, 8, 9, 100, 1001} {
		seen := make([]atomic.Int32, n)
		p.ParallelFor(n, func(start, end int) {
			for i := start; i < end; i++ {
				seen[i].Add(1)
			}
		})
		for i := range seen {
			if got := seen[i].Load(); got != 1 {
				t.Fatalf("n=%d: index %d visited %d times", n, i, got)
			}
		}
	}
}

func TestParallelForConcurrentCallers(t *testing.T) {
	p := NewPool(3, 1)
	defer p.Stop()

	var total atomic.Int64
	var wg sync.WaitGroup
	for c := 0; c < 8; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.ParallelFor(500, func(start, end int) {
				total.Add(int64(end - start))
			})
		}()
	}
	wg.Wait()

	if total.Load() != 8*500 {
		t.Errorf("expected %d items, got %d", 8*500, total.Load())
	}
}

func TestGraphOrdering(t *testing.T) {
	g := NewGraph()
	var mu sync.Mutex
	var order []string
	record := func(name string) func() error {
		return func() error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	g.MustAdd("window", record("window"))
	g.MustAdd("pages", record("pages"), "window")
	g.MustAdd("masks", record("masks"), "window")
	g.MustAdd("compact", record("compact"), "pages", "masks")

	if err := g.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	pos := make(map[string]int)
	for i, name := range order {
		pos[name] = i
	}
	if len(pos) != 4 {
		t.Fatalf("expected 4 tasks run, got %v", order)
	}
	if pos["window"] > pos["pages"] || pos["window"] > pos["masks"] {
		t.Errorf("window must run first: %v", order)
	}
	if pos["compact"] != 3 {
		t.Errorf("compact must run last: %v", order)
	}
}

func TestGraphFailureSkipsDependents(t *testing.T) {
	g := NewGraph()
	boom := errors.New("boom")
	var ran atomic.Bool

	g.MustAdd("a", func() error { return boom })
	g.MustAdd("b", func() error { ran.Store(true); return nil }, "a")
	g.MustAdd("c", func() error { return nil })

	err := g.Run()
	if !errors.Is(err, boom) {
		t.Errorf("expected boom in %v", err)
	}
	if !errors.Is(err, ErrDependencyFailed) {
		t.Errorf("expected ErrDependencyFailed in %v", err)
	}
	if ran.Load() {
		t.Error("dependent task should not run")
	}
}

func TestGraphAddErrors(t *testing.T) {
	g := NewGraph()
	g.MustAdd("a", func() error { return nil })

	if err := g.Add("a", func() error { return nil }); !errors.Is(err, ErrDuplicateTask) {
		t.Errorf("expected ErrDuplicateTask, got %v", err)
	}
	if err := g.Add("b", func() error { return nil }, "missing"); !errors.Is(err, ErrUnknownDependency) {
		t.Errorf("expected ErrUnknownDependency, got %v", err)
	}
}
