package sched

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrDuplicateTask is returned by Add when a task name is reused.
	ErrDuplicateTask = errors.New("sched: duplicate task")

	// ErrUnknownDependency is returned by Add when a dependency has not been
	// added yet. Requiring dependencies first keeps every graph acyclic.
	ErrUnknownDependency = errors.New("sched: unknown dependency")

	// ErrDependencyFailed marks a task skipped because a predecessor failed.
	ErrDependencyFailed = errors.New("sched: dependency failed")
)

type task struct {
	name string
	fn   func() error
	deps []int
}

// Graph is a set of bulk tasks with dependency edges. A task starts only
// after all of its predecessors finished; independent tasks run
// concurrently. Tasks run on their own goroutines and may use a Pool.
type Graph struct {
	tasks  []task
	byName map[string]int
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{byName: make(map[string]int)}
}

// Add registers a task that runs after deps.
func (g *Graph) Add(name string, fn func() error, deps ...string) error {
	if _, ok := g.byName[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, name)
	}
	t := task{name: name, fn: fn}
	for _, d := range deps {
		idx, ok := g.byName[d]
		if !ok {
			return fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, name, d)
		}
		t.deps = append(t.deps, idx)
	}
	g.byName[name] = len(g.tasks)
	g.tasks = append(g.tasks, t)
	return nil
}

// MustAdd is like Add but panics on error. For graphs built from constants.
func (g *Graph) MustAdd(name string, fn func() error, deps ...string) {
	if err := g.Add(name, fn, deps...); err != nil {
		panic(err)
	}
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	return len(g.tasks)
}

// Run executes every task once and returns the joined task errors. A task
// whose predecessor failed is skipped and reported with ErrDependencyFailed.
func (g *Graph) Run() error {
	n := len(g.tasks)
	done := make([]chan struct{}, n)
	failed := make([]bool, n)
	errs := make([]error, n)
	for i := range done {
		done[i] = make(chan struct{})
	}

	var wg sync.WaitGroup
	wg.Add(n)
	for i := range g.tasks {
		go func(i int) {
			defer wg.Done()
			defer close(done[i])

			t := &g.tasks[i]
			for _, d := range t.deps {
				<-done[d]
				if failed[d] {
					failed[i] = true
					errs[i] = fmt.Errorf("%w: %s needs %s", ErrDependencyFailed, t.name, g.tasks[d].name)
					return
				}
			}
			if err := t.fn(); err != nil {
				failed[i] = true
				errs[i] = fmt.Errorf("%s: %w", t.name, err)
			}
		}(i)
	}
	wg.Wait()

	return errors.Join(errs...)
}
