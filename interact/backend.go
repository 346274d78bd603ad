package interact

import (
	"fmt"

	"github.com/pthm-cable/scatter/collide"
	"github.com/pthm-cable/scatter/gpu"
)

// Frame is the per-frame input of the backend.
type Frame struct {
	Buffers
	PageRecords int
	Resident    []gpu.PageRef
	Colliders   collide.Result
}

// Report summarises the dispatches issued by one Advance.
type Report struct {
	Steps      int
	Collides   int
	Integrates int
	Debt       float64 // simulated time still owed, seconds
}

// Backend issues the simulation dispatches for each fixed sub-step: one
// collide dispatch per collider batch with work, then one integrate
// dispatch over every resident page.
type Backend struct {
	kernel Kernel
	clock  *Clock
}

// NewBackend creates a backend driving kernel with clock.
func NewBackend(kernel Kernel, clock *Clock) *Backend {
	return &Backend{kernel: kernel, clock: clock}
}

// Kernel returns the kernel dispatches go to.
func (b *Backend) Kernel() Kernel {
	return b.kernel
}

// Clock returns the fixed-step clock.
func (b *Backend) Clock() *Clock {
	return b.clock
}

// Advance accumulates elapsed seconds and runs the resulting sub-steps.
func (b *Backend) Advance(elapsed float64, f Frame) (Report, error) {
	steps := b.clock.Advance(elapsed)
	rep := Report{Steps: steps}
	dt := float32(b.clock.DT())

	for s := 0; s < steps; s++ {
		for _, batch := range f.Colliders.Batches {
			if len(batch.Work) == 0 {
				continue
			}
			err := b.kernel.Collide(CollideDispatch{
				Buffers:     f.Buffers,
				PageRecords: f.PageRecords,
				Colliders:   batch.Colliders,
				Work:        batch.Work,
				DT:          dt,
			})
			if err != nil {
				return rep, fmt.Errorf("collide step %d: %w", s, err)
			}
			rep.Collides++
		}

		if len(f.Resident) == 0 {
			continue
		}
		err := b.kernel.Integrate(IntegrateDispatch{
			Buffers:     f.Buffers,
			PageRecords: f.PageRecords,
			Pages:       f.Resident,
			DT:          dt,
		})
		if err != nil {
			return rep, fmt.Errorf("integrate step %d: %w", s, err)
		}
		rep.Integrates++
	}
	rep.Debt = b.clock.Debt()
	return rep, nil
}
