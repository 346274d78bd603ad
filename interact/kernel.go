package interact

import (
	"sync"

	"github.com/pthm-cable/scatter/collide"
	"github.com/pthm-cable/scatter/gpu"
)

// Buffers are the page-addressed storage buffers a dispatch binds.
type Buffers struct {
	Instances gpu.BufferID
	Props     gpu.BufferID
	State     gpu.BufferID
}

// IntegrateDispatch advances the spring state of every resident page by
// one step.
type IntegrateDispatch struct {
	Buffers
	PageRecords int // records per GPU page
	Pages       []gpu.PageRef
	DT          float32
}

// CollideDispatch pushes spring tips out of one batch of colliders. Bit i
// of a work mask refers to Colliders[i].
type CollideDispatch struct {
	Buffers
	PageRecords int
	Colliders   []collide.Capsule
	Work        []collide.PageWork
	DT          float32
}

// Kernel is the contract of the simulation compute passes. A GPU backend
// records the dispatches into its command stream; HostKernel runs them on
// host memory.
type Kernel interface {
	Collide(d CollideDispatch) error
	Integrate(d IntegrateDispatch) error
}

// RecordingKernel counts dispatches without executing them. Used with
// devices that have no simulation kernels.
type RecordingKernel struct {
	mu              sync.Mutex
	Collides        int
	Integrates      int
	PagesCollided   int
	PagesIntegrated int
}

// Collide records a collide dispatch.
func (k *RecordingKernel) Collide(d CollideDispatch) error {
	k.mu.Lock()
	k.Collides++
	k.PagesCollided += len(d.Work)
	k.mu.Unlock()
	return nil
}

// Integrate records an integrate dispatch.
func (k *RecordingKernel) Integrate(d IntegrateDispatch) error {
	k.mu.Lock()
	k.Integrates++
	k.PagesIntegrated += len(d.Pages)
	k.mu.Unlock()
	return nil
}
