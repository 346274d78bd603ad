package engine

import (
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/scatter/spatial"
)

// Instance is the caller-owned data of one instance. The engine reads it at
// upload time and never keeps a copy.
type Instance struct {
	Position r3.Vec
	Rotation [4]float32 // quaternion xyzw
	Scale    float32
	Seed     uint64 // drives the sampled spring properties
}

// InstanceSource resolves handles to instance data. Instance is called from
// several workers at once.
type InstanceSource interface {
	Instance(h spatial.Handle) (Instance, bool)
}

// SourceFunc adapts a function to InstanceSource.
type SourceFunc func(h spatial.Handle) (Instance, bool)

// Instance calls f.
func (f SourceFunc) Instance(h spatial.Handle) (Instance, bool) {
	return f(h)
}
