package interact

import (
	"fmt"
	"math"
	"math/bits"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/scatter/collide"
	"github.com/pthm-cable/scatter/gpu"
	"github.com/pthm-cable/scatter/sched"
)

// HostKernel executes the simulation passes on HostDevice buffers. Pages
// are processed in parallel; every page is written by exactly one worker.
type HostKernel struct {
	dev     *gpu.HostDevice
	workers *sched.Pool
}

// NewHostKernel creates a host kernel. workers may be nil.
func NewHostKernel(dev *gpu.HostDevice, workers *sched.Pool) *HostKernel {
	return &HostKernel{dev: dev, workers: workers}
}

type hostViews struct {
	inst, props, state []byte
}

func (k *HostKernel) views(b Buffers, pageRecords int, pages func(i int) uint32, n int) (hostViews, error) {
	v := hostViews{
		inst:  k.dev.Bytes(b.Instances),
		props: k.dev.Bytes(b.Props),
		state: k.dev.Bytes(b.State),
	}
	var hi uint64
	for i := 0; i < n; i++ {
		hi = max(hi, uint64(pages(i))+1)
	}
	recs := hi * uint64(pageRecords)
	if uint64(len(v.inst)) < recs*gpu.InstanceRecordSize ||
		uint64(len(v.props)) < recs*gpu.SpringPropsSize ||
		uint64(len(v.state)) < recs*gpu.SimStateSize {
		return v, fmt.Errorf("host kernel: page %d beyond buffers: %w", hi-1, gpu.ErrOutOfRange)
	}
	return v, nil
}

// Integrate advances every resident record by one spring step.
func (k *HostKernel) Integrate(d IntegrateDispatch) error {
	if len(d.Pages) == 0 {
		return nil
	}
	v, err := k.views(d.Buffers, d.PageRecords, func(i int) uint32 { return d.Pages[i].Page }, len(d.Pages))
	if err != nil {
		return err
	}
	dt := float64(d.DT)
	k.parallelFor(len(d.Pages), func(start, end int) {
		for _, p := range d.Pages[start:end] {
			base := int(p.Page) * d.PageRecords
			for i := 0; i < int(p.Count) && i < d.PageRecords; i++ {
				rec := base + i
				sb := v.state[rec*gpu.SimStateSize:]
				st := gpu.UnmarshalSimState(sb)
				props := gpu.UnmarshalSpringProps(v.props[rec*gpu.SpringPropsSize:])
				integrate(&st, &props, dt)
				st.MarshalTo(sb)
			}
		}
	})
	return nil
}

// Collide pushes spring tips out of the batch colliders.
func (k *HostKernel) Collide(d CollideDispatch) error {
	if len(d.Work) == 0 || len(d.Colliders) == 0 {
		return nil
	}
	v, err := k.views(d.Buffers, d.PageRecords, func(i int) uint32 { return d.Work[i].Page.Page }, len(d.Work))
	if err != nil {
		return err
	}
	k.parallelFor(len(d.Work), func(start, end int) {
		for _, w := range d.Work[start:end] {
			base := int(w.Page.Page) * d.PageRecords
			for i := 0; i < int(w.Page.Count) && i < d.PageRecords; i++ {
				rec := base + i
				inst := gpu.UnmarshalInstanceRecord(v.inst[rec*gpu.InstanceRecordSize:])
				props := gpu.UnmarshalSpringProps(v.props[rec*gpu.SpringPropsSize:])
				sb := v.state[rec*gpu.SimStateSize:]
				st := gpu.UnmarshalSimState(sb)
				hit := false
				for m := w.Mask; m != 0; m &= m - 1 {
					c := bits.TrailingZeros32(m)
					if c >= len(d.Colliders) {
						break
					}
					hit = pushOut(&st, &inst, &props, d.Colliders[c]) || hit
				}
				if hit {
					st.MarshalTo(sb)
				}
			}
		}
	})
	return nil
}

func (k *HostKernel) parallelFor(n int, fn func(start, end int)) {
	if k.workers == nil {
		fn(0, n)
		return
	}
	k.workers.ParallelFor(n, fn)
}

func vec(a [3]float32) r3.Vec {
	return r3.Vec{X: float64(a[0]), Y: float64(a[1]), Z: float64(a[2])}
}

func store(dst *[3]float32, v r3.Vec) {
	dst[0], dst[1], dst[2] = float32(v.X), float32(v.Y), float32(v.Z)
}

// integrate applies one damped spring step. Undamaged springs pull the tip
// back to rest; damaged ones pull towards a permanent bend that relaxes to
// the recovery angle at the plasticity rate.
func integrate(st *gpu.SimState, p *gpu.SpringProps, dt float64) {
	height := r3.Norm(vec(p.Tip))
	if height == 0 {
		return
	}
	off, vel := vec(st.Offset), vec(st.Velocity)

	var target r3.Vec
	if st.Damaged != 0 {
		if n := r3.Norm(off); n > 0 {
			target = r3.Scale(math.Tan(float64(st.Bend))*height/n, off)
		}
	}

	acc := r3.Sub(
		r3.Scale(-float64(p.Stiffness), r3.Sub(off, target)),
		r3.Scale(float64(p.Damping), vel),
	)
	vel = r3.Add(vel, r3.Scale(dt, acc))
	off = r3.Add(off, r3.Scale(dt, vel))

	angle := math.Atan2(r3.Norm(off), height)
	if st.Damaged == 0 && angle > float64(p.Breaking) {
		st.Damaged = 1
		st.Bend = float32(angle)
	}
	if st.Damaged != 0 {
		st.Bend = max(p.Recovery, st.Bend-p.Plasticity*float32(dt))
	}

	store(&st.Offset, off)
	store(&st.Velocity, vel)
}

// pushOut moves the tip sphere out of a capsule and removes the velocity
// component pointing into it. It reports whether the tip was touched.
func pushOut(st *gpu.SimState, inst *gpu.InstanceRecord, p *gpu.SpringProps, c collide.Capsule) bool {
	if inst.Scale == 0 {
		return false
	}
	off := vec(st.Offset)
	tip := r3.Add(r3.Add(vec(inst.Position), vec(p.Tip)), off)

	d := r3.Sub(tip, c.Closest(tip))
	dist := r3.Norm(d)
	reach := c.Radius + float64(p.TipRadius)
	if dist >= reach {
		return false
	}
	n := r3.Vec{X: 1}
	if dist > 0 {
		n = r3.Scale(1/dist, d)
	}
	store(&st.Offset, r3.Add(off, r3.Scale(reach-dist, n)))

	vel := vec(st.Velocity)
	if vn := r3.Dot(vel, n); vn < 0 {
		store(&st.Velocity, r3.Sub(vel, r3.Scale(vn, n)))
	}
	return true
}
