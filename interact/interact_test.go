package interact

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/scatter/collide"
	"github.com/pthm-cable/scatter/config"
	"github.com/pthm-cable/scatter/gpu"
)

func TestStepCount(t *testing.T) {
	tests := []struct {
		name     string
		elapsed  float64
		dt       float64
		min, max int
		want     int
	}{
		{"floor", 0.035, 0.01, 0, 4, 3},
		{"clamped high", 1.0, 0.01, 0, 4, 4},
		{"clamped low", 0.001, 0.01, 1, 4, 1},
		{"negative elapsed", -1, 0.01, 0, 4, 0},
		{"nan elapsed", math.NaN(), 0.01, 2, 4, 2},
		{"zero dt", 1, 0, 0, 4, 0},
	}
	for _, tc := range tests {
		if got := StepCount(tc.elapsed, tc.dt, tc.min, tc.max); got != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.name, tc.want, got)
		}
	}
}

func TestClockCarriesCappedDebt(t *testing.T) {
	c := NewClock(0.25, 0, 4)

	if n := c.Advance(10); n != 4 {
		t.Errorf("expected 4 steps after a long frame, got %d", n)
	}
	if c.Debt() != 1 {
		t.Errorf("expected debt capped at 4 steps (1s), got %v", c.Debt())
	}
	if n := c.Advance(0); n != 4 {
		t.Errorf("expected debt caught up on the next frame, got %d", n)
	}
	if n := c.Advance(0.125); n != 0 {
		t.Errorf("expected no step for half a dt, got %d", n)
	}
	if n := c.Advance(0.125); n != 1 {
		t.Errorf("expected accumulated halves to make one step, got %d", n)
	}
	if c.Debt() != 0 {
		t.Errorf("expected no debt, got %v", c.Debt())
	}
}

func TestSamplePropsDeterministic(t *testing.T) {
	r := RangesFromConfig(config.Default())

	a := SampleProps(42, 1, r)
	b := SampleProps(42, 1, r)
	if a != b {
		t.Errorf("expected identical props for the same seed, got %+v and %+v", a, b)
	}
	if c := SampleProps(43, 1, r); c == a {
		t.Error("expected different props for different seeds")
	}

	for seed := uint64(0); seed < 200; seed++ {
		p := SampleProps(seed, 2, r)
		in := func(v float32, span [2]float64) bool {
			return float64(v) >= span[0]-1e-6 && float64(v) <= span[1]+1e-6
		}
		if !in(p.Damping, r.Damping) || !in(p.Stiffness, r.Stiffness) || !in(p.Breaking, r.Breaking) || !in(p.Plasticity, r.Plasticity) {
			t.Fatalf("seed %d: props outside ranges: %+v", seed, p)
		}
		if p.Recovery > p.Breaking {
			t.Fatalf("seed %d: recovery %v exceeds breaking %v", seed, p.Recovery, p.Breaking)
		}
		if p.Tip[1] != float32(2*r.TipHeight) {
			t.Fatalf("seed %d: expected tip scaled to %v, got %v", seed, 2*r.TipHeight, p.Tip[1])
		}
	}
}

const testRecords = 4

type hostFixture struct {
	dev  *gpu.HostDevice
	bufs Buffers
}

func newHostFixture(t *testing.T) hostFixture {
	t.Helper()
	dev := gpu.NewHostDevice()
	mk := func(label string, size int) gpu.BufferID {
		id, err := dev.CreateBuffer(label, uint64(testRecords*size))
		if err != nil {
			t.Fatal(err)
		}
		return id
	}
	return hostFixture{dev: dev, bufs: Buffers{
		Instances: mk("instances", gpu.InstanceRecordSize),
		Props:     mk("props", gpu.SpringPropsSize),
		State:     mk("state", gpu.SimStateSize),
	}}
}

func (f hostFixture) put(t *testing.T, rec int, inst gpu.InstanceRecord, props gpu.SpringProps, st gpu.SimState) {
	t.Helper()
	pb := make([]byte, gpu.SpringPropsSize)
	props.MarshalTo(pb)
	sb := make([]byte, gpu.SimStateSize)
	st.MarshalTo(sb)
	if err := f.dev.WriteBuffer(f.bufs.Instances, uint64(rec*gpu.InstanceRecordSize), inst.Marshal()); err != nil {
		t.Fatal(err)
	}
	if err := f.dev.WriteBuffer(f.bufs.Props, uint64(rec*gpu.SpringPropsSize), pb); err != nil {
		t.Fatal(err)
	}
	if err := f.dev.WriteBuffer(f.bufs.State, uint64(rec*gpu.SimStateSize), sb); err != nil {
		t.Fatal(err)
	}
}

func (f hostFixture) state(t *testing.T, rec int) gpu.SimState {
	t.Helper()
	b, err := f.dev.ReadBuffer(f.bufs.State, uint64(rec*gpu.SimStateSize), gpu.SimStateSize)
	if err != nil {
		t.Fatal(err)
	}
	return gpu.UnmarshalSimState(b)
}

var testProps = gpu.SpringProps{
	Tip:        [3]float32{0, 1, 0},
	TipRadius:  0.1,
	Damping:    5,
	Stiffness:  50,
	Plasticity: 0.1,
	Breaking:   1.0,
	Recovery:   0.1,
}

func TestHostKernelPushOutAndRecover(t *testing.T) {
	f := newHostFixture(t)
	f.put(t, 0, gpu.InstanceRecord{Scale: 1}, testProps, gpu.SimState{})
	f.put(t, 1, gpu.InstanceRecord{Scale: 1}, testProps, gpu.SimState{})
	k := NewHostKernel(f.dev, nil)

	capsule := collide.Capsule{A: r3.Vec{X: 0.15}, B: r3.Vec{X: 0.15, Y: 2}, Radius: 0.1}
	page := gpu.PageRef{Page: 0, Count: 1}
	err := k.Collide(CollideDispatch{
		Buffers:     f.bufs,
		PageRecords: testRecords,
		Colliders:   []collide.Capsule{capsule},
		Work:        []collide.PageWork{{Page: page, Mask: 1}},
		DT:          0.01,
	})
	if err != nil {
		t.Fatalf("Collide: %v", err)
	}

	st := f.state(t, 0)
	if math.Abs(float64(st.Offset[0])+0.05) > 1e-5 {
		t.Errorf("expected tip pushed 0.05 along -X, got %v", st.Offset)
	}
	if other := f.state(t, 1); other.Offset != [3]float32{} {
		t.Errorf("record beyond the page count must be untouched, got %v", other.Offset)
	}

	for i := 0; i < 200; i++ {
		if err := k.Integrate(IntegrateDispatch{Buffers: f.bufs, PageRecords: testRecords, Pages: []gpu.PageRef{page}, DT: 0.01}); err != nil {
			t.Fatalf("Integrate: %v", err)
		}
	}
	st = f.state(t, 0)
	if n := math.Abs(float64(st.Offset[0])); n > 0.005 {
		t.Errorf("expected spring to settle near rest, got offset %v", st.Offset)
	}
	if st.Damaged != 0 {
		t.Error("small bend must not damage the spring")
	}
}

func TestHostKernelBreaksPastAngle(t *testing.T) {
	f := newHostFixture(t)
	f.put(t, 0, gpu.InstanceRecord{Scale: 1}, testProps, gpu.SimState{Offset: [3]float32{2, 0, 0}})
	k := NewHostKernel(f.dev, nil)

	page := []gpu.PageRef{{Page: 0, Count: 1}}
	if err := k.Integrate(IntegrateDispatch{Buffers: f.bufs, PageRecords: testRecords, Pages: page, DT: 0.01}); err != nil {
		t.Fatal(err)
	}
	st := f.state(t, 0)
	if st.Damaged == 0 {
		t.Fatal("expected spring damaged past the breaking angle")
	}
	if st.Bend <= testProps.Breaking {
		t.Errorf("expected permanent bend above breaking angle, got %v", st.Bend)
	}

	for i := 0; i < 2000; i++ {
		k.Integrate(IntegrateDispatch{Buffers: f.bufs, PageRecords: testRecords, Pages: page, DT: 0.01})
	}
	if st = f.state(t, 0); st.Bend != testProps.Recovery {
		t.Errorf("expected bend relaxed to recovery angle %v, got %v", testProps.Recovery, st.Bend)
	}
}

func TestHostKernelRejectsPagesBeyondBuffers(t *testing.T) {
	f := newHostFixture(t)
	k := NewHostKernel(f.dev, nil)
	err := k.Integrate(IntegrateDispatch{Buffers: f.bufs, PageRecords: testRecords, Pages: []gpu.PageRef{{Page: 3, Count: 1}}, DT: 0.01})
	if err == nil {
		t.Error("expected out-of-range error")
	}
}

func TestBackendDispatchesPerStep(t *testing.T) {
	k := &RecordingKernel{}
	b := NewBackend(k, NewClock(0.25, 0, 4))

	frame := Frame{
		PageRecords: 128,
		Resident:    []gpu.PageRef{{Page: 0}, {Page: 1}, {Page: 2}},
		Colliders: collide.Result{Batches: []collide.Batch{
			{Colliders: make([]collide.Capsule, 2), Work: make([]collide.PageWork, 5)},
			{Colliders: make([]collide.Capsule, 1)},
		}},
	}
	rep, err := b.Advance(0.5, frame)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Steps != 2 || rep.Collides != 2 || rep.Integrates != 2 {
		t.Errorf("expected 2 steps with 2 collides and 2 integrates, got %+v", rep)
	}
	if k.PagesIntegrated != 6 || k.PagesCollided != 10 {
		t.Errorf("expected 6 pages integrated and 10 collided, got %d/%d", k.PagesIntegrated, k.PagesCollided)
	}

	if rep, _ := b.Advance(0.1, frame); rep.Steps != 0 || k.Integrates != 2 {
		t.Errorf("expected no dispatch below one step, got %+v", rep)
	}
}
