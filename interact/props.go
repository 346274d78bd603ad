// Package interact runs the per-instance spring model: fixed-timestep
// sub-stepping, capsule push-out and damage, dispatched through a Kernel.
package interact

import (
	"math/rand/v2"

	"github.com/pthm-cable/scatter/config"
	"github.com/pthm-cable/scatter/gpu"
)

// Ranges are the inclusive [min, max] intervals spring properties are
// sampled from. Angles are in radians.
type Ranges struct {
	Damping    [2]float64
	Stiffness  [2]float64
	Breaking   [2]float64
	Recovery   [2]float64
	Plasticity [2]float64
	TipHeight  float64
	TipRadius  float64
}

// RangesFromConfig builds sampling ranges from the simulation config.
func RangesFromConfig(cfg *config.Config) Ranges {
	s := cfg.Simulation.Spring
	return Ranges{
		Damping:    [2]float64{s.DampingMin, s.DampingMax},
		Stiffness:  [2]float64{s.StiffnessMin, s.StiffnessMax},
		Breaking:   cfg.Derived.BreakingRad,
		Recovery:   cfg.Derived.RecoveryRad,
		Plasticity: [2]float64{s.PlasticityMin, s.PlasticityMax},
		TipHeight:  s.TipHeight,
		TipRadius:  s.TipRadius,
	}
}

// SampleProps derives the spring properties of one instance from its seed.
// The same seed and ranges always give the same properties. scale sizes the
// tip above the instance origin.
func SampleProps(seed uint64, scale float32, r Ranges) gpu.SpringProps {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	pick := func(span [2]float64) float32 {
		a, b := span[0], span[1]
		if b < a {
			a, b = b, a
		}
		return float32(a + rng.Float64()*(b-a))
	}

	p := gpu.SpringProps{
		Tip:        [3]float32{0, float32(r.TipHeight) * scale, 0},
		TipRadius:  float32(r.TipRadius) * scale,
		Damping:    pick(r.Damping),
		Stiffness:  pick(r.Stiffness),
		Breaking:   pick(r.Breaking),
		Recovery:   pick(r.Recovery),
		Plasticity: pick(r.Plasticity),
	}
	// A recovery angle past the breaking angle would re-break on recovery
	p.Recovery = min(p.Recovery, p.Breaking)
	return p
}
