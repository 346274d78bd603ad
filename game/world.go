package game

import (
	"math"
	"math/rand/v2"

	"github.com/mlange-42/ark/ecs"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/scatter/engine"
	"github.com/pthm-cable/scatter/spatial"
)

// Density is the per-instance scalar fed to the tile density metadata.
type Density struct {
	Value float64
}

// World is the demo population, one ark entity per instance. An instance's
// handle is its entity id; the Slot component holds where the engine last
// reported it.
type World struct {
	ecs *ecs.World

	mapper    *ecs.Map3[engine.Instance, Density, spatial.Slot]
	instances *ecs.Map1[engine.Instance]
	density   *ecs.Map1[Density]
	slots     *ecs.Map1[spatial.Slot]

	entities []ecs.Entity     // by handle
	handles  []spatial.Handle // creation order
}

// NewWorld creates an empty population.
func NewWorld() *World {
	w := &World{}
	w.reset()
	return w
}

// reset drops every entity.
func (w *World) reset() {
	world := ecs.NewWorld()
	w.ecs = world
	w.mapper = ecs.NewMap3[engine.Instance, Density, spatial.Slot](world)
	w.instances = ecs.NewMap1[engine.Instance](world)
	w.density = ecs.NewMap1[Density](world)
	w.slots = ecs.NewMap1[spatial.Slot](world)
	w.entities = w.entities[:0]
	w.handles = w.handles[:0]
}

// entity resolves h. Reads only, so workers may call it concurrently.
func (w *World) entity(h spatial.Handle) (ecs.Entity, bool) {
	if int(h) >= len(w.entities) {
		return ecs.Entity{}, false
	}
	e := w.entities[h]
	if e == (ecs.Entity{}) || !w.ecs.Alive(e) {
		return ecs.Entity{}, false
	}
	return e, true
}

// Instance implements engine.InstanceSource. Components only change between
// engine updates, so no locking is needed.
func (w *World) Instance(h spatial.Handle) (engine.Instance, bool) {
	e, ok := w.entity(h)
	if !ok || w.slots.Get(e).Tile == spatial.InvalidTile {
		return engine.Instance{}, false
	}
	return *w.instances.Get(e), true
}

// Len returns the number of instances.
func (w *World) Len() int {
	return len(w.handles)
}

// Handles returns every handle in creation order. The slice is shared.
func (w *World) Handles() []spatial.Handle {
	return w.handles
}

// Slot returns where the engine keeps h.
func (w *World) Slot(h spatial.Handle) spatial.Slot {
	e, ok := w.entity(h)
	if !ok {
		return spatial.Slot{Tile: spatial.InvalidTile, Index: -1}
	}
	return *w.slots.Get(e)
}

// Position returns the position of h.
func (w *World) Position(h spatial.Handle) r3.Vec {
	e, ok := w.entity(h)
	if !ok {
		return r3.Vec{}
	}
	return w.instances.Get(e).Position
}

// Density returns the density scalar of h.
func (w *World) Density(h spatial.Handle) float64 {
	e, ok := w.entity(h)
	if !ok {
		return 0
	}
	return w.density.Get(e).Value
}

// spawn creates an unplaced instance and returns its handle.
func (w *World) spawn() spatial.Handle {
	e := w.mapper.NewEntity(&engine.Instance{}, &Density{}, &spatial.Slot{Tile: spatial.InvalidTile, Index: -1})
	h := spatial.Handle(e.ID())
	for int(h) >= len(w.entities) {
		w.entities = append(w.entities, ecs.Entity{})
	}
	w.entities[h] = e
	w.handles = append(w.handles, h)
	return h
}

// place gives h a fresh random instance inside bounds.
func (w *World) place(h spatial.Handle, bounds r2.Box, rng *rand.Rand) {
	e, ok := w.entity(h)
	if !ok {
		return
	}
	size := bounds.Size()
	yaw := rng.Float64() * 2 * math.Pi
	*w.instances.Get(e) = engine.Instance{
		Position: r3.Vec{
			X: bounds.Min.X + rng.Float64()*size.X,
			Z: bounds.Min.Y + rng.Float64()*size.Y,
		},
		Rotation: [4]float32{0, float32(math.Sin(yaw / 2)), 0, float32(math.Cos(yaw / 2))},
		Scale:    float32(0.8 + 0.4*rng.Float64()),
		Seed:     rng.Uint64(),
	}
	w.density.Get(e).Value = rng.Float64()
}

// setSlot records where the engine keeps h. Swap-back reports land here for
// the moved instance.
func (w *World) setSlot(h spatial.Handle, s spatial.Slot) {
	if e, ok := w.entity(h); ok {
		*w.slots.Get(e) = s
	}
}
