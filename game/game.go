// Package game drives the engine with a demo population: instances
// scattered over the canvas, a focus flying between waypoints, a fraction of
// instances relocated every second and a capsule sweeping around the focus.
// Both the headless runner and the viewer are built on it.
package game

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/scatter/camera"
	"github.com/pthm-cable/scatter/collide"
	"github.com/pthm-cable/scatter/config"
	"github.com/pthm-cable/scatter/engine"
	"github.com/pthm-cable/scatter/gpu"
	"github.com/pthm-cable/scatter/logging"
	"github.com/pthm-cable/scatter/spatial"
	"github.com/pthm-cable/scatter/telemetry"
)

// Demo defaults
const (
	DefaultInstances     = 200_000
	DefaultWaypoints     = 8
	DefaultChurn         = 0.01 // Fraction of instances relocated per second
	DefaultCapsuleRadius = 2.0
	CapsuleHeight        = 2.0
)

// Options configures a Game.
type Options struct {
	Seed          uint64
	Instances     int
	Device        gpu.Device // nil: host device
	Churn         float64    // Fraction of instances relocated per second
	FlightSpeed   float64    // World units per second; 0 = one active radius per second
	Waypoints     int
	CapsuleRadius float64 // 0 disables the sweeping capsule
	LogStats      bool
	OutputDir     string
}

// DefaultOptions returns the demo defaults.
func DefaultOptions() Options {
	return Options{
		Seed:          1,
		Instances:     DefaultInstances,
		Churn:         DefaultChurn,
		Waypoints:     DefaultWaypoints,
		CapsuleRadius: DefaultCapsuleRadius,
	}
}

// Game holds the demo state around one engine.
type Game struct {
	cfg    *config.Config
	eng    *engine.Engine
	world  *World
	rng    *rand.Rand
	flight *camera.Flight

	perf      *telemetry.PerfCollector
	collector *telemetry.Collector
	output    *telemetry.OutputManager
	logStats  bool

	population int
	waypoints  int
	speed      float64 // flight speed
	churn      float64
	churnDebt  float64
	capsule    float64 // radius, 0 = off
	sweep      float64 // capsule orbit angle
	elapsed    float64
	last       telemetry.FrameStats

	items []spatial.Item
	slots []spatial.Slot
}

// New builds the engine, scatters opts.Instances instances and plans the
// flight.
func New(cfg *config.Config, opts Options) (*Game, error) {
	g := &Game{
		cfg:       cfg,
		world:     NewWorld(),
		rng:       rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		perf:      telemetry.NewPerfCollector(cfg.Telemetry.PerfCollectorWindow),
		collector: telemetry.NewCollector(cfg.Telemetry.StatsWindow),
		logStats:  opts.LogStats,
		churn:     opts.Churn,
		capsule:   opts.CapsuleRadius,
		speed:     opts.FlightSpeed,
		waypoints: max(opts.Waypoints, 1),
	}
	if g.speed <= 0 {
		g.speed = cfg.Window.ActiveRadius
	}

	output, err := telemetry.NewOutputManager(opts.OutputDir)
	if err != nil {
		return nil, err
	}
	g.output = output
	if err := g.output.WriteConfig(cfg); err != nil {
		g.output.Close()
		return nil, err
	}

	g.eng, err = engine.New(cfg, engine.Options{
		Source: g.world,
		Device: opts.Device,
		Perf:   g.perf,
	})
	if err != nil {
		g.output.Close()
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	if err := g.Scatter(opts.Instances); err != nil {
		g.Unload()
		return nil, err
	}

	logging.Logger().Info("game created",
		"instances", g.eng.Instances(), "waypoints", g.waypoints, "flight_speed", g.speed, "churn", g.churn)
	return g, nil
}

// plan starts a new looping flight over random waypoints inside bounds.
func (g *Game) plan(bounds r2.Box) {
	// NewFlight only fails without waypoints
	g.flight, _ = camera.NewFlight(camera.RandomWaypoints(bounds, g.waypoints, g.rng), g.speed, true)
}

// Scatter drops every instance and scatters n new ones uniformly over the
// canvas. The engine goes through a full reset.
func (g *Game) Scatter(n int) error {
	grid := g.eng.Grid()
	if !grid.Valid() {
		grid.Bounds, grid.CellSize = g.cfg.Derived.CanvasBox, g.cfg.Canvas.CellSize
	}
	return g.reset(grid.Bounds, grid.CellSize, n)
}

// ResetCanvas replaces the canvas and scatters the same number of
// instances over it.
func (g *Game) ResetCanvas(bounds r2.Box, cellSize float64) error {
	return g.reset(bounds, cellSize, g.population)
}

func (g *Game) reset(bounds r2.Box, cellSize float64, n int) error {
	g.population = n
	g.eng.SetCanvas(bounds, cellSize)
	if !g.eng.Grid().Valid() {
		g.world.reset()
		return fmt.Errorf("%w: %v cell %v", spatial.ErrInvalidGrid, bounds, cellSize)
	}
	g.populate(n)
	g.plan(g.eng.Grid().Bounds)
	return nil
}

func (g *Game) populate(n int) {
	g.world.reset()
	bounds := g.eng.Grid().Bounds

	g.items = g.items[:0]
	for i := 0; i < n; i++ {
		h := g.world.spawn()
		g.world.place(h, bounds, g.rng)
		pos := g.world.Position(h)
		g.items = append(g.items, spatial.Item{
			Handle:  h,
			Pos:     r2.Vec{X: pos.X, Y: pos.Z},
			Density: g.world.Density(h),
		})
	}
	g.slots = ensureSlots(g.slots, n)
	rejected := g.eng.AddBatch(g.items, g.slots)
	for i, it := range g.items {
		g.world.setSlot(it.Handle, g.slots[i])
	}
	if rejected > 0 {
		logging.Logger().Warn("scatter rejected instances", "rejected", rejected)
	}
	g.churnDebt = 0
}

// Step advances the flight by dt and runs one engine update at its
// position.
func (g *Game) Step(dt float64) (telemetry.FrameStats, error) {
	focus := g.flight.Advance(dt)
	return g.StepAt(r3.Vec{X: focus.X, Z: focus.Y}, dt)
}

// StepAt relocates churned instances, moves the capsule around focus and
// runs one engine update.
func (g *Game) StepAt(focus r3.Vec, dt float64) (telemetry.FrameStats, error) {
	g.elapsed += dt
	if err := g.relocate(dt); err != nil {
		return telemetry.FrameStats{}, err
	}
	if g.capsule > 0 {
		g.sweep += dt
		g.eng.SetColliders([]collide.Capsule{g.sweepCapsule(focus)})
	}

	stats, err := g.eng.Update(focus, dt)
	g.last = stats
	g.collector.Record(stats)
	g.flushTelemetry()
	return stats, err
}

// sweepCapsule orbits a vertical capsule around focus at a quarter of the
// active radius.
func (g *Game) sweepCapsule(focus r3.Vec) collide.Capsule {
	r := g.eng.ActiveRadius() / 4
	c := r3.Vec{X: focus.X + r*math.Cos(g.sweep), Z: focus.Z + r*math.Sin(g.sweep)}
	return collide.Capsule{
		A:      c,
		B:      r3.Add(c, r3.Vec{Y: CapsuleHeight}),
		Radius: g.capsule,
	}
}

// relocate removes churned instances and adds them back elsewhere.
func (g *Game) relocate(dt float64) error {
	n := g.world.Len()
	if g.churn <= 0 || n == 0 || !g.eng.Grid().Valid() {
		return nil
	}
	g.churnDebt += g.churn * float64(n) * dt
	k := int(g.churnDebt)
	g.churnDebt -= float64(k)

	bounds := g.eng.Grid().Bounds
	for i := 0; i < k; i++ {
		h := g.world.handles[g.rng.IntN(n)]
		if s := g.world.Slot(h); s.Tile != spatial.InvalidTile {
			moved, didMove, err := g.eng.Remove(s)
			if err != nil {
				return fmt.Errorf("relocating %d: %w", h, err)
			}
			if didMove {
				g.world.setSlot(moved, s)
			}
		}
		g.world.place(h, bounds, g.rng)
		s, err := g.eng.Add(h, g.world.Position(h), g.world.Density(h))
		if err != nil {
			g.world.setSlot(h, spatial.Slot{Tile: spatial.InvalidTile, Index: -1})
			if errors.Is(err, spatial.ErrOutsideCanvas) {
				continue
			}
			return err
		}
		g.world.setSlot(h, s)
	}
	return nil
}

// SetChurn sets the fraction of instances relocated per second.
func (g *Game) SetChurn(rate float64) {
	g.churn = max(rate, 0)
}

// Churn returns the relocation rate.
func (g *Game) Churn() float64 {
	return g.churn
}

// SetCapsuleRadius sets the sweeping capsule radius; 0 turns it off and
// clears the colliders.
func (g *Game) SetCapsuleRadius(r float64) {
	g.capsule = max(r, 0)
	if g.capsule == 0 {
		g.eng.SetColliders(nil)
	}
}

// Engine returns the driven engine.
func (g *Game) Engine() *engine.Engine {
	return g.eng
}

// World returns the demo population.
func (g *Game) World() *World {
	return g.world
}

// Flight returns the focus flight.
func (g *Game) Flight() *camera.Flight {
	return g.flight
}

// Last returns the statistics of the latest update.
func (g *Game) Last() telemetry.FrameStats {
	return g.last
}

// Perf returns the phase timing collector.
func (g *Game) Perf() *telemetry.PerfCollector {
	return g.perf
}

// Elapsed returns the simulated seconds so far.
func (g *Game) Elapsed() float64 {
	return g.elapsed
}

// Unload flushes a partial stats window and releases the engine and output
// files.
func (g *Game) Unload() error {
	var errs []error
	if g.collector.Frames() > 0 {
		g.writeWindow(g.collector.Flush())
	}
	if g.eng != nil {
		errs = append(errs, g.eng.Close())
	}
	errs = append(errs, g.output.Close())
	return errors.Join(errs...)
}

func ensureSlots(s []spatial.Slot, n int) []spatial.Slot {
	if cap(s) < n {
		return make([]spatial.Slot, n)
	}
	return s[:n]
}
