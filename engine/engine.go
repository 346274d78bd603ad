// Package engine runs the per-frame paging pass: it owns the tile index, the
// active window, the page pool and backings, the upload queue, the collider
// broad-phase and the simulation backend, and wires them into one task graph.
package engine

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/scatter/collide"
	"github.com/pthm-cable/scatter/config"
	"github.com/pthm-cable/scatter/gpu"
	"github.com/pthm-cable/scatter/interact"
	"github.com/pthm-cable/scatter/logging"
	"github.com/pthm-cable/scatter/paging"
	"github.com/pthm-cable/scatter/sched"
	"github.com/pthm-cable/scatter/spatial"
	"github.com/pthm-cable/scatter/telemetry"
	"github.com/pthm-cable/scatter/upload"
	"github.com/pthm-cable/scatter/window"
)

// ErrNoSource is returned by New without an InstanceSource.
var ErrNoSource = errors.New("engine: no instance source")

// Options holds the collaborators of an engine. Only Source is required.
type Options struct {
	Source  InstanceSource
	Device  gpu.Device               // nil: a HostDevice
	Kernel  interact.Kernel          // nil: HostKernel on a HostDevice, RecordingKernel otherwise
	Workers *sched.Pool              // nil: a pool sized from config, stopped by Close
	Perf    *telemetry.PerfCollector // nil: phases are not timed
}

// Engine is the spatial paging and interaction engine. Every component is
// owned here and passed explicitly; an Engine is driven from one goroutine.
type Engine struct {
	cfg  *config.Config
	dev  gpu.Device
	src  InstanceSource
	perf *telemetry.PerfCollector

	workers     *sched.Pool
	ownsWorkers bool

	grid    spatial.Grid
	radius  float64
	index   *spatial.Index
	tracker *window.Tracker
	pool    *paging.Pool
	table   *paging.Table
	uploads *upload.Scheduler
	broad   *collide.Broadphase
	backend *interact.Backend
	ranges  interact.Ranges
	defrag  paging.DefragPolicy

	instances *paging.Backing
	props     *paging.Backing
	state     *paging.Backing
	set       *paging.BackingSet
	dir       *directory
	carry     *stateCarry

	gpuPageSize  int
	refreshCount []int // records queued by the latest refresh, by tile
	retry        []int // tiles whose growth was rejected by the last pass
	colliders    []collide.Capsule
	frame        int64
}

// New builds an engine from cfg. The canvas and active radius start at
// their configured values.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if opts.Source == nil {
		return nil, ErrNoSource
	}

	e := &Engine{
		cfg:         cfg,
		src:         opts.Source,
		perf:        opts.Perf,
		workers:     opts.Workers,
		radius:      cfg.Window.ActiveRadius,
		ranges:      interact.RangesFromConfig(cfg),
		gpuPageSize: cfg.Paging.GPUPageSize,
		defrag: paging.DefragPolicy{
			Threshold: cfg.Paging.DefragThreshold,
			MinPages:  cfg.Paging.DefragMinPages,
		},
	}
	if e.workers == nil {
		e.workers = sched.NewPool(cfg.Derived.Workers, cfg.Workers.ParallelThreshold)
		e.ownsWorkers = true
	}

	e.dev = opts.Device
	if e.dev == nil {
		e.dev = gpu.NewHostDevice()
	}

	kernel := opts.Kernel
	if kernel == nil {
		if host, ok := e.dev.(*gpu.HostDevice); ok {
			kernel = interact.NewHostKernel(host, e.workers)
		} else {
			kernel = &interact.RecordingKernel{}
		}
	}
	sim := cfg.Simulation
	e.backend = interact.NewBackend(kernel, interact.NewClock(sim.FixedDT, sim.MinSteps, sim.MaxSteps))

	// An invalid canvas leaves a zero grid; Update reports it every frame
	e.grid, _ = spatial.NewGrid(cfg.Derived.CanvasBox, cfg.Canvas.CellSize)
	n := e.grid.NumTiles()

	p := cfg.Paging
	var err error
	e.uploads, err = upload.NewScheduler(n, p.PageSize, p.GPUPageSize, p.MaxUploadsPerBatch)
	if err != nil {
		return nil, err
	}
	e.index = spatial.NewIndex(e.grid, e.workers)
	e.tracker = window.NewTracker()
	e.pool = paging.NewPool(p.MaxPages)
	e.table = paging.NewTable(e.pool, n, p.PageSize, p.MaxPagesPerTile, e.workers)
	e.broad = collide.NewBroadphase(cfg.Colliders.BatchSize, cfg.Colliders.MaxColliders, e.workers)
	e.refreshCount = make([]int, n)
	e.carry = newStateCarry(n)

	if err := e.createBackings(); err != nil {
		return nil, err
	}
	e.dir = newDirectory(e.dev, n, p.MaxPagesPerTile*cfg.Derived.PagesPerLogical)

	logging.Logger().Info("engine created",
		"tiles_x", e.grid.TilesX, "tiles_y", e.grid.TilesY,
		"page_size", p.PageSize, "gpu_page_size", p.GPUPageSize,
		"workers", e.workers.Workers())
	return e, nil
}

func (e *Engine) createBackings() error {
	p := e.cfg.Paging
	stride := func(record int) uint64 { return uint64(p.PageSize * record) }

	var err error
	if e.instances, err = paging.NewBacking(e.dev, "instances", stride(gpu.InstanceRecordSize), p.InitialPages, p.GrowthFactor, p.MaxPages); err != nil {
		return err
	}
	if e.props, err = paging.NewBacking(e.dev, "spring-props", stride(gpu.SpringPropsSize), p.InitialPages, p.GrowthFactor, p.MaxPages); err != nil {
		e.instances.Release()
		return err
	}
	if e.state, err = paging.NewBacking(e.dev, "sim-state", stride(gpu.SimStateSize), p.InitialPages, p.GrowthFactor, p.MaxPages); err != nil {
		e.instances.Release()
		e.props.Release()
		return err
	}
	e.set = paging.NewBackingSet(e.dev, e.instances, e.props, e.state)
	return nil
}

// SetCanvas replaces the canvas and forces a full reset. Every instance
// must be added again afterwards. An invalid canvas is accepted here and
// reported by Update.
func (e *Engine) SetCanvas(bounds r2.Box, cellSize float64) {
	grid, err := spatial.NewGrid(bounds, cellSize)
	if err != nil {
		logging.Logger().Warn("invalid canvas", "error", err)
	}
	e.grid = grid
	e.reset()
}

// reset drops every mapping for the current grid.
func (e *Engine) reset() {
	n := e.grid.NumTiles()
	e.index.Reset(e.grid)
	e.tracker.Reset()
	e.table.Reset(n)
	e.pool.Reset(0)
	e.uploads.Reset(n)
	e.refreshCount = make([]int, n)
	e.retry = nil
	e.backend.Clock().Reset()
	e.dir.forget(n)
	e.carry.reset(n)
	logging.Logger().Info("engine reset", "tiles", n)
}

// SetActiveRadius sets the radius around the focus kept resident.
func (e *Engine) SetActiveRadius(r float64) {
	e.radius = r
}

// ActiveRadius returns the active radius.
func (e *Engine) ActiveRadius() float64 {
	return e.radius
}

// SetColliders replaces the colliders considered by the next Update.
func (e *Engine) SetColliders(cs []collide.Capsule) {
	e.colliders = append(e.colliders[:0], cs...)
}

// Add indexes an instance at pos. Only X and Z are used for tiling.
func (e *Engine) Add(h spatial.Handle, pos r3.Vec, density float64) (spatial.Slot, error) {
	return e.index.Add(h, r2.Vec{X: pos.X, Y: pos.Z}, density)
}

// AddBatch indexes many instances; see spatial.Index.AddBatch.
func (e *Engine) AddBatch(items []spatial.Item, slots []spatial.Slot) int {
	return e.index.AddBatch(items, slots)
}

// Remove deletes the instance at s with swap-back. When didMove is set the
// caller must update moved's back-reference to s. The removed instance's
// spring state is dropped; the moved one keeps its own.
func (e *Engine) Remove(s spatial.Slot) (moved spatial.Handle, didMove bool, err error) {
	h, ok := e.index.Handle(s)
	moved, didMove, err = e.index.Remove(s)
	if err == nil && ok {
		e.carry.forget(h)
	}
	return moved, didMove, err
}

// TileDensity returns the density metadata of a tile as of the last Update.
func (e *Engine) TileDensity(tile int) spatial.Density {
	return e.index.Density(tile)
}

// PageSize returns the logical page size fixed at construction.
func (e *Engine) PageSize() int {
	return e.table.PageSize()
}

// MaxUploadsPerBatch returns the upload batch cap fixed at construction.
func (e *Engine) MaxUploadsPerBatch() int {
	return e.uploads.MaxUploadsPerBatch()
}

// Grid returns the current tile grid.
func (e *Engine) Grid() spatial.Grid {
	return e.grid
}

// Window returns the active-window tracker.
func (e *Engine) Window() *window.Tracker {
	return e.tracker
}

// Instances returns the number of indexed instances.
func (e *Engine) Instances() int {
	return e.index.Total()
}

// TileCount returns the instance count of a tile.
func (e *Engine) TileCount(tile int) int {
	return e.index.Count(tile)
}

// Handle returns the instance at s.
func (e *Engine) Handle(s spatial.Slot) (spatial.Handle, bool) {
	return e.index.Handle(s)
}

// TilePages returns the number of logical pages a tile owns.
func (e *Engine) TilePages(tile int) int {
	return len(e.table.Pages(tile))
}

// Published reports whether tile has a published mapping.
func (e *Engine) Published(tile int) bool {
	return e.dir.isPublished(tile)
}

// GPUPages returns the published GPU pages of tile.
func (e *Engine) GPUPages(tile int) []gpu.PageRef {
	return e.dir.GPUPages(tile)
}

// Pool returns the page pool.
func (e *Engine) Pool() *paging.Pool {
	return e.pool
}

// Device returns the device buffers live on.
func (e *Engine) Device() gpu.Device {
	return e.dev
}

// Buffers returns the current page-addressed buffers.
func (e *Engine) Buffers() interact.Buffers {
	return interact.Buffers{
		Instances: e.instances.Buffer(),
		Props:     e.props.Buffer(),
		State:     e.state.Buffer(),
	}
}

// DirectoryBuffers returns the tile entry and page directory buffers.
func (e *Engine) DirectoryBuffers() (entries, pages gpu.BufferID) {
	return e.dir.entries, e.dir.pages
}

// Frame returns the number of completed updates.
func (e *Engine) Frame() int64 {
	return e.frame
}

// Close releases every buffer and stops an owned worker pool. The device
// stays open.
func (e *Engine) Close() error {
	e.set.Release()
	e.dir.release()
	if e.ownsWorkers {
		e.workers.Stop()
	}
	if err := e.dev.Submit(); err != nil {
		return fmt.Errorf("final submit: %w", err)
	}
	return nil
}
