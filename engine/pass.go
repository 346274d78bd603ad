package engine

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/scatter/collide"
	"github.com/pthm-cable/scatter/interact"
	"github.com/pthm-cable/scatter/logging"
	"github.com/pthm-cable/scatter/paging"
	"github.com/pthm-cable/scatter/sched"
	"github.com/pthm-cable/scatter/spatial"
	"github.com/pthm-cable/scatter/telemetry"
	"github.com/pthm-cable/scatter/upload"
	"github.com/pthm-cable/scatter/window"
)

// pass carries the results of one Update between graph tasks. Each field
// is written by exactly one task and read only by its dependents.
type pass struct {
	focus   r2.Vec
	elapsed float64

	changes   []spatial.TileChange
	win       window.Update
	refresh   []int
	pages     paging.PassResult
	grew      bool
	queued    int
	batch     upload.Batch
	broad     collide.Result
	resident  int
	sim       interact.Report
	defrag    paging.DefragResult
	compacted bool
}

// Update runs one bookkeeping pass with the focus at focus and elapsed
// seconds since the previous Update. A missing canvas or radius is logged
// and yields empty stats without an error.
func (e *Engine) Update(focus r3.Vec, elapsed float64) (telemetry.FrameStats, error) {
	e.frame++
	if !e.grid.Valid() || !(e.radius > 0) || math.IsNaN(focus.X) || math.IsNaN(focus.Z) {
		logging.Logger().Warn("engine not configured, update skipped",
			"frame", e.frame, "grid_valid", e.grid.Valid(), "radius", e.radius, "focus", focus)
		return telemetry.FrameStats{Frame: e.frame}, nil
	}

	// Buffers retired by last frame's growth are no longer read
	e.set.Collect()

	if e.perf != nil {
		e.perf.StartTick()
		defer e.perf.EndTick()
	}

	p := &pass{focus: r2.Vec{X: focus.X, Y: focus.Z}, elapsed: elapsed}
	g := sched.NewGraph()
	g.MustAdd("index", e.track(telemetry.PhaseIndex, func() error {
		p.changes = e.index.Commit()
		return nil
	}))
	g.MustAdd("window", e.track(telemetry.PhaseWindow, func() error { return e.updateWindow(p) }), "index")
	g.MustAdd("pages", e.track(telemetry.PhasePages, func() error { return e.applyPages(p) }), "window")
	g.MustAdd("backing", e.track(telemetry.PhaseBacking, func() error { return e.ensureBacking(p) }), "pages")
	g.MustAdd("enqueue", e.track(telemetry.PhaseUpload, func() error {
		e.enqueue(p)
		return nil
	}), "pages")
	g.MustAdd("upload", e.track(telemetry.PhaseUpload, func() error { return e.drainUploads(p) }), "backing", "enqueue")
	g.MustAdd("colliders", e.track(telemetry.PhaseColliders, func() error {
		p.broad = e.broad.Build(e.colliders, e.grid, e.tracker, e.dir)
		return nil
	}), "upload")
	g.MustAdd("simulate", e.track(telemetry.PhaseSimulate, func() error { return e.simulate(p) }), "colliders")
	g.MustAdd("defrag", e.track(telemetry.PhaseDefrag, func() error { return e.compact(p) }), "simulate")

	err := g.Run()
	stats := e.frameStats(p)
	if err != nil {
		logging.Logger().Error("update failed", "frame", e.frame, "error", err)
		return stats, err
	}
	logging.Logger().Debug("update",
		"frame", e.frame, "state", p.win.State.String(),
		"entered", len(p.win.Entered), "exited", len(p.win.Exited), "changed", len(p.win.Changed),
		"uploads", len(p.batch.Entries), "work_items", stats.WorkItems)
	return stats, nil
}

func (e *Engine) track(phase string, fn func() error) func() error {
	return func() error {
		return e.perf.Track(phase, fn)
	}
}

// updateWindow moves the window and unmaps tiles that left it.
func (e *Engine) updateWindow(p *pass) error {
	up, err := e.tracker.Update(e.grid, p.focus, e.radius, e.index)
	if err != nil {
		return err
	}
	p.win = up

	// Exited tiles lose their pages this pass and, on a full reset, every
	// published mapping goes with them
	for _, tile := range up.Exited {
		e.captureOrWarn(tile)
		e.carry.pending[tile] = false
	}

	if up.State == window.FullReset {
		e.uploads.Clear()
		if err := e.dir.reset(e.grid.NumTiles(), e.tracker.Wrapped().Slots()); err != nil {
			return err
		}
		logging.Logger().Info("window full reset",
			"origin_x", up.Origin.X, "origin_y", up.Origin.Y,
			"entered", len(up.Entered), "exited", len(up.Exited))
	}
	for _, tile := range up.Exited {
		e.uploads.Invalidate(tile)
		e.dir.unpublish(tile)
	}
	if up.State == window.Recenter {
		for _, tile := range up.Entered {
			if slot, ok := e.tracker.SlotOf(tile); ok {
				if err := e.dir.clearSlot(slot); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// applyPages brings every entering, changed and previously rejected tile to
// its page target and releases the pages of exiting tiles, in one pass.
func (e *Engine) applyPages(p *pass) error {
	w := p.win
	seen := make(map[int]bool, len(w.Entered)+len(w.Changed)+len(e.retry))
	targets := make([]paging.Target, 0, len(w.Exited)+len(seen))
	refresh := func(tile int) {
		if seen[tile] {
			return
		}
		seen[tile] = true
		p.refresh = append(p.refresh, tile)
		targets = append(targets, paging.Target{Tile: tile, Count: e.index.Count(tile)})
	}
	for _, tile := range w.Entered {
		refresh(tile)
	}
	for _, tile := range w.Changed {
		refresh(tile)
	}
	for _, tile := range e.retry {
		if e.tracker.Contains(tile) {
			refresh(tile)
		}
	}
	for _, tile := range w.Exited {
		// A full reset may exit and re-enter the same tile
		if !seen[tile] {
			targets = append(targets, paging.Target{Tile: tile})
		}
	}

	// Refreshed records move to new indices or pages
	for _, tile := range p.refresh {
		e.captureOrWarn(tile)
	}
	clear(e.carry.removed)

	p.pages = e.table.Apply(targets)
	e.retry = append(e.retry[:0], p.pages.Failed...)

	ppl := e.cfg.Derived.PagesPerLogical
	for _, tile := range p.refresh {
		e.dir.truncate(tile, len(e.table.Pages(tile))*ppl)
	}
	return nil
}

func (e *Engine) ensureBacking(p *pass) error {
	grew, err := e.set.Ensure(e.pool.Allocated())
	p.grew = grew
	return err
}

// enqueue queues uploads for every refreshed tile, clamped to the pages the
// tile actually owns.
func (e *Engine) enqueue(p *pass) {
	for _, tile := range p.refresh {
		count := min(e.index.Count(tile), e.table.Capacity(tile))
		e.refreshCount[tile] = count
		e.carry.pending[tile] = true
		p.queued += e.uploads.EnqueueTileRefresh(tile, e.table.Pages(tile), count)
	}
}

// simulate advances the spring state over every published page.
func (e *Engine) simulate(p *pass) error {
	resident := e.dir.collect(e.tracker.SlotTile)
	p.resident = len(resident)
	rep, err := e.backend.Advance(p.elapsed, interact.Frame{
		Buffers:     e.Buffers(),
		PageRecords: e.gpuPageSize,
		Resident:    resident,
		Colliders:   p.broad,
	})
	p.sim = rep
	if err != nil {
		return err
	}
	return e.dev.Submit()
}

// compact defragments the pool when it is fragmented enough, then points
// the directory and queued uploads at the new page ids.
func (e *Engine) compact(p *pass) error {
	if !e.defrag.ShouldDefrag(e.pool) {
		return nil
	}
	res, err := paging.Defragment(e.table, e.pool, e.set)
	if err != nil {
		return err
	}
	p.defrag, p.compacted = res, true

	err = e.dir.renumber(func(tile, k int) uint32 {
		_, _, id := e.uploads.GPUPage(e.table.Pages(tile), k)
		return id
	}, e.tracker.SlotOf)
	if err != nil {
		return err
	}

	// Queued entries address the old ids; requeue their tiles
	for _, tile := range e.uploads.PendingTiles() {
		e.uploads.EnqueueTileRefresh(tile, e.table.Pages(tile), e.refreshCount[tile])
	}
	return nil
}

func (e *Engine) frameStats(p *pass) telemetry.FrameStats {
	return telemetry.FrameStats{
		Frame:     e.frame,
		State:     p.win.State.String(),
		Instances: e.index.Total(),

		TilesEntered: len(p.win.Entered),
		TilesExited:  len(p.win.Exited),
		TilesChanged: len(p.win.Changed),
		Desyncs:      p.win.Desyncs,

		PagesFreed:     p.pages.Freed,
		PagesReused:    p.pages.Reused,
		PagesFromPool:  p.pages.FromPool,
		PagesReturned:  p.pages.Returned,
		FailedTiles:    len(p.pages.Failed),
		ClampedTiles:   len(p.pages.Clamped),
		PagesInUse:     e.pool.InUse(),
		PagesAllocated: e.pool.Allocated(),
		FreePages:      e.pool.FreeCount(),
		Fragmentation:  e.pool.Fragmentation(),
		BackingPages:   e.set.Capacity(),
		BackingGrew:    p.grew,

		UploadsQueued:  p.queued,
		UploadsDrained: len(p.batch.Entries),
		UploadsStale:   p.batch.Stale,
		UploadsPending: e.uploads.Pending(),
		TilesPublished: len(p.batch.Completed),

		CollidersGathered: p.broad.Gathered,
		CollidersDropped:  p.broad.Dropped,
		ColliderBatches:   len(p.broad.Batches),
		TouchedTiles:      touched(p.broad),
		WorkItems:         p.broad.WorkItems(),
		SimSteps:          p.sim.Steps,
		Collides:          p.sim.Collides,
		Integrates:        p.sim.Integrates,

		Defragmented: p.compacted,
		DefragMoved:  p.defrag.Moved,
	}
}

func touched(r collide.Result) int {
	n := 0
	for _, b := range r.Batches {
		n += b.Touched
	}
	return n
}
