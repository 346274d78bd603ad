package collide

import (
	"slices"
	"sync/atomic"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/scatter/gpu"
	"github.com/pthm-cable/scatter/logging"
	"github.com/pthm-cable/scatter/sched"
	"github.com/pthm-cable/scatter/spatial"
)

// MaxBatch is the number of colliders one page mask can address.
const MaxBatch = 32

// Window is the view of the active window the broad-phase needs.
type Window interface {
	Wrapped() spatial.WrappedGrid
	Origin() spatial.TileCoord
	WorldBox() r2.Box
	SlotTile(slot int) (int, bool)
}

// Resident exposes the published GPU pages of a tile.
type Resident interface {
	GPUPages(tile int) []gpu.PageRef
}

// PageWork is one compacted work item: a resident GPU page and the mask of
// batch colliders overlapping its tile.
type PageWork struct {
	Tile int
	Slot int
	Page gpu.PageRef
	Mask uint32
}

// Batch is up to MaxBatch colliders and the pages they touch. Bit i of a
// work mask refers to Colliders[i].
type Batch struct {
	Colliders []Capsule
	Work      []PageWork
	Touched   int
}

// Result is the broad-phase output for one frame.
type Result struct {
	Gathered int // colliders overlapping the window
	Dropped  int // gathered colliders beyond the configured maximum
	Batches  []Batch
}

// WorkItems returns the total number of page work items across batches.
func (r Result) WorkItems() int {
	n := 0
	for _, b := range r.Batches {
		n += len(b.Work)
	}
	return n
}

// Broadphase buckets colliders into per-slot bit masks. Masks are indexed
// by window slot and updated with atomic OR, so colliders of one batch are
// rasterised in parallel; the first bit set in a slot appends it to the
// touched list.
type Broadphase struct {
	workers      *sched.Pool
	batchSize    int
	maxColliders int

	masks      []atomic.Uint32
	touched    []int32
	touchedLen atomic.Int32
	offsets    []int
}

// NewBroadphase creates a broad-phase. batchSize is clamped to MaxBatch;
// maxColliders of 0 means unbounded. workers may be nil.
func NewBroadphase(batchSize, maxColliders int, workers *sched.Pool) *Broadphase {
	if batchSize <= 0 || batchSize > MaxBatch {
		batchSize = MaxBatch
	}
	return &Broadphase{workers: workers, batchSize: batchSize, maxColliders: maxColliders}
}

// BatchSize returns the number of colliders per batch.
func (b *Broadphase) BatchSize() int {
	return b.batchSize
}

// Build gathers the colliders overlapping the window, rasterises them
// batch by batch into slot masks and compacts every touched tile's pages
// into a work list, one item per page.
func (b *Broadphase) Build(colliders []Capsule, grid spatial.Grid, win Window, res Resident) Result {
	var out Result
	wrap := win.Wrapped()
	if wrap.Slots() == 0 || !grid.Valid() {
		return out
	}
	b.resize(wrap.Slots())

	view := win.WorldBox()
	var gathered []Capsule
	for _, c := range colliders {
		if c.Valid() && overlaps(c.Bounds(), view) {
			gathered = append(gathered, c)
		}
	}
	// Sync point: the gathered count sizes the batches
	out.Gathered = len(gathered)
	if b.maxColliders > 0 && len(gathered) > b.maxColliders {
		out.Dropped = len(gathered) - b.maxColliders
		gathered = gathered[:b.maxColliders]
		logging.Logger().Warn("colliders dropped", "gathered", out.Gathered, "max", b.maxColliders)
	}

	for first := 0; first < len(gathered); first += b.batchSize {
		batch := gathered[first:min(first+b.batchSize, len(gathered))]
		out.Batches = append(out.Batches, b.buildBatch(batch, grid, win, view, wrap, res))
	}
	return out
}

func (b *Broadphase) resize(slots int) {
	if len(b.masks) != slots {
		b.masks = make([]atomic.Uint32, slots)
		b.touched = make([]int32, slots)
	}
}

func (b *Broadphase) buildBatch(batch []Capsule, grid spatial.Grid, win Window, view r2.Box, wrap spatial.WrappedGrid, res Resident) Batch {
	origin := win.Origin()
	last := spatial.TileCoord{X: origin.X + wrap.W - 1, Y: origin.Y + wrap.H - 1}

	b.touchedLen.Store(0)
	b.parallelFor(len(batch), func(start, end int) {
		for i := start; i < end; i++ {
			bit := uint32(1) << uint(i)
			box := intersect(batch[i].Bounds(), view)
			lo, hi, ok := grid.TileRange(box)
			if !ok {
				continue
			}
			lo.X, lo.Y = max(lo.X, origin.X), max(lo.Y, origin.Y)
			hi.X, hi.Y = min(hi.X, last.X), min(hi.Y, last.Y)
			for y := lo.Y; y <= hi.Y; y++ {
				for x := lo.X; x <= hi.X; x++ {
					slot := wrap.Wrap(spatial.TileCoord{X: x, Y: y})
					if b.masks[slot].Or(bit) == 0 {
						n := b.touchedLen.Add(1) - 1
						b.touched[n] = int32(slot)
					}
				}
			}
		}
	})

	// Sync point: the touched count sizes the prefix sum
	touched := b.touched[:b.touchedLen.Load()]
	slices.Sort(touched)

	if cap(b.offsets) < len(touched)+1 {
		b.offsets = make([]int, len(touched)+1)
	}
	b.offsets = b.offsets[:len(touched)+1]
	b.offsets[0] = 0
	for i, slot := range touched {
		n := 0
		if tile, ok := win.SlotTile(int(slot)); ok {
			n = len(res.GPUPages(tile))
		}
		b.offsets[i+1] = b.offsets[i] + n
	}

	work := make([]PageWork, b.offsets[len(touched)])
	b.parallelFor(len(touched), func(start, end int) {
		for i := start; i < end; i++ {
			slot := int(touched[i])
			mask := b.masks[slot].Swap(0)
			tile, ok := win.SlotTile(slot)
			if !ok {
				continue
			}
			off := b.offsets[i]
			for n, p := range res.GPUPages(tile) {
				work[off+n] = PageWork{Tile: tile, Slot: slot, Page: p, Mask: mask}
			}
		}
	})

	return Batch{Colliders: batch, Work: work, Touched: len(touched)}
}

func (b *Broadphase) parallelFor(n int, fn func(start, end int)) {
	if b.workers == nil {
		fn(0, n)
		return
	}
	b.workers.ParallelFor(n, fn)
}
