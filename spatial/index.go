package spatial

import (
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/stat"

	"github.com/pthm-cable/scatter/sched"
)

var (
	// ErrOutsideCanvas is returned by Add for NaN or out-of-canvas positions.
	ErrOutsideCanvas = errors.New("spatial: position outside canvas")

	// ErrInvalidSlot is returned by Remove for a slot that holds no instance.
	ErrInvalidSlot = errors.New("spatial: invalid slot")
)

// Handle is the caller's opaque back-reference for an instance.
type Handle uint64

// Slot is an instance's logical identity. Index is only stable until the
// next removal in the same tile.
type Slot struct {
	Tile  int
	Index int
}

// Item is one instance to insert with AddBatch.
type Item struct {
	Handle  Handle
	Pos     r2.Vec
	Density float64
}

// Density summarises per-instance density values of a tile.
type Density struct {
	Min, Max, Mean float64
}

// TileChange reports a tile whose membership changed since the last Commit.
type TileChange struct {
	Tile     int
	Count    int
	Revision uint32
}

type member struct {
	handle  Handle
	density float64
}

// Index tracks which instances live in which tile. Counts update
// immediately; revisions and density metadata update once per Commit.
//
// Add and Remove are not safe for concurrent use on the same tile. AddBatch
// parallelises internally by giving each worker whole tiles.
type Index struct {
	grid Grid
	pool *sched.Pool

	members [][]member
	counts  []atomic.Int32
	revs    []uint32
	density []Density
	dirty   []atomic.Uint64
	total   atomic.Int64
	changed []TileChange
}

// NewIndex creates an empty index over grid. pool may be nil, in which case
// bulk operations run on the calling goroutine.
func NewIndex(grid Grid, pool *sched.Pool) *Index {
	x := &Index{pool: pool}
	x.Reset(grid)
	return x
}

// Reset frees every per-tile array and reallocates them for grid. Counts
// and revisions restart at zero and every previously issued Slot becomes
// invalid; callers re-add their instances.
func (x *Index) Reset(grid Grid) {
	n := grid.NumTiles()
	x.grid = grid
	x.members = make([][]member, n)
	x.counts = make([]atomic.Int32, n)
	x.revs = make([]uint32, n)
	x.density = make([]Density, n)
	x.dirty = make([]atomic.Uint64, (n+63)/64)
	x.total.Store(0)
	x.changed = nil
}

// Grid returns the grid the index was built for.
func (x *Index) Grid() Grid {
	return x.grid
}

// Add inserts an instance at the tail of its tile and marks the tile dirty.
func (x *Index) Add(h Handle, pos r2.Vec, density float64) (Slot, error) {
	tile, ok := x.grid.Classify(pos)
	if !ok {
		return Slot{Tile: InvalidTile, Index: -1}, fmt.Errorf("%w: %v", ErrOutsideCanvas, pos)
	}
	return x.addToTile(tile, h, density), nil
}

func (x *Index) addToTile(tile int, h Handle, density float64) Slot {
	x.members[tile] = append(x.members[tile], member{handle: h, density: density})
	idx := int(x.counts[tile].Add(1)) - 1
	x.markDirty(tile)
	x.total.Add(1)
	return Slot{Tile: tile, Index: idx}
}

// AddBatch inserts many instances. slots[i] receives the slot of items[i],
// or {InvalidTile, -1} when the position was rejected. Within a tile, items
// keep their input order. Returns the number of rejected items.
func (x *Index) AddBatch(items []Item, slots []Slot) int {
	// Bucket by tile so that each tile is appended by exactly one worker
	buckets := make(map[int][]int)
	rejected := 0
	for i := range items {
		tile, ok := x.grid.Classify(items[i].Pos)
		if !ok {
			slots[i] = Slot{Tile: InvalidTile, Index: -1}
			rejected++
			continue
		}
		buckets[tile] = append(buckets[tile], i)
	}

	order := make([]int, 0, len(buckets))
	for tile := range buckets {
		order = append(order, tile)
	}

	x.parallelFor(len(order), func(start, end int) {
		for _, tile := range order[start:end] {
			for _, i := range buckets[tile] {
				slots[i] = x.addToTile(tile, items[i].Handle, items[i].Density)
			}
		}
	})
	return rejected
}

// Remove deletes the instance at s by moving the tile's last instance into
// its place. When a move happened, the moved handle now lives at s and the
// caller must update that object's back-reference.
func (x *Index) Remove(s Slot) (moved Handle, didMove bool, err error) {
	if s.Tile < 0 || s.Tile >= len(x.members) || s.Index < 0 || s.Index >= len(x.members[s.Tile]) {
		return 0, false, fmt.Errorf("%w: %+v", ErrInvalidSlot, s)
	}

	ms := x.members[s.Tile]
	last := len(ms) - 1
	if s.Index != last {
		ms[s.Index] = ms[last]
		moved, didMove = ms[s.Index].handle, true
	}
	x.members[s.Tile] = ms[:last]
	x.counts[s.Tile].Add(-1)
	x.markDirty(s.Tile)
	x.total.Add(-1)
	return moved, didMove, nil
}

// Commit runs the batched changed-tile pass: every tile touched since the
// previous Commit gets exactly one revision bump and fresh density metadata.
// The returned slice is reused by the next Commit.
func (x *Index) Commit() []TileChange {
	x.changed = x.changed[:0]
	for w := range x.dirty {
		word := x.dirty[w].Swap(0)
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			word &^= 1 << bit
			tile := w*64 + bit
			x.revs[tile]++
			x.changed = append(x.changed, TileChange{
				Tile:     tile,
				Count:    int(x.counts[tile].Load()),
				Revision: x.revs[tile],
			})
		}
	}

	changed := x.changed
	x.parallelFor(len(changed), func(start, end int) {
		var buf []float64
		for _, c := range changed[start:end] {
			buf = x.recomputeDensity(c.Tile, buf[:0])
		}
	})
	return x.changed
}

func (x *Index) recomputeDensity(tile int, buf []float64) []float64 {
	ms := x.members[tile]
	if len(ms) == 0 {
		x.density[tile] = Density{}
		return buf
	}
	for _, m := range ms {
		buf = append(buf, m.density)
	}
	x.density[tile] = Density{
		Min:  floats.Min(buf),
		Max:  floats.Max(buf),
		Mean: stat.Mean(buf, nil),
	}
	return buf
}

// Count returns the live instance count of a tile.
func (x *Index) Count(tile int) int {
	return int(x.counts[tile].Load())
}

// Revision returns the tile revision as of the last Commit.
func (x *Index) Revision(tile int) uint32 {
	return x.revs[tile]
}

// Density returns the tile density metadata as of the last Commit.
func (x *Index) Density(tile int) Density {
	return x.density[tile]
}

// Total returns the number of indexed instances.
func (x *Index) Total() int {
	return int(x.total.Load())
}

// Handle returns the handle stored at s.
func (x *Index) Handle(s Slot) (Handle, bool) {
	if s.Tile < 0 || s.Tile >= len(x.members) || s.Index < 0 || s.Index >= len(x.members[s.Tile]) {
		return 0, false
	}
	return x.members[s.Tile][s.Index].handle, true
}

// Handles appends the handles of instances [first, first+n) of tile to dst.
func (x *Index) Handles(tile, first, n int, dst []Handle) []Handle {
	ms := x.members[tile]
	end := min(first+n, len(ms))
	for i := first; i < end; i++ {
		dst = append(dst, ms[i].handle)
	}
	return dst
}

func (x *Index) markDirty(tile int) {
	x.dirty[tile/64].Or(1 << (tile & 63))
}

func (x *Index) parallelFor(n int, fn func(start, end int)) {
	if x.pool == nil {
		fn(0, n)
		return
	}
	x.pool.ParallelFor(n, fn)
}
