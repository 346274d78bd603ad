package paging

import (
	"sync/atomic"

	"github.com/pthm-cable/scatter/logging"
	"github.com/pthm-cable/scatter/sched"
)

// Target is the instance count a tile should be paged for after this pass.
// Count 0 releases every page of the tile.
type Target struct {
	Tile  int
	Count int
}

// PassResult summarises one Apply pass.
type PassResult struct {
	Freed    int   // pages moved to the pending-free set
	Reused   int   // grown pages satisfied from the pending-free set
	FromPool int   // grown pages satisfied from the pool
	Returned int   // pending pages released back to the pool
	Failed   []int // tiles whose growth was rejected; they keep their old pages
	Clamped  []int // tiles capped at the per-tile page limit
}

type tilePlan struct {
	tile int
	have int
	need int
}

// Table holds the ordered page list of every tile. A tile's list only
// changes inside Apply (and compaction), once per bookkeeping pass.
type Table struct {
	pool        *Pool
	workers     *sched.Pool
	pageSize    int
	maxPerTile  int
	pages       [][]PageID
	plans       []tilePlan
	pending     []PageID
	pendingLen  atomic.Int64
	grant       []PageID
	grantCursor atomic.Int64
}

// NewTable creates a table for numTiles tiles. maxPerTile caps the pages of
// any single tile; 0 means unbounded. workers may be nil.
func NewTable(pool *Pool, numTiles, pageSize, maxPerTile int, workers *sched.Pool) *Table {
	return &Table{
		pool:       pool,
		workers:    workers,
		pageSize:   pageSize,
		maxPerTile: maxPerTile,
		pages:      make([][]PageID, numTiles),
	}
}

// Reset drops every mapping and resizes the table. Pages are not returned
// to the pool; callers reset the pool alongside.
func (t *Table) Reset(numTiles int) {
	t.pages = make([][]PageID, numTiles)
}

// ReleaseAll returns every owned page to the pool and clears the mappings.
func (t *Table) ReleaseAll() {
	for tile, ps := range t.pages {
		t.pool.Release(ps)
		t.pages[tile] = nil
	}
}

// Pages returns the page list of a tile. The slice is owned by the table.
func (t *Table) Pages(tile int) []PageID {
	return t.pages[tile]
}

// PageSize returns the logical page capacity in instances.
func (t *Table) PageSize() int {
	return t.pageSize
}

// Capacity returns the number of instances a tile's pages can hold.
func (t *Table) Capacity(tile int) int {
	return len(t.pages[tile]) * t.pageSize
}

// Owned returns the total number of pages owned by tiles.
func (t *Table) Owned() int {
	n := 0
	for _, ps := range t.pages {
		n += len(ps)
	}
	return n
}

// Apply brings every target tile to ceil(count / pageSize) pages in two
// phases. The free phase trims shrinking tiles from the back of their lists
// into a pending-free set. The reserve phase grows tiles from that set
// first, then from the pool. Pages left in the set go back to the pool, so
// peak allocation grows by the net change of the pass only.
func (t *Table) Apply(targets []Target) PassResult {
	var res PassResult

	t.plans = t.plans[:0]
	shrink, grow := 0, 0
	for _, tg := range targets {
		need := PagesNeeded(tg.Count, t.pageSize)
		if t.maxPerTile > 0 && need > t.maxPerTile {
			need = t.maxPerTile
			res.Clamped = append(res.Clamped, tg.Tile)
		}
		have := len(t.pages[tg.Tile])
		if need == have {
			continue
		}
		t.plans = append(t.plans, tilePlan{tile: tg.Tile, have: have, need: need})
		if need < have {
			shrink += have - need
		} else {
			grow += need - have
		}
	}
	if len(t.plans) == 0 {
		return res
	}

	// Free phase: each shrinking tile claims a disjoint slice of the
	// pending set with one fetch-add.
	if cap(t.pending) < shrink {
		t.pending = make([]PageID, shrink)
	}
	t.pending = t.pending[:shrink]
	t.pendingLen.Store(0)
	t.parallelFor(len(t.plans), func(start, end int) {
		for i := start; i < end; i++ {
			pl := &t.plans[i]
			if pl.need >= pl.have {
				continue
			}
			k := pl.have - pl.need
			off := t.pendingLen.Add(int64(k)) - int64(k)
			ps := t.pages[pl.tile]
			copy(t.pending[off:off+int64(k)], ps[pl.need:])
			t.pages[pl.tile] = ps[:pl.need]
		}
	})
	res.Freed = shrink

	// Reject growth that cannot be backed, in target order
	if grow > 0 {
		if room := t.pool.Headroom(); room >= 0 && grow > shrink+room {
			budget := shrink + room
			for i := range t.plans {
				pl := &t.plans[i]
				if pl.need <= pl.have {
					continue
				}
				k := pl.need - pl.have
				if k <= budget {
					budget -= k
					continue
				}
				res.Failed = append(res.Failed, pl.tile)
				grow -= k
				pl.need = pl.have
			}
			logging.Logger().Warn("page pool exhausted, rejecting tile growth",
				"failed_tiles", len(res.Failed), "limit", t.pool.Limit())
		}
	}

	// Reserve phase: pending pages first, then the pool
	if grow > 0 {
		reused := min(grow, shrink)
		if cap(t.grant) < grow {
			t.grant = make([]PageID, grow)
		}
		t.grant = t.grant[:grow]
		copy(t.grant, t.pending[shrink-reused:shrink])
		t.pending = t.pending[:shrink-reused]
		res.Reused = reused

		if rest := grow - reused; rest > 0 {
			ids, err := t.pool.Reserve(rest)
			if err != nil {
				// Headroom was checked above; only a concurrent caller can get here
				logging.Logger().Error("page reservation failed after headroom check", "error", err)
				t.pool.Release(t.grant[:reused])
				return t.abortGrowth(res)
			}
			copy(t.grant[reused:], ids)
			res.FromPool = rest
		}

		t.grantCursor.Store(0)
		t.parallelFor(len(t.plans), func(start, end int) {
			for i := start; i < end; i++ {
				pl := &t.plans[i]
				if pl.need <= pl.have {
					continue
				}
				k := int64(pl.need - pl.have)
				off := t.grantCursor.Add(k) - k
				t.pages[pl.tile] = append(t.pages[pl.tile], t.grant[off:off+k]...)
			}
		})
	}

	// Whatever the reserve phase did not consume goes back to the pool
	res.Returned = len(t.pending)
	t.pool.Release(t.pending)
	t.pending = t.pending[:0]

	logging.Logger().Debug("page pass",
		"tiles", len(t.plans), "freed", res.Freed, "reused", res.Reused,
		"from_pool", res.FromPool, "returned", res.Returned)
	return res
}

// abortGrowth marks every growing tile failed after a claim error.
func (t *Table) abortGrowth(res PassResult) PassResult {
	for _, pl := range t.plans {
		if pl.need > pl.have {
			res.Failed = append(res.Failed, pl.tile)
		}
	}
	res.Returned = len(t.pending)
	t.pool.Release(t.pending)
	t.pending = t.pending[:0]
	res.Reused, res.FromPool = 0, 0
	return res
}

func (t *Table) parallelFor(n int, fn func(start, end int)) {
	if t.workers == nil {
		fn(0, n)
		return
	}
	t.workers.ParallelFor(n, fn)
}
