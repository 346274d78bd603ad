package paging

import (
	"fmt"

	"github.com/pthm-cable/scatter/logging"
)

// DefragPolicy decides when compaction is worth a full copy of the resident
// pages.
type DefragPolicy struct {
	Threshold float64 // minimum free/allocated ratio
	MinPages  int     // minimum allocated pages
}

// ShouldDefrag reports whether the pool is fragmented enough to compact.
func (p DefragPolicy) ShouldDefrag(pool *Pool) bool {
	if p.Threshold <= 0 || pool.Allocated() < p.MinPages || pool.FreeCount() == 0 {
		return false
	}
	return pool.Fragmentation() >= p.Threshold
}

// copyRun is a run of pages that stay contiguous across compaction.
type copyRun struct {
	from, to PageID
	n        int
}

// DefragResult summarises a compaction.
type DefragResult struct {
	Pages  int // resident pages after compaction
	Moved  int // pages whose id changed
	Runs   int // copy commands per backing
	Before int // allocated ids before compaction
}

// Defragment renumbers every owned page to the dense range [0, n) in tile
// order, copies page contents from each backing's current buffer into its
// staging buffer at the new ids, submits, then swaps the pairs and rewrites
// the table. The pool is reset so that its free list is empty.
//
// The current buffers are never written, so GPU work from the previous
// frame still reading them stays valid.
func Defragment(t *Table, pool *Pool, set *BackingSet) (DefragResult, error) {
	res := DefragResult{Before: pool.Allocated()}

	var runs []copyRun
	next := PageID(0)
	for _, ps := range t.pages {
		for _, old := range ps {
			if old != next {
				res.Moved++
			}
			if n := len(runs); n > 0 && runs[n-1].from+PageID(runs[n-1].n) == old && runs[n-1].to+PageID(runs[n-1].n) == next {
				runs[n-1].n++
			} else {
				runs = append(runs, copyRun{from: old, to: next, n: 1})
			}
			next++
		}
	}
	res.Pages = int(next)
	res.Runs = len(runs)

	for _, b := range set.backings {
		pair, err := b.ensureStaging()
		if err != nil {
			return res, err
		}
		for _, r := range runs {
			if err := set.dev.CopyBuffer(pair.current, pair.staging, b.Offset(r.from), b.Offset(r.to), uint64(r.n)*b.stride); err != nil {
				return res, fmt.Errorf("compacting %s: %w", b.label, err)
			}
		}
	}
	if err := set.dev.Submit(); err != nil {
		return res, fmt.Errorf("submitting compaction: %w", err)
	}

	for _, b := range set.backings {
		b.swap()
	}

	next = 0
	for _, ps := range t.pages {
		for i := range ps {
			ps[i] = next
			next++
		}
	}
	pool.Reset(res.Pages)

	logging.Logger().Info("pages defragmented",
		"pages", res.Pages, "moved", res.Moved, "runs", res.Runs, "allocated_before", res.Before)
	return res, nil
}
