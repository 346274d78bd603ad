// Package paging allocates fixed-size instance pages to tiles and manages
// the GPU buffers that back them.
package paging

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrPoolExhausted is returned when a reservation would push the number of
// allocated pages past the configured cap.
var ErrPoolExhausted = errors.New("paging: page pool exhausted")

// PageID identifies a logical page. IDs are dense, starting at zero.
type PageID uint32

// PagesNeeded returns ceil(count / pageSize).
func PagesNeeded(count, pageSize int) int {
	if count <= 0 {
		return 0
	}
	return (count + pageSize - 1) / pageSize
}

// Pool hands out page ids. Released ids go to a free list and are preferred
// by later reservations; fresh ids come from a monotonically increasing
// counter advanced with atomic claims, so concurrent claimers always get
// disjoint ranges.
type Pool struct {
	mu    sync.Mutex
	free  []PageID
	next  atomic.Uint32
	limit uint32
}

// NewPool creates an empty pool. limit caps the number of ids ever
// allocated; 0 means unbounded.
func NewPool(limit int) *Pool {
	return &Pool{limit: uint32(max(limit, 0))}
}

// Reserve returns n page ids, free list first, then fresh ids claimed with
// ClaimRange. The reservation is all or nothing: on ErrPoolExhausted no ids
// are taken. Table.Apply reserves through it once pending pages run out.
func (p *Pool) Reserve(n int) ([]PageID, error) {
	if n <= 0 {
		return nil, nil
	}
	out := make([]PageID, 0, n)

	p.mu.Lock()
	take := min(n, len(p.free))
	out = append(out, p.free[len(p.free)-take:]...)
	p.free = p.free[:len(p.free)-take]
	p.mu.Unlock()

	if rest := n - take; rest > 0 {
		first, err := p.ClaimRange(rest)
		if err != nil {
			p.Release(out)
			return nil, err
		}
		for i := 0; i < rest; i++ {
			out = append(out, first+PageID(i))
		}
	}
	return out, nil
}

// ClaimRange atomically allocates n fresh consecutive ids and returns the
// first one.
func (p *Pool) ClaimRange(n int) (PageID, error) {
	for {
		cur := p.next.Load()
		end := uint64(cur) + uint64(n)
		if p.limit > 0 && end > uint64(p.limit) {
			return 0, fmt.Errorf("%w: need %d, %d of %d allocated", ErrPoolExhausted, n, cur, p.limit)
		}
		if p.next.CompareAndSwap(cur, uint32(end)) {
			return PageID(cur), nil
		}
	}
}

// Headroom returns how many pages can still be obtained: free list plus
// ids left under the cap. Returns -1 when unbounded.
func (p *Pool) Headroom() int {
	if p.limit == 0 {
		return -1
	}
	return p.FreeCount() + int(p.limit-p.next.Load())
}

// Release returns ids to the free list. Page contents are left untouched.
func (p *Pool) Release(ids []PageID) {
	if len(ids) == 0 {
		return
	}
	p.mu.Lock()
	p.free = append(p.free, ids...)
	p.mu.Unlock()
}

// Allocated returns the high-water mark: every id below it has been issued.
func (p *Pool) Allocated() int {
	return int(p.next.Load())
}

// FreeCount returns the number of ids on the free list.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// InUse returns the number of ids currently owned by tiles.
func (p *Pool) InUse() int {
	return p.Allocated() - p.FreeCount()
}

// Fragmentation returns the share of allocated ids sitting on the free list.
func (p *Pool) Fragmentation() float64 {
	alloc := p.Allocated()
	if alloc == 0 {
		return 0
	}
	return float64(p.FreeCount()) / float64(alloc)
}

// Limit returns the allocation cap, 0 when unbounded.
func (p *Pool) Limit() int {
	return int(p.limit)
}

// FreeList returns a copy of the free list.
func (p *Pool) FreeList() []PageID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PageID, len(p.free))
	copy(out, p.free)
	return out
}

// Reset empties the free list and sets the high-water mark. Used after
// compaction, when ids [0, allocated) are exactly the owned pages.
func (p *Pool) Reset(allocated int) {
	p.mu.Lock()
	p.free = p.free[:0]
	p.mu.Unlock()
	p.next.Store(uint32(allocated))
}
