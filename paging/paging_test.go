package paging

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/pthm-cable/scatter/gpu"
	"github.com/pthm-cable/scatter/sched"
)

const testPageSize = 512

func TestPagesNeeded(t *testing.T) {
	tests := []struct {
		count, want int
	}{
		{0, 0},
		{1, 1},
		{testPageSize, 1},
		{testPageSize + 1, 2},
		{3 * testPageSize, 3},
	}
	for _, tc := range tests {
		if got := PagesNeeded(tc.count, testPageSize); got != tc.want {
			t.Errorf("PagesNeeded(%d): expected %d, got %d", tc.count, tc.want, got)
		}
	}
}

func TestPoolPrefersFreeList(t *testing.T) {
	p := NewPool(0)
	ids, _ := p.Reserve(4)
	p.Release(ids[1:3])

	got, err := p.Reserve(3)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	seen := map[PageID]bool{}
	for _, id := range got {
		seen[id] = true
	}
	if !seen[1] || !seen[2] || !seen[4] {
		t.Errorf("expected free ids 1,2 then fresh id 4, got %v", got)
	}
	if p.Allocated() != 5 || p.FreeCount() != 0 {
		t.Errorf("expected 5 allocated and empty free list, got %d/%d", p.Allocated(), p.FreeCount())
	}
}

func TestPoolCap(t *testing.T) {
	p := NewPool(4)
	if _, err := p.Reserve(3); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Reserve(2); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("expected ErrPoolExhausted, got %v", err)
	}
	if p.Allocated() != 3 {
		t.Errorf("failed reservation must not allocate, got %d", p.Allocated())
	}
	if p.Headroom() != 1 {
		t.Errorf("expected headroom 1, got %d", p.Headroom())
	}
}

// checkOwnership verifies that no page is owned twice or both owned and free.
func checkOwnership(t *testing.T, tb *Table, pool *Pool) {
	t.Helper()
	owner := make(map[PageID]int)
	for tile, ps := range tb.pages {
		for _, id := range ps {
			if prev, ok := owner[id]; ok {
				t.Fatalf("page %d owned by tiles %d and %d", id, prev, tile)
			}
			owner[id] = tile
		}
	}
	for _, id := range pool.FreeList() {
		if tile, ok := owner[id]; ok {
			t.Fatalf("page %d is free but owned by tile %d", id, tile)
		}
	}
	if len(owner)+pool.FreeCount() != pool.Allocated() {
		t.Fatalf("leak: %d owned + %d free != %d allocated", len(owner), pool.FreeCount(), pool.Allocated())
	}
}

func TestTableOwnershipInvariant(t *testing.T) {
	workers := sched.NewPool(4, 1)
	defer workers.Stop()

	pool := NewPool(0)
	tb := NewTable(pool, 64, 8, 0, workers)
	counts := make([]int, 64)
	rng := rand.New(rand.NewSource(3))

	for pass := 0; pass < 200; pass++ {
		var targets []Target
		for k := 0; k < 10; k++ {
			tile := rng.Intn(64)
			counts[tile] = rng.Intn(60)
			targets = append(targets, Target{Tile: tile, Count: counts[tile]})
		}
		// Deduplicate: last target per tile wins, as the engine does
		seen := map[int]bool{}
		var uniq []Target
		for i := len(targets) - 1; i >= 0; i-- {
			if !seen[targets[i].Tile] {
				seen[targets[i].Tile] = true
				uniq = append(uniq, targets[i])
			}
		}

		res := tb.Apply(uniq)
		if len(res.Failed) != 0 {
			t.Fatalf("unexpected failures %v", res.Failed)
		}
		checkOwnership(t, tb, pool)
		for _, tg := range uniq {
			if got, want := len(tb.Pages(tg.Tile)), PagesNeeded(tg.Count, 8); got != want {
				t.Fatalf("tile %d: expected %d pages, got %d", tg.Tile, want, got)
			}
		}
	}
}

func TestTableSamePassReuse(t *testing.T) {
	pool := NewPool(0)
	tb := NewTable(pool, 4, 8, 0, nil)
	tb.Apply([]Target{{Tile: 0, Count: 24}})
	if pool.Allocated() != 3 {
		t.Fatalf("expected 3 pages allocated, got %d", pool.Allocated())
	}

	// Tile 0 shrinks by 2 pages while tile 1 grows by 2 in the same pass
	res := tb.Apply([]Target{{Tile: 0, Count: 8}, {Tile: 1, Count: 16}})
	if res.Reused != 2 || res.FromPool != 0 || res.Returned != 0 {
		t.Errorf("expected 2 reused pages and none from the pool, got %+v", res)
	}
	if pool.Allocated() != 3 {
		t.Errorf("peak allocation should not grow, got %d", pool.Allocated())
	}
	checkOwnership(t, tb, pool)
}

func TestTableRoundTrip(t *testing.T) {
	pool := NewPool(0)
	tb := NewTable(pool, 1, testPageSize, 0, nil)

	const n = 3*testPageSize + 7
	tb.Apply([]Target{{Tile: 0, Count: n}})
	if len(tb.Pages(0)) != 4 {
		t.Fatalf("expected 4 pages, got %d", len(tb.Pages(0)))
	}

	// Remove everything in reverse, one bookkeeping pass per 100 removals
	for c := n; c > 0; c -= 100 {
		tb.Apply([]Target{{Tile: 0, Count: max(c-100, 0)}})
	}
	if len(tb.Pages(0)) != 0 {
		t.Errorf("expected no pages, got %d", len(tb.Pages(0)))
	}
	if pool.FreeCount() != 4 || pool.InUse() != 0 {
		t.Errorf("expected all 4 pages back on the free list, got free=%d in_use=%d", pool.FreeCount(), pool.InUse())
	}
}

func TestTableReservesFreeListFirst(t *testing.T) {
	pool := NewPool(0)
	tb := NewTable(pool, 3, 8, 0, nil)
	tb.Apply([]Target{{Tile: 0, Count: 16}})
	tb.Apply([]Target{{Tile: 0, Count: 0}})
	if pool.FreeCount() != 2 {
		t.Fatalf("expected 2 free pages, got %d", pool.FreeCount())
	}

	// A separate pass, so nothing is pending and the pool serves all 3
	res := tb.Apply([]Target{{Tile: 1, Count: 24}})
	if res.Reused != 0 || res.FromPool != 3 {
		t.Errorf("expected 3 pages from the pool, got %+v", res)
	}
	if pool.Allocated() != 3 || pool.FreeCount() != 0 {
		t.Errorf("expected both free pages reused and 1 fresh id, got allocated %d free %d",
			pool.Allocated(), pool.FreeCount())
	}
	checkOwnership(t, tb, pool)
}

func TestTableRejectsGrowthPastCap(t *testing.T) {
	pool := NewPool(5)
	tb := NewTable(pool, 3, 8, 0, nil)
	tb.Apply([]Target{{Tile: 0, Count: 16}})

	res := tb.Apply([]Target{{Tile: 1, Count: 16}, {Tile: 2, Count: 16}})
	if len(res.Failed) != 1 || res.Failed[0] != 2 {
		t.Fatalf("expected tile 2 to fail, got %v", res.Failed)
	}
	if len(tb.Pages(1)) != 2 || len(tb.Pages(2)) != 0 {
		t.Errorf("expected tile 1 grown and tile 2 untouched, got %d/%d", len(tb.Pages(1)), len(tb.Pages(2)))
	}
	checkOwnership(t, tb, pool)
}

func TestTableClampsPerTile(t *testing.T) {
	pool := NewPool(0)
	tb := NewTable(pool, 1, 8, 2, nil)
	res := tb.Apply([]Target{{Tile: 0, Count: 100}})
	if len(res.Clamped) != 1 || len(tb.Pages(0)) != 2 {
		t.Errorf("expected clamp to 2 pages, got %d pages, clamped=%v", len(tb.Pages(0)), res.Clamped)
	}
}

func fillPage(dev *gpu.HostDevice, b *Backing, id PageID, v byte) {
	data := bytes.Repeat([]byte{v}, int(b.Stride()))
	dev.WriteBuffer(b.Buffer(), b.Offset(id), data)
}

func readPage(t *testing.T, dev *gpu.HostDevice, b *Backing, id PageID) []byte {
	t.Helper()
	data, err := dev.ReadBuffer(b.Buffer(), b.Offset(id), b.Stride())
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	return data
}

func TestBackingGrowthPreservesData(t *testing.T) {
	dev := gpu.NewHostDevice()
	b, err := NewBacking(dev, "instances", 16, 2, 1.5, 0)
	if err != nil {
		t.Fatal(err)
	}
	fillPage(dev, b, 0, 0xaa)
	fillPage(dev, b, 1, 0xbb)

	grew, err := b.Ensure(3)
	if err != nil || !grew {
		t.Fatalf("expected growth, got %v %v", grew, err)
	}
	if b.Capacity() != 3 {
		t.Errorf("expected capacity max(3, ceil(2*1.5)) = 3, got %d", b.Capacity())
	}
	if grew, _ := b.Ensure(3); grew {
		t.Error("expected no growth when capacity suffices")
	}
	if readPage(t, dev, b, 0)[0] != 0xaa || readPage(t, dev, b, 1)[0] != 0xbb {
		t.Error("page contents lost across growth")
	}

	b.Collect()
	if dev.Stats().Buffers != 1 {
		t.Errorf("expected retired buffer destroyed, got %d buffers", dev.Stats().Buffers)
	}
}

func TestBackingLimit(t *testing.T) {
	dev := gpu.NewHostDevice()
	b, _ := NewBacking(dev, "sim", 8, 2, 2, 3)
	if _, err := b.Ensure(3); err != nil {
		t.Fatalf("Ensure(3): %v", err)
	}
	if b.Capacity() != 3 {
		t.Errorf("expected growth clamped to limit 3, got %d", b.Capacity())
	}
	if _, err := b.Ensure(4); !errors.Is(err, ErrBackingLimit) {
		t.Errorf("expected ErrBackingLimit, got %v", err)
	}
}

func TestDefragmentCompactsAndPreservesData(t *testing.T) {
	dev := gpu.NewHostDevice()
	pool := NewPool(0)
	tb := NewTable(pool, 3, 1, 0, nil)
	b, _ := NewBacking(dev, "instances", 4, 8, 1.5, 0)
	set := NewBackingSet(dev, b)

	tb.Apply([]Target{{Tile: 0, Count: 3}, {Tile: 1, Count: 3}, {Tile: 2, Count: 2}})
	if _, err := set.Ensure(pool.Allocated()); err != nil {
		t.Fatal(err)
	}
	// Tag each page with its owner tile and position
	for tile := 0; tile < 3; tile++ {
		for i, id := range tb.Pages(tile) {
			fillPage(dev, b, id, byte(tile*16+i))
		}
	}

	// Tile 0 drops to one page, fragmenting the pool
	tb.Apply([]Target{{Tile: 0, Count: 1}})
	if pool.FreeCount() != 2 {
		t.Fatalf("expected 2 free pages, got %d", pool.FreeCount())
	}
	policy := DefragPolicy{Threshold: 0.2, MinPages: 1}
	if !policy.ShouldDefrag(pool) {
		t.Fatal("expected defrag to trigger")
	}

	res, err := Defragment(tb, pool, set)
	if err != nil {
		t.Fatalf("Defragment: %v", err)
	}
	if res.Pages != 6 || pool.Allocated() != 6 || pool.FreeCount() != 0 {
		t.Errorf("expected 6 dense pages and empty free list, got %+v alloc=%d free=%d", res, pool.Allocated(), pool.FreeCount())
	}
	if policy.ShouldDefrag(pool) {
		t.Error("expected no defrag on a compact pool")
	}

	next := PageID(0)
	for tile := 0; tile < 3; tile++ {
		for i, id := range tb.Pages(tile) {
			if id != next {
				t.Errorf("tile %d page %d: expected id %d, got %d", tile, i, next, id)
			}
			next++
			if got := readPage(t, dev, b, id)[0]; got != byte(tile*16+i) {
				t.Errorf("tile %d page %d: expected tag %d, got %d", tile, i, tile*16+i, got)
			}
		}
	}
	checkOwnership(t, tb, pool)
}
