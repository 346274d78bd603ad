package spatial

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/scatter/sched"
)

func testGrid(t *testing.T) Grid {
	t.Helper()
	g, err := NewGrid(r2.Box{Max: r2.Vec{X: 640, Y: 320}}, 64)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	return g
}

func TestNewGridRejectsDegenerate(t *testing.T) {
	tests := []struct {
		name string
		box  r2.Box
		cell float64
	}{
		{"zero cell", r2.Box{Max: r2.Vec{X: 10, Y: 10}}, 0},
		{"nan cell", r2.Box{Max: r2.Vec{X: 10, Y: 10}}, math.NaN()},
		{"empty canvas", r2.Box{}, 8},
		{"inverted canvas", r2.Box{Min: r2.Vec{X: 10, Y: 10}}, 8},
	}
	for _, tc := range tests {
		if _, err := NewGrid(tc.box, tc.cell); !errors.Is(err, ErrInvalidGrid) {
			t.Errorf("%s: expected ErrInvalidGrid, got %v", tc.name, err)
		}
	}
}

func TestClassify(t *testing.T) {
	g := testGrid(t)
	if g.TilesX != 10 || g.TilesY != 5 {
		t.Fatalf("expected 10x5 tiles, got %dx%d", g.TilesX, g.TilesY)
	}

	tests := []struct {
		pos  r2.Vec
		tile int
		ok   bool
	}{
		{r2.Vec{X: 0, Y: 0}, 0, true},
		{r2.Vec{X: 63.9, Y: 0}, 0, true},
		{r2.Vec{X: 64, Y: 0}, 1, true},
		{r2.Vec{X: 100, Y: 130}, 2*10 + 1, true},
		{r2.Vec{X: 640, Y: 320}, 4*10 + 9, true}, // max edge folds into last tile
		{r2.Vec{X: -0.1, Y: 5}, InvalidTile, false},
		{r2.Vec{X: 5, Y: 320.5}, InvalidTile, false},
		{r2.Vec{X: math.NaN(), Y: 5}, InvalidTile, false},
	}
	for _, tc := range tests {
		tile, ok := g.Classify(tc.pos)
		if tile != tc.tile || ok != tc.ok {
			t.Errorf("Classify(%v): expected (%d, %v), got (%d, %v)", tc.pos, tc.tile, tc.ok, tile, ok)
		}
	}
}

func TestTileRangeClamps(t *testing.T) {
	g := testGrid(t)

	lo, hi, ok := g.TileRange(r2.Box{Min: r2.Vec{X: -100, Y: 10}, Max: r2.Vec{X: 70, Y: 70}})
	if !ok {
		t.Fatal("expected overlap")
	}
	if lo != (TileCoord{0, 0}) || hi != (TileCoord{1, 1}) {
		t.Errorf("expected [0,0]-[1,1], got %v-%v", lo, hi)
	}

	if _, _, ok := g.TileRange(r2.Box{Min: r2.Vec{X: 700, Y: 0}, Max: r2.Vec{X: 800, Y: 10}}); ok {
		t.Error("expected no overlap outside the canvas")
	}
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	w := WrappedGrid{W: 4, H: 3}
	origins := []TileCoord{{0, 0}, {10, 10}, {7, 2}, {-3, 5}}

	for _, origin := range origins {
		seen := make(map[int]bool)
		for y := origin.Y; y < origin.Y+w.H; y++ {
			for x := origin.X; x < origin.X+w.W; x++ {
				c := TileCoord{x, y}
				slot := w.Wrap(c)
				if seen[slot] {
					t.Fatalf("origin %v: slot %d assigned twice", origin, slot)
				}
				seen[slot] = true
				if got := w.Unwrap(slot, origin); got != c {
					t.Errorf("origin %v: Unwrap(Wrap(%v)) = %v", origin, c, got)
				}
				if !w.Contains(c, origin) {
					t.Errorf("origin %v: expected %v inside window", origin, c)
				}
			}
		}
		if len(seen) != w.Slots() {
			t.Errorf("origin %v: expected %d slots, got %d", origin, w.Slots(), len(seen))
		}
	}
}

func TestSwapBackInvariant(t *testing.T) {
	g := testGrid(t)
	x := NewIndex(g, nil)
	pos := r2.Vec{X: 10, Y: 10}
	tile, _ := g.Classify(pos)

	// slotOf tracks where each handle lives, the way a caller would
	slotOf := make(map[Handle]int)
	for h := Handle(0); h < 50; h++ {
		s, err := x.Add(h, pos, 1)
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		slotOf[h] = s.Index
	}

	rng := rand.New(rand.NewSource(1))
	for len(slotOf) > 0 {
		var victim Handle
		k := rng.Intn(len(slotOf))
		for h := range slotOf {
			if k == 0 {
				victim = h
				break
			}
			k--
		}

		before := x.Count(tile)
		idx := slotOf[victim]
		moved, didMove, err := x.Remove(Slot{Tile: tile, Index: idx})
		if err != nil {
			t.Fatalf("Remove: %v", err)
		}
		delete(slotOf, victim)
		if didMove {
			slotOf[moved] = idx
		}

		if x.Count(tile) != before-1 {
			t.Fatalf("expected count %d, got %d", before-1, x.Count(tile))
		}
		used := make(map[int]bool)
		for h, i := range slotOf {
			if i < 0 || i >= x.Count(tile) || used[i] {
				t.Fatalf("handle %d has invalid or duplicate index %d", h, i)
			}
			used[i] = true
			if got, _ := x.Handle(Slot{Tile: tile, Index: i}); got != h {
				t.Fatalf("slot %d holds %d, expected %d", i, got, h)
			}
		}
	}
}

func TestCommitBumpsRevisionOncePerPass(t *testing.T) {
	g := testGrid(t)
	x := NewIndex(g, nil)

	for i := 0; i < 10; i++ {
		if _, err := x.Add(Handle(i), r2.Vec{X: 5, Y: 5}, float64(i)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := x.Add(99, r2.Vec{X: 600, Y: 300}, 0.5); err != nil {
		t.Fatal(err)
	}

	changes := x.Commit()
	if len(changes) != 2 {
		t.Fatalf("expected 2 changed tiles, got %d", len(changes))
	}
	if changes[0].Tile != 0 || changes[0].Count != 10 || changes[0].Revision != 1 {
		t.Errorf("unexpected first change %+v", changes[0])
	}

	d := x.Density(0)
	if d.Min != 0 || d.Max != 9 || d.Mean != 4.5 {
		t.Errorf("unexpected density %+v", d)
	}

	if len(x.Commit()) != 0 {
		t.Error("expected no changes on a clean pass")
	}
	if x.Revision(0) != 1 {
		t.Errorf("expected revision to stay 1, got %d", x.Revision(0))
	}
}

func TestAddBatchParallel(t *testing.T) {
	g := testGrid(t)
	pool := sched.NewPool(4, 1)
	defer pool.Stop()
	x := NewIndex(g, pool)

	rng := rand.New(rand.NewSource(7))
	items := make([]Item, 5000)
	for i := range items {
		items[i] = Item{Handle: Handle(i), Pos: r2.Vec{X: rng.Float64() * 700, Y: rng.Float64() * 320}, Density: 1}
	}
	slots := make([]Slot, len(items))
	rejected := x.AddBatch(items, slots)

	if x.Total() != len(items)-rejected {
		t.Fatalf("expected total %d, got %d", len(items)-rejected, x.Total())
	}
	if rejected == 0 {
		t.Error("expected some positions beyond max_x to be rejected")
	}
	for i, s := range slots {
		if s.Tile == InvalidTile {
			continue
		}
		if h, ok := x.Handle(s); !ok || h != items[i].Handle {
			t.Fatalf("item %d: slot %+v holds %d", i, s, h)
		}
	}
}

func TestResetInvalidatesEverything(t *testing.T) {
	g := testGrid(t)
	x := NewIndex(g, nil)
	x.Add(1, r2.Vec{X: 1, Y: 1}, 1)
	x.Commit()

	g2, _ := NewGrid(r2.Box{Max: r2.Vec{X: 128, Y: 128}}, 32)
	x.Reset(g2)
	if x.Total() != 0 || x.Grid().NumTiles() != 16 {
		t.Errorf("expected empty 16-tile index, got total=%d tiles=%d", x.Total(), x.Grid().NumTiles())
	}
	if _, ok := x.Handle(Slot{Tile: 0, Index: 0}); ok {
		t.Error("expected old slot to be invalid")
	}
	if _, _, err := x.Remove(Slot{Tile: 0, Index: 0}); !errors.Is(err, ErrInvalidSlot) {
		t.Errorf("expected ErrInvalidSlot, got %v", err)
	}
}
