// Package window tracks the active window: the toroidally indexed square of
// tiles around the focus that is kept resident.
package window

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/scatter/logging"
	"github.com/pthm-cable/scatter/spatial"
)

// ErrInvalidWindow is returned for a non-positive radius or an invalid grid.
var ErrInvalidWindow = errors.New("window: invalid window")

// State classifies how the window moved this frame.
type State int

const (
	// Stable: same origin, refresh driven by revision changes only.
	Stable State = iota
	// Recenter: origin moved but the windows overlap; only the boundary
	// ring enters and exits.
	Recenter
	// FullReset: first frame, dimension change, or no overlap. Every tile
	// is refreshed and queued uploads are discarded.
	FullReset
)

func (s State) String() string {
	switch s {
	case Stable:
		return "stable"
	case Recenter:
		return "recenter"
	case FullReset:
		return "full_reset"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// RevisionSource exposes per-tile revisions.
type RevisionSource interface {
	Revision(tile int) uint32
}

// Update is the outcome of one tracker step. Tiles are absolute flat indices.
type Update struct {
	State   State
	Origin  spatial.TileCoord
	Entered []int // tiles that joined the window
	Exited  []int // tiles that left the window
	Changed []int // tiles that stayed but whose revision changed
	Desyncs int   // slots skipped because they unwrapped outside the grid
}

// Tracker maintains the active window over a grid. Each slot of the
// wrapped window remembers which absolute tile it held and the revision it
// last observed for it.
type Tracker struct {
	grid     spatial.Grid
	wrap     spatial.WrappedGrid
	origin   spatial.TileCoord
	ready    bool
	slotTile []int
	lastSeen []uint32
	seen     []bool
}

// NewTracker creates a tracker whose first Update is a FullReset.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Reset forgets the window so the next Update is a FullReset with nothing
// exiting. Used when the grid itself is rebuilt.
func (t *Tracker) Reset() {
	t.ready = false
	t.slotTile = nil
	t.lastSeen = nil
	t.seen = nil
}

// Dimensions returns the window size in tiles for radius: ceil(2r / cell),
// clamped to [1, grid extent] in each axis.
func Dimensions(grid spatial.Grid, radius float64) spatial.WrappedGrid {
	n := int(math.Ceil(2 * radius / grid.CellSize))
	return spatial.WrappedGrid{
		W: min(max(n, 1), grid.TilesX),
		H: min(max(n, 1), grid.TilesY),
	}
}

// originFor centres the window on the focus tile, clamped so the window
// never extends past the grid edges.
func originFor(grid spatial.Grid, w spatial.WrappedGrid, focus r2.Vec) spatial.TileCoord {
	c := grid.CoordOf(focus)
	o := spatial.TileCoord{X: c.X - w.W/2, Y: c.Y - w.H/2}
	o.X = min(max(o.X, 0), grid.TilesX-w.W)
	o.Y = min(max(o.Y, 0), grid.TilesY-w.H)
	return o
}

// Update moves the window to focus and reports what needs refreshing.
func (t *Tracker) Update(grid spatial.Grid, focus r2.Vec, radius float64, revs RevisionSource) (Update, error) {
	if !grid.Valid() || !(radius > 0) || math.IsNaN(focus.X) || math.IsNaN(focus.Y) {
		return Update{}, fmt.Errorf("%w: radius %v, focus %v", ErrInvalidWindow, radius, focus)
	}

	w := Dimensions(grid, radius)
	origin := originFor(grid, w, focus)

	state := Stable
	switch {
	case !t.ready || w != t.wrap || !grid.Equal(t.grid):
		state = FullReset
	case abs(origin.X-t.origin.X) >= w.W || abs(origin.Y-t.origin.Y) >= w.H:
		state = FullReset
	case origin != t.origin:
		state = Recenter
	}

	var up Update
	switch state {
	case FullReset:
		up = t.fullReset(grid, w, origin)
	case Recenter:
		up = t.recenter(grid, origin)
	default:
		up = Update{State: Stable, Origin: origin}
	}
	t.collectChanged(&up, revs)

	if up.Desyncs > 0 {
		logging.Logger().Warn("window desync, slots skipped", "slots", up.Desyncs, "origin", origin)
	}
	return up, nil
}

func (t *Tracker) fullReset(grid spatial.Grid, w spatial.WrappedGrid, origin spatial.TileCoord) Update {
	up := Update{State: FullReset, Origin: origin}
	for _, tile := range t.slotTile {
		if tile >= 0 {
			up.Exited = append(up.Exited, tile)
		}
	}

	t.grid, t.wrap, t.origin, t.ready = grid, w, origin, true
	n := w.Slots()
	t.slotTile = make([]int, n)
	t.lastSeen = make([]uint32, n)
	t.seen = make([]bool, n)

	for slot := 0; slot < n; slot++ {
		t.slotTile[slot] = -1
		c := w.Unwrap(slot, origin)
		if !grid.InBounds(c) {
			up.Desyncs++
			continue
		}
		tile := grid.Flatten(c)
		t.slotTile[slot] = tile
		up.Entered = append(up.Entered, tile)
	}
	return up
}

// recenter walks every slot once. A slot whose absolute tile changes
// contributes one exit and one entry, which is exactly the symmetric
// difference of the two windows.
func (t *Tracker) recenter(grid spatial.Grid, origin spatial.TileCoord) Update {
	up := Update{State: Recenter, Origin: origin}
	for slot := range t.slotTile {
		c := t.wrap.Unwrap(slot, origin)
		tile := -1
		if grid.InBounds(c) {
			tile = grid.Flatten(c)
		} else {
			up.Desyncs++
		}

		old := t.slotTile[slot]
		if old == tile {
			continue
		}
		if old >= 0 {
			up.Exited = append(up.Exited, old)
		}
		if tile >= 0 {
			up.Entered = append(up.Entered, tile)
		}
		t.slotTile[slot] = tile
		t.seen[slot] = false
	}
	t.origin = origin
	return up
}

// collectChanged records revisions and reports resident tiles whose
// revision moved since their slot last observed them.
func (t *Tracker) collectChanged(up *Update, revs RevisionSource) {
	for slot, tile := range t.slotTile {
		if tile < 0 {
			continue
		}
		rev := revs.Revision(tile)
		if !t.seen[slot] {
			// Newly mapped slots are already reported as entered
			t.seen[slot] = true
			t.lastSeen[slot] = rev
			continue
		}
		if t.lastSeen[slot] != rev {
			t.lastSeen[slot] = rev
			up.Changed = append(up.Changed, tile)
		}
	}
}

// Wrapped returns the current window dimensions.
func (t *Tracker) Wrapped() spatial.WrappedGrid {
	return t.wrap
}

// Origin returns the minimum tile corner of the window.
func (t *Tracker) Origin() spatial.TileCoord {
	return t.origin
}

// Ready reports whether the window has been placed at least once.
func (t *Tracker) Ready() bool {
	return t.ready
}

// SlotTile returns the absolute tile held by slot.
func (t *Tracker) SlotTile(slot int) (int, bool) {
	if slot < 0 || slot >= len(t.slotTile) || t.slotTile[slot] < 0 {
		return -1, false
	}
	return t.slotTile[slot], true
}

// SlotOf returns the slot holding tile, if tile is in the window.
func (t *Tracker) SlotOf(tile int) (int, bool) {
	if !t.ready {
		return -1, false
	}
	c := t.grid.Coord(tile)
	if !t.wrap.Contains(c, t.origin) {
		return -1, false
	}
	slot := t.wrap.Wrap(c)
	return slot, t.slotTile[slot] == tile
}

// Contains reports whether tile is resident in the window.
func (t *Tracker) Contains(tile int) bool {
	_, ok := t.SlotOf(tile)
	return ok
}

// WorldBox returns the world extent of the window.
func (t *Tracker) WorldBox() r2.Box {
	lo := t.grid.TileBox(t.origin)
	hi := t.grid.TileBox(spatial.TileCoord{X: t.origin.X + t.wrap.W - 1, Y: t.origin.Y + t.wrap.H - 1})
	return r2.Box{Min: lo.Min, Max: hi.Max}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
