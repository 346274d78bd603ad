package engine

import (
	"fmt"
	"math"

	"github.com/pthm-cable/scatter/gpu"
	"github.com/pthm-cable/scatter/paging"
)

// emptyTile marks a window slot whose tile has not been published yet.
const emptyTile = math.MaxUint32

// directory owns the GPU-side tile entries (one per window slot) and the
// page directory they point into, plus the host copy of what has been
// published. A tile is published only when the last upload entry of its
// refresh drains.
type directory struct {
	dev     gpu.Device
	entries gpu.BufferID
	pages   gpu.BufferID
	slots   int
	perSlot int // GPU page ids reserved per slot

	published [][]gpu.PageRef // by absolute tile, nil when unpublished
	entry     []gpu.TileEntry // by absolute tile, valid while published
	resident  []gpu.PageRef
	scratch   []byte
}

func newDirectory(dev gpu.Device, numTiles, perSlot int) *directory {
	return &directory{
		dev:       dev,
		perSlot:   perSlot,
		published: make([][]gpu.PageRef, numTiles),
		entry:     make([]gpu.TileEntry, numTiles),
	}
}

// forget drops every published tile without touching the buffers.
func (d *directory) forget(numTiles int) {
	d.published = make([][]gpu.PageRef, numTiles)
	d.entry = make([]gpu.TileEntry, numTiles)
	d.resident = d.resident[:0]
}

// reset forgets every published tile and sizes the buffers for slots.
func (d *directory) reset(numTiles, slots int) error {
	d.forget(numTiles)
	if slots == d.slots && d.entries != 0 {
		return d.clearAll()
	}

	d.release()
	entries, err := d.dev.CreateBuffer("tile-entries", uint64(slots)*gpu.TileEntrySize)
	if err != nil {
		return fmt.Errorf("creating tile entries: %w", err)
	}
	pages, err := d.dev.CreateBuffer("page-directory", uint64(slots*d.perSlot)*4)
	if err != nil {
		d.dev.DestroyBuffer(entries)
		return fmt.Errorf("creating page directory: %w", err)
	}
	d.entries, d.pages, d.slots = entries, pages, slots
	return d.clearAll()
}

func (d *directory) clearAll() error {
	for slot := 0; slot < d.slots; slot++ {
		if err := d.clearSlot(slot); err != nil {
			return err
		}
	}
	return nil
}

// clearSlot marks slot as holding no published tile.
func (d *directory) clearSlot(slot int) error {
	e := gpu.TileEntry{AbsTile: emptyTile}
	return d.dev.WriteBuffer(d.entries, uint64(slot)*gpu.TileEntrySize, e.Marshal())
}

// publish makes refs the visible pages of tile and writes its slot.
func (d *directory) publish(tile, slot int, refs []gpu.PageRef, e gpu.TileEntry) error {
	if len(refs) > d.perSlot {
		refs = refs[:d.perSlot]
	}
	d.published[tile] = refs
	e.PageCount = uint32(len(refs))
	e.DirOffset = uint32(slot * d.perSlot)
	d.entry[tile] = e
	return d.writeSlot(tile, slot)
}

func (d *directory) writeSlot(tile, slot int) error {
	e := d.entry[tile]
	if err := d.dev.WriteBuffer(d.entries, uint64(slot)*gpu.TileEntrySize, e.Marshal()); err != nil {
		return fmt.Errorf("writing tile entry %d: %w", tile, err)
	}
	refs := d.published[tile]
	if len(refs) == 0 {
		return nil
	}
	ids := make([]uint32, len(refs))
	for i, r := range refs {
		ids[i] = r.Page
	}
	d.scratch = ensureLen(d.scratch, len(ids)*4)
	gpu.PutUint32s(d.scratch, ids)
	if err := d.dev.WriteBuffer(d.pages, uint64(e.DirOffset)*4, d.scratch); err != nil {
		return fmt.Errorf("writing page directory %d: %w", tile, err)
	}
	return nil
}

// unpublish hides tile. Its slot is cleared when the next tile enters it.
func (d *directory) unpublish(tile int) {
	d.published[tile] = nil
}

// truncate drops published pages the tile no longer owns. Page lists only
// shrink or grow at the back, so the kept prefix still belongs to the tile.
func (d *directory) truncate(tile, gpuPages int) {
	if refs := d.published[tile]; len(refs) > gpuPages {
		d.published[tile] = refs[:gpuPages]
	}
}

// isPublished reports whether tile has a published mapping.
func (d *directory) isPublished(tile int) bool {
	return d.published[tile] != nil
}

// GPUPages returns the published pages of tile.
func (d *directory) GPUPages(tile int) []gpu.PageRef {
	if tile < 0 || tile >= len(d.published) {
		return nil
	}
	return d.published[tile]
}

// renumber rewrites every published page id after compaction. gpuPage
// returns the global GPU page of the k-th GPU page of a tile.
func (d *directory) renumber(gpuPage func(tile, k int) uint32, slotOf func(tile int) (int, bool)) error {
	for tile, refs := range d.published {
		if refs == nil {
			continue
		}
		for k := range refs {
			refs[k].Page = gpuPage(tile, k)
		}
		if slot, ok := slotOf(tile); ok {
			if err := d.writeSlot(tile, slot); err != nil {
				return err
			}
		}
	}
	return nil
}

// collect rebuilds the flat resident page list in slot order.
func (d *directory) collect(slotTile func(slot int) (int, bool)) []gpu.PageRef {
	d.resident = d.resident[:0]
	for slot := 0; slot < d.slots; slot++ {
		if tile, ok := slotTile(slot); ok {
			d.resident = append(d.resident, d.published[tile]...)
		}
	}
	return d.resident
}

func (d *directory) release() {
	if d.entries != 0 {
		d.dev.DestroyBuffer(d.entries)
		d.dev.DestroyBuffer(d.pages)
		d.entries, d.pages = 0, 0
	}
}

// gpuPageRefs splits count records over the GPU pages of a tile.
func gpuPageRefs(count, gpuPageSize int, gpuPage func(k int) uint32) []gpu.PageRef {
	n := paging.PagesNeeded(count, gpuPageSize)
	refs := make([]gpu.PageRef, n)
	for k := range refs {
		refs[k] = gpu.PageRef{
			Page:  gpuPage(k),
			Count: uint32(min(gpuPageSize, count-k*gpuPageSize)),
		}
	}
	return refs
}

func ensureLen(b []byte, n int) []byte {
	if cap(b) < n {
		return make([]byte, n)
	}
	return b[:n]
}
