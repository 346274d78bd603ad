package paging

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/pthm-cable/scatter/gpu"
	"github.com/pthm-cable/scatter/logging"
)

// ErrBackingLimit is returned when a backing buffer would grow past its cap.
var ErrBackingLimit = errors.New("paging: backing buffer limit reached")

// bufferPair is the (Current, Staging) pair of a backing. Readers always use
// Current; compaction writes Staging and then swaps the pair.
type bufferPair struct {
	current  gpu.BufferID
	staging  gpu.BufferID // 0 until the first compaction
	capacity int          // pages held by each buffer
}

// Backing is a page-addressed GPU storage buffer. Page id p lives at byte
// offset p * Stride.
type Backing struct {
	dev     gpu.Device
	label   string
	stride  uint64
	growth  float64
	limit   int
	pair    atomic.Pointer[bufferPair]
	retired []gpu.BufferID
}

// NewBacking allocates a backing with room for initialPages pages of
// stride bytes each. limit caps the page capacity, 0 means unbounded.
func NewBacking(dev gpu.Device, label string, stride uint64, initialPages int, growth float64, limit int) (*Backing, error) {
	initialPages = max(initialPages, 1)
	if limit > 0 {
		initialPages = min(initialPages, limit)
	}
	id, err := dev.CreateBuffer(label, uint64(initialPages)*stride)
	if err != nil {
		return nil, fmt.Errorf("creating %s backing: %w", label, err)
	}
	b := &Backing{dev: dev, label: label, stride: stride, growth: max(growth, 1), limit: limit}
	b.pair.Store(&bufferPair{current: id, capacity: initialPages})
	return b, nil
}

// Buffer returns the current buffer.
func (b *Backing) Buffer() gpu.BufferID {
	return b.pair.Load().current
}

// Capacity returns the number of pages the current buffer holds.
func (b *Backing) Capacity() int {
	return b.pair.Load().capacity
}

// Stride returns the size of one page in bytes.
func (b *Backing) Stride() uint64 {
	return b.stride
}

// Offset returns the byte offset of a page.
func (b *Backing) Offset(id PageID) uint64 {
	return uint64(id) * b.stride
}

// Label returns the debug name of the backing.
func (b *Backing) Label() string {
	return b.label
}

// Ensure grows the buffer geometrically until it holds required pages,
// copying existing pages forward so ids and contents survive. The old
// buffers are retired and destroyed by the next Collect.
func (b *Backing) Ensure(required int) (bool, error) {
	cur := b.pair.Load()
	if required <= cur.capacity {
		return false, nil
	}
	if b.limit > 0 && required > b.limit {
		return false, fmt.Errorf("%w: %s needs %d pages, limit %d", ErrBackingLimit, b.label, required, b.limit)
	}

	newCap := max(required, int(math.Ceil(float64(cur.capacity)*b.growth)))
	if b.limit > 0 {
		newCap = min(newCap, b.limit)
	}

	id, err := b.dev.CreateBuffer(b.label, uint64(newCap)*b.stride)
	if err != nil {
		return false, fmt.Errorf("growing %s backing to %d pages: %w", b.label, newCap, err)
	}
	if err := b.dev.CopyBuffer(cur.current, id, 0, 0, uint64(cur.capacity)*b.stride); err != nil {
		b.dev.DestroyBuffer(id)
		return false, fmt.Errorf("copying %s backing forward: %w", b.label, err)
	}

	b.retired = append(b.retired, cur.current)
	if cur.staging != 0 {
		b.retired = append(b.retired, cur.staging)
	}
	b.pair.Store(&bufferPair{current: id, capacity: newCap})

	logging.Logger().Info("backing grown", "backing", b.label, "from_pages", cur.capacity, "to_pages", newCap)
	return true, nil
}

// ensureStaging makes sure the staging buffer matches the current capacity.
func (b *Backing) ensureStaging() (*bufferPair, error) {
	cur := b.pair.Load()
	if cur.staging != 0 {
		return cur, nil
	}
	id, err := b.dev.CreateBuffer(b.label+"-staging", uint64(cur.capacity)*b.stride)
	if err != nil {
		return nil, fmt.Errorf("creating %s staging: %w", b.label, err)
	}
	next := &bufferPair{current: cur.current, staging: id, capacity: cur.capacity}
	b.pair.Store(next)
	return next, nil
}

// swap makes staging current. The previous current becomes the next staging
// buffer, so it is reused rather than reallocated.
func (b *Backing) swap() {
	cur := b.pair.Load()
	b.pair.Store(&bufferPair{current: cur.staging, staging: cur.current, capacity: cur.capacity})
}

// Collect destroys buffers retired by earlier growth. Call it once per frame
// after the copies that read them have been submitted.
func (b *Backing) Collect() {
	for _, id := range b.retired {
		b.dev.DestroyBuffer(id)
	}
	b.retired = b.retired[:0]
}

// Release destroys every buffer of the backing.
func (b *Backing) Release() {
	b.Collect()
	cur := b.pair.Load()
	b.dev.DestroyBuffer(cur.current)
	if cur.staging != 0 {
		b.dev.DestroyBuffer(cur.staging)
	}
}

// BackingSet is the group of backings addressed by the same page ids, e.g.
// instance records, spring properties and simulation state.
type BackingSet struct {
	dev      gpu.Device
	backings []*Backing
}

// NewBackingSet groups backings that share page ids.
func NewBackingSet(dev gpu.Device, backings ...*Backing) *BackingSet {
	return &BackingSet{dev: dev, backings: backings}
}

// Backings returns the members of the set.
func (s *BackingSet) Backings() []*Backing {
	return s.backings
}

// Capacity returns the smallest capacity across the set.
func (s *BackingSet) Capacity() int {
	c := math.MaxInt
	for _, b := range s.backings {
		c = min(c, b.Capacity())
	}
	return c
}

// Ensure grows every backing to hold required pages and submits the
// copy-forward work.
func (s *BackingSet) Ensure(required int) (bool, error) {
	grew := false
	for _, b := range s.backings {
		g, err := b.Ensure(required)
		if err != nil {
			return grew, err
		}
		grew = grew || g
	}
	if grew {
		if err := s.dev.Submit(); err != nil {
			return grew, fmt.Errorf("submitting backing growth: %w", err)
		}
	}
	return grew, nil
}

// Collect destroys retired buffers of every backing.
func (s *BackingSet) Collect() {
	for _, b := range s.backings {
		b.Collect()
	}
}

// Release destroys every backing.
func (s *BackingSet) Release() {
	for _, b := range s.backings {
		b.Release()
	}
}
