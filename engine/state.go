package engine

import (
	"fmt"

	"github.com/pthm-cable/scatter/gpu"
	"github.com/pthm-cable/scatter/logging"
	"github.com/pthm-cable/scatter/spatial"
)

// stateCarry keeps the spring state of instances across record moves. A
// refresh rewrites a tile's records in index order and a tile leaving the
// window releases its pages, so before either happens the disturbed states
// of the tile's current members are read back and held by handle until the
// tile publishes again. Instances not held start at rest.
type stateCarry struct {
	states  map[spatial.Handle]gpu.SimState
	removed map[spatial.Handle]struct{} // removed since the last capture pass
	pending []bool                      // by tile: published records mix two layouts

	members map[spatial.Handle]struct{}
	handles []spatial.Handle
}

func newStateCarry(numTiles int) *stateCarry {
	return &stateCarry{
		states:  make(map[spatial.Handle]gpu.SimState),
		removed: make(map[spatial.Handle]struct{}),
		pending: make([]bool, numTiles),
		members: make(map[spatial.Handle]struct{}),
	}
}

func (c *stateCarry) reset(numTiles int) {
	clear(c.states)
	clear(c.removed)
	c.pending = make([]bool, numTiles)
}

// forget drops h; a handle added again later starts at rest.
func (c *stateCarry) forget(h spatial.Handle) {
	delete(c.states, h)
	c.removed[h] = struct{}{}
}

// lookup returns the held state of h. Safe for concurrent readers.
func (c *stateCarry) lookup(h spatial.Handle) gpu.SimState {
	return c.states[h]
}

// capture reads the published records of tile and holds the state of every
// disturbed member. A pending tile is skipped: its earlier capture still
// holds and its records are partly rewritten.
func (e *Engine) capture(tile int) error {
	c := e.carry
	if c.pending[tile] || !e.dir.isPublished(tile) {
		return nil
	}
	rb, ok := e.dev.(gpu.Readback)
	if !ok {
		return nil
	}

	c.handles = e.index.Handles(tile, 0, e.index.Count(tile), c.handles[:0])
	clear(c.members)
	for _, h := range c.handles {
		if _, gone := c.removed[h]; !gone {
			c.members[h] = struct{}{}
		}
	}
	if len(c.members) == 0 {
		return nil
	}

	bufs := e.Buffers()
	for _, ref := range e.dir.GPUPages(tile) {
		first := uint64(ref.Page) * uint64(e.gpuPageSize)
		n := uint64(ref.Count)
		state, err := rb.ReadBuffer(bufs.State, first*gpu.SimStateSize, n*gpu.SimStateSize)
		if err != nil {
			return fmt.Errorf("reading state of tile %d: %w", tile, err)
		}

		var inst []byte
		for i := 0; i < int(n); i++ {
			st := gpu.UnmarshalSimState(state[i*gpu.SimStateSize:])
			if st == (gpu.SimState{}) {
				continue
			}
			if inst == nil {
				if inst, err = rb.ReadBuffer(bufs.Instances, first*gpu.InstanceRecordSize, n*gpu.InstanceRecordSize); err != nil {
					return fmt.Errorf("reading records of tile %d: %w", tile, err)
				}
			}
			rec := gpu.UnmarshalInstanceRecord(inst[i*gpu.InstanceRecordSize:])
			if _, ok := c.members[spatial.Handle(rec.Handle)]; ok {
				c.states[spatial.Handle(rec.Handle)] = st
			}
		}
	}
	return nil
}

// captureOrWarn captures tile; on a read failure its instances restart at
// rest.
func (e *Engine) captureOrWarn(tile int) {
	if err := e.capture(tile); err != nil {
		logging.Logger().Warn("spring state not carried", "tile", tile, "error", err)
	}
}

// settle releases the held states of a tile whose refresh just published.
func (e *Engine) settle(tile, count int) {
	c := e.carry
	c.pending[tile] = false
	if len(c.states) == 0 {
		return
	}
	c.handles = e.index.Handles(tile, 0, count, c.handles[:0])
	for _, h := range c.handles {
		delete(c.states, h)
	}
}
