package engine

import (
	"errors"
	"fmt"

	"github.com/pthm-cable/scatter/gpu"
	"github.com/pthm-cable/scatter/interact"
	"github.com/pthm-cable/scatter/spatial"
	"github.com/pthm-cable/scatter/upload"
)

// uploadScratch is the per-worker staging memory of one drain.
type uploadScratch struct {
	handles []spatial.Handle
	inst    []byte
	props   []byte
	state   []byte
}

// drainUploads writes the next batch into the backings and publishes every
// tile whose refresh completed with it.
func (e *Engine) drainUploads(p *pass) error {
	p.batch = e.uploads.DrainNextBatch(0)
	if err := e.writeEntries(p.batch.Entries); err != nil {
		return err
	}

	for _, tile := range p.batch.Completed {
		slot, ok := e.tracker.SlotOf(tile)
		if !ok {
			continue
		}
		pages := e.table.Pages(tile)
		count := e.refreshCount[tile]
		refs := gpuPageRefs(count, e.gpuPageSize, func(k int) uint32 {
			_, _, id := e.uploads.GPUPage(pages, k)
			return id
		})
		d := e.index.Density(tile)
		entry := gpu.TileEntry{
			AbsTile:     uint32(tile),
			Count:       uint32(count),
			DensityMin:  float32(d.Min),
			DensityMax:  float32(d.Max),
			DensityMean: float32(d.Mean),
			Revision:    e.index.Revision(tile),
		}
		if err := e.dir.publish(tile, slot, refs, entry); err != nil {
			return err
		}
		e.settle(tile, count)
	}
	return nil
}

// writeEntries stages and writes the instance, spring and state records of
// every entry. Entries address disjoint GPU pages, so they are written in
// parallel.
func (e *Engine) writeEntries(entries []upload.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	bufs := e.Buffers()
	errs := make([]error, len(entries))
	e.workers.ParallelFor(len(entries), func(start, end int) {
		var s uploadScratch
		for i := start; i < end; i++ {
			errs[i] = e.writeEntry(entries[i], bufs, &s)
		}
	})
	return errors.Join(errs...)
}

func (e *Engine) writeEntry(en upload.Entry, bufs interact.Buffers, s *uploadScratch) error {
	if en.Count == 0 {
		return nil
	}
	s.handles = e.index.Handles(en.Tile, en.First, en.Count, s.handles[:0])
	n := len(s.handles)
	s.inst = ensureLen(s.inst, n*gpu.InstanceRecordSize)
	s.props = ensureLen(s.props, n*gpu.SpringPropsSize)
	s.state = ensureLen(s.state, n*gpu.SimStateSize)

	for i, h := range s.handles {
		rec := gpu.InstanceRecord{
			Tile:        uint32(en.Tile),
			IndexInTile: uint32(en.First + i),
			Handle:      uint64(h),
		}
		var props gpu.SpringProps
		if inst, ok := e.src.Instance(h); ok {
			rec.Position = [3]float32{float32(inst.Position.X), float32(inst.Position.Y), float32(inst.Position.Z)}
			rec.Rotation = inst.Rotation
			rec.Scale = inst.Scale
			props = interact.SampleProps(inst.Seed, inst.Scale, e.ranges)
		}
		// Held state follows the instance; everything else starts at rest
		st := e.carry.lookup(h)
		rec.MarshalTo(s.inst[i*gpu.InstanceRecordSize:])
		props.MarshalTo(s.props[i*gpu.SpringPropsSize:])
		st.MarshalTo(s.state[i*gpu.SimStateSize:])
	}

	first := uint64(en.GPUPage) * uint64(e.gpuPageSize)
	writes := []struct {
		buf    gpu.BufferID
		record uint64
		data   []byte
	}{
		{bufs.Instances, gpu.InstanceRecordSize, s.inst},
		{bufs.Props, gpu.SpringPropsSize, s.props},
		{bufs.State, gpu.SimStateSize, s.state},
	}
	for _, w := range writes {
		if err := e.dev.WriteBuffer(w.buf, first*w.record, w.data); err != nil {
			return fmt.Errorf("uploading tile %d entry %d: %w", en.Tile, en.EntryIndex, err)
		}
	}
	return nil
}
