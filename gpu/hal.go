package gpu

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/pthm-cable/scatter/logging"
)

// storageUsage is the usage every engine buffer is created with.
const storageUsage = gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst

type halBuffer struct {
	buf  hal.Buffer
	size uint64
}

type inflight struct {
	index uint64
	cmd   hal.CommandBuffer
	enc   hal.CommandEncoder
}

// HALDevice drives a wgpu HAL device. Writes go straight to the queue; copies
// are recorded into a lazily opened command encoder and flushed by Submit.
// Completed command buffers are freed on later submits without blocking.
type HALDevice struct {
	device hal.Device
	queue  hal.Queue

	mu       sync.Mutex
	buffers  map[BufferID]halBuffer
	nextID   atomic.Uint64
	encoder  hal.CommandEncoder
	recorded int
	inflight []inflight
}

// NewHALDevice wraps an opened HAL device and queue.
func NewHALDevice(open hal.OpenDevice) *HALDevice {
	return &HALDevice{
		device:  open.Device,
		queue:   open.Queue,
		buffers: make(map[BufferID]halBuffer),
	}
}

// OpenNoop opens the wgpu noop backend. Buffers keep their contents, copies
// are accepted but not executed.
func OpenNoop() (*HALDevice, error) {
	open, err := (&noop.Adapter{}).Open(0, gputypes.DefaultLimits())
	if err != nil {
		return nil, fmt.Errorf("opening noop adapter: %w", err)
	}
	return NewHALDevice(open), nil
}

// CreateBuffer creates a storage buffer usable as copy source and target.
func (d *HALDevice) CreateBuffer(label string, size uint64) (BufferID, error) {
	buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: storageUsage,
	})
	if err != nil {
		return 0, fmt.Errorf("creating buffer %q (%d bytes): %w", label, size, err)
	}

	id := BufferID(d.nextID.Add(1))
	d.mu.Lock()
	d.buffers[id] = halBuffer{buf: buf, size: size}
	d.mu.Unlock()

	logging.Logger().Debug("gpu buffer created", "label", label, "id", id, "size", size)
	return id, nil
}

// DestroyBuffer releases a buffer. Pending copies referencing it must have
// been submitted.
func (d *HALDevice) DestroyBuffer(id BufferID) {
	d.mu.Lock()
	b, ok := d.buffers[id]
	delete(d.buffers, id)
	d.mu.Unlock()
	if ok {
		d.device.DestroyBuffer(b.buf)
	}
}

func (d *HALDevice) lookup(id BufferID) (halBuffer, error) {
	b, ok := d.buffers[id]
	if !ok {
		return halBuffer{}, fmt.Errorf("buffer %d: %w", id, ErrUnknownBuffer)
	}
	return b, nil
}

// WriteBuffer queues a write of data at offset.
func (d *HALDevice) WriteBuffer(id BufferID, offset uint64, data []byte) error {
	d.mu.Lock()
	b, err := d.lookup(id)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if offset+uint64(len(data)) > b.size {
		return fmt.Errorf("write buffer %d: %w", id, ErrOutOfRange)
	}
	if err := d.queue.WriteBuffer(b.buf, offset, data); err != nil {
		return fmt.Errorf("write buffer %d: %w", id, err)
	}
	return nil
}

// CopyBuffer records a buffer-to-buffer copy.
func (d *HALDevice) CopyBuffer(src, dst BufferID, srcOffset, dstOffset, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, err := d.lookup(src)
	if err != nil {
		return err
	}
	t, err := d.lookup(dst)
	if err != nil {
		return err
	}
	if srcOffset+size > s.size || dstOffset+size > t.size {
		return fmt.Errorf("copy %d -> %d (%d bytes): %w", src, dst, size, ErrOutOfRange)
	}

	if d.encoder == nil {
		enc, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "scatter-copies"})
		if err != nil {
			return fmt.Errorf("creating command encoder: %w", err)
		}
		if err := enc.BeginEncoding("scatter-copies"); err != nil {
			enc.Destroy()
			return fmt.Errorf("begin encoding: %w", err)
		}
		d.encoder = enc
	}

	d.encoder.CopyBufferToBuffer(s.buf, t.buf, []hal.BufferCopy{{
		SrcOffset: srcOffset,
		DstOffset: dstOffset,
		Size:      size,
	}})
	d.recorded++
	return nil
}

// Submit flushes recorded copies and frees command buffers the queue has
// finished with.
func (d *HALDevice) Submit() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.reclaimLocked()

	if d.encoder == nil {
		return nil
	}
	enc := d.encoder
	d.encoder = nil
	recorded := d.recorded
	d.recorded = 0

	cmd, err := enc.EndEncoding()
	if err != nil {
		enc.Destroy()
		return fmt.Errorf("end encoding: %w", err)
	}

	index, err := d.queue.Submit([]hal.CommandBuffer{cmd})
	if err != nil {
		d.device.FreeCommandBuffer(cmd)
		enc.Destroy()
		return fmt.Errorf("submit: %w", err)
	}
	d.inflight = append(d.inflight, inflight{index: index, cmd: cmd, enc: enc})

	logging.Logger().Debug("gpu submit", "index", index, "copies", recorded)
	return nil
}

// reclaimLocked frees command buffers whose submission has completed.
func (d *HALDevice) reclaimLocked() {
	if len(d.inflight) == 0 {
		return
	}
	done := d.queue.PollCompleted()
	kept := d.inflight[:0]
	for _, f := range d.inflight {
		if f.index <= done {
			d.device.FreeCommandBuffer(f.cmd)
			f.enc.Destroy()
			continue
		}
		kept = append(kept, f)
	}
	d.inflight = kept
}

// Pending returns the number of submissions not yet reclaimed.
func (d *HALDevice) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// ReadBuffer maps a buffer region and copies it out. Only backends with
// host-visible storage support this.
func (d *HALDevice) ReadBuffer(id BufferID, offset, size uint64) ([]byte, error) {
	d.mu.Lock()
	b, err := d.lookup(id)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if offset+size > b.size {
		return nil, fmt.Errorf("read buffer %d: %w", id, ErrOutOfRange)
	}
	if size == 0 {
		return []byte{}, nil
	}

	m, err := d.device.MapBuffer(b.buf, offset, size)
	if err != nil {
		return nil, fmt.Errorf("mapping buffer %d: %w", id, err)
	}
	out := make([]byte, size)
	copy(out, unsafe.Slice((*byte)(m.Ptr), size))
	if err := d.device.UnmapBuffer(b.buf); err != nil {
		return nil, fmt.Errorf("unmapping buffer %d: %w", id, err)
	}
	return out, nil
}

// Close waits for the queue to drain and releases every resource.
func (d *HALDevice) Close() error {
	if err := d.Submit(); err != nil {
		return err
	}
	if err := d.device.WaitIdle(); err != nil {
		return fmt.Errorf("waiting for device idle: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range d.inflight {
		d.device.FreeCommandBuffer(f.cmd)
		f.enc.Destroy()
	}
	d.inflight = nil
	for id, b := range d.buffers {
		d.device.DestroyBuffer(b.buf)
		delete(d.buffers, id)
	}
	d.device.Destroy()
	return nil
}
