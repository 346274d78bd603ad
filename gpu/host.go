package gpu

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// HostDevice keeps buffers in host memory. Copies apply immediately, so
// Submit only counts submissions. It backs headless runs and the host
// simulation kernel.
type HostDevice struct {
	mu      sync.RWMutex
	buffers map[BufferID][]byte
	nextID  atomic.Uint64

	submits atomic.Uint64
	written atomic.Uint64
	copied  atomic.Uint64
}

// NewHostDevice creates an empty host device.
func NewHostDevice() *HostDevice {
	return &HostDevice{buffers: make(map[BufferID][]byte)}
}

// CreateBuffer allocates a zeroed buffer of the given size.
func (d *HostDevice) CreateBuffer(label string, size uint64) (BufferID, error) {
	id := BufferID(d.nextID.Add(1))
	d.mu.Lock()
	d.buffers[id] = make([]byte, size)
	d.mu.Unlock()
	return id, nil
}

// DestroyBuffer frees a buffer. Unknown ids are ignored.
func (d *HostDevice) DestroyBuffer(id BufferID) {
	d.mu.Lock()
	delete(d.buffers, id)
	d.mu.Unlock()
}

// WriteBuffer copies data into the buffer at offset.
func (d *HostDevice) WriteBuffer(id BufferID, offset uint64, data []byte) error {
	d.mu.RLock()
	buf, ok := d.buffers[id]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("write buffer %d: %w", id, ErrUnknownBuffer)
	}
	if offset+uint64(len(data)) > uint64(len(buf)) {
		return fmt.Errorf("write buffer %d [%d:+%d] of %d: %w", id, offset, len(data), len(buf), ErrOutOfRange)
	}
	copy(buf[offset:], data)
	d.written.Add(uint64(len(data)))
	return nil
}

// CopyBuffer copies size bytes between buffers. Overlapping regions within
// the same buffer behave like memmove.
func (d *HostDevice) CopyBuffer(src, dst BufferID, srcOffset, dstOffset, size uint64) error {
	d.mu.RLock()
	s, okS := d.buffers[src]
	t, okD := d.buffers[dst]
	d.mu.RUnlock()
	if !okS || !okD {
		return fmt.Errorf("copy %d -> %d: %w", src, dst, ErrUnknownBuffer)
	}
	if srcOffset+size > uint64(len(s)) || dstOffset+size > uint64(len(t)) {
		return fmt.Errorf("copy %d -> %d (%d bytes): %w", src, dst, size, ErrOutOfRange)
	}
	copy(t[dstOffset:dstOffset+size], s[srcOffset:srcOffset+size])
	d.copied.Add(size)
	return nil
}

// Submit counts a submission. Host copies have already landed.
func (d *HostDevice) Submit() error {
	d.submits.Add(1)
	return nil
}

// Close drops every buffer.
func (d *HostDevice) Close() error {
	d.mu.Lock()
	d.buffers = make(map[BufferID][]byte)
	d.mu.Unlock()
	return nil
}

// ReadBuffer returns a copy of a buffer region.
func (d *HostDevice) ReadBuffer(id BufferID, offset, size uint64) ([]byte, error) {
	d.mu.RLock()
	buf, ok := d.buffers[id]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("read buffer %d: %w", id, ErrUnknownBuffer)
	}
	if offset+size > uint64(len(buf)) {
		return nil, fmt.Errorf("read buffer %d: %w", id, ErrOutOfRange)
	}
	out := make([]byte, size)
	copy(out, buf[offset:offset+size])
	return out, nil
}

// Bytes returns the live backing slice of a buffer, or nil. Kernels running on
// the host mutate it in place; callers must not retain it across a resize.
func (d *HostDevice) Bytes(id BufferID) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.buffers[id]
}

// HostStats summarises device traffic.
type HostStats struct {
	Buffers      int
	BytesLive    uint64
	Submits      uint64
	BytesWritten uint64
	BytesCopied  uint64
}

// Stats returns a snapshot of device traffic counters.
func (d *HostDevice) Stats() HostStats {
	d.mu.RLock()
	s := HostStats{Buffers: len(d.buffers)}
	for _, b := range d.buffers {
		s.BytesLive += uint64(len(b))
	}
	d.mu.RUnlock()
	s.Submits = d.submits.Load()
	s.BytesWritten = d.written.Load()
	s.BytesCopied = d.copied.Load()
	return s
}
