// Package gpu holds the buffer device abstraction the paging engine writes
// through, and the packed record layouts shared with the compute kernels.
package gpu

import "errors"

// BufferID identifies a buffer created on a Device. Zero is never issued.
type BufferID uint64

var (
	// ErrUnknownBuffer is returned when an operation names a destroyed or
	// never-created buffer.
	ErrUnknownBuffer = errors.New("gpu: unknown buffer")

	// ErrOutOfRange is returned when a write or copy region exceeds the
	// buffer size.
	ErrOutOfRange = errors.New("gpu: region out of range")
)

// Device is the minimal command stream the engine needs: storage buffers,
// queued writes and buffer-to-buffer copies. Writes and copies are ordered
// in submission order; Submit flushes recorded copies to the queue without
// waiting for completion.
type Device interface {
	CreateBuffer(label string, size uint64) (BufferID, error)
	DestroyBuffer(id BufferID)
	WriteBuffer(id BufferID, offset uint64, data []byte) error
	CopyBuffer(src, dst BufferID, srcOffset, dstOffset, size uint64) error
	Submit() error
	Close() error
}

// Readback is implemented by devices that can expose buffer contents to the
// host. Used by tests and the host simulation kernel.
type Readback interface {
	ReadBuffer(id BufferID, offset, size uint64) ([]byte, error)
}

// PageRef names one resident GPU page and the number of valid records in it.
type PageRef struct {
	Page  uint32
	Count uint32
}
