package device

import (
	"errors"
	"fmt"

	"github.com/x448/float16"
)

// ErrDevice is returned when a buffer or copy names a device the backend
// does not manage.
var ErrDevice = errors.New("unknown device")

// Locality tags where a buffer's storage lives.
type Locality int

const (
	// LocalityHost buffers are directly addressable by the CPU.
	LocalityHost Locality = iota
	// LocalityDevice buffers are resident on an accelerator and must be
	// staged through host memory to reach another device.
	LocalityDevice
)

func (l Locality) String() string {
	switch l {
	case LocalityHost:
		return "host"
	case LocalityDevice:
		return "device"
	default:
		return fmt.Sprintf("locality(%d)", int(l))
	}
}

// Buffer is a fixed-size half-precision slab bound to one device.
// Buffers are never shared implicitly between shards: moving data between
// two buffers always goes through Backend.Copy.
type Buffer struct {
	device   int
	locality Locality
	data     []float16.Float16
}

// NewBuffer allocates a zeroed buffer of elems half-precision values.
func NewBuffer(dev int, loc Locality, elems int) *Buffer {
	return &Buffer{
		device:   dev,
		locality: loc,
		data:     make([]float16.Float16, elems),
	}
}

// Device returns the id of the device owning the buffer.
func (b *Buffer) Device() int { return b.device }

// Locality returns whether the buffer is host-visible or device-resident.
func (b *Buffer) Locality() Locality { return b.locality }

// Len returns the number of elements.
func (b *Buffer) Len() int { return len(b.data) }

// Bytes returns the storage size in bytes.
func (b *Buffer) Bytes() int { return len(b.data) * 2 }

// Raw exposes the backing storage. Callers outside a backend must treat it
// as read-only.
func (b *Buffer) Raw() []float16.Float16 { return b.data }

// ToHost converts the whole buffer into a fresh float32 slice.
func (b *Buffer) ToHost() []float32 {
	out := make([]float32, len(b.data))
	ToFloat32(out, b.data)
	return out
}

// Rows converts rows [start, start+n) of a row-major buffer with the given
// width into float32.
func (b *Buffer) Rows(start, n, width int) []float32 {
	out := make([]float32, n*width)
	ToFloat32(out, b.data[start*width:(start+n)*width])
	return out
}

// CopyFromFloat32 writes src into the buffer starting at element offset off.
func (b *Buffer) CopyFromFloat32(off int, src []float32) {
	if off+len(src) > len(b.data) {
		panic(fmt.Sprintf("CopyFromFloat32: %d elements at offset %d overflow buffer of %d", len(src), off, len(b.data)))
	}
	FromFloat32(b.data[off:off+len(src)], src)
}

// Zero clears the buffer.
func (b *Buffer) Zero() {
	clear(b.data)
}

// Backend allocates buffers and moves data between devices.
type Backend interface {
	Name() string

	// DeviceCount returns how many devices the backend can bind shards to.
	DeviceCount() int

	// Alloc returns a zeroed buffer of elems values on dev, possibly
	// recycled from a pool.
	Alloc(dev int, elems int) (*Buffer, error)

	// Release returns a buffer obtained from Alloc to the pool.
	Release(b *Buffer)

	// Copy moves n elements from src[srcOff:] to dst[dstOff:]. Buffers on the
	// same device are copied directly; buffers on different devices are
	// staged through host-visible memory. Copy is synchronous.
	Copy(dst *Buffer, dstOff int, src *Buffer, srcOff int, n int) error

	// Synchronize blocks until all queued work on dev has completed.
	Synchronize(dev int) error
}
