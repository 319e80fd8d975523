package device

import (
	"fmt"
	"sync"

	"github.com/x448/float16"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)

// CPUBackend simulates a host with one or more compute devices whose memory
// lives in ordinary Go slices. Device ids are logical: buffers on different
// ids are still staged through a host buffer on copy, so the data path
// matches a real multi-accelerator host.
type CPUBackend struct {
	devices  int
	locality Locality
	pool     sync.Pool
	staging  sync.Pool
}

// NewCPUBackend returns a backend exposing devices logical devices. Buffers
// it allocates are tagged with loc.
func NewCPUBackend(devices int, loc Locality) *CPUBackend {
	if devices < 1 {
		devices = 1
	}
	return &CPUBackend{
		devices:  devices,
		locality: loc,
		pool: sync.Pool{
			New: func() interface{} {
				return &Buffer{}
			},
		},
		staging: sync.Pool{
			New: func() interface{} {
				return &Buffer{locality: LocalityHost}
			},
		},
	}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) DeviceCount() int {
	return b.devices
}

func (b *CPUBackend) Alloc(dev int, elems int) (*Buffer, error) {
	if dev < 0 || dev >= b.devices {
		return nil, fmt.Errorf("%w: %d (backend has %d)", ErrDevice, dev, b.devices)
	}
	buf := b.pool.Get().(*Buffer)
	if cap(buf.data) >= elems {
		poolHits.Inc()
		buf.data = buf.data[:elems]
		clear(buf.data)
	} else {
		poolMisses.Inc()
		buf = NewBuffer(dev, b.locality, elems)
	}
	buf.device = dev
	buf.locality = b.locality
	return buf, nil
}

func (b *CPUBackend) Release(buf *Buffer) {
	if buf == nil {
		return
	}
	b.pool.Put(buf)
}

func (b *CPUBackend) Copy(dst *Buffer, dstOff int, src *Buffer, srcOff int, n int) error {
	if dstOff+n > dst.Len() || srcOff+n > src.Len() {
		return fmt.Errorf("copy of %d elements out of range (dst %d@%d, src %d@%d)", n, dst.Len(), dstOff, src.Len(), srcOff)
	}
	if dst.device == src.device {
		copy(dst.data[dstOff:dstOff+n], src.data[srcOff:srcOff+n])
		copiesTotal.WithLabelValues("direct").Inc()
		copyBytes.WithLabelValues("direct").Add(float64(n * 2))
		return nil
	}

	// Cross-device: device -> host staging -> device.
	stage := b.staging.Get().(*Buffer)
	if cap(stage.data) < n {
		stage.data = make([]float16.Float16, n)
	}
	stage.data = stage.data[:n]
	copy(stage.data, src.data[srcOff:srcOff+n])
	copy(dst.data[dstOff:dstOff+n], stage.data)
	b.staging.Put(stage)

	copiesTotal.WithLabelValues("staged").Inc()
	copyBytes.WithLabelValues("staged").Add(float64(n * 4))
	return nil
}

func (b *CPUBackend) Synchronize(dev int) error {
	// CPU is always synchronous
	if dev < 0 || dev >= b.devices {
		return fmt.Errorf("%w: %d", ErrDevice, dev)
	}
	return nil
}
