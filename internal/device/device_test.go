package device

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func TestCPUBackend_Buffers(t *testing.T) {
	backend := NewCPUBackend(2, LocalityDevice)

	t.Run("Alloc", func(t *testing.T) {
		buf, err := backend.Alloc(1, 6)
		require.NoError(t, err)
		assert.Equal(t, 1, buf.Device())
		assert.Equal(t, LocalityDevice, buf.Locality())
		assert.Equal(t, 6, buf.Len())
		assert.Equal(t, 12, buf.Bytes())
	})

	t.Run("Alloc unknown device", func(t *testing.T) {
		_, err := backend.Alloc(2, 4)
		assert.ErrorIs(t, err, ErrDevice)
	})

	t.Run("Pooling", func(t *testing.T) {
		b1, err := backend.Alloc(0, 10)
		require.NoError(t, err)
		b1.CopyFromFloat32(0, []float32{123})
		backend.Release(b1)

		b2, err := backend.Alloc(0, 10)
		require.NoError(t, err)
		// Recycled storage must come back zeroed
		assert.Equal(t, float32(0), b2.ToHost()[0])
	})

	t.Run("Round trip", func(t *testing.T) {
		buf := NewBuffer(0, LocalityHost, 4)
		buf.CopyFromFloat32(0, []float32{1, -2, 0.5, 3})
		assert.Equal(t, []float32{1, -2, 0.5, 3}, buf.ToHost())
		assert.Equal(t, []float32{0.5, 3}, buf.Rows(1, 1, 2))
	})
}

func TestCPUBackend_Copy(t *testing.T) {
	backend := NewCPUBackend(2, LocalityDevice)

	src := NewBuffer(0, LocalityDevice, 4)
	src.CopyFromFloat32(0, []float32{1, 2, 3, 4})

	t.Run("Same device is direct", func(t *testing.T) {
		start := getMetricValue(copiesTotal.WithLabelValues("direct"))
		dst := NewBuffer(0, LocalityDevice, 4)
		require.NoError(t, backend.Copy(dst, 0, src, 0, 4))
		assert.Equal(t, []float32{1, 2, 3, 4}, dst.ToHost())
		assert.Equal(t, float64(1), getMetricValue(copiesTotal.WithLabelValues("direct"))-start)
	})

	t.Run("Cross device is staged", func(t *testing.T) {
		start := getMetricValue(copiesTotal.WithLabelValues("staged"))
		dst := NewBuffer(1, LocalityDevice, 4)
		require.NoError(t, backend.Copy(dst, 1, src, 2, 2))
		assert.Equal(t, []float32{0, 3, 4, 0}, dst.ToHost())
		assert.Equal(t, float64(1), getMetricValue(copiesTotal.WithLabelValues("staged"))-start)
	})

	t.Run("Out of range", func(t *testing.T) {
		dst := NewBuffer(0, LocalityDevice, 2)
		assert.Error(t, backend.Copy(dst, 0, src, 0, 4))
	})
}

func TestFloat16Bits(t *testing.T) {
	buf := NewBuffer(0, LocalityHost, 2)
	buf.CopyFromFloat32(0, []float32{1.0, -2.0})

	bits := Float16Bits(buf.Raw())
	assert.Equal(t, []uint16{0x3c00, 0xc000}, bits)

	back := NewBuffer(0, LocalityHost, 2)
	FromBits(back.Raw(), bits)
	assert.Equal(t, []float32{1.0, -2.0}, back.ToHost())
}
