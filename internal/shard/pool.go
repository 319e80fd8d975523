package shard

import (
	"sync"

	"gonum.org/v1/gonum/mat"
)

// BufferPool provides pooled matrices for the reference shard's
// intermediate products.
type BufferPool struct {
	proj   sync.Pool // tokens x kvWidth
	hidden sync.Pool // tokens x width
}

// Pool is shared by every reference shard.
var Pool = &BufferPool{}

func get(p *sync.Pool, rows, cols int) *mat.Dense {
	if v := p.Get(); v != nil {
		m := v.(*mat.Dense)
		raw := m.RawMatrix().Data
		if cap(raw) >= rows*cols {
			raw = raw[:rows*cols]
			clear(raw)
			return mat.NewDense(rows, cols, raw)
		}
	}
	return mat.NewDense(rows, cols, nil)
}

// GetProj gets a tokens x kvWidth matrix from the pool.
func (p *BufferPool) GetProj(rows, cols int) *mat.Dense { return get(&p.proj, rows, cols) }

// PutProj returns a matrix to the pool.
func (p *BufferPool) PutProj(m *mat.Dense) {
	if m != nil {
		p.proj.Put(m)
	}
}

// GetHidden gets a tokens x width matrix from the pool.
func (p *BufferPool) GetHidden(rows, cols int) *mat.Dense { return get(&p.hidden, rows, cols) }

// PutHidden returns a matrix to the pool.
func (p *BufferPool) PutHidden(m *mat.Dense) {
	if m != nil {
		p.hidden.Put(m)
	}
}
