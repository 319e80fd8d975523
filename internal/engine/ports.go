package engine

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// PortPool leases auxiliary tokenizer ports from a fixed range. A session
// holds one port for its lifetime.
type PortPool struct {
	base int
	sem  *semaphore.Weighted

	mu   sync.Mutex
	free []int
	used map[int]bool
}

// NewPortPool returns a pool over ports [base, base+size).
func NewPortPool(base, size int) *PortPool {
	p := &PortPool{
		base: base,
		sem:  semaphore.NewWeighted(int64(size)),
		free: make([]int, 0, size),
		used: make(map[int]bool, size),
	}
	// Lowest port first.
	for i := size - 1; i >= 0; i-- {
		p.free = append(p.free, base+i)
	}
	return p
}

// Acquire blocks until a port is free or ctx is done.
func (p *PortPool) Acquire(ctx context.Context) (int, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return 0, fmt.Errorf("failed to lease tokenizer port: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	port := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.used[port] = true
	portsLeased.Inc()
	return port, nil
}

// Release returns a leased port. Releasing a port that is not leased is a
// no-op.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.used[port] {
		return
	}
	delete(p.used, port)
	p.free = append(p.free, port)
	portsLeased.Dec()
	p.sem.Release(1)
}

// InUse returns how many ports are leased.
func (p *PortPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}
