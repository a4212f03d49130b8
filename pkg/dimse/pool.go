package dimse

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// AssociationPool keeps a small set of idle associations to one peer so
// consecutive operations can skip negotiation.
type AssociationPool struct {
	config      AssociationConfig
	maxSize     int
	maxIdleTime time.Duration

	mu          sync.Mutex
	idle        []*Association
	cleanTicker *time.Ticker
	done        chan struct{}
}

// PoolConfig holds configuration for an association pool.
type PoolConfig struct {
	AssociationConfig
	MaxPoolSize int
	MaxIdleTime time.Duration
}

// NewAssociationPool creates a pool and starts its idle reaper.
func NewAssociationPool(config PoolConfig) *AssociationPool {
	if config.MaxPoolSize == 0 {
		config.MaxPoolSize = 5
	}
	if config.MaxIdleTime == 0 {
		config.MaxIdleTime = 5 * time.Minute
	}

	pool := &AssociationPool{
		config:      config.AssociationConfig,
		maxSize:     config.MaxPoolSize,
		maxIdleTime: config.MaxIdleTime,
		idle:        make([]*Association, 0, config.MaxPoolSize),
		cleanTicker: time.NewTicker(1 * time.Minute),
		done:        make(chan struct{}),
	}
	go pool.reap()
	return pool
}

// Get returns an idle association or negotiates a fresh one.
func (p *AssociationPool) Get(ctx context.Context) (*Association, error) {
	p.mu.Lock()
	for len(p.idle) > 0 {
		assoc := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if assoc.IsConnected() {
			p.mu.Unlock()
			return assoc, nil
		}
	}
	p.mu.Unlock()

	assoc := NewAssociation(p.config)
	if err := assoc.Connect(ctx); err != nil {
		return nil, fmt.Errorf("opening pooled association: %w", err)
	}
	return assoc, nil
}

// Put returns an association to the pool, releasing it when the pool is
// full or the association went stale.
func (p *AssociationPool) Put(assoc *Association) {
	if !assoc.IsConnected() {
		_ = assoc.Release()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) >= p.maxSize {
		go func() { _ = assoc.Release() }()
		return
	}
	p.idle = append(p.idle, assoc)
}

// Close releases every idle association and stops the reaper.
func (p *AssociationPool) Close() error {
	close(p.done)
	p.cleanTicker.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	var failures int
	for _, assoc := range p.idle {
		if err := assoc.Release(); err != nil {
			failures++
		}
	}
	p.idle = nil

	if failures > 0 {
		return fmt.Errorf("%d associations failed to release cleanly", failures)
	}
	return nil
}

func (p *AssociationPool) reap() {
	for {
		select {
		case <-p.cleanTicker.C:
			p.dropIdle()
		case <-p.done:
			return
		}
	}
}

func (p *AssociationPool) dropIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	active := make([]*Association, 0, len(p.idle))
	for _, assoc := range p.idle {
		if now.Sub(assoc.LastUsed()) > p.maxIdleTime || !assoc.IsConnected() {
			go func(a *Association) { _ = a.Release() }(assoc)
			continue
		}
		active = append(active, assoc)
	}
	p.idle = active
}

// Stats returns pool statistics.
func (p *AssociationPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{IdleAssociations: len(p.idle), MaxSize: p.maxSize}
}

// PoolStats holds pool statistics.
type PoolStats struct {
	IdleAssociations int
	MaxSize          int
}
