// Package pool provides bounded connection leases over a database handle.
package pool

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	harnesserrors "github.com/arkilian/cachestress/internal/errors"
)

// ErrPoolClosed is returned by Acquire once Close has been called.
var ErrPoolClosed = harnesserrors.New(harnesserrors.ErrCategoryPool, harnesserrors.CodePoolClosed,
	"pool: connection pool is closed")

// Observer receives lease events. Implementations must be safe for
// concurrent use.
type Observer interface {
	// ObserveAcquire is called after every Acquire with the time spent
	// waiting and the resulting error, if any.
	ObserveAcquire(pool string, wait time.Duration, err error)

	// ObserveInUse is called whenever the number of outstanding leases changes.
	ObserveInUse(pool string, inUse int)
}

// ConnectionPool hands out at most Capacity concurrent leases of connections
// from one *sql.DB. Leases are interchangeable; there is no affinity.
type ConnectionPool struct {
	name     string
	db       *sql.DB
	capacity int
	sem      *semaphore.Weighted
	observer Observer

	mu              sync.Mutex
	inUse           int
	peak            int
	acquired        int64
	released        int64
	acquireFailures int64
	closed          bool
}

// PoolConfig holds configuration for a connection pool.
type PoolConfig struct {
	// Name identifies the pool in logs and metrics (e.g. "writers")
	Name string

	// Capacity is the maximum number of concurrent leases (at least 1)
	Capacity int

	// Observer is optional
	Observer Observer
}

// NewConnectionPool creates a pool over db. The handle's own open and idle
// limits are set to the pool capacity so a released connection stays open
// for the next lease.
func NewConnectionPool(db *sql.DB, config PoolConfig) (*ConnectionPool, error) {
	if config.Capacity < 1 {
		return nil, harnesserrors.NewConfigError(fmt.Sprintf("pool: capacity must be at least 1, got %d", config.Capacity))
	}

	db.SetMaxOpenConns(config.Capacity)
	db.SetMaxIdleConns(config.Capacity)

	return &ConnectionPool{
		name:     config.Name,
		db:       db,
		capacity: config.Capacity,
		sem:      semaphore.NewWeighted(int64(config.Capacity)),
		observer: config.Observer,
	}, nil
}

// Lease is one connection checked out of a pool. It is owned by a single
// goroutine until Release.
type Lease struct {
	pool *ConnectionPool
	conn *sql.Conn
	once sync.Once
}

// Conn returns the leased connection.
func (l *Lease) Conn() *sql.Conn {
	return l.conn
}

// Release returns the connection to the pool. It is safe to call more than
// once and must be called even if the caller's context has been cancelled.
func (l *Lease) Release() error {
	var err error
	l.once.Do(func() {
		err = l.conn.Close()
		l.pool.release()
	})
	return err
}

// Acquire blocks until a lease is available or ctx is done. There is no
// wait bound other than ctx.
func (p *ConnectionPool) Acquire(ctx context.Context) (*Lease, error) {
	start := time.Now()

	lease, err := p.acquire(ctx)
	if p.observer != nil {
		p.observer.ObserveAcquire(p.name, time.Since(start), err)
	}
	return lease, err
}

func (p *ConnectionPool) acquire(ctx context.Context) (*Lease, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.recordFailure()
		return nil, harnesserrors.NewPoolError(harnesserrors.CodeAcquireFailed,
			fmt.Sprintf("pool %s: failed to acquire slot", p.name), err)
	}

	conn, err := p.db.Conn(ctx)
	if err != nil {
		p.sem.Release(1)
		p.recordFailure()
		return nil, harnesserrors.NewPoolError(harnesserrors.CodeAcquireFailed,
			fmt.Sprintf("pool %s: failed to open connection", p.name), err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	p.inUse++
	if p.inUse > p.peak {
		p.peak = p.inUse
	}
	p.acquired++
	inUse := p.inUse
	p.mu.Unlock()

	if p.observer != nil {
		p.observer.ObserveInUse(p.name, inUse)
	}

	return &Lease{pool: p, conn: conn}, nil
}

// release gives a slot back. Called exactly once per lease.
func (p *ConnectionPool) release() {
	p.mu.Lock()
	p.inUse--
	p.released++
	inUse := p.inUse
	p.mu.Unlock()

	p.sem.Release(1)

	if p.observer != nil {
		p.observer.ObserveInUse(p.name, inUse)
	}
}

func (p *ConnectionPool) recordFailure() {
	p.mu.Lock()
	p.acquireFailures++
	p.mu.Unlock()
}

func (p *ConnectionPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// WaitIdle blocks until every outstanding lease has been released or ctx
// is done.
func (p *ConnectionPool) WaitIdle(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, int64(p.capacity)); err != nil {
		return err
	}
	p.sem.Release(int64(p.capacity))
	return nil
}

// Close refuses further acquisitions. Outstanding leases may still be
// released. The underlying *sql.DB is owned by the store and left open.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Name returns the pool name.
func (p *ConnectionPool) Name() string { return p.name }

// Capacity returns the fixed lease capacity.
func (p *ConnectionPool) Capacity() int { return p.capacity }

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Name            string
	Capacity        int
	InUse           int
	Available       int
	Peak            int
	Acquired        int64
	Released        int64
	AcquireFailures int64
}

// Stats returns current pool statistics.
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PoolStats{
		Name:            p.name,
		Capacity:        p.capacity,
		InUse:           p.inUse,
		Available:       p.capacity - p.inUse,
		Peak:            p.peak,
		Acquired:        p.acquired,
		Released:        p.released,
		AcquireFailures: p.acquireFailures,
	}
}
