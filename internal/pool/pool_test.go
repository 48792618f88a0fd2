package pool

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	harnesserrors "github.com/arkilian/cachestress/internal/errors"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "pool.db")+"?_journal_mode=WAL&_busy_timeout=5000")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestPool(t *testing.T, name string, capacity int, obs Observer) *ConnectionPool {
	t.Helper()
	p, err := NewConnectionPool(openTestDB(t), PoolConfig{Name: name, Capacity: capacity, Observer: obs})
	require.NoError(t, err)
	return p
}

// countingObserver records the highest in-use value it was told about.
type countingObserver struct {
	mu       sync.Mutex
	acquires int
	failures int
	maxInUse int
	lastIn   int
}

func (o *countingObserver) ObserveAcquire(pool string, wait time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.acquires++
	if err != nil {
		o.failures++
	}
}

func (o *countingObserver) ObserveInUse(pool string, inUse int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastIn = inUse
	if inUse > o.maxInUse {
		o.maxInUse = inUse
	}
}

func TestNewConnectionPool_RejectsZeroCapacity(t *testing.T) {
	_, err := NewConnectionPool(openTestDB(t), PoolConfig{Name: "writers", Capacity: 0})
	require.Error(t, err)
	assert.Equal(t, harnesserrors.ErrCategoryConfig, harnesserrors.GetCategory(err))
}

func TestAcquireRelease(t *testing.T) {
	p := newTestPool(t, "writers", 2, nil)
	ctx := context.Background()

	lease, err := p.Acquire(ctx)
	require.NoError(t, err)

	var one int
	require.NoError(t, lease.Conn().QueryRowContext(ctx, "SELECT 1").Scan(&one))
	assert.Equal(t, 1, one)

	stats := p.Stats()
	assert.Equal(t, 1, stats.InUse)
	assert.Equal(t, 1, stats.Available)

	require.NoError(t, lease.Release())
	stats = p.Stats()
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, 2, stats.Available)
	assert.Equal(t, int64(1), stats.Acquired)
	assert.Equal(t, int64(1), stats.Released)
}

func TestRelease_Idempotent(t *testing.T) {
	p := newTestPool(t, "writers", 1, nil)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, lease.Release())
	_ = lease.Release()

	stats := p.Stats()
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, int64(1), stats.Released)
	assert.Equal(t, 1, stats.Available)
}

func TestAcquire_BlocksUntilDeadline(t *testing.T) {
	p := newTestPool(t, "writers", 1, nil)

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.True(t, harnesserrors.IsCancellation(err))
	assert.Equal(t, harnesserrors.CodeAcquireFailed, harnesserrors.GetCode(err))
	assert.Equal(t, int64(1), p.Stats().AcquireFailures)
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	p := newTestPool(t, "readers", 1, nil)

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		held.Release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lease, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, lease.Release())
}

func TestCapacityInvariant_UnderContention(t *testing.T) {
	obs := &countingObserver{}
	p := newTestPool(t, "writers", 3, obs)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				lease, err := p.Acquire(ctx)
				if !assert.NoError(t, err) {
					return
				}
				assert.LessOrEqual(t, p.Stats().InUse, 3)
				time.Sleep(time.Millisecond)
				assert.NoError(t, lease.Release())
			}
		}()
	}
	wg.Wait()

	stats := p.Stats()
	assert.LessOrEqual(t, stats.Peak, 3)
	assert.Equal(t, 3, stats.Available)
	assert.Equal(t, int64(16*20), stats.Acquired)
	assert.Equal(t, stats.Acquired, stats.Released)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 16*20, obs.acquires)
	assert.Zero(t, obs.failures)
	assert.LessOrEqual(t, obs.maxInUse, 3)
}

func TestIndependentPools(t *testing.T) {
	writers := newTestPool(t, "writers", 1, nil)
	readers := newTestPool(t, "readers", 1, nil)

	held, err := writers.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	lease, err := readers.Acquire(ctx)
	require.NoError(t, err, "an exhausted writer pool must not block readers")
	require.NoError(t, lease.Release())
}

func TestWaitIdle(t *testing.T) {
	p := newTestPool(t, "writers", 2, nil)

	a, err := p.Acquire(context.Background())
	require.NoError(t, err)
	b, err := p.Acquire(context.Background())
	require.NoError(t, err)

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, p.WaitIdle(short))

	a.Release()
	b.Release()

	ctx, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	require.NoError(t, p.WaitIdle(ctx))

	// The pool is fully usable after WaitIdle.
	lease, err := p.Acquire(ctx)
	require.NoError(t, err)
	lease.Release()
}

func TestClose_RefusesAcquire(t *testing.T) {
	p := newTestPool(t, "writers", 1, nil)

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.Close())

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)

	// Outstanding leases still release cleanly.
	require.NoError(t, held.Release())
	assert.Equal(t, 1, p.Stats().Available)
}
