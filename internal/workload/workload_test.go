package workload

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/cachestress/internal/config"
	"github.com/arkilian/cachestress/internal/observability"
	"github.com/arkilian/cachestress/internal/pool"
	"github.com/arkilian/cachestress/internal/store"
)

type fixture struct {
	store   *store.Store
	writers *pool.ConnectionPool
	readers *pool.ConnectionPool
	metrics *observability.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig().Store
	cfg.Path = filepath.Join(t.TempDir(), "cache.db")

	s, err := store.Bootstrap(context.Background(), cfg, 2, 2)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	m := observability.NewMetrics()
	writers, err := pool.NewConnectionPool(s.WriteDB(), pool.PoolConfig{Name: "writers", Capacity: 2, Observer: m})
	require.NoError(t, err)
	readers, err := pool.NewConnectionPool(s.ReadDB(), pool.PoolConfig{Name: "readers", Capacity: 2, Observer: m})
	require.NoError(t, err)

	return &fixture{store: s, writers: writers, readers: readers, metrics: m}
}

func taskConfig(name string) TaskConfig {
	return TaskConfig{Name: name, PayloadSize: 4096, Interval: time.Millisecond, KeyModulus: 3}
}

func TestKeyCursor_WrapsBeforeUse(t *testing.T) {
	c := NewKeyCursor(3)
	var got []string
	for i := 0; i < 7; i++ {
		got = append(got, c.Next())
	}
	assert.Equal(t, []string{"0", "1", "2", "0", "1", "2", "0"}, got)
}

func TestKeyCursor_Unbounded(t *testing.T) {
	c := NewKeyCursor(0)
	var got []string
	for i := 0; i < 5; i++ {
		got = append(got, c.Next())
	}
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, got)
}

func TestWriter_FirstIterationWritesKeyZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := NewWriter(taskConfig("writer-0"), f.writers, nil)

	res := w.Step(ctx)
	require.NoError(t, res.Err)
	assert.Equal(t, "0", res.Key)

	keys, err := f.store.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"0"}, keys)

	rec, found, err := store.Lookup(ctx, f.store.ReadDB(), "0")
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, rec.Payload, 4096)

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Step(ctx).Err)
	}
	keys, err = f.store.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1", "2", "0"}, keys)

	sizes, err := f.store.ScanSizes(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int64{4096: 4}, sizes)
}

func TestWriter_PayloadsAreFresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := NewWriter(taskConfig("writer-0"), f.writers, nil)

	first := w.Step(ctx)
	second := w.Step(ctx)
	require.NoError(t, first.Err)
	require.NoError(t, second.Err)
	assert.NotEqual(t, first.Digest, second.Digest)
}

func TestReader_FindsWrittenKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := NewWriter(taskConfig("writer-0"), f.writers, nil)
	for i := 0; i < 4; i++ {
		require.NoError(t, w.Step(ctx).Err)
	}

	r := NewReader(taskConfig("reader-0"), f.readers, nil)
	res := r.Step(ctx)
	require.NoError(t, res.Err)
	assert.Equal(t, "0", res.Key)
	assert.True(t, res.Found)
	assert.Equal(t, 4096, res.Size)
	assert.Equal(t, observability.ResultFound, res.Outcome())
}

func TestReader_EmptyStoreIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := NewReader(taskConfig("reader-0"), f.readers, f.metrics)

	for i := 0; i < 6; i++ {
		res := r.Step(ctx)
		assert.NoError(t, res.Err)
		assert.False(t, res.Found)
		assert.Equal(t, observability.ResultNotFound, res.Outcome())
		r.report(res)
	}

	snap := f.metrics.Snapshot()
	assert.Equal(t, int64(6), snap.ReadsNotFound)
	assert.Zero(t, snap.ReadsFailed)
}

func TestReader_KeyMismatchDetected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, f.store.WriteDB(), store.Record{Key: "1", Payload: []byte{1}}))

	r := NewReader(taskConfig("reader-0"), f.readers, nil)
	// Key 0 was never written; key 1 must come back with key 1.
	assert.False(t, r.Step(ctx).Found)
	res := r.Step(ctx)
	require.NoError(t, res.Err)
	assert.Equal(t, "1", res.Key)
	assert.True(t, res.Found)
}

func TestWriter_RunStopsAtDeadlineAndReleases(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	w := NewWriter(taskConfig("writer-0"), f.writers, f.metrics)
	start := time.Now()
	require.NoError(t, w.Run(ctx))
	assert.Less(t, time.Since(start), 2*time.Second)

	stats := f.writers.Stats()
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, stats.Capacity, stats.Available)
	assert.Equal(t, stats.Acquired, stats.Released)

	snap := f.metrics.Snapshot()
	assert.Greater(t, snap.WritesOK, int64(0))
	assert.Zero(t, snap.WritesFailed)
}

func TestWriter_FailuresDoNotStopLoop(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// The reader pool is query_only, so every insert through it fails.
	w := NewWriter(taskConfig("writer-0"), f.readers, f.metrics)
	require.NoError(t, w.Run(ctx))

	snap := f.metrics.Snapshot()
	assert.GreaterOrEqual(t, snap.WritesFailed, int64(2))
	assert.Zero(t, snap.WritesOK)
	assert.Equal(t, 0, f.readers.Stats().InUse)
}

func TestReader_RunConcurrentWithWriters(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{}, 4)
	for i := 0; i < 2; i++ {
		w := NewWriter(taskConfig("writer"), f.writers, f.metrics)
		r := NewReader(taskConfig("reader"), f.readers, f.metrics)
		go func() { w.Run(ctx); done <- struct{}{} }()
		go func() { r.Run(ctx); done <- struct{}{} }()
	}
	for i := 0; i < 4; i++ {
		<-done
	}

	snap := f.metrics.Snapshot()
	assert.Greater(t, snap.WritesOK, int64(0))
	assert.Zero(t, snap.ReadsFailed)
	assert.Greater(t, snap.ReadsFound+snap.ReadsNotFound, int64(0))
	assert.Equal(t, 0, f.writers.Stats().InUse)
	assert.Equal(t, 0, f.readers.Stats().InUse)
	require.NoError(t, f.store.IntegrityCheck(context.Background()))
}

// failingPool never hands out a lease.
type failingPool struct{ err error }

func (p failingPool) Acquire(ctx context.Context) (*pool.Lease, error) { return nil, p.err }

func TestStep_AcquireFailureIsReported(t *testing.T) {
	boom := errors.New("exhausted")
	w := NewWriter(taskConfig("writer-0"), failingPool{err: boom}, nil)
	r := NewReader(taskConfig("reader-0"), failingPool{err: boom}, nil)

	wres := w.Step(context.Background())
	assert.ErrorIs(t, wres.Err, boom)
	assert.Equal(t, "0", wres.Key)
	assert.Equal(t, observability.ResultFailed, wres.Outcome())

	rres := r.Step(context.Background())
	assert.ErrorIs(t, rres.Err, boom)
	assert.Equal(t, observability.ResultFailed, rres.Outcome())
}
