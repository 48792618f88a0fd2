// Package supervisor runs the writer and reader tasks of one harness run
// under their deadlines and verifies the store afterwards.
package supervisor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/arkilian/cachestress/internal/config"
	"github.com/arkilian/cachestress/internal/observability"
	"github.com/arkilian/cachestress/internal/pool"
	"github.com/arkilian/cachestress/internal/store"
	"github.com/arkilian/cachestress/internal/workload"
)

// verifyTimeout bounds the post-run checkpoint, scan and integrity check.
const verifyTimeout = 30 * time.Second

// Supervisor owns one run. The pools are passed in explicitly and shared by
// every task bound to them.
type Supervisor struct {
	cfg     *config.Config
	store   *store.Store
	writers *pool.ConnectionPool
	readers *pool.ConnectionPool
	metrics *observability.Metrics
	runID   string
	log     *log.Entry

	running atomic.Int32
}

// New creates a supervisor for a bootstrapped store and its two pools.
func New(cfg *config.Config, st *store.Store, writers, readers *pool.ConnectionPool, metrics *observability.Metrics) *Supervisor {
	runID := uuid.NewString()
	return &Supervisor{
		cfg:     cfg,
		store:   st,
		writers: writers,
		readers: readers,
		metrics: metrics,
		runID:   runID,
		log:     log.WithField("run", runID),
	}
}

// RunID returns the identifier attached to every log line of this run.
func (s *Supervisor) RunID() string { return s.runID }

// Run starts all tasks, each under its own hard deadline, waits the run
// duration, cancels whatever is left and verifies the store. Task failures
// never make Run fail; they are counted in the report. Run returns an error
// only for an unusable configuration.
func (s *Supervisor) Run(ctx context.Context) (*Report, error) {
	if err := s.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	report := &Report{RunID: s.runID, Started: time.Now()}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	wl := s.cfg.Workload

	for i := 0; i < wl.Writers; i++ {
		w := workload.NewWriter(s.taskConfig(fmt.Sprintf("writer-%d", i)), s.writers, s.metrics)
		s.spawn(g, gctx, w.Run)
	}
	for i := 0; i < wl.Readers; i++ {
		r := workload.NewReader(s.taskConfig(fmt.Sprintf("reader-%d", i)), s.readers, s.metrics)
		s.spawn(g, gctx, r.Run)
	}

	s.log.WithFields(log.Fields{
		"writers":       wl.Writers,
		"readers":       wl.Readers,
		"task_deadline": s.cfg.Run.TaskDeadline,
		"duration":      s.cfg.Run.Duration,
	}).Info("run started")

	timer := time.NewTimer(s.cfg.Run.Duration)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		s.log.WithField("err", ctx.Err()).Warn("run interrupted")
	}

	// Anything still looping past the run duration is cancelled; give it
	// a bounded grace period to hand back its lease.
	cancel()
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	grace := time.NewTimer(s.cfg.Run.ShutdownGrace)
	select {
	case <-done:
		grace.Stop()
	case <-grace.C:
		report.Abandoned = int(s.running.Load())
		s.log.WithField("tasks", report.Abandoned).Warn("abandoning tasks still in flight")
	}

	report.Finished = time.Now()
	s.verify(ctx, report)
	return report, nil
}

// spawn runs fn under a per-task deadline derived from ctx.
func (s *Supervisor) spawn(g *errgroup.Group, ctx context.Context, fn func(context.Context) error) {
	s.running.Add(1)
	g.Go(func() error {
		defer s.running.Add(-1)

		taskCtx, cancel := context.WithTimeout(ctx, s.cfg.Run.TaskDeadline)
		defer cancel()
		return fn(taskCtx)
	})
}

func (s *Supervisor) taskConfig(name string) workload.TaskConfig {
	return workload.TaskConfig{
		Name:        name,
		PayloadSize: s.cfg.Workload.PayloadSize,
		Interval:    s.cfg.Workload.Interval,
		KeyModulus:  s.cfg.Workload.KeyModulus,
	}
}

// verify fills the store and pool sections of the report. It runs on a
// context detached from the run so an interrupted run is still checked.
func (s *Supervisor) verify(ctx context.Context, report *Report) {
	vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), verifyTimeout)
	defer cancel()

	report.Outcomes = s.metrics.Snapshot()
	report.Pools = []pool.PoolStats{s.writers.Stats(), s.readers.Stats()}

	if err := s.store.Checkpoint(vctx); err != nil {
		s.log.WithField("err", err).Warn("wal checkpoint failed")
	}

	rows, err := s.store.Count(vctx)
	if err != nil {
		report.VerifyErr = err
		return
	}
	report.Rows = rows

	sizes, err := s.store.ScanSizes(vctx)
	if err != nil {
		report.VerifyErr = err
		return
	}
	for size, n := range sizes {
		if size != int64(s.cfg.Workload.PayloadSize) {
			report.SizeMismatches += n
		}
	}

	report.VerifyErr = s.store.IntegrityCheck(vctx)
}
