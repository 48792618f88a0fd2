package supervisor

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/arkilian/cachestress/internal/observability"
	"github.com/arkilian/cachestress/internal/pool"
)

// Report summarizes one run.
type Report struct {
	RunID    string
	Started  time.Time
	Finished time.Time

	// Outcomes holds the per-result task counters
	Outcomes observability.Snapshot

	// Pools holds the final writer and reader pool statistics
	Pools []pool.PoolStats

	// Abandoned is the number of tasks still running after the grace period
	Abandoned int

	// Rows is the number of rows in the store after the run
	Rows int64

	// SizeMismatches counts rows whose payload is not the configured size
	SizeMismatches int64

	// VerifyErr is set when the post-run scan or integrity check failed
	VerifyErr error
}

// Healthy reports whether the run met the harness invariants: at least one
// insert landed, the store scans cleanly, every payload has the configured
// size and no lease is still outstanding.
func (r *Report) Healthy() bool {
	if r.VerifyErr != nil || r.SizeMismatches > 0 || r.Rows < 1 {
		return false
	}
	for _, p := range r.Pools {
		if p.InUse != 0 || p.Peak > p.Capacity {
			return false
		}
	}
	return true
}

// Log writes the report as log lines.
func (r *Report) Log() {
	entry := log.WithField("run", r.RunID)

	entry.WithFields(log.Fields{
		"elapsed":         r.Finished.Sub(r.Started).Round(time.Millisecond),
		"writes_ok":       r.Outcomes.WritesOK,
		"writes_failed":   r.Outcomes.WritesFailed,
		"reads_found":     r.Outcomes.ReadsFound,
		"reads_not_found": r.Outcomes.ReadsNotFound,
		"reads_failed":    r.Outcomes.ReadsFailed,
		"abandoned":       r.Abandoned,
	}).Info("run finished")

	for _, p := range r.Pools {
		entry.WithFields(log.Fields{
			"pool":             p.Name,
			"capacity":         p.Capacity,
			"peak":             p.Peak,
			"in_use":           p.InUse,
			"acquired":         p.Acquired,
			"acquire_failures": p.AcquireFailures,
		}).Info("pool stats")
	}

	fields := log.Fields{"rows": r.Rows, "size_mismatches": r.SizeMismatches}
	if r.VerifyErr != nil {
		entry.WithFields(fields).WithField("err", r.VerifyErr).Error("store verification failed")
	} else if !r.Healthy() {
		entry.WithFields(fields).Warn("store verification found problems")
	} else {
		entry.WithFields(fields).Info("store verified")
	}
}
