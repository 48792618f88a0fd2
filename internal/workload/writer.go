package workload

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spaolacci/murmur3"

	harnesserrors "github.com/arkilian/cachestress/internal/errors"
	"github.com/arkilian/cachestress/internal/observability"
	"github.com/arkilian/cachestress/internal/pool"
	"github.com/arkilian/cachestress/internal/store"
)

// Pool is the lease source a task draws connections from.
type Pool interface {
	Acquire(ctx context.Context) (*pool.Lease, error)
}

// Recorder counts task outcomes. *observability.Metrics implements it.
type Recorder interface {
	RecordWrite(result string)
	RecordRead(result string)
}

// TaskConfig holds the settings shared by writer and reader tasks.
type TaskConfig struct {
	// Name identifies the task in logs (e.g. "writer-0")
	Name string

	// PayloadSize is the size of every inserted payload (writers only)
	PayloadSize int

	// Interval is the sleep between iterations
	Interval time.Duration

	// KeyModulus wraps the key cursor; 0 never wraps
	KeyModulus int
}

// WriteResult is the outcome of one writer iteration.
type WriteResult struct {
	Key    string
	Size   int
	Digest uint64
	Err    error
}

// Outcome returns the metrics label of the result.
func (r WriteResult) Outcome() string {
	if r.Err != nil {
		return observability.ResultFailed
	}
	return observability.ResultOK
}

// Writer repeatedly inserts a fresh random payload under a cyclic key.
// Rows are only ever appended, so duplicate keys accumulate.
type Writer struct {
	cfg      TaskConfig
	pool     Pool
	keys     *KeyCursor
	recorder Recorder
	entropy  io.Reader
	log      *log.Entry
}

// NewWriter creates a writer drawing leases from p. recorder may be nil.
func NewWriter(cfg TaskConfig, p Pool, recorder Recorder) *Writer {
	return &Writer{
		cfg:      cfg,
		pool:     p,
		keys:     NewKeyCursor(cfg.KeyModulus),
		recorder: recorder,
		entropy:  rand.Reader,
		log:      log.WithField("task", cfg.Name),
	}
}

// Step runs one acquire, insert, release cycle without the trailing sleep.
func (w *Writer) Step(ctx context.Context) WriteResult {
	key := w.keys.Next()

	payload := make([]byte, w.cfg.PayloadSize)
	if _, err := io.ReadFull(w.entropy, payload); err != nil {
		return WriteResult{Key: key, Err: fmt.Errorf("workload: failed to generate payload: %w", err)}
	}

	lease, err := w.pool.Acquire(ctx)
	if err != nil {
		return WriteResult{Key: key, Err: err}
	}
	defer lease.Release()

	if err := store.Insert(ctx, lease.Conn(), store.Record{Key: key, Payload: payload}); err != nil {
		return WriteResult{Key: key, Err: err}
	}
	return WriteResult{Key: key, Size: len(payload), Digest: murmur3.Sum64(payload)}
}

// Run loops until ctx is done. Failed iterations are logged and counted and
// never stop the loop. Run returns nil: cancellation is the only exit.
func (w *Writer) Run(ctx context.Context) error {
	w.log.Debug("writer started")
	for {
		res := w.Step(ctx)
		if res.Err != nil && ctx.Err() != nil {
			break
		}
		w.report(res)

		if !sleep(ctx, w.cfg.Interval) {
			break
		}
	}
	w.log.Debug("writer stopped")
	return nil
}

func (w *Writer) report(res WriteResult) {
	if w.recorder != nil {
		w.recorder.RecordWrite(res.Outcome())
	}

	entry := w.log.WithField("key", res.Key)
	if res.Err != nil {
		entry.WithFields(log.Fields{
			"err":       res.Err,
			"retryable": harnesserrors.IsRetryable(res.Err),
		}).Warn("insert failed")
		return
	}
	entry.WithFields(log.Fields{
		"bytes":  res.Size,
		"digest": fmt.Sprintf("%016x", res.Digest),
	}).Info("insert ok")
}
