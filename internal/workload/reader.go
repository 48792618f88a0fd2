package workload

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spaolacci/murmur3"

	harnesserrors "github.com/arkilian/cachestress/internal/errors"
	"github.com/arkilian/cachestress/internal/observability"
	"github.com/arkilian/cachestress/internal/store"
)

// ReadResult is the outcome of one reader iteration: found, not found, or
// failed. Not found is not an error.
type ReadResult struct {
	Key    string
	Found  bool
	Size   int
	Digest uint64
	Err    error
}

// Outcome returns the metrics label of the result.
func (r ReadResult) Outcome() string {
	switch {
	case r.Err != nil:
		return observability.ResultFailed
	case r.Found:
		return observability.ResultFound
	default:
		return observability.ResultNotFound
	}
}

// Reader repeatedly looks up a cyclic key. Its cursor is independent of
// every writer, so it may ask for keys that were never written.
type Reader struct {
	cfg      TaskConfig
	pool     Pool
	keys     *KeyCursor
	recorder Recorder
	log      *log.Entry
}

// NewReader creates a reader drawing leases from p. recorder may be nil.
func NewReader(cfg TaskConfig, p Pool, recorder Recorder) *Reader {
	return &Reader{
		cfg:      cfg,
		pool:     p,
		keys:     NewKeyCursor(cfg.KeyModulus),
		recorder: recorder,
		log:      log.WithField("task", cfg.Name),
	}
}

// Step runs one acquire, lookup, release cycle without the trailing sleep.
func (r *Reader) Step(ctx context.Context) ReadResult {
	key := r.keys.Next()

	lease, err := r.pool.Acquire(ctx)
	if err != nil {
		return ReadResult{Key: key, Err: err}
	}
	defer lease.Release()

	rec, found, err := store.Lookup(ctx, lease.Conn(), key)
	if err != nil {
		return ReadResult{Key: key, Err: err}
	}
	if !found {
		return ReadResult{Key: key}
	}
	if rec.Key != key {
		return ReadResult{Key: key, Err: harnesserrors.New(harnesserrors.ErrCategoryStore, harnesserrors.CodeCorruption,
			fmt.Sprintf("lookup for key %q returned key %q", key, rec.Key))}
	}
	return ReadResult{Key: key, Found: true, Size: len(rec.Payload), Digest: murmur3.Sum64(rec.Payload)}
}

// Run loops until ctx is done. Run returns nil: cancellation is the only exit.
func (r *Reader) Run(ctx context.Context) error {
	r.log.Debug("reader started")
	for {
		res := r.Step(ctx)
		if res.Err != nil && ctx.Err() != nil {
			break
		}
		r.report(res)

		if !sleep(ctx, r.cfg.Interval) {
			break
		}
	}
	r.log.Debug("reader stopped")
	return nil
}

func (r *Reader) report(res ReadResult) {
	if r.recorder != nil {
		r.recorder.RecordRead(res.Outcome())
	}

	entry := r.log.WithField("key", res.Key)
	switch {
	case res.Err != nil:
		entry.WithFields(log.Fields{
			"err":       res.Err,
			"retryable": harnesserrors.IsRetryable(res.Err),
		}).Warn("fetch failed")
	case res.Found:
		entry.WithFields(log.Fields{
			"bytes":  res.Size,
			"digest": fmt.Sprintf("%016x", res.Digest),
		}).Info("fetch ok")
	default:
		entry.Info("fetch not found")
	}
}
