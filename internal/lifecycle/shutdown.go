// Package lifecycle coordinates the orderly teardown of a harness run.
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Drainer is anything that can wait for its outstanding work to finish.
// *pool.ConnectionPool satisfies it.
type Drainer interface {
	Name() string
	WaitIdle(ctx context.Context) error
}

// ShutdownManager drains registered pools and then closes registered
// resources in reverse order of registration.
type ShutdownManager struct {
	drainTimeout time.Duration

	mu       sync.Mutex
	closers  []io.Closer
	drainers []Drainer

	once sync.Once
	err  error
	done chan struct{}
}

// ShutdownConfig holds configuration for the shutdown manager.
type ShutdownConfig struct {
	// DrainTimeout bounds the wait for each drainer.
	// Default: 2 seconds
	DrainTimeout time.Duration
}

// NewShutdownManager creates a shutdown manager.
func NewShutdownManager(config ShutdownConfig) *ShutdownManager {
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 2 * time.Second
	}
	return &ShutdownManager{
		drainTimeout: config.DrainTimeout,
		done:         make(chan struct{}),
	}
}

// RegisterCloser adds a closer to be called during shutdown.
// Closers are called in reverse order of registration (LIFO).
func (sm *ShutdownManager) RegisterCloser(closer io.Closer) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closers = append(sm.closers, closer)
}

// RegisterDrainer adds a drainer to wait on before any closer runs.
func (sm *ShutdownManager) RegisterDrainer(d Drainer) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.drainers = append(sm.drainers, d)
}

// Shutdown drains and closes everything registered. Only the first call does
// any work; later calls return its result.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	sm.once.Do(func() {
		defer close(sm.done)
		log.WithField("reason", reason).Info("shutting down")

		sm.mu.Lock()
		drainers := append([]Drainer(nil), sm.drainers...)
		closers := append([]io.Closer(nil), sm.closers...)
		sm.mu.Unlock()

		for _, d := range drainers {
			if err := sm.drain(ctx, d); err != nil && sm.err == nil {
				sm.err = err
			}
		}

		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				log.WithField("err", err).Warn("close failed")
				if sm.err == nil {
					sm.err = fmt.Errorf("close failed: %w", err)
				}
			}
		}
	})
	return sm.err
}

// drain waits for d to go idle. A timeout is logged and reported but does
// not stop the remaining closers from running.
func (sm *ShutdownManager) drain(ctx context.Context, d Drainer) error {
	drainCtx, cancel := context.WithTimeout(ctx, sm.drainTimeout)
	defer cancel()

	if err := d.WaitIdle(drainCtx); err != nil {
		log.WithFields(log.Fields{"pool": d.Name(), "err": err}).Warn("leases still outstanding at shutdown")
		return fmt.Errorf("drain %s: %w", d.Name(), err)
	}
	return nil
}

// Done is closed once Shutdown has finished.
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.done
}

// CloserFunc is an adapter to allow ordinary functions to be used as io.Closer.
type CloserFunc func() error

// Close calls the underlying function.
func (f CloserFunc) Close() error {
	return f()
}
