// Package workload implements the writer and reader tasks driven by the supervisor.
package workload

import (
	"context"
	"strconv"
	"time"
)

// KeyCursor produces the cyclic key sequence of one task. The value is
// wrapped before use, so modulus 3 yields 0,1,2,0,1,2... A modulus of 0
// never wraps. A cursor belongs to a single task and is not safe for
// concurrent use.
type KeyCursor struct {
	modulus uint64
	next    uint64
}

// NewKeyCursor returns a cursor starting at key 0.
func NewKeyCursor(modulus int) *KeyCursor {
	if modulus < 0 {
		modulus = 0
	}
	return &KeyCursor{modulus: uint64(modulus)}
}

// Next returns the current key and advances the cursor.
func (c *KeyCursor) Next() string {
	n := c.next
	if c.modulus > 0 {
		n %= c.modulus
	}
	c.next = n + 1
	return strconv.FormatUint(n, 10)
}

// sleep waits for d or until ctx is done. It reports whether the full
// interval elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
