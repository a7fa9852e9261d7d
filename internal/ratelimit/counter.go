// Package ratelimit implements the per-user attempt window and the per-user
// daily run quota over an atomic counter store.
package ratelimit

import (
	"context"
	"time"
)

// Window is the state of one fixed-window attempt counter.
type Window struct {
	Start time.Time
	Count int
}

// CounterStore applies counter updates atomically per key. Implementations
// must never read and then separately write: the decision and the update
// happen in one transaction, script or map operation.
type CounterStore interface {
	// HitWindow records one attempt against key and reports the resulting
	// window and whether the attempt was allowed. A refused attempt leaves
	// the counter unchanged.
	HitWindow(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Window, bool, error)

	// HitQuota records one run against key and reports the resulting count
	// and whether the run was allowed. The counter may be discarded after
	// expires.
	HitQuota(ctx context.Context, key string, limit int, now, expires time.Time) (int, bool, error)
}

// applyWindow is the fixed-window discipline shared by the Go backends; the
// Redis script mirrors it. A limit <= 0 disables limiting.
func applyWindow(cur Window, found bool, now time.Time, window time.Duration, limit int) (Window, bool) {
	if !found || now.Sub(cur.Start) >= window {
		return Window{Start: now, Count: 1}, true
	}
	if limit > 0 && cur.Count >= limit {
		return cur, false
	}
	return Window{Start: cur.Start, Count: cur.Count + 1}, true
}

func applyQuota(runs, limit int) (int, bool) {
	if limit > 0 && runs >= limit {
		return runs, false
	}
	return runs + 1, true
}
