package ratelimit

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type quotaEntry struct {
	runs    int
	expires time.Time
}

// MemoryCounters keeps counters in process memory. Each update runs inside
// MapOf.Compute, which holds the key's bucket lock.
type MemoryCounters struct {
	windows *xsync.MapOf[string, Window]
	quotas  *xsync.MapOf[string, quotaEntry]
}

// NewMemoryCounters returns an empty in-process store.
func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{
		windows: xsync.NewMapOf[string, Window](),
		quotas:  xsync.NewMapOf[string, quotaEntry](),
	}
}

func (m *MemoryCounters) HitWindow(_ context.Context, key string, now time.Time, window time.Duration, limit int) (Window, bool, error) {
	var allowed bool
	w, _ := m.windows.Compute(key, func(cur Window, loaded bool) (Window, bool) {
		var next Window
		next, allowed = applyWindow(cur, loaded, now, window, limit)
		return next, false
	})
	return w, allowed, nil
}

func (m *MemoryCounters) HitQuota(_ context.Context, key string, limit int, now, expires time.Time) (int, bool, error) {
	var allowed bool
	e, _ := m.quotas.Compute(key, func(cur quotaEntry, loaded bool) (quotaEntry, bool) {
		if !loaded || !now.Before(cur.expires) {
			cur = quotaEntry{}
		}
		var runs int
		runs, allowed = applyQuota(cur.runs, limit)
		return quotaEntry{runs: runs, expires: expires}, false
	})
	return e.runs, allowed, nil
}
