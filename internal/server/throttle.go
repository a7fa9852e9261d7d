package server

import (
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"

	"github.com/michaelbrown/runbox/internal/apperr"
	"github.com/michaelbrown/runbox/internal/metrics"
)

// minThrottleIdle is the shortest time an address must be quiet before its
// bucket is dropped.
const minThrottleIdle = 10 * time.Minute

type throttleEntry struct {
	limiter *rate.Limiter
	seen    atomic.Int64 // unix nanoseconds of the last request
}

// ipThrottle is a token bucket per client IP in front of the endpoints that
// start containers. It protects the host; per-user fairness is the job of
// the submission rate limiter.
type ipThrottle struct {
	entries   *xsync.MapOf[string, *throttleEntry]
	rate      rate.Limit
	burst     int
	idle      time.Duration
	lastSweep atomic.Int64
	now       func() time.Time
}

// newIPThrottle returns nil, a pass-through, when perSecond is not positive.
func newIPThrottle(perSecond float64, burst int) *ipThrottle {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	// An evicted bucket must already have refilled, or eviction would
	// hand out a fresh burst early.
	idle := time.Duration(float64(burst) / perSecond * float64(time.Second))
	if idle < minThrottleIdle {
		idle = minThrottleIdle
	}
	t := &ipThrottle{
		entries: xsync.NewMapOf[string, *throttleEntry](),
		rate:    rate.Limit(perSecond),
		burst:   burst,
		idle:    idle,
		now:     time.Now,
	}
	t.lastSweep.Store(t.now().UnixNano())
	return t
}

func (t *ipThrottle) limiter(ip string) *rate.Limiter {
	now := t.now()
	t.maybeSweep(now)
	e, _ := t.entries.LoadOrCompute(ip, func() *throttleEntry {
		return &throttleEntry{limiter: rate.NewLimiter(t.rate, t.burst)}
	})
	e.seen.Store(now.UnixNano())
	return e.limiter
}

// maybeSweep runs sweep at most once per idle period.
func (t *ipThrottle) maybeSweep(now time.Time) {
	last := t.lastSweep.Load()
	if now.UnixNano()-last < int64(t.idle) {
		return
	}
	if t.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		t.sweep(now)
	}
}

// sweep drops buckets idle for longer than t.idle.
func (t *ipThrottle) sweep(now time.Time) {
	cutoff := now.Add(-t.idle).UnixNano()
	t.entries.Range(func(ip string, e *throttleEntry) bool {
		if e.seen.Load() < cutoff {
			t.entries.Compute(ip, func(old *throttleEntry, loaded bool) (*throttleEntry, bool) {
				return old, !loaded || old.seen.Load() < cutoff
			})
		}
		return true
	})
}

func (t *ipThrottle) Middleware(next http.Handler) http.Handler {
	if t == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.limiter(clientIP(r)).Allow() {
			metrics.HTTPThrottled.Inc()
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"code":    apperr.RateLimited,
				"message": "too many requests from this address",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP strips the port. RemoteAddr carries a forwarded address only when
// proxyList.Middleware accepted it from a trusted peer.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
