package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/michaelbrown/runbox/internal/policy"
)

// Decision is the outcome of one rate-limited attempt.
type Decision struct {
	Allowed   bool
	Count     int
	Remaining int
	// RetryAfter is positive when the attempt was refused.
	RetryAfter time.Duration
}

// Limiter counts attempts per (user, action) in fixed windows.
type Limiter struct {
	store  CounterStore
	window time.Duration
	limit  int
	now    func() time.Time
}

// NewLimiter allows limit attempts per window.
func NewLimiter(store CounterStore, window time.Duration, limit int) *Limiter {
	return &Limiter{store: store, window: window, limit: limit, now: time.Now}
}

// WithNow replaces the clock. Used by tests.
func (l *Limiter) WithNow(now func() time.Time) *Limiter {
	cp := *l
	cp.now = now
	return &cp
}

// Window is the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Limit is the configured number of attempts per window.
func (l *Limiter) Limit() int { return l.limit }

// Allow records one attempt for userID on action.
func (l *Limiter) Allow(ctx context.Context, userID, action string) (Decision, error) {
	now := msec(l.now())
	w, ok, err := l.store.HitWindow(ctx, windowKey(userID, action), now, l.window, l.limit)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", action, err)
	}

	d := Decision{Allowed: ok, Count: w.Count, Remaining: max(l.limit-w.Count, 0)}
	if !ok {
		d.RetryAfter = max(w.Start.Add(l.window).Sub(now), time.Millisecond)
	}
	return d, nil
}

// QuotaDecision is the outcome of one quota-counted run.
type QuotaDecision struct {
	Allowed   bool
	Used      int
	Remaining int
	Day       string
	// ResetAt is the next local midnight in the quota timezone.
	ResetAt time.Time
}

// Quota counts runs per user per civil day.
type Quota struct {
	store CounterStore
	limit int
	clock *policy.Clock
}

// NewQuota allows limit runs per quota day as defined by clock.
func NewQuota(store CounterStore, limit int, clock *policy.Clock) *Quota {
	return &Quota{store: store, limit: limit, clock: clock}
}

// Limit is the configured daily run limit.
func (q *Quota) Limit() int { return q.limit }

// Consume records one run for userID.
func (q *Quota) Consume(ctx context.Context, userID string) (QuotaDecision, error) {
	now := msec(q.clock.Now())
	day := q.clock.Day(now)
	reset := q.clock.NextMidnight(now)

	runs, ok, err := q.store.HitQuota(ctx, quotaKey(userID, day), q.limit, now, reset)
	if err != nil {
		return QuotaDecision{}, fmt.Errorf("quota: %w", err)
	}
	return QuotaDecision{
		Allowed:   ok,
		Used:      runs,
		Remaining: max(q.limit-runs, 0),
		Day:       day,
		ResetAt:   reset,
	}, nil
}

func windowKey(userID, action string) string {
	return "runbox:rl:" + action + ":" + userID
}

func quotaKey(userID, day string) string {
	return "runbox:quota:" + day + ":" + userID
}

// msec drops sub-millisecond precision so every backend sees the same instant.
func msec(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli())
}
