// Package ratelimit enforces per-client, per-operation request quotas over
// fixed time windows.
package ratelimit

import (
	"sync"
	"time"
)

// Policy is the quota for one operation class.
type Policy struct {
	Capacity int
	Window   time.Duration
}

// bucket tracks consumption for one (client, operation) pair within the
// current window.
type bucket struct {
	windowStart time.Time
	consumed    int
	lastSeen    time.Time
}

// Verdict is the outcome of one rate-limit consultation.
type Verdict struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Snapshot is a read-only view of limiter state for health reporting.
type Snapshot struct {
	ActiveBuckets int   `json:"active_buckets"`
	TotalAllowed  int64 `json:"total_allowed"`
	TotalRejected int64 `json:"total_rejected"`
}

// Limiter holds the sharded bucket map. Buckets reset lazily when their
// window elapses; stale buckets are evicted by EvictIdle (driven by the
// maintenance scheduler) so abandoned clients do not accumulate.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	policies map[string]Policy
	fallback Policy

	totalAllowed  int64
	totalRejected int64

	now func() time.Time
}

// New creates a limiter with per-operation policies. Operations without an
// explicit policy use the fallback.
func New(policies map[string]Policy, fallback Policy) *Limiter {
	return &Limiter{
		buckets:  make(map[string]*bucket),
		policies: policies,
		fallback: fallback,
		now:      time.Now,
	}
}

// Allow consumes one unit from the (client, operation) bucket. When the
// bucket is exhausted the verdict carries the delay until the window resets.
func (l *Limiter) Allow(clientID, operation string) Verdict {
	policy, ok := l.policies[operation]
	if !ok {
		policy = l.fallback
	}

	if policy.Capacity <= 0 || policy.Window <= 0 {
		return Verdict{Allowed: true, Remaining: 0, RetryAfter: 0}
	}

	key := clientID + ":" + operation
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.buckets[key]
	if !exists {
		entry = &bucket{windowStart: now, consumed: 0, lastSeen: now}
		l.buckets[key] = entry
	}

	entry.lastSeen = now

	if now.Sub(entry.windowStart) >= policy.Window {
		entry.windowStart = now
		entry.consumed = 0
	}

	if entry.consumed >= policy.Capacity {
		l.totalRejected++

		return Verdict{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: policy.Window - now.Sub(entry.windowStart),
		}
	}

	entry.consumed++
	l.totalAllowed++

	return Verdict{
		Allowed:    true,
		Remaining:  policy.Capacity - entry.consumed,
		RetryAfter: 0,
	}
}

// EvictIdle drops buckets not consulted since the cutoff and reports how
// many were removed.
func (l *Limiter) EvictIdle(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	var evicted int

	for key, entry := range l.buckets {
		if entry.lastSeen.Before(cutoff) {
			delete(l.buckets, key)

			evicted++
		}
	}

	return evicted
}

// Snapshot reports aggregate limiter counters. Read-only.
func (l *Limiter) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Snapshot{
		ActiveBuckets: len(l.buckets),
		TotalAllowed:  l.totalAllowed,
		TotalRejected: l.totalRejected,
	}
}
