package auth

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RateLimiter decides whether an identity may make another request.
type RateLimiter interface {
	Allow(ctx context.Context, identity *Identity) error
}

// LimitError is returned by Allow when the caller is over its limit. It
// wraps ErrTooManyRequests.
type LimitError struct {
	Tier       string
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s for tier %q, retry after %s", ErrTooManyRequests, e.Tier, e.RetryAfter)
}

func (e *LimitError) Unwrap() error {
	return ErrTooManyRequests
}

// window counts requests of one subject and tier within a minute.
type window struct {
	count   int
	startAt time.Time
}

// InProcessLimiter is a fixed-window limiter keyed by subject and tier.
// Counts live in memory and are not shared between replicas.
type InProcessLimiter struct {
	tiers      map[string]int
	defaultRPM int
	now        func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

// NewInProcessLimiter creates a limiter with requests per minute by tier.
// Tiers not listed use defaultRPM. A limit <= 0 means unlimited.
func NewInProcessLimiter(tiers map[string]int, defaultRPM int) *InProcessLimiter {
	return &InProcessLimiter{
		tiers:      tiers,
		defaultRPM: defaultRPM,
		now:        time.Now,
		windows:    make(map[string]*window),
	}
}

// Allow counts the request and reports a *LimitError once the tier's limit
// for the current minute is exceeded.
func (l *InProcessLimiter) Allow(_ context.Context, identity *Identity) error {
	tier := identity.ServiceTier()
	rpm := l.defaultRPM
	if n, ok := l.tiers[tier]; ok {
		rpm = n
	}
	if rpm <= 0 {
		return nil
	}

	key := identity.Subject + ":" + tier
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.startAt) >= time.Minute {
		l.prune(now)
		l.windows[key] = &window{count: 1, startAt: now}
		return nil
	}

	w.count++
	if w.count > rpm {
		return &LimitError{Tier: tier, RetryAfter: w.startAt.Add(time.Minute).Sub(now)}
	}
	return nil
}

// prune drops expired windows. Must be called with l.mu held.
func (l *InProcessLimiter) prune(now time.Time) {
	for key, w := range l.windows {
		if now.Sub(w.startAt) >= time.Minute {
			delete(l.windows, key)
		}
	}
}
