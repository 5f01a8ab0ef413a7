// Package ratelimit provides a token-bucket minimum-spacing limiter per
// external service (spec.md Section 4.3) and a cooldown-gated suppression
// policy for when that limiter is exhausted (spec.md Section 4.7 step 3).
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces at least minSpacing between two successful Acquire
// calls. It wraps golang.org/x/time/rate, whose Wait already queues
// waiters FIFO and respects context cancellation.
type Limiter struct {
	rl *rate.Limiter
}

// NewLimiter creates a Limiter guaranteeing minSpacing between calls. A
// burst of 1 means no more than one call is ever let through immediately;
// every subsequent call waits out the full spacing.
func NewLimiter(minSpacing time.Duration) *Limiter {
	if minSpacing <= 0 {
		return &Limiter{rl: rate.NewLimiter(rate.Inf, 1)}
	}

	return &Limiter{rl: rate.NewLimiter(rate.Every(minSpacing), 1)}
}

// Acquire blocks until minSpacing has elapsed since the previous
// successful Acquire, or ctx is done, whichever comes first.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.rl.Wait(ctx); err != nil {
		return fmt.Errorf("ratelimit: acquire: %w", err)
	}

	return nil
}

// Registry holds one Limiter per named external service (e.g. "geocode",
// "staticmap"), created lazily on first use, plus per-service cooldown
// bookkeeping for the event pipeline's rate-limit-exceeded notification
// policy.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	cooldown map[string]time.Time // service -> time suppression ends
	spacing  time.Duration
	window   time.Duration
}

// NewRegistry creates a Registry whose limiters all share minSpacing, and
// whose suppression windows (see Suppressed) last cooldown.
func NewRegistry(minSpacing, cooldown time.Duration) *Registry {
	return &Registry{
		limiters: make(map[string]*Limiter),
		cooldown: make(map[string]time.Time),
		spacing:  minSpacing,
		window:   cooldown,
	}
}

func (r *Registry) limiterFor(service string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.limiters[service]
	if !ok {
		l = NewLimiter(r.spacing)
		r.limiters[service] = l
	}

	return l
}

// Acquire blocks on service's limiter. Callers typically wrap this in a
// context with a deadline (the pipeline's bounded enrichment timeout); a
// deadline exceeded here is treated as rate-limit-exceeded by the caller,
// which should then call MarkExceeded.
func (r *Registry) Acquire(ctx context.Context, service string) error {
	return r.limiterFor(service).Acquire(ctx)
}

// MarkExceeded starts (or extends) the suppression window for service.
func (r *Registry) MarkExceeded(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cooldown[service] = time.Now().Add(r.window)
}

// Reset clears service's suppression window, called by the command
// dispatcher's ".ratereset" meta-command to let an operator force
// enrichment back on before the cooldown would otherwise end.
func (r *Registry) Reset(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cooldown, service)
}

// Suppressed reports whether service is still within a suppression window
// opened by a previous MarkExceeded call (spec.md Section 4.7 step 3:
// "suppress enrichment for subsequent events until the cooldown ends").
func (r *Registry) Suppressed(service string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	until, ok := r.cooldown[service]
	if !ok {
		return false
	}

	return time.Now().Before(until)
}
