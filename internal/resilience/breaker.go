// Package resilience provides the circuit breaker and provider failover
// primitives that keep speech synthesis available when an upstream engine
// degrades.
//
// The central type is [Breaker], a sliding-window breaker: failures are
// timestamped, failures older than the window are forgotten, and reaching the
// threshold opens the breaker for a fixed cooldown. [Orchestrator] composes
// multiple synthesis providers with per-provider breakers so that a failing
// primary is automatically bypassed in favour of healthy fallbacks.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a breaker is open and its cooldown has not
// yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// Threshold is the number of failures inside the window that opens the
	// breaker. Default: 3.
	Threshold int

	// Window is how far back failures still count. Default: 5m.
	Window time.Duration

	// Cooldown is how long the breaker stays open once tripped. Default: 5m.
	Cooldown time.Duration

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Breaker is a sliding-window circuit breaker. Unlike a consecutive-failure
// breaker it tolerates sporadic errors: only Threshold failures within Window
// trip it. Once open it rejects until Cooldown elapses; the first success
// after that clears all accumulated failures.
type Breaker struct {
	name      string
	threshold int
	window    time.Duration
	cooldown  time.Duration
	now       func() time.Time

	mu        sync.Mutex
	failures  []time.Time
	openUntil time.Time
}

// NewBreaker creates a [Breaker] with the supplied configuration. Zero-value
// config fields are replaced with defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Breaker{
		name:      cfg.Name,
		threshold: cfg.Threshold,
		window:    cfg.Window,
		cooldown:  cfg.Cooldown,
		now:       cfg.Clock,
	}
}

// Open reports whether the breaker currently rejects calls. An elapsed
// cooldown flips it back to accepting, but the failure history stays: while
// the old failures remain inside the window, a single new failure re-trips
// the breaker. Only [Breaker.RecordSuccess] clears the history.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Before(b.openUntil) {
		return true
	}
	if !b.openUntil.IsZero() {
		b.openUntil = time.Time{}
		slog.Info("circuit breaker cooldown elapsed", "name", b.name)
	}
	b.prune(now)
	return false
}

// RecordFailure notes one failure. Reaching the threshold inside the window
// opens the breaker for the cooldown period.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.prune(now)
	b.failures = append(b.failures, now)
	if len(b.failures) >= b.threshold && now.After(b.openUntil) {
		b.openUntil = now.Add(b.cooldown)
		slog.Warn("circuit breaker opened",
			"name", b.name,
			"failures", len(b.failures),
			"window", b.window,
			"cooldown", b.cooldown)
	}
}

// RecordSuccess clears the failure history and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = b.failures[:0]
	b.openUntil = time.Time{}
}

// FailureCount returns the number of failures still inside the window.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.now())
	return len(b.failures)
}

// prune drops failures older than the window. Must be called with b.mu held.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}
