// Package ratelimit implements a sliding-window send limiter with a cooldown.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Config controls the sliding window.
type Config struct {
	MaxActions int
	Window     time.Duration
	Cooldown   time.Duration
}

// DefaultConfig allows 5 sends per 10 seconds with a one minute cooldown.
func DefaultConfig() Config {
	return Config{
		MaxActions: 5,
		Window:     10 * time.Second,
		Cooldown:   time.Minute,
	}
}

// Limiter counts actions in a sliding window. Once the window is full it
// rejects everything until the cooldown expires.
type Limiter struct {
	mu            sync.Mutex
	cfg           Config
	clock         clockwork.Clock
	actions       []time.Time
	cooldownUntil time.Time
}

// New creates a limiter. A nil clock uses wall time.
func New(cfg Config, c clockwork.Clock) *Limiter {
	if cfg.MaxActions <= 0 {
		cfg.MaxActions = 1
	}
	if c == nil {
		c = clockwork.NewRealClock()
	}
	return &Limiter{cfg: cfg, clock: c}
}

// CheckAction reports whether one more action is allowed now and records it if so.
func (l *Limiter) CheckAction() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.Before(l.cooldownUntil) {
		return false
	}
	l.prune(now)

	if len(l.actions) < l.cfg.MaxActions {
		l.actions = append(l.actions, now)
		return true
	}
	l.cooldownUntil = now.Add(l.cfg.Cooldown)
	return false
}

// TimeRemaining returns the remaining cooldown, or zero when none is active.
func (l *Limiter) TimeRemaining() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	rem := l.cooldownUntil.Sub(l.clock.Now())
	if rem < 0 {
		return 0
	}
	return rem
}

// Reset forgets all recorded actions and any active cooldown.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.actions = nil
	l.cooldownUntil = time.Time{}
	l.mu.Unlock()
}

// prune drops timestamps that fell out of the window. Caller holds mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(l.actions) && !l.actions[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.actions = append(l.actions[:0:0], l.actions[i:]...)
	}
}
