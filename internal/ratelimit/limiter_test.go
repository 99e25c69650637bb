package ratelimit

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestLimiter(cfg Config) (*Limiter, *clockwork.FakeClock) {
	fc := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	return New(cfg, fc), fc
}

func TestFiveAllowedSixthRejected(t *testing.T) {
	l, fc := newTestLimiter(Config{MaxActions: 5, Window: 10 * time.Second, Cooldown: time.Minute})

	for i := range 5 {
		if !l.CheckAction() {
			t.Fatalf("call %d rejected, want allowed", i+1)
		}
		fc.Advance(400 * time.Millisecond)
	}
	if l.CheckAction() {
		t.Fatal("6th call allowed, want rejected")
	}
	if l.TimeRemaining() <= 0 {
		t.Error("TimeRemaining() = 0 after rejection, want > 0")
	}
	if got := l.TimeRemaining(); got != time.Minute {
		t.Errorf("TimeRemaining() = %v, want 1m", got)
	}
}

func TestCooldownBlocksEvenAfterWindowSlides(t *testing.T) {
	l, fc := newTestLimiter(Config{MaxActions: 2, Window: time.Second, Cooldown: 5 * time.Second})

	l.CheckAction()
	l.CheckAction()
	if l.CheckAction() {
		t.Fatal("3rd call allowed")
	}

	fc.Advance(2 * time.Second)
	if l.CheckAction() {
		t.Error("call during cooldown allowed")
	}
	if l.TimeRemaining() <= 0 {
		t.Error("no cooldown remaining during cooldown")
	}

	fc.Advance(3 * time.Second)
	if l.TimeRemaining() != 0 {
		t.Errorf("TimeRemaining() = %v after cooldown, want 0", l.TimeRemaining())
	}
	if !l.CheckAction() {
		t.Error("call after cooldown rejected")
	}
}

func TestRejectionDoesNotExtendCooldown(t *testing.T) {
	l, fc := newTestLimiter(Config{MaxActions: 1, Window: time.Second, Cooldown: 10 * time.Second})

	l.CheckAction()
	l.CheckAction()
	fc.Advance(4 * time.Second)
	l.CheckAction()

	if got := l.TimeRemaining(); got != 6*time.Second {
		t.Errorf("TimeRemaining() = %v, want 6s", got)
	}
}

func TestSlidingWindowProperty(t *testing.T) {
	cfg := Config{MaxActions: 3, Window: time.Second, Cooldown: 0}
	l, fc := newTestLimiter(cfg)

	var allowed []time.Time
	steps := []time.Duration{0, 100, 100, 100, 300, 500, 50, 10, 900, 100, 100, 100, 100}
	for _, ms := range steps {
		fc.Advance(ms * time.Millisecond)
		if l.CheckAction() {
			allowed = append(allowed, fc.Now())
		}
	}

	for i := range allowed {
		n := 0
		for j := i; j < len(allowed); j++ {
			if allowed[j].Sub(allowed[i]) < cfg.Window {
				n++
			}
		}
		if n > cfg.MaxActions {
			t.Fatalf("%d actions allowed within one window starting at %v", n, allowed[i])
		}
	}
	if len(allowed) == 0 {
		t.Fatal("no actions allowed")
	}
}

func TestReset(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxActions: 1, Window: time.Second, Cooldown: time.Minute})
	l.CheckAction()
	l.CheckAction()
	l.Reset()
	if got := l.TimeRemaining(); got != 0 {
		t.Errorf("TimeRemaining() after Reset = %v, want 0", got)
	}
	if !l.CheckAction() {
		t.Error("CheckAction() after Reset rejected")
	}
}
