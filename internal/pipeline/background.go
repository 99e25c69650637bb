package pipeline

import (
	"context"

	"github.com/matheus3301/supportchat/internal/bus"
	"github.com/matheus3301/supportchat/internal/metrics"
	"github.com/matheus3301/supportchat/internal/outbox"
	"go.uber.org/zap"
)

// startBackground launches the queue poll and the key rotation check. Both
// stop when the pipeline is closed.
func (p *Pipeline) startBackground() {
	if q, ok := p.queue.(*outbox.Queue); ok && p.cfg.QueuePollInterval > 0 {
		p.poller = outbox.NewPoller(q, p.cfg.ConversationID, p.cfg.QueuePollInterval, p.onQueueSnapshot, p.clock, p.logger)
		p.poller.Start(p.ctx)
	}

	if p.cfg.Encryption && p.cfg.RotationPeriod > 0 {
		interval := p.cfg.RotationCheckInterval
		if interval <= 0 {
			interval = p.cfg.RotationPeriod / 10
		}
		if interval <= 0 {
			interval = p.cfg.RotationPeriod
		}
		p.goBackground(func(ctx context.Context) {
			ticker := p.clock.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.Chan():
					p.CheckRotation()
				case <-ctx.Done():
					return
				}
			}
		})
	}
}

// CheckRotation rotates the conversation key when it is older than the
// rotation period. Only later encryptions use the new key.
func (p *Pipeline) CheckRotation() bool {
	p.mu.Lock()
	enabled := p.encrypted
	p.mu.Unlock()
	if !enabled || p.cfg.RotationPeriod <= 0 {
		return false
	}
	if !p.keys.ShouldRotate(p.cfg.ConversationID, p.cfg.RotationPeriod) {
		return false
	}
	v, err := p.keys.Rotate(p.cfg.ConversationID)
	if err != nil {
		p.logger.Error("key rotation failed", zap.Error(err))
		return false
	}
	p.mu.Lock()
	p.keyVersion = v
	p.mu.Unlock()
	metrics.KeyRotations.Inc()
	p.emit(bus.KindKeyRotated, MessageEvent{KeyVersion: v})
	p.notify()
	return true
}

// startCountdown publishes the remaining cooldown to observers until it
// expires, then emits ratelimit.cleared. Only one countdown runs at a time.
func (p *Pipeline) startCountdown() {
	p.mu.Lock()
	if p.countdownOn {
		p.mu.Unlock()
		return
	}
	p.countdownOn = true
	p.mu.Unlock()

	p.goBackground(func(ctx context.Context) {
		for {
			p.mu.Lock()
			remaining := p.limiter.TimeRemaining()
			if remaining <= 0 {
				p.countdownOn = false
				p.mu.Unlock()
				p.emit(bus.KindRateLimitCleared, MessageEvent{})
				p.notify()
				return
			}
			p.mu.Unlock()
			wait := p.cfg.CountdownInterval
			if remaining < wait {
				wait = remaining
			}
			timer := p.clock.NewTimer(wait)
			select {
			case <-timer.Chan():
				p.notify()
			case <-ctx.Done():
				timer.Stop()
				p.mu.Lock()
				p.countdownOn = false
				p.mu.Unlock()
				return
			}
		}
	})
}
