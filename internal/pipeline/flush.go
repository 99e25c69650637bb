package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/supportchat/internal/bus"
	"github.com/matheus3301/supportchat/internal/metrics"
	"github.com/matheus3301/supportchat/internal/outbox"
	"go.uber.org/zap"
)

// Flush re-sends every queued message of the conversation in enqueue order.
// A message leaves the queue only after the transport accepted it; the first
// failure stops the flush so later messages cannot overtake it. Running it
// again after success is a no-op.
func (p *Pipeline) Flush(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	if !p.usable() {
		return nil
	}
	start := time.Now()
	defer func() { metrics.FlushDuration.Observe(time.Since(start).Seconds()) }()
	metrics.QueueFlushes.Inc()

	queued, err := p.queue.ForConversation(ctx, p.cfg.ConversationID)
	if err != nil {
		p.logger.Error("failed to read offline queue", zap.Error(err))
		return err
	}
	ids := make(map[string]bool, len(queued))
	for _, q := range queued {
		ids[q.ID] = true
	}
	p.mu.Lock()
	p.queued = ids
	p.mu.Unlock()
	if len(queued) == 0 {
		return nil
	}
	p.logger.Info("flushing offline queue", zap.Int("count", len(queued)))

	for _, q := range queued {
		if !p.usable() {
			return nil
		}
		if err := p.flushOne(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) flushOne(ctx context.Context, q outbox.QueuedMessage) error {
	msg, ok := p.Message(q.ID)
	if !ok {
		msg = p.fromQueued(q)
		p.update(func(list []ChatMessage) []ChatMessage {
			if indexOf(list, msg.ID) >= 0 {
				return list
			}
			return appendMessage(list, msg)
		})
	}

	if err := p.queue.UpdateStatus(ctx, q.ID, outbox.StatusSending, ""); err != nil {
		if errors.Is(err, outbox.ErrNotFound) {
			// Discarded while the flush was reading.
			p.unmarkQueued(q.ID)
			return nil
		}
		p.logger.Error("failed to mark queued message sending", zap.Error(err), zap.String("msg_id", q.ID))
		return err
	}
	p.setStatus(q.ID, StatusSending)

	err := p.publish(ctx, msg)
	// The outcome is recorded even if the flush is being cancelled.
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		p.logger.Warn("flush publish failed", zap.Error(err), zap.String("msg_id", q.ID))
		metrics.MessagesFailed.WithLabelValues("transport").Inc()
		_ = p.queue.UpdateStatus(ctx, q.ID, outbox.StatusFailed, err.Error())
		p.setStatus(q.ID, StatusFailed)
		p.emit(bus.KindMessageFailed, MessageEvent{MessageID: q.ID, Status: StatusFailed, RetryEligible: true, Err: err})
		return err
	}

	if err := p.queue.Remove(ctx, q.ID); err != nil && !errors.Is(err, outbox.ErrNotFound) {
		// Delivered but still stored: the next flush may publish it again,
		// and receivers drop the duplicate by id.
		p.logger.Error("failed to remove delivered message from queue", zap.Error(err), zap.String("msg_id", q.ID))
	}
	p.unmarkQueued(q.ID)
	p.setStatus(q.ID, StatusSent)
	metrics.MessagesSent.Inc()
	p.emit(bus.KindMessageSent, MessageEvent{MessageID: q.ID, Status: StatusSent})
	return nil
}

// loadQueued surfaces persisted queue entries in the visible list.
func (p *Pipeline) loadQueued(ctx context.Context) {
	queued, err := p.queue.ForConversation(ctx, p.cfg.ConversationID)
	if err != nil {
		p.logger.Error("failed to load offline queue", zap.Error(err))
		return
	}
	restored := make([]ChatMessage, 0, len(queued))
	for _, q := range queued {
		restored = append(restored, p.fromQueued(q))
	}

	p.mu.Lock()
	list := p.messages
	for _, m := range restored {
		p.queued[m.ID] = true
		if indexOf(list, m.ID) < 0 {
			list = appendMessage(list, m)
		}
	}
	p.messages = list
	p.mu.Unlock()
	p.notify()

	if len(queued) > 0 {
		p.logger.Info("restored queued messages", zap.Int("count", len(queued)))
	}
}

// onConnectivity flushes on every transition to usable.
func (p *Pipeline) onConnectivity(usable bool) {
	if !usable {
		p.logger.Info("link unusable; new messages will be queued")
		return
	}
	p.logger.Info("link usable; flushing offline queue")
	p.goBackground(func(ctx context.Context) {
		if err := p.Flush(ctx); err != nil {
			p.logger.Warn("reconnect flush incomplete", zap.Error(err))
		}
	})
}

// onQueueChanged keeps the in-memory backlog set in line with the store.
func (p *Pipeline) onQueueChanged(evt bus.Event) {
	c, ok := evt.Payload.(outbox.Change)
	if !ok || c.ConversationID != p.cfg.ConversationID {
		return
	}
	if c.Removed {
		p.unmarkQueued(c.MessageID)
	} else {
		p.markQueued(c.MessageID)
	}
}

// onQueueSnapshot retries pending entries of a polled snapshot while the link
// is usable. The snapshot may be stale, so it never touches the queued set;
// Flush rebuilds that from its own read.
func (p *Pipeline) onQueueSnapshot(queued []outbox.QueuedMessage) {
	if len(queued) > 0 && p.usable() {
		if err := p.Flush(p.ctx); err != nil {
			p.logger.Debug("periodic flush incomplete", zap.Error(err))
		}
	}
}
