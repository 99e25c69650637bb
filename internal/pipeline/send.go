package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/supportchat/internal/bus"
	"github.com/matheus3301/supportchat/internal/encryption"
	"github.com/matheus3301/supportchat/internal/metrics"
	"github.com/matheus3301/supportchat/internal/outbox"
	"go.uber.org/zap"
)

// SendMessage runs one outbound message through the pipeline and returns it
// in its resolved state (sent, queued or failed). The only error returned
// for a started pipeline is *RateLimitError; delivery problems become status
// transitions and bus events instead. Once admitted by the limiter a send
// runs to completion even if ctx is cancelled; only the publish itself is
// bounded, by the publish timeout.
func (p *Pipeline) SendMessage(ctx context.Context, content string, encrypt bool) (*ChatMessage, error) {
	if p.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if !p.limiter.CheckAction() {
		return nil, p.rateLimited()
	}
	ctx = context.WithoutCancel(ctx)

	msg := ChatMessage{
		ID:             uuid.NewString(),
		ConversationID: p.cfg.ConversationID,
		SenderID:       p.cfg.SelfID,
		SenderType:     p.cfg.SelfType,
		SenderName:     p.cfg.DisplayName,
		Content:        content,
		Timestamp:      p.clock.Now().UTC(),
		Status:         StatusSending,
	}
	if encrypt {
		p.sealMessage(&msg)
	}

	p.flushMu.Lock()
	p.mu.Lock()
	p.messages = appendMessage(p.messages, msg)
	// Anything already waiting in the queue must go out first.
	backlog := len(p.queued) > 0
	p.mu.Unlock()
	p.notify()

	usable := p.usable()
	if !usable || backlog {
		p.enqueue(ctx, msg)
	} else {
		p.publishDirect(ctx, msg)
	}
	p.flushMu.Unlock()

	if usable && backlog {
		p.goBackground(func(ctx context.Context) { _ = p.Flush(ctx) })
	}

	final, _ := p.Message(msg.ID)
	return &final, nil
}

func (p *Pipeline) rateLimited() error {
	remaining := p.limiter.TimeRemaining()
	metrics.RateLimitHits.Inc()
	p.logger.Warn("send rejected by rate limiter", zap.Duration("retry_after", remaining))
	p.emit(bus.KindRateLimited, MessageEvent{RetryAfter: remaining})
	p.startCountdown()
	p.notify()
	return &RateLimitError{RetryAfter: remaining}
}

// sealMessage encrypts msg in place. On failure the message goes out in
// plaintext and the error is logged.
func (p *Pipeline) sealMessage(msg *ChatMessage) {
	if p.keys == nil {
		p.logger.Warn("no key manager configured; sending in plaintext", zap.String("msg_id", msg.ID))
		return
	}
	if !p.keys.HasKey(p.cfg.ConversationID) {
		if _, err := p.keys.SetupEncryption(p.cfg.ConversationID); err != nil {
			p.logger.Error("encryption unavailable; sending in plaintext", zap.Error(err), zap.String("msg_id", msg.ID))
			return
		}
	}
	env, err := p.keys.Encrypt(p.cfg.ConversationID, msg.Content)
	if err != nil {
		p.logger.Error("encryption failed; sending in plaintext", zap.Error(err), zap.String("msg_id", msg.ID))
		return
	}
	msg.Encrypted = true
	msg.EncryptedContent = env.Ciphertext
	msg.Metadata.Encryption = &EncryptionMeta{IV: env.IV, KeyVersion: env.KeyVersion}
}

// publishDirect and enqueue are called with flushMu held.
func (p *Pipeline) publishDirect(ctx context.Context, msg ChatMessage) {
	if err := p.publish(ctx, msg); err != nil {
		p.logger.Warn("publish failed; message kept for retry", zap.Error(err), zap.String("msg_id", msg.ID))
		metrics.MessagesFailed.WithLabelValues("transport").Inc()
		if _, qerr := p.queue.QueueMessage(ctx, queueRequest(msg)); qerr != nil {
			p.logger.Error("message held only in memory", zap.Error(qerr), zap.String("msg_id", msg.ID))
			metrics.MessagesFailed.WithLabelValues("store").Inc()
		} else {
			p.markQueued(msg.ID)
			_ = p.queue.UpdateStatus(ctx, msg.ID, outbox.StatusFailed, err.Error())
		}
		p.setStatus(msg.ID, StatusFailed)
		p.emit(bus.KindMessageFailed, MessageEvent{MessageID: msg.ID, Status: StatusFailed, RetryEligible: true, Err: err})
		return
	}
	p.setStatus(msg.ID, StatusSent)
	metrics.MessagesSent.Inc()
	p.emit(bus.KindMessageSent, MessageEvent{MessageID: msg.ID, Status: StatusSent})
}

// enqueue stores msg in the offline queue. If the store fails the message
// survives only in memory for this session.
func (p *Pipeline) enqueue(ctx context.Context, msg ChatMessage) {
	if _, err := p.queue.QueueMessage(ctx, queueRequest(msg)); err != nil {
		p.logger.Error("offline queue write failed; message held only in memory",
			zap.Error(err), zap.String("msg_id", msg.ID))
		metrics.MessagesFailed.WithLabelValues("store").Inc()
		p.setStatus(msg.ID, StatusFailed)
		p.emit(bus.KindMessageFailed, MessageEvent{MessageID: msg.ID, Status: StatusFailed, RetryEligible: true, Err: err})
		return
	}
	p.markQueued(msg.ID)
	p.setStatus(msg.ID, StatusQueued)
	metrics.MessagesQueued.Inc()
	p.emit(bus.KindMessageQueued, MessageEvent{MessageID: msg.ID, Status: StatusQueued})
}

// publish sends one message over the transport with the publish timeout.
func (p *Pipeline) publish(ctx context.Context, msg ChatMessage) error {
	payload, err := encodeMessage(msg)
	if err != nil {
		return &TransportError{Channel: p.channel, Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()
	if err := p.transport.Publish(ctx, p.channel, EventMessage, payload); err != nil {
		return &TransportError{Channel: p.channel, Err: err}
	}
	return nil
}

// Retry re-attempts a failed or queued message. Messages that never reached
// the offline queue are written to it first. Like SendMessage it is not
// cancelled by ctx once started.
func (p *Pipeline) Retry(ctx context.Context, id string) error {
	ctx = context.WithoutCancel(ctx)
	if err := p.requeue(ctx, id); err != nil {
		return err
	}
	if !p.usable() {
		return nil
	}
	return p.Flush(ctx)
}

func (p *Pipeline) requeue(ctx context.Context, id string) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	msg, ok := p.Message(id)
	if !ok || (msg.Status != StatusFailed && msg.Status != StatusQueued) {
		return ErrUnknownMessage
	}
	_, err := p.queue.Get(ctx, id)
	switch {
	case errors.Is(err, outbox.ErrNotFound):
		if _, err := p.queue.QueueMessage(ctx, queueRequest(msg)); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if err := p.queue.UpdateStatus(ctx, id, outbox.StatusQueued, ""); err != nil {
			return err
		}
	}
	p.markQueued(id)
	p.setStatus(id, StatusQueued)
	return nil
}

// Discard acknowledges a permanent failure: the message leaves the offline
// queue and stays visible as failed. A message a flush delivered while
// Discard waited for it is reported unknown and keeps its status.
func (p *Pipeline) Discard(ctx context.Context, id string) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()
	msg, ok := p.Message(id)
	if !ok || msg.Status == StatusSent || msg.Status == StatusDelivered {
		return ErrUnknownMessage
	}
	if err := p.queue.Remove(ctx, id); err != nil && !errors.Is(err, outbox.ErrNotFound) {
		return err
	}
	p.unmarkQueued(id)
	p.setStatus(id, StatusFailed)
	p.logger.Info("queued message discarded", zap.String("msg_id", id))
	return nil
}

func (p *Pipeline) markQueued(id string) {
	p.mu.Lock()
	p.queued[id] = true
	p.mu.Unlock()
}

func (p *Pipeline) unmarkQueued(id string) {
	p.mu.Lock()
	delete(p.queued, id)
	p.mu.Unlock()
}

func queueRequest(m ChatMessage) outbox.QueueRequest {
	req := outbox.QueueRequest{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		UserID:         m.SenderID,
		Role:           string(m.SenderType),
		DisplayName:    m.SenderName,
	}
	if m.Encrypted {
		req.Encrypted = true
		req.EncryptedContent = m.EncryptedContent
		req.IV = m.Metadata.Encryption.IV
		req.KeyVersion = m.Metadata.Encryption.KeyVersion
	} else {
		req.Text = m.Content
	}
	return req
}

// fromQueued rebuilds a visible message from its queued projection.
func (p *Pipeline) fromQueued(q outbox.QueuedMessage) ChatMessage {
	m := ChatMessage{
		ID:             q.ID,
		ConversationID: q.ConversationID,
		SenderID:       q.UserID,
		SenderType:     SenderType(q.Role),
		SenderName:     q.DisplayName,
		Content:        q.Text,
		Timestamp:      q.EnqueuedAt.UTC(),
		Status:         StatusQueued,
	}
	if q.Status == outbox.StatusFailed {
		m.Status = StatusFailed
	}
	if q.Encrypted {
		m.Encrypted = true
		m.EncryptedContent = q.EncryptedContent
		m.Metadata.Encryption = &EncryptionMeta{IV: q.IV, KeyVersion: q.KeyVersion}
		m.Content = p.decryptContent(m)
	}
	return m
}

// decryptContent opens an encrypted message or returns the placeholder.
func (p *Pipeline) decryptContent(m ChatMessage) string {
	if err := m.Validate(); err != nil || !m.Encrypted || p.keys == nil {
		metrics.DecryptFailures.Inc()
		return UndecryptablePlaceholder
	}
	pt, err := p.keys.Decrypt(m.ConversationID, encryption.Envelope{
		Ciphertext: m.EncryptedContent,
		IV:         m.Metadata.Encryption.IV,
		KeyVersion: m.Metadata.Encryption.KeyVersion,
	})
	if err != nil {
		metrics.DecryptFailures.Inc()
		p.logger.Warn("message could not be decrypted", zap.Error(err), zap.String("msg_id", m.ID))
		return UndecryptablePlaceholder
	}
	return pt
}

// MessageEvent is the payload of message, rate-limit and key events.
type MessageEvent struct {
	ConversationID string
	MessageID      string
	Timestamp      time.Time
	Status         Status
	RetryEligible  bool
	RetryAfter     time.Duration
	KeyVersion     int
	Err            error
}

func (p *Pipeline) emit(kind string, evt MessageEvent) {
	now := p.clock.Now()
	evt.ConversationID = p.cfg.ConversationID
	evt.Timestamp = now
	p.bus.Publish(bus.Event{Kind: kind, Timestamp: now, Payload: evt})
}
