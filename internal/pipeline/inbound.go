package pipeline

import (
	"context"
	"encoding/json"

	"github.com/matheus3301/supportchat/internal/bus"
	"github.com/matheus3301/supportchat/internal/metrics"
	"go.uber.org/zap"
)

// Receive ingests one inbound message. It reports whether the message was
// added: echoes of our own sends and ids already visible are ignored, and
// undecryptable messages are added with placeholder content.
func (p *Pipeline) Receive(_ context.Context, msg ChatMessage) bool {
	if msg.SenderID == p.cfg.SelfID {
		metrics.InboundDropped.WithLabelValues("echo").Inc()
		return false
	}
	if msg.ID == "" {
		metrics.InboundDropped.WithLabelValues("malformed").Inc()
		p.logger.Warn("inbound message without id dropped")
		return false
	}
	if _, exists := p.Message(msg.ID); exists {
		metrics.InboundDropped.WithLabelValues("duplicate").Inc()
		return false
	}

	if msg.ConversationID == "" {
		msg.ConversationID = p.cfg.ConversationID
	}
	if msg.Encrypted {
		if p.encryptionEnabled() {
			msg.Content = p.decryptContent(msg)
		} else if msg.Content == "" {
			msg.Content = UndecryptablePlaceholder
		}
	}
	msg.Status = StatusDelivered

	added := false
	p.update(func(list []ChatMessage) []ChatMessage {
		// Re-check: another delivery of the same id may have won the race.
		if indexOf(list, msg.ID) >= 0 {
			return list
		}
		added = true
		return appendMessage(list, msg)
	})
	if !added {
		metrics.InboundDropped.WithLabelValues("duplicate").Inc()
		return false
	}
	metrics.MessagesReceived.Inc()
	p.emit(bus.KindMessageReceived, MessageEvent{MessageID: msg.ID, Status: StatusDelivered})
	return true
}

// ReceiveBatch ingests messages in order and returns how many were added.
// A message that fails to decrypt does not stop the rest.
func (p *Pipeline) ReceiveBatch(ctx context.Context, msgs []ChatMessage) int {
	n := 0
	for _, m := range msgs {
		if p.Receive(ctx, m) {
			n++
		}
	}
	return n
}

func (p *Pipeline) encryptionEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encrypted || (p.cfg.Encryption && p.keys != nil)
}

func (p *Pipeline) onInbound(payload []byte) {
	msg, err := decodeMessage(payload)
	if err != nil {
		metrics.InboundDropped.WithLabelValues("malformed").Inc()
		p.logger.Warn("undecodable inbound payload", zap.Error(err))
		return
	}
	if p.Receive(p.ctx, msg) {
		p.goBackground(func(ctx context.Context) { p.sendReceipt(ctx, msg.ID) })
	}
}

// sendReceipt tells the sender that a message reached this participant.
// Receipts are best effort and never queued.
func (p *Pipeline) sendReceipt(ctx context.Context, id string) {
	payload, err := json.Marshal(receipt{MessageID: id, ConversationID: p.cfg.ConversationID})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()
	if err := p.transport.Publish(ctx, p.channel, EventDelivered, payload); err != nil {
		p.logger.Debug("delivery receipt not sent", zap.Error(err), zap.String("msg_id", id))
	}
}

func (p *Pipeline) onReceipt(payload []byte) {
	var r receipt
	if err := decodeJSON(payload, &r); err != nil {
		p.logger.Warn("undecodable delivery receipt", zap.Error(err))
		return
	}
	p.MarkDelivered(r.MessageID)
}

// MarkDelivered records a delivery receipt for one of our sent messages.
func (p *Pipeline) MarkDelivered(id string) bool {
	changed := false
	p.update(func(list []ChatMessage) []ChatMessage {
		return patch(list, id, func(m ChatMessage) ChatMessage {
			if m.SenderID == p.cfg.SelfID && m.Status == StatusSent {
				m.Status = StatusDelivered
				changed = true
			}
			return m
		})
	})
	if changed {
		p.emit(bus.KindMessageDelivered, MessageEvent{MessageID: id, Status: StatusDelivered})
	}
	return changed
}
