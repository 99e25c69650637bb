package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/matheus3301/supportchat/internal/bus"
	"github.com/matheus3301/supportchat/internal/pipeline"
	"go.uber.org/zap"
)

// EventSource is the bus surface the event stream needs. *bus.Bus implements it.
type EventSource interface {
	Watch(namespace string, bufSize int) (<-chan bus.Event, func())
}

// WireEvent is one line of the GET /events stream.
type WireEvent struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

type wireMessageEvent struct {
	ConversationID string          `json:"conversationId"`
	MessageID      string          `json:"messageId,omitempty"`
	Status         pipeline.Status `json:"status,omitempty"`
	RetryEligible  bool            `json:"retryEligible,omitempty"`
	RetryAfterMs   int64           `json:"retryAfterMs,omitempty"`
	KeyVersion     int             `json:"keyVersion,omitempty"`
	Error          string          `json:"error,omitempty"`
}

const eventBuffer = 64

// SetEvents enables GET /events backed by src.
func (h *Handler) SetEvents(src EventSource) {
	h.events = src
}

// Events streams bus events as newline-delimited JSON until the client goes
// away. The optional "kind" query parameter narrows the stream to a
// namespace prefix. Slow readers lose events rather than stall the bus.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		h.Error(w, http.StatusServiceUnavailable, "event stream not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.Error(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	namespace := r.URL.Query().Get("kind")
	ch, unsub := h.events.Watch(namespace, eventBuffer)
	defer unsub()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-ch:
			if err := enc.Encode(toWire(evt)); err != nil {
				h.logger.Debug("event stream closed", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func toWire(evt bus.Event) WireEvent {
	out := WireEvent{Kind: evt.Kind, Timestamp: evt.Timestamp, Payload: evt.Payload}
	if me, ok := evt.Payload.(pipeline.MessageEvent); ok {
		wm := wireMessageEvent{
			ConversationID: me.ConversationID,
			MessageID:      me.MessageID,
			Status:         me.Status,
			RetryEligible:  me.RetryEligible,
			RetryAfterMs:   me.RetryAfter.Milliseconds(),
			KeyVersion:     me.KeyVersion,
		}
		if me.Err != nil {
			wm.Error = me.Err.Error()
		}
		out.Payload = wm
	}
	return out
}
