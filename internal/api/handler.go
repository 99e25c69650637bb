// Package api exposes a running conversation pipeline over HTTP on the
// session's Unix socket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/matheus3301/supportchat/internal/pipeline"
	"github.com/matheus3301/supportchat/internal/status"
	"go.uber.org/zap"
)

// Conversation is the pipeline surface the API drives. *pipeline.Pipeline
// implements it.
type Conversation interface {
	Messages() []pipeline.ChatMessage
	State() pipeline.State
	SendMessage(ctx context.Context, content string, encrypt bool) (*pipeline.ChatMessage, error)
	Retry(ctx context.Context, id string) error
	Discard(ctx context.Context, id string) error
	Flush(ctx context.Context) error
}

// Link reports connectivity. *connectivity.Monitor implements it.
type Link interface {
	Usable() bool
	NetworkOnline() bool
	TransportState() status.State
}

// Handler serves the control API for one session.
type Handler struct {
	session        string
	conversationID string
	startedAt      time.Time
	conv           Conversation
	link           Link
	events         EventSource
	logger         *zap.Logger
}

// NewHandler creates a handler bound to one session and its pipeline.
func NewHandler(session, conversationID string, conv Conversation, link Link, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		session:        session,
		conversationID: conversationID,
		startedAt:      time.Now(),
		conv:           conv,
		link:           link,
		logger:         logger,
	}
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Session        string `json:"session"`
	ConversationID string `json:"conversationId"`
	Transport      string `json:"transport"`
	NetworkOnline  bool   `json:"networkOnline"`
	Usable         bool   `json:"usable"`
	Loading        bool   `json:"loading"`
	Encrypted      bool   `json:"encrypted"`
	KeyVersion     int    `json:"keyVersion"`
	RateLimited    bool   `json:"rateLimited"`
	RetryAfterMs   int64  `json:"retryAfterMs"`
	MessageCount   int    `json:"messageCount"`
	UptimeMs       int64  `json:"uptimeMs"`
}

// SendRequest is the body of POST /messages.
type SendRequest struct {
	Text    string `json:"text"`
	Encrypt bool   `json:"encrypt"`
}

func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("write response failed", zap.Error(err))
	}
}

func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// Health answers liveness probes.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	h.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status reports link and pipeline state.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	st := h.conv.State()
	resp := StatusResponse{
		Session:        h.session,
		ConversationID: h.conversationID,
		Loading:        st.IsLoading,
		Encrypted:      st.IsEncrypted,
		KeyVersion:     st.CurrentKeyVersion,
		RateLimited:    st.IsRateLimited,
		RetryAfterMs:   st.RateLimitTimeRemaining.Milliseconds(),
		MessageCount:   len(h.conv.Messages()),
		UptimeMs:       time.Since(h.startedAt).Milliseconds(),
	}
	if h.link != nil {
		resp.Transport = string(h.link.TransportState())
		resp.NetworkOnline = h.link.NetworkOnline()
		resp.Usable = h.link.Usable()
	}
	h.JSON(w, http.StatusOK, resp)
}

// ListMessages returns the visible message list, oldest first.
func (h *Handler) ListMessages(w http.ResponseWriter, _ *http.Request) {
	msgs := h.conv.Messages()
	if msgs == nil {
		msgs = []pipeline.ChatMessage{}
	}
	h.JSON(w, http.StatusOK, msgs)
}

// SendMessage runs one message through the pipeline. A rate-limited send is
// answered with 429 and a Retry-After header in whole seconds.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Text == "" {
		h.Error(w, http.StatusBadRequest, "text is required")
		return
	}

	msg, err := h.conv.SendMessage(r.Context(), req.Text, req.Encrypt)
	var rle *pipeline.RateLimitError
	switch {
	case errors.As(err, &rle):
		secs := int(math.Ceil(rle.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		h.JSON(w, http.StatusTooManyRequests, map[string]any{
			"error":        "rate limited",
			"retryAfterMs": rle.RetryAfter.Milliseconds(),
		})
		return
	case errors.Is(err, pipeline.ErrClosed):
		h.Error(w, http.StatusServiceUnavailable, "pipeline closed")
		return
	case err != nil:
		h.logger.Error("send failed", zap.Error(err))
		h.Error(w, http.StatusInternalServerError, "send failed")
		return
	}
	h.JSON(w, http.StatusAccepted, msg)
}

// Retry re-attempts a failed or queued message.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.conv.Retry(r.Context(), id); err != nil {
		h.messageError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Discard drops a failed message from the offline queue.
func (h *Handler) Discard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.conv.Discard(r.Context(), id); err != nil {
		h.messageError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Flush drains the offline queue now if the link is usable.
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	if err := h.conv.Flush(r.Context()); err != nil {
		h.logger.Warn("manual flush incomplete", zap.Error(err))
		h.Error(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) messageError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, pipeline.ErrUnknownMessage) {
		h.Error(w, http.StatusNotFound, "no retryable message "+id)
		return
	}
	h.logger.Warn("message operation failed", zap.String("msg_id", id), zap.Error(err))
	h.Error(w, http.StatusBadGateway, err.Error())
}
