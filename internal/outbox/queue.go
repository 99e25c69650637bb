// Package outbox is the durable per-conversation FIFO of messages that could
// not be delivered when they were sent.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/supportchat/internal/bus"
	"github.com/matheus3301/supportchat/internal/store"
	"go.uber.org/zap"
)

// Status is the delivery state of a queued message.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// ErrNotFound is returned when a message id is not in the queue.
var ErrNotFound = errors.New("queued message not found")

// StoreError wraps a persistence failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("offline queue %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// QueuedMessage is the persisted projection of an undelivered chat message.
type QueuedMessage struct {
	ID               string
	ConversationID   string
	Text             string
	UserID           string
	Role             string
	DisplayName      string
	Encrypted        bool
	EncryptedContent string
	IV               string
	KeyVersion       int
	Status           Status
	Attempts         int
	LastError        string
	EnqueuedAt       time.Time
}

// QueueRequest describes a message to enqueue. ID is generated when empty.
type QueueRequest struct {
	ID               string
	ConversationID   string
	Text             string
	UserID           string
	Role             string
	DisplayName      string
	Encrypted        bool
	EncryptedContent string
	IV               string
	KeyVersion       int
}

// Change is the payload of queue.changed events.
type Change struct {
	ConversationID string
	MessageID      string
	Status         Status
	Removed        bool
}

// Queue persists undelivered messages and announces every write on the bus.
type Queue struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
}

// NewQueue creates a queue backed by db.
func NewQueue(db *store.DB, b *bus.Bus, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{db: db, bus: b, logger: logger}
}

// QueueMessage appends a message with status queued.
func (q *Queue) QueueMessage(ctx context.Context, req QueueRequest) (*QueuedMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	rec := &store.QueuedMessage{
		MsgID:            req.ID,
		ConversationID:   req.ConversationID,
		Body:             req.Text,
		UserID:           req.UserID,
		Role:             req.Role,
		DisplayName:      req.DisplayName,
		Encrypted:        req.Encrypted,
		EncryptedContent: req.EncryptedContent,
		IV:               req.IV,
		KeyVersion:       req.KeyVersion,
		Status:           string(StatusQueued),
	}
	if err := q.db.InsertQueued(rec); err != nil {
		return nil, &StoreError{Op: "enqueue", Err: err}
	}
	q.logger.Info("message queued offline",
		zap.String("conversation_id", req.ConversationID),
		zap.String("msg_id", req.ID),
	)
	q.notify(Change{ConversationID: req.ConversationID, MessageID: req.ID, Status: StatusQueued})
	return fromRecord(rec), nil
}

// ForConversation returns the conversation's queued messages, oldest first.
// Each call reads a fresh snapshot.
func (q *Queue) ForConversation(ctx context.Context, conversationID string) ([]QueuedMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	recs, err := q.db.ListQueued(conversationID)
	if err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	out := make([]QueuedMessage, 0, len(recs))
	for i := range recs {
		out = append(out, *fromRecord(&recs[i]))
	}
	return out, nil
}

// Get returns one queued message.
func (q *Queue) Get(ctx context.Context, id string) (*QueuedMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := q.db.GetQueued(id)
	if err != nil {
		return nil, &StoreError{Op: "get", Err: err}
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return fromRecord(rec), nil
}

// UpdateStatus replaces a message's status. errMsg is recorded for failures.
func (q *Queue) UpdateStatus(ctx context.Context, id string, status Status, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := q.db.GetQueued(id)
	if err != nil {
		return &StoreError{Op: "update status", Err: err}
	}
	if rec == nil {
		return ErrNotFound
	}
	if _, err := q.db.SetQueuedStatus(id, string(status), errMsg); err != nil {
		return &StoreError{Op: "update status", Err: err}
	}
	q.notify(Change{ConversationID: rec.ConversationID, MessageID: id, Status: status})
	return nil
}

// Remove deletes a message from the queue. Only call it after the transport
// confirmed delivery or the user acknowledged a permanent failure.
func (q *Queue) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := q.db.GetQueued(id)
	if err != nil {
		return &StoreError{Op: "remove", Err: err}
	}
	if rec == nil {
		return ErrNotFound
	}
	if _, err := q.db.DeleteQueued(id); err != nil {
		return &StoreError{Op: "remove", Err: err}
	}
	q.notify(Change{ConversationID: rec.ConversationID, MessageID: id, Status: Status(rec.Status), Removed: true})
	return nil
}

func (q *Queue) notify(c Change) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(bus.Event{Kind: bus.KindQueueChanged, Timestamp: time.Now(), Payload: c})
}

func fromRecord(r *store.QueuedMessage) *QueuedMessage {
	return &QueuedMessage{
		ID:               r.MsgID,
		ConversationID:   r.ConversationID,
		Text:             r.Body,
		UserID:           r.UserID,
		Role:             r.Role,
		DisplayName:      r.DisplayName,
		Encrypted:        r.Encrypted,
		EncryptedContent: r.EncryptedContent,
		IV:               r.IV,
		KeyVersion:       r.KeyVersion,
		Status:           Status(r.Status),
		Attempts:         r.Attempts,
		LastError:        r.ErrorMessage,
		EnqueuedAt:       time.UnixMilli(r.CreatedAt),
	}
}
