package pipeline

import (
	"encoding/json"
	"errors"
	"time"
)

// SenderType identifies who wrote a message.
type SenderType string

const (
	SenderAgent    SenderType = "agent"
	SenderCustomer SenderType = "customer"
)

// Status is the delivery state of a visible message. Outbound messages move
// sending → sent | queued | failed, and sent → delivered on receipt.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusQueued    Status = "queued"
	StatusFailed    Status = "failed"
	StatusDelivered Status = "delivered"
)

// UndecryptablePlaceholder replaces the content of messages that could not be decrypted.
const UndecryptablePlaceholder = "[Encrypted message could not be decrypted]"

// EncryptionMeta describes how an encrypted message was sealed.
type EncryptionMeta struct {
	IV         string `json:"iv"`
	KeyVersion int    `json:"keyVersion"`
}

// Metadata carries optional per-message attributes.
type Metadata struct {
	Encryption *EncryptionMeta `json:"encryption,omitempty"`
}

// ChatMessage is one message of the visible conversation and also the wire
// payload exchanged over the transport.
type ChatMessage struct {
	ID               string     `json:"id"`
	ConversationID   string     `json:"conversationId"`
	SenderID         string     `json:"senderId"`
	SenderType       SenderType `json:"senderType"`
	SenderName       string     `json:"senderName,omitempty"`
	Content          string     `json:"content"`
	Encrypted        bool       `json:"encrypted"`
	EncryptedContent string     `json:"encryptedContent,omitempty"`
	Timestamp        time.Time  `json:"timestamp"`
	Status           Status     `json:"status"`
	Metadata         Metadata   `json:"metadata"`
}

var errEncryptionFields = errors.New("encrypted flag does not match ciphertext and metadata")

// Validate checks that Encrypted is set exactly when both the ciphertext and
// its encryption metadata are present.
func (m *ChatMessage) Validate() error {
	hasAll := m.EncryptedContent != "" && m.Metadata.Encryption != nil
	hasAny := m.EncryptedContent != "" || m.Metadata.Encryption != nil
	if (m.Encrypted && !hasAll) || (!m.Encrypted && hasAny) {
		return errEncryptionFields
	}
	return nil
}

// wireCopy strips local-only state before a message is published.
// Encrypted messages never carry their plaintext over the wire.
func (m ChatMessage) wireCopy() ChatMessage {
	if m.Encrypted {
		m.Content = ""
	}
	m.Status = StatusSent
	return m
}

func encodeMessage(m ChatMessage) ([]byte, error) {
	return json.Marshal(m.wireCopy())
}

func decodeMessage(payload []byte) (ChatMessage, error) {
	var m ChatMessage
	err := json.Unmarshal(payload, &m)
	return m, err
}

// receipt acknowledges delivery of a message to the other side.
type receipt struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

func decodeJSON(payload []byte, v any) error {
	return json.Unmarshal(payload, v)
}
