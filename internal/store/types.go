package store

// QueuedMessage is a persisted message that could not be delivered immediately.
type QueuedMessage struct {
	Seq              int64
	MsgID            string
	ConversationID   string
	Body             string
	UserID           string
	Role             string
	DisplayName      string
	Encrypted        bool
	EncryptedContent string
	IV               string
	KeyVersion       int
	Status           string // queued, sending, sent, failed
	Attempts         int
	ErrorMessage     string
	CreatedAt        int64
	UpdatedAt        int64
}

// KeyRecord is one version of a conversation's symmetric key.
type KeyRecord struct {
	ConversationID string
	Version        int
	Material       []byte
	Current        bool
	CreatedAt      int64
}
