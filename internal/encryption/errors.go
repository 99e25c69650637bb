package encryption

import (
	"errors"
	"fmt"
)

// ErrNoKey is returned when a conversation has no key set up.
var ErrNoKey = errors.New("no encryption key for conversation")

// EncryptionError reports a failed key setup, rotation or encryption.
type EncryptionError struct {
	Op             string
	ConversationID string
	Err            error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("encryption %s for %s: %v", e.Op, e.ConversationID, e.Err)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// DecryptionError reports a ciphertext that could not be opened, either
// because its key version is unavailable or because integrity checks failed.
type DecryptionError struct {
	ConversationID string
	KeyVersion     int
	Reason         string
	Err            error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decrypt %s v%d: %s: %v", e.ConversationID, e.KeyVersion, e.Reason, e.Err)
	}
	return fmt.Sprintf("decrypt %s v%d: %s", e.ConversationID, e.KeyVersion, e.Reason)
}

func (e *DecryptionError) Unwrap() error { return e.Err }
