package store

import (
	"database/sql"
	"time"
)

// InsertQueued appends a message to the conversation's queue. Seq and the
// timestamps are assigned by the store.
func (db *DB) InsertQueued(m *QueuedMessage) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT INTO queued_messages (msg_id, conversation_id, body, user_id, role, display_name,
			encrypted, encrypted_content, iv, key_version, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MsgID, m.ConversationID, m.Body, m.UserID, m.Role, m.DisplayName,
		m.Encrypted, m.EncryptedContent, m.IV, m.KeyVersion, m.Status, now, now)
	if err != nil {
		return err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	m.Seq = seq
	m.CreatedAt = now
	m.UpdatedAt = now
	return nil
}

// SetQueuedStatus replaces the status of a queued message. Moving to
// 'sending' counts as a delivery attempt.
func (db *DB) SetQueuedStatus(msgID, status, errMsg string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE queued_messages SET
			status = ?,
			error_message = ?,
			attempts = attempts + CASE WHEN ? = 'sending' THEN 1 ELSE 0 END,
			updated_at = ?
		WHERE msg_id = ?`, status, errMsg, status, now, msgID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteQueued removes a queued message. Reports whether a row existed.
func (db *DB) DeleteQueued(msgID string) (bool, error) {
	res, err := db.Exec(`DELETE FROM queued_messages WHERE msg_id = ?`, msgID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetQueued returns a single queued message, or nil if it does not exist.
func (db *DB) GetQueued(msgID string) (*QueuedMessage, error) {
	row := db.QueryRow(`SELECT `+queuedColumns+` FROM queued_messages WHERE msg_id = ?`, msgID)
	m, err := scanQueued(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// ListQueued returns every queued message of a conversation in enqueue order.
func (db *DB) ListQueued(conversationID string) ([]QueuedMessage, error) {
	rows, err := db.Query(`
		SELECT `+queuedColumns+`
		FROM queued_messages WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []QueuedMessage
	for rows.Next() {
		m, err := scanQueued(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

const queuedColumns = `seq, msg_id, conversation_id, body, user_id, role, display_name,
	encrypted, encrypted_content, iv, key_version, status, attempts, error_message, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanQueued(s scanner) (*QueuedMessage, error) {
	var m QueuedMessage
	err := s.Scan(&m.Seq, &m.MsgID, &m.ConversationID, &m.Body, &m.UserID, &m.Role, &m.DisplayName,
		&m.Encrypted, &m.EncryptedContent, &m.IV, &m.KeyVersion, &m.Status, &m.Attempts, &m.ErrorMessage,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
