package store

import "fmt"

// InsertKey stores a new key version and, when current, clears the current
// flag on every other version of the conversation in the same transaction.
func (db *DB) InsertKey(k *KeyRecord) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if k.Current {
		if _, err := tx.Exec(`UPDATE encryption_keys SET is_current = 0 WHERE conversation_id = ?`, k.ConversationID); err != nil {
			return fmt.Errorf("clear current key: %w", err)
		}
	}
	if _, err := tx.Exec(`
		INSERT INTO encryption_keys (conversation_id, version, key_material, is_current, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		k.ConversationID, k.Version, k.Material, k.Current, k.CreatedAt); err != nil {
		return fmt.Errorf("insert key: %w", err)
	}
	return tx.Commit()
}

// ListKeys returns all stored key versions of a conversation, newest first.
func (db *DB) ListKeys(conversationID string) ([]KeyRecord, error) {
	rows, err := db.Query(`
		SELECT conversation_id, version, key_material, is_current, created_at
		FROM encryption_keys WHERE conversation_id = ? ORDER BY version DESC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []KeyRecord
	for rows.Next() {
		var k KeyRecord
		if err := rows.Scan(&k.ConversationID, &k.Version, &k.Material, &k.Current, &k.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteKeysBelow drops every key version of a conversation older than minVersion.
func (db *DB) DeleteKeysBelow(conversationID string, minVersion int) error {
	_, err := db.Exec(`DELETE FROM encryption_keys WHERE conversation_id = ? AND version < ?`, conversationID, minVersion)
	return err
}
