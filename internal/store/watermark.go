package store

import (
	"database/sql"
	"time"
)

// SetWatermark records the last-processed cursor for a conversation so
// a restart resumes delta fetches without reprocessing old data.
func (db *DB) SetWatermark(conversationID, cursor string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO watermarks (conversation_id, cursor, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`,
		conversationID, cursor, now)
	return err
}

// GetWatermark retrieves the stored cursor for a conversation, or ""
// if none has been recorded yet.
func (db *DB) GetWatermark(conversationID string) (string, error) {
	var cursor string
	err := db.QueryRow(`SELECT cursor FROM watermarks WHERE conversation_id = ?`, conversationID).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return cursor, nil
}
