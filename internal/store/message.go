package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/offlinekit/msgsync/internal/delivery"
)

// UpsertMessage inserts or updates a message (idempotent on
// conversation_id + msg_id). The whole row is replaced on conflict;
// callers resolve status merges before writing.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, sender_name, body, delivery_status, sync_state, read_by, created_at, confirmed_at, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			sender_id = excluded.sender_id,
			sender_name = excluded.sender_name,
			body = excluded.body,
			delivery_status = excluded.delivery_status,
			sync_state = excluded.sync_state,
			read_by = excluded.read_by,
			created_at = excluded.created_at,
			confirmed_at = excluded.confirmed_at`,
		m.ConversationID, m.MsgID, m.SenderID, m.SenderName, m.Body,
		string(m.DeliveryStatus), string(m.SyncState), marshalIDs(m.ReadBy),
		m.CreatedAt, m.ConfirmedAt, now)
	return err
}

// GetMessage returns a single message, or nil if it does not exist.
func (db *DB) GetMessage(conversationID, msgID string) (*Message, error) {
	row := db.QueryRow(`
		SELECT id, conversation_id, msg_id, sender_id, sender_name, body, delivery_status, sync_state, read_by, created_at, confirmed_at
		FROM messages
		WHERE conversation_id = ? AND msg_id = ?`, conversationID, msgID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMessages returns messages for a conversation using keyset
// pagination by timestamp (confirmed time when known, client send time
// otherwise), newest first.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, sender_id, sender_name, body, delivery_status, sync_state, read_by, created_at, confirmed_at
		FROM messages
		WHERE conversation_id = ?
		  AND (CASE WHEN confirmed_at > 0 THEN confirmed_at ELSE created_at END) < ?
		ORDER BY (CASE WHEN confirmed_at > 0 THEN confirmed_at ELSE created_at END) DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// ListUnreadPeerMessages returns messages authored by other users that
// the given user has not read yet, oldest first. Used to fan out read
// receipts when a conversation is marked read.
func (db *DB) ListUnreadPeerMessages(conversationID, userID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, sender_id, sender_name, body, delivery_status, sync_state, read_by, created_at, confirmed_at
		FROM messages
		WHERE conversation_id = ? AND sender_id != ? AND delivery_status IN (?, ?)
		ORDER BY id ASC`, conversationID, userID, string(delivery.Sent), string(delivery.Delivered))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// RekeyProvisional atomically replaces a provisional message id with
// the remote-assigned confirmed id. Idempotent: if a row with the
// confirmed id already exists, the provisional row (if any) is dropped
// so exactly one row survives.
func (db *DB) RekeyProvisional(conversationID, provisionalID, confirmedID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND msg_id = ?`,
		conversationID, confirmedID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check confirmed row: %w", err)
	}

	if exists > 0 {
		if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`,
			conversationID, provisionalID); err != nil {
			return fmt.Errorf("drop provisional row: %w", err)
		}
	} else {
		if _, err := tx.Exec(`UPDATE messages SET msg_id = ? WHERE conversation_id = ? AND msg_id = ?`,
			confirmedID, conversationID, provisionalID); err != nil {
			return fmt.Errorf("rekey provisional row: %w", err)
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	var status, syncState, readBy string
	if err := r.Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.SenderName,
		&m.Body, &status, &syncState, &readBy, &m.CreatedAt, &m.ConfirmedAt); err != nil {
		return nil, err
	}
	m.DeliveryStatus = delivery.Status(status)
	m.SyncState = delivery.SyncState(syncState)
	m.ReadBy = unmarshalIDs(readBy)
	return &m, nil
}

func marshalIDs(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalIDs(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(s), &ids); err != nil {
		return nil
	}
	return ids
}
