package store

import (
	"database/sql"
	"errors"
	"time"
)

// ErrNotQueued is returned when a retry targets a message with no
// outbound queue entry.
var ErrNotQueued = errors.New("message is not queued")

// EnqueueOutbound appends an entry to a conversation's outbound queue.
func (db *DB) EnqueueOutbound(e *QueueEntry) error {
	now := time.Now().UnixMilli()
	if e.CreatedAt == 0 {
		e.CreatedAt = now
	}
	_, err := db.Exec(`
		INSERT INTO outbound_queue (conversation_id, msg_id, sender_id, sender_name, body, retry_count, max_attempts, next_attempt_at, state, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ConversationID, e.MsgID, e.SenderID, e.SenderName, e.Body,
		e.RetryCount, e.MaxAttempts, e.NextAttemptAt, QueueStateQueued, "", e.CreatedAt, now)
	return err
}

// QueueHead returns the oldest entry for a conversation, or nil if the
// queue is empty. A failed entry is still the head: it blocks later
// entries until retried or the caller gives up on it.
func (db *DB) QueueHead(conversationID string) (*QueueEntry, error) {
	row := db.QueryRow(`
		SELECT id, conversation_id, msg_id, sender_id, sender_name, body, retry_count, max_attempts, next_attempt_at, state, last_error, created_at
		FROM outbound_queue
		WHERE conversation_id = ?
		ORDER BY id ASC
		LIMIT 1`, conversationID)
	e, err := scanQueueEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetQueueEntry returns the entry with the given provisional id, or nil.
func (db *DB) GetQueueEntry(msgID string) (*QueueEntry, error) {
	row := db.QueryRow(`
		SELECT id, conversation_id, msg_id, sender_id, sender_name, body, retry_count, max_attempts, next_attempt_at, state, last_error, created_at
		FROM outbound_queue
		WHERE msg_id = ?`, msgID)
	e, err := scanQueueEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// UpdateQueueRetry records a failed attempt and its backoff schedule.
func (db *DB) UpdateQueueRetry(msgID string, retryCount int, nextAttemptAt int64, lastError string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbound_queue
		SET retry_count = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE msg_id = ?`,
		retryCount, nextAttemptAt, lastError, now, msgID)
	return err
}

// MarkQueueFailed marks an entry terminally failed. It stays queued for
// manual retry but is not auto-retried.
func (db *DB) MarkQueueFailed(msgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbound_queue
		SET state = ?, last_error = ?, updated_at = ?
		WHERE msg_id = ?`,
		QueueStateFailed, errMsg, now, msgID)
	return err
}

// ResetQueueEntry re-arms a failed entry for the manual-retry path:
// retry count back to zero, immediately schedulable.
func (db *DB) ResetQueueEntry(msgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbound_queue
		SET state = ?, retry_count = 0, next_attempt_at = 0, last_error = '', updated_at = ?
		WHERE msg_id = ?`,
		QueueStateQueued, now, msgID)
	return err
}

// DeleteQueueEntry removes an entry once its message is confirmed.
// Deleting an already-removed entry is a no-op.
func (db *DB) DeleteQueueEntry(msgID string) error {
	_, err := db.Exec(`DELETE FROM outbound_queue WHERE msg_id = ?`, msgID)
	return err
}

// ResetBackoff clears pending backoff waits for a conversation's queued
// entries, used when connectivity returns and waiting out the timer
// would be pointless.
func (db *DB) ResetBackoff(conversationID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbound_queue
		SET next_attempt_at = 0, updated_at = ?
		WHERE conversation_id = ? AND state = ?`,
		now, conversationID, QueueStateQueued)
	return err
}

// ConversationsWithPending returns the ids of conversations that have
// at least one queued (not terminally failed) entry.
func (db *DB) ConversationsWithPending() ([]string, error) {
	rows, err := db.Query(`
		SELECT DISTINCT conversation_id FROM outbound_queue WHERE state = ?`,
		QueueStateQueued)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FindQueueEcho locates the pending entry a remote record is echoing.
// A clientRef (the provisional id round-tripped through the gateway) is
// authoritative; without one, the oldest entry with the same sender and
// body enqueued after windowStart is taken as the match.
func (db *DB) FindQueueEcho(conversationID, clientRef, senderID, body string, windowStart int64) (*QueueEntry, error) {
	if clientRef != "" {
		e, err := db.GetQueueEntry(clientRef)
		if err != nil || e == nil {
			return e, err
		}
		if e.ConversationID != conversationID {
			return nil, nil
		}
		return e, nil
	}
	row := db.QueryRow(`
		SELECT id, conversation_id, msg_id, sender_id, sender_name, body, retry_count, max_attempts, next_attempt_at, state, last_error, created_at
		FROM outbound_queue
		WHERE conversation_id = ? AND sender_id = ? AND body = ? AND created_at >= ?
		ORDER BY id ASC
		LIMIT 1`, conversationID, senderID, body, windowStart)
	e, err := scanQueueEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func scanQueueEntry(r rowScanner) (*QueueEntry, error) {
	var e QueueEntry
	if err := r.Scan(&e.ID, &e.ConversationID, &e.MsgID, &e.SenderID, &e.SenderName,
		&e.Body, &e.RetryCount, &e.MaxAttempts, &e.NextAttemptAt, &e.State, &e.LastError, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}
