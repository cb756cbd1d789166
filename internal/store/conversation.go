package store

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or updates a conversation record.
// last_message_at is monotonically non-decreasing; the preview only
// advances together with it. Name, kind and members are overwritten
// when the incoming value is non-empty.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, kind, name, member_ids, unread_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = COALESCE(NULLIF(excluded.kind, ''), conversations.kind),
			name = COALESCE(NULLIF(excluded.name, ''), conversations.name),
			member_ids = CASE WHEN excluded.member_ids != '[]' THEN excluded.member_ids ELSE conversations.member_ids END,
			last_message_preview = CASE WHEN excluded.last_message_at > conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		c.ID, c.Kind, c.Name, marshalIDs(c.MemberIDs), c.UnreadCount,
		c.LastMessageAt, c.LastMessagePreview, now)
	return err
}

// GetConversation returns a single conversation by id, or nil if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	var members string
	err := db.QueryRow(`
		SELECT id, kind, name, member_ids, unread_count, last_message_at, last_message_preview
		FROM conversations
		WHERE id = ?`, id).
		Scan(&c.ID, &c.Kind, &c.Name, &members, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.MemberIDs = unmarshalIDs(members)
	return &c, nil
}

// ListConversations returns conversations sorted by last message
// timestamp descending.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, kind, name, member_ids, unread_count, last_message_at, last_message_preview
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convos []Conversation
	for rows.Next() {
		var c Conversation
		var members string
		if err := rows.Scan(&c.ID, &c.Kind, &c.Name, &members, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		c.MemberIDs = unmarshalIDs(members)
		convos = append(convos, c)
	}
	return convos, rows.Err()
}

// IncrementUnread bumps the unread counter for a conversation.
func (db *DB) IncrementUnread(id string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE conversations SET unread_count = unread_count + 1, updated_at = ? WHERE id = ?`, now, id)
	return err
}

// ClearUnread resets the unread counter for a conversation.
func (db *DB) ClearUnread(id string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE conversations SET unread_count = 0, updated_at = ? WHERE id = ?`, now, id)
	return err
}
