package store

import "github.com/offlinekit/msgsync/internal/delivery"

// Conversation represents a synced conversation.
type Conversation struct {
	ID                 string
	Kind               string // direct or group
	Name               string
	MemberIDs          []string
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
}

// Conversation kinds.
const (
	KindDirect = "direct"
	KindGroup  = "group"
)

// Message represents a message row in the local cache. MsgID is the
// remote-assigned id once the row is synced; before that it carries the
// client-generated provisional id.
type Message struct {
	ID             int64
	ConversationID string
	MsgID          string
	SenderID       string
	SenderName     string
	Body           string
	DeliveryStatus delivery.Status
	SyncState      delivery.SyncState
	ReadBy         []string
	CreatedAt      int64 // client-intended send time, epoch millis
	ConfirmedAt    int64 // remote-assigned time, 0 until confirmed
}

// Timestamp returns the ordering time for the message: the remote
// confirmed time when known, otherwise the client send time.
func (m *Message) Timestamp() int64 {
	if m.ConfirmedAt > 0 {
		return m.ConfirmedAt
	}
	return m.CreatedAt
}

// QueueEntry represents a pending outbound message awaiting
// confirmation. MsgID is the provisional id.
type QueueEntry struct {
	ID             int64
	ConversationID string
	MsgID          string
	SenderID       string
	SenderName     string
	Body           string
	RetryCount     int
	MaxAttempts    int
	NextAttemptAt  int64
	State          string // queued or failed
	LastError      string
	CreatedAt      int64
}

// Queue entry states. A failed entry stays at the head of its
// conversation's queue until manually retried, blocking later entries.
const (
	QueueStateQueued = "queued"
	QueueStateFailed = "failed"
)
