package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	ID      string
	Kind    string
	At      time.Time
	Payload any
}

// Event kinds published by the sync engine. Subscribers filter by
// namespace prefix, e.g. "message." or "net.".
const (
	KindMessageUpserted     = "message.upserted"
	KindMessageSendAck      = "message.send_ack"
	KindMessageSendFailed   = "message.send_failed"
	KindConversationUpdated = "conversation.updated"
	KindNetOnline           = "net.online"
	KindNetOffline          = "net.offline"
)
