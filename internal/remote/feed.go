// Package remote abstracts the authoritative message store: an ordered
// per-conversation event feed plus point writes. The sync engine only
// sees these interfaces; the websocket gateway in this package is one
// implementation.
package remote

import (
	"context"
	"errors"
	"sync"
)

// ErrOffline is returned by point writes when the gateway is not
// reachable. The outbound queue treats it like any transient failure.
var ErrOffline = errors.New("remote gateway unreachable")

// SendReceipt is the remote store's confirmation of a point write.
type SendReceipt struct {
	MessageID   string // remote-assigned id
	ConfirmedAt int64  // server time, epoch millis
}

// Feed delivers the authoritative per-conversation message stream.
type Feed interface {
	// Subscribe starts delivering add/modify events for a conversation
	// from now on. It never blocks the caller; events arrive on the
	// subscription's channel.
	Subscribe(ctx context.Context, conversationID string) (*Subscription, error)

	// FetchSince performs a bounded pull for catch-up. It returns the
	// records after cursor plus the next cursor to resume from.
	FetchSince(ctx context.Context, conversationID, cursor string, limit int) ([]Record, string, error)
}

// Sender performs point writes against the remote store.
type Sender interface {
	SendMessage(ctx context.Context, conversationID, clientRef, senderID, senderName, text string) (SendReceipt, error)

	// AckDelivered advances a peer message to delivered, best-effort.
	AckDelivered(ctx context.Context, conversationID, messageID, userID string) error

	// MarkRead records a read receipt for a peer message, best-effort.
	MarkRead(ctx context.Context, conversationID, messageID, userID string) error
}

// Subscription is a cancelable handle on a conversation feed.
// Unsubscribe is idempotent and safe to call from the goroutine
// consuming Events: it never blocks on the events channel.
type Subscription struct {
	events chan Record
	done   chan struct{}
	once   sync.Once
}

// NewSubscription creates a subscription with the given event buffer.
// Feed implementations push with Deliver and must stop when Done fires.
func NewSubscription(bufSize int) *Subscription {
	return &Subscription{
		events: make(chan Record, bufSize),
		done:   make(chan struct{}),
	}
}

// Events returns the channel remote records arrive on. The channel is
// never closed; consumers select on Done to stop.
func (s *Subscription) Events() <-chan Record {
	return s.events
}

// Done fires once the subscription has been torn down.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Unsubscribe releases the subscription. Safe to call multiple times
// and from within an Events consumer.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { close(s.done) })
}

// Deliver pushes a record to the consumer. Returns false once the
// subscription is torn down; producers should then exit.
func (s *Subscription) Deliver(ctx context.Context, rec Record) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	case s.events <- rec:
		return true
	}
}
