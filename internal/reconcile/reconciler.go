// Package reconcile converges the local cache onto the authoritative
// remote feed. Remote wins: every merge is an idempotent whole-row
// upsert keyed by message identity, so replays are harmless.
package reconcile

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/offlinekit/msgsync/internal/bus"
	"github.com/offlinekit/msgsync/internal/delivery"
	"github.com/offlinekit/msgsync/internal/remote"
	"github.com/offlinekit/msgsync/internal/store"
	"go.uber.org/zap"
)

// Reconciler merges remote records into the local store and derives
// delivery-status side effects (delivered acks, unread counts).
type Reconciler struct {
	db         *store.DB
	sender     remote.Sender
	bus        *bus.Bus
	logger     *zap.Logger
	userID     string
	echoWindow time.Duration
}

// New creates a reconciler acting on behalf of userID.
func New(db *store.DB, sender remote.Sender, b *bus.Bus, logger *zap.Logger, userID string, echoWindow time.Duration) *Reconciler {
	return &Reconciler{
		db:         db,
		sender:     sender,
		bus:        b,
		logger:     logger,
		userID:     userID,
		echoWindow: echoWindow,
	}
}

// Apply merges one remote record. Malformed records are logged and
// dropped; they never corrupt the store or propagate an error.
func (r *Reconciler) Apply(ctx context.Context, rec remote.Record) error {
	if err := rec.Validate(); err != nil {
		r.logger.Warn("dropping malformed remote record",
			zap.String("conversation_id", rec.ConversationID),
			zap.String("message_id", rec.MessageID))
		return nil
	}

	now := time.Now()
	confirmedAt := rec.NormalizedConfirmedAt(now)
	incoming := r.incomingStatus(rec)

	fromMe := rec.SenderID == r.userID

	// A peer message the remote only knows as sent is delivered the
	// moment this device sees it. One-way: Merge below keeps a
	// later-known read from regressing.
	ackDelivered := false
	if !fromMe && incoming == delivery.Sent {
		incoming = delivery.Delivered
		ackDelivered = true
	}

	// Our own echo: the queue entry's provisional row becomes the
	// confirmed row instead of a duplicate.
	if fromMe {
		windowStart := now.Add(-r.echoWindow).UnixMilli()
		entry, err := r.db.FindQueueEcho(rec.ConversationID, rec.ClientRef, rec.SenderID, rec.Text, windowStart)
		if err != nil {
			r.logger.Error("echo lookup failed", zap.Error(err), zap.String("message_id", rec.MessageID))
		} else if entry != nil {
			if err := r.db.DeleteQueueEntry(entry.MsgID); err != nil {
				r.logger.Error("failed to drop echoed queue entry", zap.Error(err), zap.String("msg_id", entry.MsgID))
			}
			if err := r.db.RekeyProvisional(rec.ConversationID, entry.MsgID, rec.MessageID); err != nil {
				return fmt.Errorf("rekey provisional: %w", err)
			}
		}
	}

	existing, err := r.db.GetMessage(rec.ConversationID, rec.MessageID)
	if err != nil {
		return fmt.Errorf("lookup message: %w", err)
	}

	merged := incoming
	readBy := rec.ReadBy
	createdAt := rec.CreatedAt
	if existing != nil {
		merged = delivery.Merge(existing.DeliveryStatus, incoming)
		readBy = unionIDs(existing.ReadBy, rec.ReadBy)
		if createdAt == 0 {
			createdAt = existing.CreatedAt
		}
	}
	if createdAt == 0 {
		createdAt = confirmedAt
	}

	msg := &store.Message{
		ConversationID: rec.ConversationID,
		MsgID:          rec.MessageID,
		SenderID:       rec.SenderID,
		SenderName:     rec.SenderName,
		Body:           rec.Text,
		DeliveryStatus: merged,
		SyncState:      delivery.Synced,
		ReadBy:         readBy,
		CreatedAt:      createdAt,
		ConfirmedAt:    confirmedAt,
	}
	if err := r.db.UpsertMessage(msg); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	if err := r.db.UpsertConversation(&store.Conversation{
		ID:                 rec.ConversationID,
		Kind:               rec.ConversationKind,
		MemberIDs:          rec.Members,
		LastMessageAt:      confirmedAt,
		LastMessagePreview: truncate(rec.Text, 100),
	}); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	if !fromMe && existing == nil {
		if err := r.db.IncrementUnread(rec.ConversationID); err != nil {
			r.logger.Error("failed to bump unread count", zap.Error(err), zap.String("conversation_id", rec.ConversationID))
		}
	}

	if err := r.advanceWatermark(rec.ConversationID, confirmedAt); err != nil {
		r.logger.Error("failed to advance watermark", zap.Error(err), zap.String("conversation_id", rec.ConversationID))
	}

	// Best-effort: tell the remote store the message reached us. Only
	// when delivered is genuinely our merge result; a message we
	// already read must not be re-acked backward.
	if ackDelivered && merged == delivery.Delivered {
		if err := r.sender.AckDelivered(ctx, rec.ConversationID, rec.MessageID, r.userID); err != nil {
			r.logger.Warn("delivered ack failed", zap.Error(err), zap.String("message_id", rec.MessageID))
		}
	}

	r.bus.Publish(bus.KindMessageUpserted, map[string]string{
		"conversation_id": rec.ConversationID,
		"msg_id":          rec.MessageID,
	})
	r.bus.Publish(bus.KindConversationUpdated, map[string]string{
		"conversation_id": rec.ConversationID,
	})
	return nil
}

// ApplyBatch merges a catch-up page. A failure on one record is logged
// and does not abort the rest of the batch.
func (r *Reconciler) ApplyBatch(ctx context.Context, recs []remote.Record) int {
	applied := 0
	for _, rec := range recs {
		if err := r.Apply(ctx, rec); err != nil {
			r.logger.Error("failed to apply remote record",
				zap.Error(err), zap.String("message_id", rec.MessageID))
			continue
		}
		applied++
	}
	return applied
}

// incomingStatus maps the record's status string to the delivery enum.
// The remote having the record at all means at least sent; read wins
// whenever the read_by set proves the relevant party saw it.
func (r *Reconciler) incomingStatus(rec remote.Record) delivery.Status {
	s := delivery.Status(rec.Status)
	if !delivery.Valid(s) || s == delivery.Sending || s == delivery.Failed {
		s = delivery.Sent
	}
	if readByOther(rec.ReadBy, rec.SenderID) {
		return delivery.Read
	}
	return s
}

// readByOther reports whether anyone besides the author has read the
// message.
func readByOther(readBy []string, senderID string) bool {
	for _, id := range readBy {
		if id != senderID {
			return true
		}
	}
	return false
}

func (r *Reconciler) advanceWatermark(conversationID string, confirmedAt int64) error {
	cur, err := r.db.GetWatermark(conversationID)
	if err != nil {
		return err
	}
	if cur != "" {
		if n, err := strconv.ParseInt(cur, 10, 64); err == nil && n >= confirmedAt {
			return nil
		}
	}
	return r.db.SetWatermark(conversationID, strconv.FormatInt(confirmedAt, 10))
}

func unionIDs(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, id := range a {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, id := range b {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
