// Package outbound drives the durable per-conversation send queue.
// Each conversation has at most one in-flight send, preserving the
// author's enqueue order; different conversations send concurrently.
package outbound

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/offlinekit/msgsync/internal/bus"
	"github.com/offlinekit/msgsync/internal/delivery"
	"github.com/offlinekit/msgsync/internal/remote"
	"github.com/offlinekit/msgsync/internal/store"
	"go.uber.org/zap"
)

// Options are the retry tunables. Defaults match config.Default: 1s
// base doubling per attempt, capped at 30s, failed after 5 attempts.
type Options struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// Queue sends locally authored messages to the remote store, retrying
// with exponential backoff and surfacing terminal failures for manual
// retry. Entries are durable: a restart resumes where the previous
// process stopped.
type Queue struct {
	db     *store.DB
	sender remote.Sender
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options

	mu      sync.Mutex
	workers map[string]chan struct{} // conversation id -> wake channel

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an outbound queue.
func New(db *store.DB, sender remote.Sender, b *bus.Bus, logger *zap.Logger, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	return &Queue{
		db:      db,
		sender:  sender,
		bus:     b,
		logger:  logger,
		opts:    opts,
		workers: make(map[string]chan struct{}),
	}
}

// Start resumes workers for conversations left pending by a previous
// run and begins reacting to connectivity transitions.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)

	ids, err := q.db.ConversationsWithPending()
	if err != nil {
		q.logger.Error("failed to resume outbound queue", zap.Error(err))
	}
	for _, id := range ids {
		q.wake(id)
	}

	ch, unsub := q.bus.Subscribe("net.", 16)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if evt.Kind == bus.KindNetOnline {
					q.OnConnectivityRestored()
				}
			case <-q.ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels all workers and waits for them to finish. In-flight
// sends are not interrupted mid-call; their outcome is still recorded.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// Enqueue creates a provisional message, writes it to the local store
// for optimistic display, appends a durable queue entry, and triggers
// processing. Returns the provisional message id.
func (q *Queue) Enqueue(conversationID, text, senderID, senderName string) (string, error) {
	provisionalID := uuid.New().String()
	now := time.Now().UnixMilli()

	msg := &store.Message{
		ConversationID: conversationID,
		MsgID:          provisionalID,
		SenderID:       senderID,
		SenderName:     senderName,
		Body:           text,
		DeliveryStatus: delivery.Sending,
		SyncState:      delivery.Pending,
		CreatedAt:      now,
	}
	if err := q.db.UpsertMessage(msg); err != nil {
		return "", err
	}
	if err := q.db.UpsertConversation(&store.Conversation{
		ID:                 conversationID,
		LastMessageAt:      now,
		LastMessagePreview: truncate(text, 100),
	}); err != nil {
		q.logger.Error("failed to update conversation on enqueue", zap.Error(err), zap.String("conversation_id", conversationID))
	}

	if err := q.db.EnqueueOutbound(&store.QueueEntry{
		ConversationID: conversationID,
		MsgID:          provisionalID,
		SenderID:       senderID,
		SenderName:     senderName,
		Body:           text,
		MaxAttempts:    q.opts.MaxAttempts,
		CreatedAt:      now,
	}); err != nil {
		return "", err
	}

	q.bus.Publish(bus.KindMessageUpserted, map[string]string{
		"conversation_id": conversationID,
		"msg_id":          provisionalID,
	})

	q.wake(conversationID)
	return provisionalID, nil
}

// Retry re-arms a terminally failed message: retry count back to zero,
// status back to sending, scheduled immediately.
func (q *Queue) Retry(conversationID, messageID string) error {
	entry, err := q.db.GetQueueEntry(messageID)
	if err != nil {
		return err
	}
	if entry == nil {
		return store.ErrNotQueued
	}
	if err := q.db.ResetQueueEntry(messageID); err != nil {
		return err
	}

	if msg, err := q.db.GetMessage(conversationID, messageID); err == nil && msg != nil {
		if next, err := delivery.Transition(msg.DeliveryStatus, delivery.Sending); err == nil {
			msg.DeliveryStatus = next
			if err := q.db.UpsertMessage(msg); err != nil {
				q.logger.Error("failed to reset message status", zap.Error(err), zap.String("msg_id", messageID))
			}
			q.bus.Publish(bus.KindMessageUpserted, map[string]string{
				"conversation_id": conversationID,
				"msg_id":          messageID,
			})
		}
	}

	q.wake(conversationID)
	return nil
}

// OnConnectivityRestored short-circuits backoff waits: every
// conversation with queued entries gets one immediate processing kick.
func (q *Queue) OnConnectivityRestored() {
	ids, err := q.db.ConversationsWithPending()
	if err != nil {
		q.logger.Error("failed to list pending conversations", zap.Error(err))
		return
	}
	for _, id := range ids {
		if err := q.db.ResetBackoff(id); err != nil {
			q.logger.Error("failed to clear backoff", zap.Error(err), zap.String("conversation_id", id))
			continue
		}
		q.wake(id)
	}
}

// wake ensures a worker is running for the conversation and nudges it.
// The wake channel has capacity one, so bursts collapse into a single
// processing pass.
func (q *Queue) wake(conversationID string) {
	q.mu.Lock()
	ch, ok := q.workers[conversationID]
	if !ok {
		ch = make(chan struct{}, 1)
		q.workers[conversationID] = ch
		q.wg.Add(1)
		go q.run(conversationID, ch)
	}
	q.mu.Unlock()

	select {
	case ch <- struct{}{}:
	default:
	}
}

// run is the single sender loop for one conversation.
func (q *Queue) run(conversationID string, wakeCh chan struct{}) {
	defer q.wg.Done()
	for {
		head, err := q.db.QueueHead(conversationID)
		if err != nil {
			q.logger.Error("failed to read queue head", zap.Error(err), zap.String("conversation_id", conversationID))
			if !q.waitWake(wakeCh, time.Second) {
				return
			}
			continue
		}

		if head == nil {
			if q.retire(conversationID, wakeCh) {
				return
			}
			continue
		}

		if head.State == store.QueueStateFailed {
			// Terminal until a manual retry resets the entry.
			if !q.waitWake(wakeCh, 0) {
				return
			}
			continue
		}

		if wait := time.Until(time.UnixMilli(head.NextAttemptAt)); head.NextAttemptAt > 0 && wait > 0 {
			if !q.waitWake(wakeCh, wait) {
				return
			}
			// Re-read the head: a reconnect may have cleared the
			// schedule, or the echo may have consumed the entry.
			continue
		}

		q.attempt(head)

		select {
		case <-q.ctx.Done():
			return
		default:
		}
	}
}

// attempt performs one send for the head entry and records the outcome.
func (q *Queue) attempt(head *store.QueueEntry) {
	receipt, err := q.sender.SendMessage(q.ctx, head.ConversationID, head.MsgID, head.SenderID, head.SenderName, head.Body)
	if err != nil {
		q.recordFailure(head, err)
		return
	}

	// The feed echo may already have rekeyed the row; both paths are
	// idempotent so whoever runs second is a no-op.
	if err := q.db.RekeyProvisional(head.ConversationID, head.MsgID, receipt.MessageID); err != nil {
		q.logger.Error("failed to rekey provisional", zap.Error(err), zap.String("msg_id", head.MsgID))
	}

	msg, err := q.db.GetMessage(head.ConversationID, receipt.MessageID)
	if err != nil || msg == nil {
		q.logger.Error("confirmed message missing after rekey", zap.Error(err), zap.String("msg_id", receipt.MessageID))
	} else {
		msg.DeliveryStatus = delivery.Merge(msg.DeliveryStatus, delivery.Sent)
		msg.SyncState = delivery.Synced
		if receipt.ConfirmedAt > 0 {
			msg.ConfirmedAt = receipt.ConfirmedAt
		}
		if err := q.db.UpsertMessage(msg); err != nil {
			q.logger.Error("failed to confirm message", zap.Error(err), zap.String("msg_id", receipt.MessageID))
		}
	}

	if err := q.db.DeleteQueueEntry(head.MsgID); err != nil {
		q.logger.Error("failed to remove sent entry", zap.Error(err), zap.String("msg_id", head.MsgID))
	}

	q.logger.Info("message sent",
		zap.String("conversation_id", head.ConversationID),
		zap.String("provisional_id", head.MsgID),
		zap.String("message_id", receipt.MessageID))
	q.bus.Publish(bus.KindMessageSendAck, map[string]string{
		"conversation_id": head.ConversationID,
		"provisional_id":  head.MsgID,
		"msg_id":          receipt.MessageID,
	})
	q.bus.Publish(bus.KindMessageUpserted, map[string]string{
		"conversation_id": head.ConversationID,
		"msg_id":          receipt.MessageID,
	})
}

func (q *Queue) recordFailure(head *store.QueueEntry, sendErr error) {
	retryCount := head.RetryCount + 1
	maxAttempts := head.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.opts.MaxAttempts
	}

	if retryCount < maxAttempts {
		delay := Backoff(q.opts.BaseDelay, q.opts.MaxDelay, retryCount)
		next := time.Now().Add(delay).UnixMilli()
		if err := q.db.UpdateQueueRetry(head.MsgID, retryCount, next, sendErr.Error()); err != nil {
			q.logger.Error("failed to schedule retry", zap.Error(err), zap.String("msg_id", head.MsgID))
		}
		q.logger.Warn("send attempt failed",
			zap.String("msg_id", head.MsgID),
			zap.Int("retry_count", retryCount),
			zap.Duration("delay", delay),
			zap.Error(sendErr))
		return
	}

	// Retries exhausted.
	if err := q.db.MarkQueueFailed(head.MsgID, sendErr.Error()); err != nil {
		q.logger.Error("failed to mark entry failed", zap.Error(err), zap.String("msg_id", head.MsgID))
	}
	if msg, err := q.db.GetMessage(head.ConversationID, head.MsgID); err == nil && msg != nil {
		if next, terr := delivery.Transition(msg.DeliveryStatus, delivery.Failed); terr == nil {
			msg.DeliveryStatus = next
			if err := q.db.UpsertMessage(msg); err != nil {
				q.logger.Error("failed to mark message failed", zap.Error(err), zap.String("msg_id", head.MsgID))
			}
		}
	}
	q.logger.Error("message failed after exhausting retries",
		zap.String("msg_id", head.MsgID),
		zap.Int("attempts", retryCount),
		zap.Error(sendErr))
	q.bus.Publish(bus.KindMessageSendFailed, map[string]string{
		"conversation_id": head.ConversationID,
		"msg_id":          head.MsgID,
		"error":           sendErr.Error(),
	})
}

// waitWake blocks until a wake nudge, the timer (if d > 0), or
// shutdown. Returns false on shutdown.
func (q *Queue) waitWake(wakeCh chan struct{}, d time.Duration) bool {
	var timerCh <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timerCh = timer.C
	}
	select {
	case <-wakeCh:
		return true
	case <-timerCh:
		return true
	case <-q.ctx.Done():
		return false
	}
}

// retire removes the worker once its queue is empty. The head is
// re-checked under the map lock so an enqueue racing with retirement
// cannot strand an entry without a worker.
func (q *Queue) retire(conversationID string, wakeCh chan struct{}) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	head, err := q.db.QueueHead(conversationID)
	if err == nil && head != nil {
		return false
	}
	// Drain any pending nudge so a fresh worker starts clean.
	select {
	case <-wakeCh:
	default:
	}
	delete(q.workers, conversationID)
	return true
}

// Backoff returns the delay scheduled after the given failed attempt:
// base doubling each attempt, capped at ceil.
func Backoff(base, ceil time.Duration, retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := base << (retryCount - 1)
	if d > ceil || d <= 0 {
		return ceil
	}
	return d
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
