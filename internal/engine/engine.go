// Package engine coordinates synchronization per conversation: catch-up
// from the durable watermark, the live remote feed, outbound sends, and
// read receipts.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/offlinekit/msgsync/internal/bus"
	"github.com/offlinekit/msgsync/internal/delivery"
	"github.com/offlinekit/msgsync/internal/outbound"
	"github.com/offlinekit/msgsync/internal/reconcile"
	"github.com/offlinekit/msgsync/internal/remote"
	"github.com/offlinekit/msgsync/internal/store"
	"go.uber.org/zap"
)

// Options tune the engine for one profile.
type Options struct {
	UserID        string
	DisplayName   string
	ReadDebounce  time.Duration
	FetchPageSize int
}

// Engine is the per-profile sync coordinator. All methods are safe for
// concurrent use.
type Engine struct {
	db         *store.DB
	feed       remote.Feed
	sender     remote.Sender
	queue      *outbound.Queue
	reconciler *reconcile.Reconciler
	bus        *bus.Bus
	logger     *zap.Logger
	opts       Options

	mu         sync.Mutex
	subs       map[string]*remote.Subscription
	readTimers map[string]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the engine. Collaborators are passed explicitly; the daemon
// package owns construction order.
func New(db *store.DB, feed remote.Feed, sender remote.Sender, queue *outbound.Queue,
	rec *reconcile.Reconciler, b *bus.Bus, logger *zap.Logger, opts Options) *Engine {
	if opts.FetchPageSize <= 0 {
		opts.FetchPageSize = 100
	}
	if opts.ReadDebounce <= 0 {
		opts.ReadDebounce = 400 * time.Millisecond
	}
	return &Engine{
		db:         db,
		feed:       feed,
		sender:     sender,
		queue:      queue,
		reconciler: rec,
		bus:        b,
		logger:     logger,
		opts:       opts,
		subs:       make(map[string]*remote.Subscription),
		readTimers: make(map[string]*time.Timer),
	}
}

// Start makes the engine operational. Conversations are synced lazily
// on OpenConversation; nothing is subscribed up front.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
}

// Stop tears down every subscription and pending read timer.
func (e *Engine) Stop() {
	e.mu.Lock()
	for id, sub := range e.subs {
		sub.Unsubscribe()
		delete(e.subs, id)
	}
	for id, timer := range e.readTimers {
		timer.Stop()
		delete(e.readTimers, id)
	}
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// OpenConversation brings the local cache up to date and switches to
// live updates. Opening an already open conversation is a no-op.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	if _, open := e.subs[conversationID]; open {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	// Catch-up first so the live stream only has to carry the delta.
	// Being offline here is tolerated: the subscription below keeps
	// redialing and the cache serves what it has.
	if err := e.catchUp(ctx, conversationID); err != nil {
		e.logger.Warn("catch-up incomplete, continuing with live feed",
			zap.Error(err), zap.String("conversation_id", conversationID))
	}

	sub, err := e.feed.Subscribe(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", conversationID, err)
	}

	e.mu.Lock()
	if _, open := e.subs[conversationID]; open {
		// Lost the race with a concurrent open.
		e.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	e.subs[conversationID] = sub
	e.mu.Unlock()

	e.wg.Add(1)
	go e.consume(conversationID, sub)
	return nil
}

// CloseConversation stops live updates for a conversation. Closing a
// conversation that is not open is a no-op.
func (e *Engine) CloseConversation(conversationID string) {
	e.mu.Lock()
	sub := e.subs[conversationID]
	delete(e.subs, conversationID)
	e.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// SendMessage queues a message authored by this profile's user and
// returns its provisional id immediately.
func (e *Engine) SendMessage(conversationID, text string) (string, error) {
	return e.queue.Enqueue(conversationID, text, e.opts.UserID, e.opts.DisplayName)
}

// RetrySend re-arms a terminally failed message.
func (e *Engine) RetrySend(conversationID, messageID string) error {
	return e.queue.Retry(conversationID, messageID)
}

// MarkRead schedules a read receipt pass for the conversation. Calls
// arriving within the debounce window collapse into one pass, so a
// scrolling viewer does not spray receipts.
func (e *Engine) MarkRead(conversationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if timer, ok := e.readTimers[conversationID]; ok {
		timer.Reset(e.opts.ReadDebounce)
		return
	}
	e.readTimers[conversationID] = time.AfterFunc(e.opts.ReadDebounce, func() {
		e.mu.Lock()
		delete(e.readTimers, conversationID)
		e.mu.Unlock()
		e.markReadNow(conversationID)
	})
}

// catchUp pulls pages from the watermark until the feed has nothing
// newer, reconciling each page as it lands.
func (e *Engine) catchUp(ctx context.Context, conversationID string) error {
	cursor, err := e.db.GetWatermark(conversationID)
	if err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}
	for {
		recs, next, err := e.feed.FetchSince(ctx, conversationID, cursor, e.opts.FetchPageSize)
		if err != nil {
			return fmt.Errorf("fetch since %q: %w", cursor, err)
		}
		if len(recs) == 0 {
			return nil
		}
		e.reconciler.ApplyBatch(ctx, recs)
		if next == "" || next == cursor {
			return nil
		}
		cursor = next
	}
}

// consume feeds live records into the reconciler until the
// subscription or the engine stops.
func (e *Engine) consume(conversationID string, sub *remote.Subscription) {
	defer e.wg.Done()
	for {
		select {
		case rec := <-sub.Events():
			if err := e.reconciler.Apply(e.ctx, rec); err != nil {
				e.logger.Error("failed to apply live record",
					zap.Error(err),
					zap.String("conversation_id", conversationID),
					zap.String("message_id", rec.MessageID))
			}
		case <-sub.Done():
			return
		case <-e.ctx.Done():
			sub.Unsubscribe()
			return
		}
	}
}

// markReadNow advances unread peer messages to read, clears the unread
// counter, and fans read receipts out to the remote store best-effort.
func (e *Engine) markReadNow(conversationID string) {
	msgs, err := e.db.ListUnreadPeerMessages(conversationID, e.opts.UserID)
	if err != nil {
		e.logger.Error("failed to list unread messages",
			zap.Error(err), zap.String("conversation_id", conversationID))
		return
	}

	for i := range msgs {
		m := &msgs[i]
		m.DeliveryStatus = delivery.Merge(m.DeliveryStatus, delivery.Read)
		m.ReadBy = appendUnique(m.ReadBy, e.opts.UserID)
		if err := e.db.UpsertMessage(m); err != nil {
			e.logger.Error("failed to mark message read",
				zap.Error(err), zap.String("msg_id", m.MsgID))
			continue
		}
		if err := e.sender.MarkRead(e.ctx, conversationID, m.MsgID, e.opts.UserID); err != nil {
			e.logger.Warn("read receipt not delivered",
				zap.Error(err), zap.String("msg_id", m.MsgID))
		}
	}

	if err := e.db.ClearUnread(conversationID); err != nil {
		e.logger.Error("failed to clear unread count",
			zap.Error(err), zap.String("conversation_id", conversationID))
	}
	e.bus.Publish(bus.KindConversationUpdated, map[string]string{
		"conversation_id": conversationID,
	})
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
