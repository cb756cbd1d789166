package engine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/offlinekit/msgsync/internal/bus"
	"github.com/offlinekit/msgsync/internal/delivery"
	"github.com/offlinekit/msgsync/internal/outbound"
	"github.com/offlinekit/msgsync/internal/reconcile"
	"github.com/offlinekit/msgsync/internal/remote"
	"github.com/offlinekit/msgsync/internal/store"
	"go.uber.org/zap"
)

const testUserID = "me"

type fakeFeed struct {
	mu           sync.Mutex
	records      []remote.Record // returned by the first FetchSince call
	fetchErr     error
	fetchCursors []string
	subs         []*remote.Subscription
}

func (f *fakeFeed) Subscribe(_ context.Context, _ string) (*remote.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := remote.NewSubscription(16)
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeFeed) FetchSince(_ context.Context, _, cursor string, _ int) ([]remote.Record, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCursors = append(f.fetchCursors, cursor)
	if f.fetchErr != nil {
		return nil, "", f.fetchErr
	}
	recs := f.records
	f.records = nil
	return recs, "", nil
}

func (f *fakeFeed) cursors() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetchCursors...)
}

func (f *fakeFeed) subCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeFeed) sub(i int) *remote.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[i]
}

type fakeSender struct {
	mu    sync.Mutex
	reads []string
}

func (f *fakeSender) SendMessage(_ context.Context, _, clientRef, _, _, _ string) (remote.SendReceipt, error) {
	return remote.SendReceipt{MessageID: "srv-" + clientRef, ConfirmedAt: time.Now().UnixMilli()}, nil
}

func (f *fakeSender) AckDelivered(context.Context, string, string, string) error { return nil }

func (f *fakeSender) MarkRead(_ context.Context, _, messageID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, messageID)
	return nil
}

func (f *fakeSender) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reads)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testEngine(t *testing.T, db *store.DB, feed *fakeFeed, sender *fakeSender) *Engine {
	t.Helper()
	b := bus.New()
	rec := reconcile.New(db, sender, b, zap.NewNop(), testUserID, 10*time.Second)
	q := outbound.New(db, sender, b, zap.NewNop(), outbound.Options{BaseDelay: time.Millisecond})
	q.Start(context.Background())
	t.Cleanup(q.Stop)

	e := New(db, feed, sender, q, rec, b, zap.NewNop(), Options{
		UserID:       testUserID,
		DisplayName:  "Me",
		ReadDebounce: 30 * time.Millisecond,
	})
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func peerRecord(msgID, text string) remote.Record {
	return remote.Record{
		ConversationID: "c1",
		MessageID:      msgID,
		SenderID:       "peer",
		Text:           text,
		Status:         "sent",
		ConfirmedAt:    json.RawMessage(`2000`),
	}
}

func TestOpenConversationCatchesUpFromWatermark(t *testing.T) {
	db := testDB(t)
	if err := db.SetWatermark("c1", "1000"); err != nil {
		t.Fatal(err)
	}
	feed := &fakeFeed{records: []remote.Record{peerRecord("m1", "a"), peerRecord("m2", "b")}}
	e := testEngine(t, db, feed, &fakeSender{})

	if err := e.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	if cursors := feed.cursors(); len(cursors) == 0 || cursors[0] != "1000" {
		t.Errorf("fetch cursors = %v, want first fetch from 1000", cursors)
	}
	msgs, err := db.ListMessages("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Errorf("got %d messages after catch-up, want 2", len(msgs))
	}
	if feed.subCount() != 1 {
		t.Errorf("subscriptions = %d, want 1", feed.subCount())
	}
}

func TestOpenConversationIdempotent(t *testing.T) {
	db := testDB(t)
	feed := &fakeFeed{}
	e := testEngine(t, db, feed, &fakeSender{})

	if err := e.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if err := e.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if feed.subCount() != 1 {
		t.Errorf("subscriptions = %d, want 1 (second open is a no-op)", feed.subCount())
	}
}

func TestLiveRecordsReconciled(t *testing.T) {
	db := testDB(t)
	feed := &fakeFeed{}
	e := testEngine(t, db, feed, &fakeSender{})

	if err := e.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if !feed.sub(0).Deliver(context.Background(), peerRecord("m1", "live")) {
		t.Fatal("subscription rejected the record")
	}

	waitFor(t, "live record in store", func() bool {
		msg, _ := db.GetMessage("c1", "m1")
		return msg != nil
	})
}

func TestCloseConversationStopsFeed(t *testing.T) {
	db := testDB(t)
	feed := &fakeFeed{}
	e := testEngine(t, db, feed, &fakeSender{})

	if err := e.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	e.CloseConversation("c1")
	e.CloseConversation("c1") // second close is a no-op

	select {
	case <-feed.sub(0).Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not torn down on close")
	}

	// Reopening works and creates a fresh subscription.
	if err := e.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if feed.subCount() != 2 {
		t.Errorf("subscriptions = %d, want 2 after reopen", feed.subCount())
	}
}

// TestOpenConversationOfflineCatchUp: a failing catch-up fetch does not
// prevent the live subscription from being established.
func TestOpenConversationOfflineCatchUp(t *testing.T) {
	db := testDB(t)
	feed := &fakeFeed{fetchErr: errors.New("gateway unreachable")}
	e := testEngine(t, db, feed, &fakeSender{})

	if err := e.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if feed.subCount() != 1 {
		t.Errorf("subscriptions = %d, want 1 despite failed catch-up", feed.subCount())
	}
}

// TestMarkReadDebounced: rapid MarkRead calls collapse into one pass
// that advances statuses, sends one receipt per message, and clears the
// unread counter.
func TestMarkReadDebounced(t *testing.T) {
	db := testDB(t)
	sender := &fakeSender{}
	e := testEngine(t, db, &fakeFeed{}, sender)

	for _, id := range []string{"m1", "m2"} {
		if err := db.UpsertMessage(&store.Message{
			ConversationID: "c1", MsgID: id, SenderID: "peer", Body: "hi " + id,
			DeliveryStatus: delivery.Delivered, SyncState: delivery.Synced,
			CreatedAt: time.Now().UnixMilli(),
		}); err != nil {
			t.Fatal(err)
		}
		if err := db.IncrementUnread("c1"); err != nil {
			t.Fatal(err)
		}
	}

	e.MarkRead("c1")
	e.MarkRead("c1")
	e.MarkRead("c1")

	waitFor(t, "read pass", func() bool { return sender.readCount() >= 2 })
	// Let any spurious second pass land before asserting.
	time.Sleep(100 * time.Millisecond)
	if got := sender.readCount(); got != 2 {
		t.Errorf("read receipts = %d, want 2 (one per message, single pass)", got)
	}

	for _, id := range []string{"m1", "m2"} {
		msg, _ := db.GetMessage("c1", id)
		if msg.DeliveryStatus != delivery.Read {
			t.Errorf("msg %s status = %s, want read", id, msg.DeliveryStatus)
		}
		if len(msg.ReadBy) != 1 || msg.ReadBy[0] != testUserID {
			t.Errorf("msg %s read_by = %v, want [me]", id, msg.ReadBy)
		}
	}
	convo, _ := db.GetConversation("c1")
	if convo == nil || convo.UnreadCount != 0 {
		t.Errorf("conversation = %+v, want unread 0", convo)
	}
}

func TestSendMessageGetsConfirmed(t *testing.T) {
	db := testDB(t)
	e := testEngine(t, db, &fakeFeed{}, &fakeSender{})

	provID, err := e.SendMessage("c1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "confirmed send", func() bool {
		msg, _ := db.GetMessage("c1", "srv-"+provID)
		return msg != nil && msg.DeliveryStatus == delivery.Sent
	})
}
