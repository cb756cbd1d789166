package store

import (
	"path/filepath"
	"testing"

	"github.com/offlinekit/msgsync/internal/delivery"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so run it again to check idempotency.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestConversationUpsertAndList(t *testing.T) {
	db := testDB(t)

	convo := &Conversation{ID: "c1", Kind: KindDirect, Name: "Alice", LastMessageAt: 1000, LastMessagePreview: "hello"}
	if err := db.UpsertConversation(convo); err != nil {
		t.Fatal(err)
	}

	// Update name.
	convo.Name = "Alice Updated"
	if err := db.UpsertConversation(convo); err != nil {
		t.Fatal(err)
	}

	convos, err := db.ListConversations(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convos) != 1 {
		t.Fatalf("got %d conversations, want 1", len(convos))
	}
	if convos[0].Name != "Alice Updated" {
		t.Errorf("name = %q, want Alice Updated", convos[0].Name)
	}
}

// TestConversationLastMessageAtMonotonic verifies that a stale upsert
// cannot move last_message_at (or its preview) backward.
func TestConversationLastMessageAtMonotonic(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(&Conversation{ID: "c1", LastMessageAt: 5000, LastMessagePreview: "newest"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertConversation(&Conversation{ID: "c1", LastMessageAt: 3000, LastMessagePreview: "older"}); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.LastMessageAt != 5000 {
		t.Errorf("last_message_at = %d, want 5000 (monotonic)", c.LastMessageAt)
	}
	if c.LastMessagePreview != "newest" {
		t.Errorf("preview = %q, want newest", c.LastMessagePreview)
	}
}

func TestConversationMembersPreserved(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(&Conversation{ID: "g1", Kind: KindGroup, MemberIDs: []string{"u1", "u2"}}); err != nil {
		t.Fatal(err)
	}
	// Message-derived upsert carries no members; they must survive.
	if err := db.UpsertConversation(&Conversation{ID: "g1", LastMessageAt: 100, LastMessagePreview: "hi"}); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetConversation("g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(c.MemberIDs) != 2 {
		t.Errorf("members = %v, want [u1 u2]", c.MemberIDs)
	}
	if c.Kind != KindGroup {
		t.Errorf("kind = %q, want group", c.Kind)
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)

	msg := &Message{
		ConversationID: "c1", MsgID: "m1", SenderID: "u1", Body: "hello",
		DeliveryStatus: delivery.Sent, SyncState: delivery.Synced, ConfirmedAt: 1000,
	}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	// Upsert again should not create a duplicate.
	msg.Body = "hello updated"
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
	if msgs[0].Body != "hello updated" {
		t.Errorf("body = %q, want hello updated", msgs[0].Body)
	}
}

func TestMessageReadByRoundTrip(t *testing.T) {
	db := testDB(t)

	msg := &Message{
		ConversationID: "c1", MsgID: "m1", Body: "hi",
		DeliveryStatus: delivery.Read, SyncState: delivery.Synced,
		ReadBy: []string{"u2", "u3"}, ConfirmedAt: 1000,
	}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage("c1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("message not found")
	}
	if len(got.ReadBy) != 2 || got.ReadBy[0] != "u2" {
		t.Errorf("read_by = %v, want [u2 u3]", got.ReadBy)
	}
	if got.DeliveryStatus != delivery.Read {
		t.Errorf("status = %s, want read", got.DeliveryStatus)
	}
}

func TestListMessagesOrdering(t *testing.T) {
	db := testDB(t)

	// A confirmed message and a pending one; the pending one is newer
	// by client time and must sort first.
	if err := db.UpsertMessage(&Message{ConversationID: "c1", MsgID: "m1", Body: "old", ConfirmedAt: 1000, DeliveryStatus: delivery.Sent, SyncState: delivery.Synced}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&Message{ConversationID: "c1", MsgID: "p1", Body: "new", CreatedAt: 2000, DeliveryStatus: delivery.Sending, SyncState: delivery.Pending}); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].MsgID != "p1" || msgs[1].MsgID != "m1" {
		t.Errorf("order = [%s %s], want [p1 m1]", msgs[0].MsgID, msgs[1].MsgID)
	}
}

func TestRekeyProvisional(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{ConversationID: "c1", MsgID: "prov-1", Body: "hi", CreatedAt: 1000, DeliveryStatus: delivery.Sending, SyncState: delivery.Pending}); err != nil {
		t.Fatal(err)
	}

	if err := db.RekeyProvisional("c1", "prov-1", "srv-1"); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].MsgID != "srv-1" {
		t.Errorf("msg_id = %q, want srv-1", msgs[0].MsgID)
	}
}

// TestRekeyProvisionalIdempotent: if the confirmed row already exists
// (the feed echo won the race), rekeying drops the provisional row and
// exactly one row survives.
func TestRekeyProvisionalIdempotent(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{ConversationID: "c1", MsgID: "prov-1", Body: "hi", CreatedAt: 1000, DeliveryStatus: delivery.Sending, SyncState: delivery.Pending}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&Message{ConversationID: "c1", MsgID: "srv-1", Body: "hi", ConfirmedAt: 1500, DeliveryStatus: delivery.Sent, SyncState: delivery.Synced}); err != nil {
		t.Fatal(err)
	}

	if err := db.RekeyProvisional("c1", "prov-1", "srv-1"); err != nil {
		t.Fatal(err)
	}
	// Running it again must be harmless.
	if err := db.RekeyProvisional("c1", "prov-1", "srv-1"); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (no duplicate after rekey)", len(msgs))
	}
	if msgs[0].MsgID != "srv-1" || msgs[0].DeliveryStatus != delivery.Sent {
		t.Errorf("got %s/%s, want srv-1/sent", msgs[0].MsgID, msgs[0].DeliveryStatus)
	}
}

func TestQueueLifecycle(t *testing.T) {
	db := testDB(t)

	e := &QueueEntry{ConversationID: "c1", MsgID: "prov-1", SenderID: "u1", Body: "hello", MaxAttempts: 5}
	if err := db.EnqueueOutbound(e); err != nil {
		t.Fatal(err)
	}

	head, err := db.QueueHead("c1")
	if err != nil {
		t.Fatal(err)
	}
	if head == nil || head.MsgID != "prov-1" {
		t.Fatalf("head = %+v, want prov-1", head)
	}
	if head.State != QueueStateQueued {
		t.Errorf("state = %q, want queued", head.State)
	}

	if err := db.UpdateQueueRetry("prov-1", 2, 9999, "network error"); err != nil {
		t.Fatal(err)
	}
	head, _ = db.QueueHead("c1")
	if head.RetryCount != 2 || head.NextAttemptAt != 9999 {
		t.Errorf("retry = %d/%d, want 2/9999", head.RetryCount, head.NextAttemptAt)
	}

	if err := db.MarkQueueFailed("prov-1", "gave up"); err != nil {
		t.Fatal(err)
	}
	head, _ = db.QueueHead("c1")
	if head.State != QueueStateFailed {
		t.Errorf("state = %q, want failed", head.State)
	}
	// Failed entries do not count as pending.
	ids, err := db.ConversationsWithPending()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("pending conversations = %v, want none", ids)
	}

	if err := db.ResetQueueEntry("prov-1"); err != nil {
		t.Fatal(err)
	}
	head, _ = db.QueueHead("c1")
	if head.State != QueueStateQueued || head.RetryCount != 0 || head.NextAttemptAt != 0 {
		t.Errorf("after reset: %+v", head)
	}

	if err := db.DeleteQueueEntry("prov-1"); err != nil {
		t.Fatal(err)
	}
	head, _ = db.QueueHead("c1")
	if head != nil {
		t.Errorf("head = %+v, want nil after delete", head)
	}
}

func TestQueueHeadIsFIFO(t *testing.T) {
	db := testDB(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := db.EnqueueOutbound(&QueueEntry{ConversationID: "c1", MsgID: id, Body: id, MaxAttempts: 5}); err != nil {
			t.Fatal(err)
		}
	}

	head, err := db.QueueHead("c1")
	if err != nil {
		t.Fatal(err)
	}
	if head.MsgID != "a" {
		t.Errorf("head = %q, want a (enqueue order)", head.MsgID)
	}

	if err := db.DeleteQueueEntry("a"); err != nil {
		t.Fatal(err)
	}
	head, _ = db.QueueHead("c1")
	if head.MsgID != "b" {
		t.Errorf("head = %q, want b", head.MsgID)
	}
}

func TestFindQueueEcho(t *testing.T) {
	db := testDB(t)

	e := &QueueEntry{ConversationID: "c1", MsgID: "prov-1", SenderID: "u1", Body: "hello", MaxAttempts: 5, CreatedAt: 1000}
	if err := db.EnqueueOutbound(e); err != nil {
		t.Fatal(err)
	}

	// Match via client ref.
	got, err := db.FindQueueEcho("c1", "prov-1", "", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.MsgID != "prov-1" {
		t.Errorf("got %+v, want prov-1", got)
	}

	// Client ref for a different conversation does not match.
	got, err = db.FindQueueEcho("c2", "prov-1", "", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}

	// Fallback match on sender+body within the window.
	got, err = db.FindQueueEcho("c1", "", "u1", "hello", 500)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.MsgID != "prov-1" {
		t.Errorf("fallback got %+v, want prov-1", got)
	}

	// Outside the window: no match.
	got, err = db.FindQueueEcho("c1", "", "u1", "hello", 2000)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil (outside window)", got)
	}
}

func TestWatermark(t *testing.T) {
	db := testDB(t)

	cursor, err := db.GetWatermark("c1")
	if err != nil {
		t.Fatal(err)
	}
	if cursor != "" {
		t.Errorf("cursor = %q, want empty for unseen conversation", cursor)
	}

	if err := db.SetWatermark("c1", "1000"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetWatermark("c1", "2000"); err != nil {
		t.Fatal(err)
	}

	cursor, err = db.GetWatermark("c1")
	if err != nil {
		t.Fatal(err)
	}
	if cursor != "2000" {
		t.Errorf("cursor = %q, want 2000", cursor)
	}
}

func TestUnreadCounter(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(&Conversation{ID: "c1"}); err != nil {
		t.Fatal(err)
	}
	if err := db.IncrementUnread("c1"); err != nil {
		t.Fatal(err)
	}
	if err := db.IncrementUnread("c1"); err != nil {
		t.Fatal(err)
	}

	c, _ := db.GetConversation("c1")
	if c.UnreadCount != 2 {
		t.Errorf("unread = %d, want 2", c.UnreadCount)
	}

	if err := db.ClearUnread("c1"); err != nil {
		t.Fatal(err)
	}
	c, _ = db.GetConversation("c1")
	if c.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", c.UnreadCount)
	}
}
