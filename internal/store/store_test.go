package store

import (
	"errors"
	"path/filepath"
	"testing"
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

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; a second run must be a no-op.
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

func TestConversationUpsertAndGet(t *testing.T) {
	db := testDB(t)

	c := &Conversation{PeerID: "5511999@s.whatsapp.net", DisplayName: "Alice", LastActivityAt: 1000}
	if err := db.UpsertConversation(c); err != nil {
		t.Fatal(err)
	}

	// Second upsert with empty name must keep the existing one.
	if err := db.UpsertConversation(&Conversation{PeerID: c.PeerID, UnreadCount: 2, LastActivityAt: 2000}); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetConversation(c.PeerID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("conversation not found")
	}
	if got.DisplayName != "Alice" {
		t.Errorf("display name = %q, want Alice (empty upsert must not clobber)", got.DisplayName)
	}
	if got.UnreadCount != 2 || got.LastActivityAt != 2000 {
		t.Errorf("got %+v, want unread=2 activity=2000", got)
	}

	missing, err := db.GetConversation("nobody@s")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil for missing conversation")
	}
}

func TestAppendMessageTransactional(t *testing.T) {
	db := testDB(t)

	c := &Conversation{PeerID: "p@s", UnreadCount: 1, LastMsgID: "m1", LastActivityAt: 1000}
	m := &Message{PeerID: "p@s", MsgID: "m1", SenderID: "p@s", Body: "oi", Timestamp: 1000}
	if err := db.AppendMessage(c, m); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.MessagesForPeer("p@s")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Body != "oi" {
		t.Fatalf("got %d messages, want 1 with body=oi", len(msgs))
	}

	got, _ := db.GetConversation("p@s")
	if got == nil || got.LastMsgID != "m1" {
		t.Errorf("conversation row not written alongside message: %+v", got)
	}

	// Re-appending the same msg id must not duplicate the log.
	if err := db.AppendMessage(c, m); err != nil {
		t.Fatal(err)
	}
	msgs, _ = db.MessagesForPeer("p@s")
	if len(msgs) != 1 {
		t.Errorf("got %d messages after duplicate append, want 1", len(msgs))
	}
}

func TestMessagesSinceIsStrict(t *testing.T) {
	db := testDB(t)

	c := &Conversation{PeerID: "p@s"}
	for i, ts := range []int64{1000, 2000, 3000} {
		m := &Message{PeerID: "p@s", MsgID: string(rune('a' + i)), Body: "b", Timestamp: ts}
		if err := db.AppendMessage(c, m); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.MessagesSince("p@s", 2000)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Timestamp != 3000 {
		t.Errorf("MessagesSince(2000) = %d messages, want exactly the ts=3000 one", len(msgs))
	}
}

func TestRaiseAckNeverLowers(t *testing.T) {
	db := testDB(t)

	c := &Conversation{PeerID: "p@s"}
	m := &Message{PeerID: "p@s", MsgID: "m1", FromMe: true, Ack: AckSent, Timestamp: 1000}
	if err := db.AppendMessage(c, m); err != nil {
		t.Fatal(err)
	}

	if err := db.RaiseAck("p@s", []string{"m1"}, AckRead); err != nil {
		t.Fatal(err)
	}
	// A later delivered receipt must not lower the level.
	if err := db.RaiseAck("p@s", []string{"m1"}, AckDelivered); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.MessagesForPeer("p@s")
	if msgs[0].Ack != AckRead {
		t.Errorf("ack = %d, want %d (read)", msgs[0].Ack, AckRead)
	}
}

func TestDeleteConversationNotFound(t *testing.T) {
	db := testDB(t)

	err := db.DeleteConversation("ghost@s")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("delete of missing conversation = %v, want ErrNotFound", err)
	}
}

func TestDeleteConversationRemovesChildren(t *testing.T) {
	db := testDB(t)

	c := &Conversation{PeerID: "p@s"}
	if err := db.AppendMessage(c, &Message{PeerID: "p@s", MsgID: "m1", Timestamp: 1}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertCursor(&ReadCursor{PeerID: "p@s", LastReadMsgID: "m1", LastReadTS: 1}); err != nil {
		t.Fatal(err)
	}

	if err := db.DeleteConversation("p@s"); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.MessagesForPeer("p@s")
	if len(msgs) != 0 {
		t.Errorf("messages survived delete: %d", len(msgs))
	}
	cur, _ := db.GetCursor("p@s", "")
	if cur != nil {
		t.Error("cursor survived delete")
	}
}

func TestCursorUpsertLatestWins(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertCursor(&ReadCursor{PeerID: "p@s", UserID: "u1", LastReadMsgID: "m1", LastReadTS: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertCursor(&ReadCursor{PeerID: "p@s", UserID: "u1", LastReadMsgID: "m2", LastReadTS: 2000}); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetCursor("p@s", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.LastReadMsgID != "m2" || c.LastReadTS != 2000 {
		t.Errorf("cursor = %+v, want m2/2000", c)
	}

	// Cursors are scoped per user.
	other, _ := db.GetCursor("p@s", "u2")
	if other != nil {
		t.Error("cursor leaked across users")
	}
}

func TestSetUnreadCount(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(&Conversation{PeerID: "p@s", UnreadCount: 5}); err != nil {
		t.Fatal(err)
	}
	if err := db.SetUnreadCount("p@s", 0); err != nil {
		t.Fatal(err)
	}
	c, _ := db.GetConversation("p@s")
	if c.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", c.UnreadCount)
	}

	if err := db.SetUnreadCount("ghost@s", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetUnreadCount on missing row = %v, want ErrNotFound", err)
	}
}

func TestCountsTrackRows(t *testing.T) {
	db := testDB(t)

	for i, peer := range []string{"a@s", "b@s"} {
		c := &Conversation{PeerID: peer}
		if err := db.AppendMessage(c, &Message{PeerID: peer, MsgID: "m1", Timestamp: int64(i + 1)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.AppendMessage(&Conversation{PeerID: "a@s"}, &Message{PeerID: "a@s", MsgID: "m2", Timestamp: 3}); err != nil {
		t.Fatal(err)
	}

	convos, err := db.ConversationCount()
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := db.MessageCount()
	if err != nil {
		t.Fatal(err)
	}
	if convos != 2 || msgs != 3 {
		t.Errorf("counts = %d conversations / %d messages, want 2/3", convos, msgs)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox("c1", "p@s", "hello"); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ClientMsgID != "c1" {
		t.Fatalf("pending = %+v, want one entry c1", pending)
	}

	if err := db.MarkOutboxSending("c1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSent("c1", "srv1"); err != nil {
		t.Fatal(err)
	}

	pending, _ = db.PendingOutbox()
	if len(pending) != 0 {
		t.Errorf("got %d pending after sent, want 0", len(pending))
	}
}

func TestMediaDescriptorRoundTrip(t *testing.T) {
	db := testDB(t)

	m := &Message{
		PeerID: "p@s", MsgID: "m1", Timestamp: 1000,
		MediaURL: "https://cdn/x.ogg", MediaMIME: "audio/ogg",
		MediaName: "voice.ogg", MediaSize: 2048, MediaVoice: true, MediaSeconds: 12,
	}
	if err := db.AppendMessage(&Conversation{PeerID: "p@s"}, m); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.MessagesForPeer("p@s")
	got := msgs[0]
	if !got.HasMedia() || !got.MediaVoice || got.MediaSeconds != 12 || got.MediaSize != 2048 {
		t.Errorf("media descriptor lost: %+v", got)
	}
}
