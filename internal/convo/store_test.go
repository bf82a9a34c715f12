package convo

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gestorlite/zapbridge/internal/bus"
	"github.com/gestorlite/zapbridge/internal/store"
)

func testStore(t *testing.T) (*Store, *store.DB, *bus.Broker) {
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
	b := bus.New()
	return New(db, b, nil), db, b
}

func incoming(id string, ts int64) *store.Message {
	return &store.Message{MsgID: id, SenderID: "peer@s", RecipientID: "me@s", Body: "msg " + id, Timestamp: ts}
}

func TestAppendCreatesConversation(t *testing.T) {
	s, _, b := testStore(t)
	ch, unsub := b.Subscribe("chat.", 10)
	defer unsub()

	if err := s.Append(incoming("m1", 1000), "Alice"); err != nil {
		t.Fatal(err)
	}

	snap, ok := s.Get("peer@s")
	if !ok {
		t.Fatal("conversation not created")
	}
	if snap.DisplayName != "Alice" {
		t.Errorf("display name = %q, want Alice", snap.DisplayName)
	}
	if snap.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1 (incoming message)", snap.UnreadCount)
	}
	if snap.LastMessage == nil || snap.LastMessage.MsgID != "m1" {
		t.Errorf("last message = %+v, want m1", snap.LastMessage)
	}

	// chat.message then chat.updated must both be published.
	kinds := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case evt := <-ch:
			kinds[evt.Kind] = true
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for chat events")
		}
	}
	if !kinds[bus.KindChatMessage] || !kinds[bus.KindChatUpdated] {
		t.Errorf("got kinds %v, want chat.message and chat.updated", kinds)
	}
}

func TestAppendDeduplicates(t *testing.T) {
	s, _, _ := testStore(t)

	if err := s.Append(incoming("m1", 1000), ""); err != nil {
		t.Fatal(err)
	}
	err := s.Append(incoming("m1", 1000), "")
	if !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("duplicate append error = %v, want ErrDuplicateMessage", err)
	}

	snap, _ := s.Get("peer@s")
	if len(snap.Messages) != 1 {
		t.Errorf("log has %d messages, want 1", len(snap.Messages))
	}
	if snap.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1 (duplicate must not double-count)", snap.UnreadCount)
	}
}

// Concurrent appends of the same id must produce exactly one copy: the
// check-then-append sequence is serialized per peer.
func TestAppendConcurrentSameID(t *testing.T) {
	s, _, _ := testStore(t)

	var wg sync.WaitGroup
	dups := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Append(incoming("race", 1000), ""); err != nil {
				dups <- err
			}
		}()
	}
	wg.Wait()
	close(dups)

	var dupCount int
	for err := range dups {
		if !errors.Is(err, ErrDuplicateMessage) {
			t.Errorf("unexpected error: %v", err)
		}
		dupCount++
	}
	if dupCount != 9 {
		t.Errorf("got %d duplicate rejections, want 9", dupCount)
	}

	snap, _ := s.Get("peer@s")
	if len(snap.Messages) != 1 {
		t.Errorf("log has %d messages, want exactly 1", len(snap.Messages))
	}
}

func TestAppendFromMeDoesNotIncrementUnread(t *testing.T) {
	s, _, _ := testStore(t)

	mine := &store.Message{MsgID: "m1", SenderID: "me@s", RecipientID: "peer@s", FromMe: true, Body: "oi", Timestamp: 1000}
	if err := s.Append(mine, ""); err != nil {
		t.Fatal(err)
	}

	snap, ok := s.Get("peer@s")
	if !ok {
		t.Fatal("conversation should be keyed by the remote peer")
	}
	if snap.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0 for own message", snap.UnreadCount)
	}
}

func TestLastMessageTracksTail(t *testing.T) {
	s, _, _ := testStore(t)

	for i := 1; i <= 3; i++ {
		if err := s.Append(incoming(fmt.Sprintf("m%d", i), int64(i*1000)), ""); err != nil {
			t.Fatal(err)
		}
	}

	snap, _ := s.Get("peer@s")
	if snap.LastMessage.MsgID != "m3" {
		t.Errorf("last message = %s, want m3", snap.LastMessage.MsgID)
	}
	if snap.LastActivityAt != 3000 {
		t.Errorf("last activity = %d, want 3000", snap.LastActivityAt)
	}
}

func TestMarkUnreadCleared(t *testing.T) {
	s, db, _ := testStore(t)

	_ = s.Append(incoming("m1", 1000), "")
	_ = s.Append(incoming("m2", 2000), "")

	if err := s.MarkUnreadCleared("peer@s"); err != nil {
		t.Fatal(err)
	}

	snap, _ := s.Get("peer@s")
	if snap.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", snap.UnreadCount)
	}

	// Persisted too.
	row, _ := db.GetConversation("peer@s")
	if row.UnreadCount != 0 {
		t.Errorf("persisted unread = %d, want 0", row.UnreadCount)
	}
}

func TestDeleteMissingReportsNotFound(t *testing.T) {
	s, _, _ := testStore(t)

	err := s.Delete("ghost@s")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete(missing) = %v, want ErrNotFound", err)
	}
}

func TestDeleteRemovesFromCacheAndStore(t *testing.T) {
	s, db, b := testStore(t)
	_ = s.Append(incoming("m1", 1000), "")

	ch, unsub := b.Subscribe(bus.KindChatDeleted, 1)
	defer unsub()

	if err := s.Delete("peer@s"); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Get("peer@s"); ok {
		t.Error("conversation still cached after delete")
	}
	row, _ := db.GetConversation("peer@s")
	if row != nil {
		t.Error("conversation still persisted after delete")
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no chat.deleted event")
	}
}

// The avatar write-through must not clobber the other persisted
// conversation fields; a restart hydrates from those rows.
func TestSetAvatarURLPreservesPersistedRow(t *testing.T) {
	s, db, _ := testStore(t)
	_ = s.Append(incoming("m1", 5000), "Alice")

	s.SetAvatarURL("peer@s", "https://cdn/a.jpg")

	row, err := db.GetConversation("peer@s")
	if err != nil {
		t.Fatal(err)
	}
	if row.AvatarURL != "https://cdn/a.jpg" {
		t.Errorf("avatar = %q, want persisted url", row.AvatarURL)
	}
	if row.UnreadCount != 1 || row.LastMsgID != "m1" || row.LastActivityAt != 5000 {
		t.Errorf("row after avatar write = %+v, want unread/last fields intact", row)
	}

	fresh := New(db, bus.New(), nil)
	if err := fresh.LoadAll(); err != nil {
		t.Fatal(err)
	}
	snap, _ := fresh.Get("peer@s")
	if snap.UnreadCount != 1 || snap.AvatarURL != "https://cdn/a.jpg" {
		t.Errorf("hydrated snapshot = %+v, want unread 1 with avatar", snap)
	}
}

func TestDeleteTrimsPeerLock(t *testing.T) {
	s, _, _ := testStore(t)
	_ = s.Append(incoming("m1", 1000), "")

	if err := s.Delete("peer@s"); err != nil {
		t.Fatal(err)
	}

	s.mu.RLock()
	_, held := s.locks["peer@s"]
	s.mu.RUnlock()
	if held {
		t.Error("peer mutex retained after delete")
	}
}

func TestLoadAllHydratesAndDefaults(t *testing.T) {
	s, db, _ := testStore(t)

	_ = s.Append(incoming("m1", 1000), "Alice")
	_ = s.Append(incoming("m2", 2000), "")

	// Simulate a record written by an older build with NULL fields.
	if _, err := db.Exec(`INSERT INTO conversations (peer_id) VALUES ('legacy@s')`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`UPDATE conversations SET unread_count = -3 WHERE peer_id = 'legacy@s'`); err != nil {
		t.Fatal(err)
	}

	fresh := New(db, bus.New(), nil)
	if err := fresh.LoadAll(); err != nil {
		t.Fatal(err)
	}

	snap, ok := fresh.Get("peer@s")
	if !ok || len(snap.Messages) != 2 || snap.DisplayName != "Alice" {
		t.Fatalf("hydrated conversation wrong: %+v", snap)
	}
	if snap.LastMessage == nil || snap.LastMessage.MsgID != "m2" {
		t.Errorf("hydrated last message = %+v, want m2", snap.LastMessage)
	}

	legacy, ok := fresh.Get("legacy@s")
	if !ok {
		t.Fatal("legacy record dropped instead of defaulted")
	}
	if legacy.UnreadCount != 0 {
		t.Errorf("legacy unread = %d, want defaulted 0", legacy.UnreadCount)
	}

	// Dedup state must survive hydration.
	if err := fresh.Append(incoming("m1", 1000), ""); !errors.Is(err, ErrDuplicateMessage) {
		t.Errorf("append of known id after hydration = %v, want ErrDuplicateMessage", err)
	}
}

func TestApplyReceiptRaisesAck(t *testing.T) {
	s, _, _ := testStore(t)

	mine := &store.Message{MsgID: "m1", SenderID: "me@s", RecipientID: "peer@s", FromMe: true, Timestamp: 1000}
	_ = s.Append(mine, "")

	if err := s.ApplyReceipt("peer@s", []string{"m1"}, store.AckRead); err != nil {
		t.Fatal(err)
	}
	snap, _ := s.Get("peer@s")
	if snap.Messages[0].Ack != store.AckRead {
		t.Errorf("ack = %d, want read", snap.Messages[0].Ack)
	}

	// Lower-level receipt afterwards must not regress it.
	if err := s.ApplyReceipt("peer@s", []string{"m1"}, store.AckDelivered); err != nil {
		t.Fatal(err)
	}
	snap, _ = s.Get("peer@s")
	if snap.Messages[0].Ack != store.AckRead {
		t.Errorf("ack regressed to %d", snap.Messages[0].Ack)
	}
}

func TestMessagesSinceStrict(t *testing.T) {
	s, _, _ := testStore(t)
	for i := 1; i <= 3; i++ {
		_ = s.Append(incoming(fmt.Sprintf("m%d", i), int64(i*1000)), "")
	}

	got := s.MessagesSince("peer@s", 2000)
	if len(got) != 1 || got[0].MsgID != "m3" {
		t.Errorf("MessagesSince(2000) = %v, want just m3", got)
	}
}

func TestListOrdersByActivity(t *testing.T) {
	s, _, _ := testStore(t)
	_ = s.Append(&store.Message{MsgID: "a", SenderID: "old@s", RecipientID: "me@s", Timestamp: 1000}, "")
	_ = s.Append(&store.Message{MsgID: "b", SenderID: "new@s", RecipientID: "me@s", Timestamp: 5000}, "")

	list := s.List()
	if len(list) != 2 || list[0].PeerID != "new@s" {
		t.Errorf("List() order wrong: %+v", list)
	}
}
