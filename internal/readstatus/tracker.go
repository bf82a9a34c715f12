// Package readstatus keeps the authoritative "have I seen this" cursor
// per conversation and user, independent of the conversation store's
// fast-path unread counter.
package readstatus

import (
	"fmt"
	"sync"

	"github.com/gestorlite/zapbridge/internal/convo"
	"github.com/gestorlite/zapbridge/internal/store"
)

// Tracker computes unread counts from read cursors. Cursor state lives
// in the database; scan results are memoized per (peer, user) so the
// batch computation does not rescan unchanged logs.
type Tracker struct {
	db     *store.DB
	convos *convo.Store

	mu   sync.Mutex
	memo map[string]unreadMemo
}

// unreadMemo caches one unread scan. It is valid while neither the
// cursor nor the log length has changed.
type unreadMemo struct {
	cursorStamp int64
	logLen      int
	count       int
}

// NewTracker creates a tracker over the given cursor storage and
// conversation cache.
func NewTracker(db *store.DB, convos *convo.Store) *Tracker {
	return &Tracker{
		db:     db,
		convos: convos,
		memo:   make(map[string]unreadMemo),
	}
}

func memoKey(peerID, userID string) string {
	return peerID + "\x00" + userID
}

// UpdateCursor upserts the read cursor for (peer, user). The stored
// cursor always reflects the latest call; callers are responsible for
// only moving it forward in normal flow.
func (t *Tracker) UpdateCursor(peerID, msgID string, ts int64, userID string) error {
	err := t.db.UpsertCursor(&store.ReadCursor{
		PeerID:        peerID,
		UserID:        userID,
		LastReadMsgID: msgID,
		LastReadTS:    ts,
	})
	if err != nil {
		return fmt.Errorf("update cursor for %s: %w", peerID, err)
	}

	t.mu.Lock()
	delete(t.memo, memoKey(peerID, userID))
	t.mu.Unlock()
	return nil
}

// ComputeUnreadCount returns the authoritative unread count: with no
// cursor, every incoming message is unread; with a cursor, incoming
// messages strictly newer than the cursor timestamp are unread.
func (t *Tracker) ComputeUnreadCount(peerID, userID string) (int, error) {
	cursor, err := t.db.GetCursor(peerID, userID)
	if err != nil {
		return 0, fmt.Errorf("get cursor for %s: %w", peerID, err)
	}
	return t.countUnread(peerID, userID, cursor), nil
}

// ComputeAll returns authoritative unread counts for every cached
// conversation, for dashboard badges. Cursors are fetched in one query
// and unchanged logs are served from the memo.
func (t *Tracker) ComputeAll(userID string) (map[string]int, error) {
	cursors, err := t.db.CursorsForUser(userID)
	if err != nil {
		return nil, fmt.Errorf("load cursors: %w", err)
	}

	out := make(map[string]int)
	for _, snap := range t.convos.List() {
		var cursor *store.ReadCursor
		if c, ok := cursors[snap.PeerID]; ok {
			cursor = &c
		}
		out[snap.PeerID] = t.countUnread(snap.PeerID, userID, cursor)
	}
	return out, nil
}

func (t *Tracker) countUnread(peerID, userID string, cursor *store.ReadCursor) int {
	snap, ok := t.convos.Get(peerID)
	if !ok {
		return 0
	}

	var stamp int64 = -1
	var after int64 = -1 // no cursor: count everything
	if cursor != nil {
		stamp = cursor.UpdatedAt
		after = cursor.LastReadTS
	}

	key := memoKey(peerID, userID)
	t.mu.Lock()
	if m, ok := t.memo[key]; ok && m.cursorStamp == stamp && m.logLen == len(snap.Messages) {
		t.mu.Unlock()
		return m.count
	}
	t.mu.Unlock()

	count := 0
	for _, m := range snap.Messages {
		if !m.FromMe && m.Timestamp > after {
			count++
		}
	}

	t.mu.Lock()
	t.memo[key] = unreadMemo{cursorStamp: stamp, logLen: len(snap.Messages), count: count}
	t.mu.Unlock()
	return count
}

// MarkFullyRead moves the cursor to the conversation's last message.
// A conversation with no messages is a no-op, not an error.
func (t *Tracker) MarkFullyRead(peerID, userID string) error {
	snap, ok := t.convos.Get(peerID)
	if !ok || snap.LastMessage == nil {
		return nil
	}
	return t.UpdateCursor(peerID, snap.LastMessage.MsgID, snap.LastMessage.Timestamp, userID)
}

// GetMessagesSince returns messages strictly after the timestamp, for
// incremental sync.
func (t *Tracker) GetMessagesSince(peerID string, afterTS int64) []store.Message {
	return t.convos.MessagesSince(peerID, afterTS)
}
