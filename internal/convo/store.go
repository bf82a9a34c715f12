// Package convo is the authoritative in-memory view of conversations,
// backed by the SQLite store. All mutations for one peer are serialized
// so the duplicate check and the append cannot interleave across
// concurrent ingestions.
package convo

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gestorlite/zapbridge/internal/bus"
	"github.com/gestorlite/zapbridge/internal/store"
	"go.uber.org/zap"
)

// ErrDuplicateMessage is returned when a message id is already present
// in the conversation log. Callers treat it as a no-op.
var ErrDuplicateMessage = errors.New("convo: duplicate message id")

// ErrNotFound is returned when an operation targets a conversation that
// does not exist.
var ErrNotFound = store.ErrNotFound

// conversation is the cached aggregate for one peer.
type conversation struct {
	row      store.Conversation
	messages []store.Message
	seen     map[string]struct{}
}

// Store keeps the read-through conversation cache and writes every
// mutation through to the database before exposing it.
type Store struct {
	db     *store.DB
	broker *bus.Broker
	logger *zap.Logger

	mu     sync.RWMutex
	convos map[string]*conversation
	locks  map[string]*sync.Mutex
}

// New creates an empty conversation store. Call LoadAll to hydrate it.
func New(db *store.DB, b *bus.Broker, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:     db,
		broker: b,
		logger: logger,
		convos: make(map[string]*conversation),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Snapshot is a copy of a conversation safe to hand to readers.
type Snapshot struct {
	PeerID         string
	DisplayName    string
	AvatarURL      string
	UnreadCount    int
	LastActivityAt int64
	LastMessage    *store.Message
	Messages       []store.Message
}

// peerLock returns the mutex serializing mutations for one peer.
func (s *Store) peerLock(peerID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[peerID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[peerID] = l
	}
	return l
}

// OwnerPeer resolves which conversation a message belongs to: the side
// of the exchange that is not us.
func OwnerPeer(m *store.Message) string {
	if m.FromMe {
		return m.RecipientID
	}
	return m.SenderID
}

// Append adds a message to its owning conversation, creating the
// conversation if needed. displayName, when non-empty, refreshes the
// conversation's contact name. Duplicate message ids return
// ErrDuplicateMessage without mutating anything. The append is persisted
// before the cache is updated; a persistence failure propagates and
// leaves the cache untouched.
func (s *Store) Append(m *store.Message, displayName string) error {
	peerID := OwnerPeer(m)
	if peerID == "" {
		return fmt.Errorf("convo: message %q has no owning peer", m.MsgID)
	}
	m.PeerID = peerID

	lock := s.peerLock(peerID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	c := s.convos[peerID]
	s.mu.RUnlock()

	if c != nil {
		if _, dup := c.seen[m.MsgID]; dup {
			return ErrDuplicateMessage
		}
	}

	row := store.Conversation{PeerID: peerID, DisplayName: displayName}
	if c != nil {
		row = c.row
		if displayName != "" {
			row.DisplayName = displayName
		}
	}
	row.LastMsgID = m.MsgID
	row.LastActivityAt = m.Timestamp
	if !m.FromMe {
		row.UnreadCount++
	}

	if err := s.db.AppendMessage(&row, m); err != nil {
		return fmt.Errorf("persist append for %s: %w", peerID, err)
	}

	s.mu.Lock()
	if c == nil {
		c = &conversation{seen: make(map[string]struct{})}
		s.convos[peerID] = c
	}
	c.row = row
	c.messages = append(c.messages, *m)
	c.seen[m.MsgID] = struct{}{}
	s.mu.Unlock()

	s.broker.Emit(bus.KindChatMessage, *m)
	s.broker.Emit(bus.KindChatUpdated, s.summaryOf(row))
	return nil
}

// Get returns a snapshot of the cached conversation. It never reloads
// from storage.
func (s *Store) Get(peerID string) (*Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convos[peerID]
	if !ok {
		return nil, false
	}
	return c.snapshot(), true
}

// List returns snapshots of all conversations, most recent first.
func (s *Store) List() []Snapshot {
	s.mu.RLock()
	out := make([]Snapshot, 0, len(s.convos))
	for _, c := range s.convos {
		out = append(out, *c.snapshot())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt > out[j].LastActivityAt
	})
	return out
}

// MarkUnreadCleared zeroes the fast-path unread counter and persists.
func (s *Store) MarkUnreadCleared(peerID string) error {
	return s.OverwriteUnread(peerID, 0)
}

// OverwriteUnread sets the fast-path unread counter to an authoritative
// value. Used by the read-status reconciler to bound drift.
func (s *Store) OverwriteUnread(peerID string, n int) error {
	lock := s.peerLock(peerID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.db.SetUnreadCount(peerID, n); err != nil {
		return err
	}

	s.mu.Lock()
	c, ok := s.convos[peerID]
	var row store.Conversation
	if ok {
		c.row.UnreadCount = n
		row = c.row
	}
	s.mu.Unlock()

	if ok {
		s.broker.Emit(bus.KindChatUpdated, s.summaryOf(row))
	}
	return nil
}

// Delete removes a conversation from the cache and the database. A
// delete that affects nothing reports ErrNotFound, never silent success.
func (s *Store) Delete(peerID string) error {
	lock := s.peerLock(peerID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.db.DeleteConversation(peerID); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.convos, peerID)
	delete(s.locks, peerID)
	s.mu.Unlock()

	s.broker.Emit(bus.KindChatDeleted, peerID)
	return nil
}

// SetAvatarURL writes a resolved avatar URL through to the conversation.
// The full cached row is persisted so the upsert cannot clobber the
// unread counter or activity fields.
func (s *Store) SetAvatarURL(peerID, url string) {
	lock := s.peerLock(peerID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	c, ok := s.convos[peerID]
	var row store.Conversation
	if ok {
		c.row.AvatarURL = url
		row = c.row
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if err := s.db.UpsertConversation(&row); err != nil {
		s.logger.Warn("failed to persist avatar url", zap.String("peer", peerID), zap.Error(err))
	}
}

// ApplyReceipt raises the ack level of the given messages in storage and
// in the cached log.
func (s *Store) ApplyReceipt(peerID string, msgIDs []string, level store.Ack) error {
	lock := s.peerLock(peerID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.db.RaiseAck(peerID, msgIDs, level); err != nil {
		return fmt.Errorf("raise ack for %s: %w", peerID, err)
	}

	wanted := make(map[string]struct{}, len(msgIDs))
	for _, id := range msgIDs {
		wanted[id] = struct{}{}
	}

	s.mu.Lock()
	if c, ok := s.convos[peerID]; ok {
		for i := range c.messages {
			if _, hit := wanted[c.messages[i].MsgID]; hit && c.messages[i].Ack < level {
				c.messages[i].Ack = level
			}
		}
	}
	s.mu.Unlock()
	return nil
}

// MessagesSince returns cached messages strictly after the timestamp.
func (s *Store) MessagesSince(peerID string, afterTS int64) []store.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convos[peerID]
	if !ok {
		return nil
	}
	var out []store.Message
	for _, m := range c.messages {
		if m.Timestamp > afterTS {
			out = append(out, m)
		}
	}
	return out
}

// LoadAll hydrates the cache from the database at process start. Rows
// with missing fields come back defaulted from the store layer, so one
// corrupt record does not abort the load.
func (s *Store) LoadAll() error {
	rows, err := s.db.ListConversations()
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}

	loaded := make(map[string]*conversation, len(rows))
	for _, row := range rows {
		msgs, err := s.db.MessagesForPeer(row.PeerID)
		if err != nil {
			return fmt.Errorf("load messages for %s: %w", row.PeerID, err)
		}
		c := &conversation{row: row, messages: msgs, seen: make(map[string]struct{}, len(msgs))}
		for _, m := range msgs {
			c.seen[m.MsgID] = struct{}{}
		}
		loaded[row.PeerID] = c
	}

	s.mu.Lock()
	s.convos = loaded
	s.mu.Unlock()

	s.logger.Info("conversation cache hydrated", zap.Int("conversations", len(loaded)))
	return nil
}

// Summary is the lightweight conversation projection published on
// chat.updated events and returned by list endpoints.
type Summary struct {
	PeerID         string `json:"peer_id"`
	DisplayName    string `json:"display_name"`
	AvatarURL      string `json:"avatar_url,omitempty"`
	UnreadCount    int    `json:"unread_count"`
	LastMsgID      string `json:"last_msg_id"`
	LastActivityAt int64  `json:"last_activity_at"`
}

func (s *Store) summaryOf(row store.Conversation) Summary {
	return Summary{
		PeerID:         row.PeerID,
		DisplayName:    row.DisplayName,
		AvatarURL:      row.AvatarURL,
		UnreadCount:    row.UnreadCount,
		LastMsgID:      row.LastMsgID,
		LastActivityAt: row.LastActivityAt,
	}
}

func (c *conversation) snapshot() *Snapshot {
	msgs := make([]store.Message, len(c.messages))
	copy(msgs, c.messages)
	snap := &Snapshot{
		PeerID:         c.row.PeerID,
		DisplayName:    c.row.DisplayName,
		AvatarURL:      c.row.AvatarURL,
		UnreadCount:    c.row.UnreadCount,
		LastActivityAt: c.row.LastActivityAt,
		Messages:       msgs,
	}
	if len(msgs) > 0 {
		snap.LastMessage = &msgs[len(msgs)-1]
	}
	return snap
}
