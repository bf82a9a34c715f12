package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertConversation inserts or updates the canonical conversation row.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (peer_id, display_name, avatar_url, unread_count, last_msg_id, last_activity_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE conversations.display_name END,
			avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE conversations.avatar_url END,
			unread_count = excluded.unread_count,
			last_msg_id = excluded.last_msg_id,
			last_activity_at = excluded.last_activity_at,
			updated_at = excluded.updated_at`,
		c.PeerID, c.DisplayName, c.AvatarURL, c.UnreadCount, c.LastMsgID, c.LastActivityAt, now)
	return err
}

// AppendMessage persists a conversation update and its new message in a
// single transaction. Either both land or neither does; a failure here
// is surfaced to the caller because a non-durable append is data loss.
func (db *DB) AppendMessage(c *Conversation, m *Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		INSERT INTO conversations (peer_id, display_name, avatar_url, unread_count, last_msg_id, last_activity_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE conversations.display_name END,
			avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE conversations.avatar_url END,
			unread_count = excluded.unread_count,
			last_msg_id = excluded.last_msg_id,
			last_activity_at = excluded.last_activity_at,
			updated_at = excluded.updated_at`,
		c.PeerID, c.DisplayName, c.AvatarURL, c.UnreadCount, c.LastMsgID, c.LastActivityAt, now); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO messages (peer_id, msg_id, sender_id, recipient_id, body, from_me, ack, timestamp,
			media_url, media_mime, media_name, media_size, media_voice, media_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id, msg_id) DO NOTHING`,
		m.PeerID, m.MsgID, m.SenderID, m.RecipientID, m.Body, m.FromMe, m.Ack, m.Timestamp,
		m.MediaURL, m.MediaMIME, m.MediaName, m.MediaSize, m.MediaVoice, m.MediaSeconds, now); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// GetConversation returns a single conversation row, or nil when absent.
func (db *DB) GetConversation(peerID string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT peer_id, display_name, avatar_url, unread_count, last_msg_id, last_activity_at
		FROM conversations WHERE peer_id = ?`, peerID).
		Scan(&c.PeerID, &c.DisplayName, &c.AvatarURL, &c.UnreadCount, &c.LastMsgID, &c.LastActivityAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns all conversation rows sorted by most recent
// activity. NULLs from legacy rows are defaulted in the scan so a single
// corrupt record cannot abort a bulk load.
func (db *DB) ListConversations() ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT peer_id,
			COALESCE(display_name, ''),
			COALESCE(avatar_url, ''),
			COALESCE(unread_count, 0),
			COALESCE(last_msg_id, ''),
			COALESCE(last_activity_at, 0)
		FROM conversations
		ORDER BY last_activity_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convos []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.PeerID, &c.DisplayName, &c.AvatarURL, &c.UnreadCount, &c.LastMsgID, &c.LastActivityAt); err != nil {
			return nil, err
		}
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		convos = append(convos, c)
	}
	return convos, rows.Err()
}

// SetUnreadCount overwrites the fast-path unread counter.
func (db *DB) SetUnreadCount(peerID string, n int) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE conversations SET unread_count = ?, updated_at = ? WHERE peer_id = ?`, n, now, peerID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes a conversation, its messages and its read
// cursors. Zero affected conversation rows is reported as ErrNotFound.
func (db *DB) DeleteConversation(peerID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`DELETE FROM conversations WHERE peer_id = ?`, peerID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(`DELETE FROM messages WHERE peer_id = ?`, peerID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM read_cursors WHERE peer_id = ?`, peerID); err != nil {
		return fmt.Errorf("delete cursors: %w", err)
	}

	return tx.Commit()
}

// ConversationCount returns the total number of conversations.
func (db *DB) ConversationCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, err
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
