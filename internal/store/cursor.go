package store

import (
	"database/sql"
	"time"
)

// UpsertCursor stores a read cursor keyed by (peer, user). The cursor
// always reflects the latest call; callers own the monotonicity of the
// timestamps they pass in.
func (db *DB) UpsertCursor(c *ReadCursor) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO read_cursors (peer_id, user_id, last_read_msg_id, last_read_ts, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(peer_id, user_id) DO UPDATE SET
			last_read_msg_id = excluded.last_read_msg_id,
			last_read_ts = excluded.last_read_ts,
			updated_at = excluded.updated_at`,
		c.PeerID, c.UserID, c.LastReadMsgID, c.LastReadTS, now)
	return err
}

// GetCursor returns the read cursor for (peer, user), or nil when none
// has ever been created.
func (db *DB) GetCursor(peerID, userID string) (*ReadCursor, error) {
	var c ReadCursor
	err := db.QueryRow(`
		SELECT peer_id, user_id, last_read_msg_id, last_read_ts, updated_at
		FROM read_cursors WHERE peer_id = ? AND user_id = ?`, peerID, userID).
		Scan(&c.PeerID, &c.UserID, &c.LastReadMsgID, &c.LastReadTS, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CursorsForUser returns all cursors belonging to a user, keyed by peer.
func (db *DB) CursorsForUser(userID string) (map[string]ReadCursor, error) {
	rows, err := db.Query(`
		SELECT peer_id, user_id, last_read_msg_id, last_read_ts, updated_at
		FROM read_cursors WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	cursors := make(map[string]ReadCursor)
	for rows.Next() {
		var c ReadCursor
		if err := rows.Scan(&c.PeerID, &c.UserID, &c.LastReadMsgID, &c.LastReadTS, &c.UpdatedAt); err != nil {
			return nil, err
		}
		cursors[c.PeerID] = c
	}
	return cursors, rows.Err()
}
