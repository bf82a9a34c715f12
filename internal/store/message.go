package store

const messageColumns = `id, peer_id, msg_id, sender_id, recipient_id, body, from_me, ack, timestamp,
	media_url, media_mime, media_name, media_size, media_voice, media_seconds`

func scanMessage(scanner interface{ Scan(...any) error }) (Message, error) {
	var m Message
	err := scanner.Scan(&m.ID, &m.PeerID, &m.MsgID, &m.SenderID, &m.RecipientID, &m.Body, &m.FromMe,
		&m.Ack, &m.Timestamp, &m.MediaURL, &m.MediaMIME, &m.MediaName, &m.MediaSize, &m.MediaVoice, &m.MediaSeconds)
	return m, err
}

// MessagesForPeer returns the full message log for a conversation in
// ascending timestamp order. Used for cache hydration.
func (db *DB) MessagesForPeer(peerID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages WHERE peer_id = ?
		ORDER BY timestamp ASC, id ASC`, peerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessagesSince returns messages strictly after the given timestamp, for
// incremental sync.
func (db *DB) MessagesSince(peerID string, afterTS int64) ([]Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages WHERE peer_id = ? AND timestamp > ?
		ORDER BY timestamp ASC, id ASC`, peerID, afterTS)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// RaiseAck raises the ack level of the given messages. Ack levels are
// ordinal and never lowered.
func (db *DB) RaiseAck(peerID string, msgIDs []string, level Ack) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range msgIDs {
		if _, err := tx.Exec(`
			UPDATE messages SET ack = ? WHERE peer_id = ? AND msg_id = ? AND ack < ?`,
			level, peerID, id, level); err != nil {
			return err
		}
	}
	return tx.Commit()
}
