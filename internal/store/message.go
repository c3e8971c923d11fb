package store

import "time"

// UpsertMessage inserts or updates a message row. Delivery status only moves
// forward: sending -> {sent, failed}, sent -> read. A conflicting write with
// a non-advancing status keeps the stored one.
func (db *DB) UpsertMessage(m *Message) error {
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, body, status, sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			body = excluded.body,
			status = CASE
				WHEN messages.status = 'sending' AND excluded.status IN ('sent', 'failed') THEN excluded.status
				WHEN messages.status = 'sent' AND excluded.status = 'read' THEN excluded.status
				ELSE messages.status
			END`,
		m.ConversationID, m.MsgID, m.SenderID, m.Body, m.Status, m.SentAt, time.Now().UnixMilli())
	return err
}

// ListMessages returns messages for a conversation ordered by sent time
// ascending, paginated by limit/offset.
func (db *DB) ListMessages(conversationID string, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, sender_id, body, status, sent_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY sent_at ASC, id ASC
		LIMIT ? OFFSET ?`, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.Body, &m.Status, &m.SentAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
