package store

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or updates a conversation row.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, kind, peer_address, consent_state, created_at, last_message_at, last_message_preview, last_message_sender, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			peer_address = excluded.peer_address,
			consent_state = excluded.consent_state,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			last_message_sender = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_sender ELSE conversations.last_message_sender END,
			updated_at = excluded.updated_at`,
		c.ID, c.Kind, c.PeerAddress, c.ConsentState, c.CreatedAt,
		c.LastMessageAt, c.LastMessagePreview, c.LastMessageSender, now)
	return err
}

// ListConversations returns conversations ordered by most-recent-activity
// descending, ties broken by creation time descending.
func (db *DB) ListConversations() ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT id, kind, peer_address, consent_state, created_at, last_message_at, last_message_preview, last_message_sender
		FROM conversations
		ORDER BY last_message_at DESC, created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Kind, &c.PeerAddress, &c.ConsentState, &c.CreatedAt,
			&c.LastMessageAt, &c.LastMessagePreview, &c.LastMessageSender); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetConversation returns a single conversation by id, or nil when absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, kind, peer_address, consent_state, created_at, last_message_at, last_message_preview, last_message_sender
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Kind, &c.PeerAddress, &c.ConsentState, &c.CreatedAt,
			&c.LastMessageAt, &c.LastMessagePreview, &c.LastMessageSender)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SetConversationConsent updates only the consent column of a conversation.
func (db *DB) SetConversationConsent(id, state string) error {
	_, err := db.Exec(`UPDATE conversations SET consent_state = ?, updated_at = ? WHERE id = ?`,
		state, time.Now().UnixMilli(), id)
	return err
}
