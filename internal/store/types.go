package store

// Conversation is a synced conversation row.
type Conversation struct {
	ID                 string
	Kind               string
	PeerAddress        string
	ConsentState       string
	CreatedAt          int64
	LastMessageAt      int64
	LastMessagePreview string
	LastMessageSender  string
}

// Message is a synced message row.
type Message struct {
	ID             int64
	ConversationID string
	MsgID          string
	SenderID       string
	Body           string
	Status         string
	SentAt         int64
}

// ConsentRecord mirrors a network consent record locally so a restarted
// daemon can filter conversations before the first network round-trip.
type ConsentRecord struct {
	SubjectID string
	State     string
	UpdatedAt int64
}

// OutboxEntry is a queued outgoing message.
type OutboxEntry struct {
	ID             int64
	ClientMsgID    string
	ConversationID string
	Body           string
	Status         string // queued, sending, sent, failed
	ErrorMessage   string
	ServerMsgID    string
}
