package protocol

import (
	"context"
	"time"
)

// ConsentState classifies a counterparty. Conversations with denied
// counterparties are hidden from the default list view.
type ConsentState string

const (
	ConsentUnknown ConsentState = "unknown"
	ConsentAllowed ConsentState = "allowed"
	ConsentDenied  ConsentState = "denied"
)

// ParseConsentState maps a string to a ConsentState, defaulting to unknown.
func ParseConsentState(s string) ConsentState {
	switch s {
	case string(ConsentAllowed):
		return ConsentAllowed
	case string(ConsentDenied):
		return ConsentDenied
	default:
		return ConsentUnknown
	}
}

// ConversationKind distinguishes direct chats from groups.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// DeliveryStatus tracks a message through its lifecycle. Transitions are
// monotonic: sending -> {sent, failed}; sent -> read.
type DeliveryStatus string

const (
	StatusSending DeliveryStatus = "sending"
	StatusSent    DeliveryStatus = "sent"
	StatusRead    DeliveryStatus = "read"
	StatusFailed  DeliveryStatus = "failed"
)

// StatusRank orders delivery statuses for monotonic updates. A status may
// only be replaced by one with a strictly higher rank.
func StatusRank(s DeliveryStatus) int {
	switch s {
	case StatusSending:
		return 0
	case StatusSent, StatusFailed:
		return 1
	case StatusRead:
		return 2
	default:
		return 0
	}
}

// Message is a single decoded protocol message. Immutable once observed,
// except for DeliveryStatus.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Body           string
	SentAt         time.Time
	Status         DeliveryStatus
}

// Signer authenticates a session with the messaging network. The handshake
// itself is the network client's concern; this layer only forwards it.
type Signer interface {
	// Address returns the signer's account address.
	Address() string
	// Sign produces a signature over the handshake payload.
	Sign(ctx context.Context, payload []byte) ([]byte, error)
}

// Config selects the network environment a client connects to.
type Config struct {
	// Env is the network environment selector (production, dev, local).
	Env string
	// DBPath is where the client keeps its local protocol state.
	DBPath string
}

// Dialer creates an authenticated client for a signer. Implementations wrap
// the concrete network client library.
type Dialer func(ctx context.Context, signer Signer, cfg Config) (Client, error)

// Client is an authenticated session with the messaging network. Exactly one
// live client exists per signer session; Close releases it.
type Client interface {
	// InboxID returns the identity key of the local account.
	InboxID() string
	// ListConversations returns every conversation the account is a member of.
	ListConversations(ctx context.Context) ([]Conversation, error)
	// ConversationByID fetches a single conversation, used to materialize a
	// newly discovered inbound conversation without a full list fetch.
	ConversationByID(ctx context.Context, id string) (Conversation, error)
	// StreamAllMessages opens a subscription covering every conversation.
	StreamAllMessages(ctx context.Context) (MessageStream, error)
	// ConsentState reads the network-side consent record for a subject.
	ConsentState(ctx context.Context, subjectID string) (ConsentState, error)
	// SetConsentState writes the network-side consent record for a subject.
	SetConsentState(ctx context.Context, subjectID string, state ConsentState) error
	// Close releases the session. Idempotent.
	Close() error
}

// Conversation is a handle to one conversation on the network.
type Conversation interface {
	ID() string
	Kind() ConversationKind
	// PeerAddress returns the counterparty identifier: the peer account
	// address for direct conversations, the group id for groups.
	PeerAddress() string
	CreatedAt() time.Time
	// LastMessage returns the most recent message, or nil when the
	// conversation has none yet.
	LastMessage(ctx context.Context) (*Message, error)
	// SendText sends a text message and returns the network message id.
	SendText(ctx context.Context, content string) (string, error)
	// Stream opens a subscription scoped to this conversation.
	Stream(ctx context.Context) (MessageStream, error)
	// Sync pulls the conversation's latest state from the network.
	Sync(ctx context.Context) error
}

// MessageStream is an open live subscription. Next blocks until a message
// arrives, the stream fails, or the stream is closed.
type MessageStream interface {
	Next(ctx context.Context) (*Message, error)
	// Close cancels the subscription. Idempotent.
	Close() error
}
