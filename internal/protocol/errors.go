package protocol

import (
	"errors"
	"fmt"
)

// ErrStreamClosed is returned by MessageStream.Next after Close.
var ErrStreamClosed = errors.New("stream closed")

// ErrConversationInactive is returned by Conversation.Sync for conversations
// the network has not fully activated yet. Newly imported inbound
// conversations transiently report as inactive, so callers treat this as
// success rather than a failure.
var ErrConversationInactive = errors.New("conversation inactive")

// AuthenticationError means the signer was rejected during the handshake.
// Fatal to the session; the caller must re-initialize with a valid signer.
type AuthenticationError struct {
	Address string
	Reason  string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication rejected for %s: %s", e.Address, e.Reason)
}

// NetworkError wraps a transient transport failure. The same operation is
// safe to retry; retry policy belongs to the caller.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }
