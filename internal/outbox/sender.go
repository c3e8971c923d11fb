// Package outbox persists outgoing messages before delivery and drains them
// in the background, so a send request survives a daemon restart.
package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dmsg-chat/dmsg/internal/bus"
	"github.com/dmsg-chat/dmsg/internal/metrics"
	"github.com/dmsg-chat/dmsg/internal/protocol"
	"github.com/dmsg-chat/dmsg/internal/store"
)

// TextSender delivers a text message to a conversation on the network.
type TextSender interface {
	SendText(ctx context.Context, conversationID, text string) (serverMsgID string, err error)
}

// ClientSource yields the live protocol client.
type ClientSource interface {
	Client() (protocol.Client, error)
}

// NetworkSender resolves conversations through the protocol client.
type NetworkSender struct {
	Source ClientSource
}

func (n *NetworkSender) SendText(ctx context.Context, conversationID, text string) (string, error) {
	client, err := n.Source.Client()
	if err != nil {
		return "", err
	}
	conv, err := client.ConversationByID(ctx, conversationID)
	if err != nil {
		return "", err
	}
	return conv.SendText(ctx, text)
}

// Sender drains the outbox and delivers queued messages.
type Sender struct {
	db      *store.DB
	sender  TextSender
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	cancel  context.CancelFunc

	mu      sync.Mutex
	localID string
}

// NewSender creates an outbox sender.
func NewSender(db *store.DB, sender TextSender, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Sender {
	return &Sender{
		db:      db,
		sender:  sender,
		bus:     b,
		metrics: m,
		logger:  logger,
	}
}

// SetLocalID records the local account id stamped on optimistic messages.
// Safe to call while the sender loop is running.
func (s *Sender) SetLocalID(id string) {
	s.mu.Lock()
	s.localID = id
	s.mu.Unlock()
}

func (s *Sender) localSender() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localID
}

// Enqueue queues a text message for delivery and returns the client-side
// message id used to correlate acks.
func (s *Sender) Enqueue(conversationID, body string) (string, error) {
	clientMsgID := uuid.NewString()
	if err := s.db.EnqueueOutbox(&store.OutboxEntry{
		ClientMsgID:    clientMsgID,
		ConversationID: conversationID,
		Body:           body,
	}); err != nil {
		return "", err
	}
	return clientMsgID, nil
}

// Start begins polling the outbox for pending messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.ProcessPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ProcessPending drains every queued entry once. Exported so tests and the
// RPC send path can flush without waiting for the ticker.
func (s *Sender) ProcessPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}
	localID := s.localSender()

	for _, entry := range pending {
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}

		// Optimistic insert: the message shows up locally before the
		// network acknowledges it.
		now := time.Now().UnixMilli()
		_ = s.db.UpsertMessage(&store.Message{
			ConversationID: entry.ConversationID,
			MsgID:          entry.ClientMsgID,
			SenderID:       localID,
			Body:           entry.Body,
			Status:         string(protocol.StatusSending),
			SentAt:         now,
		})
		s.publish("message.upserted", map[string]string{
			"conversation_id": entry.ConversationID,
			"msg_id":          entry.ClientMsgID,
		})

		serverMsgID, err := s.sender.SendText(ctx, entry.ConversationID, entry.Body)
		if err != nil {
			s.logger.Error("failed to send message", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			_ = s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error())
			_ = s.db.UpsertMessage(&store.Message{
				ConversationID: entry.ConversationID,
				MsgID:          entry.ClientMsgID,
				SenderID:       localID,
				Body:           entry.Body,
				Status:         string(protocol.StatusFailed),
				SentAt:         now,
			})
			s.metrics.OutboxFailed.Inc()
			s.publish("message.send_failed", map[string]string{
				"client_msg_id": entry.ClientMsgID,
				"error":         err.Error(),
			})
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientMsgID, serverMsgID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}
		_ = s.db.UpsertMessage(&store.Message{
			ConversationID: entry.ConversationID,
			MsgID:          entry.ClientMsgID,
			SenderID:       localID,
			Body:           entry.Body,
			Status:         string(protocol.StatusSent),
			SentAt:         now,
		})

		s.metrics.OutboxSent.Inc()
		s.logger.Info("message sent", zap.String("client_msg_id", entry.ClientMsgID), zap.String("server_msg_id", serverMsgID))
		s.publish("message.send_ack", map[string]string{
			"client_msg_id": entry.ClientMsgID,
			"server_msg_id": serverMsgID,
		})
	}
}

func (s *Sender) publish(kind string, payload map[string]string) {
	if s.bus != nil {
		s.bus.Publish(kind, payload)
	}
}
