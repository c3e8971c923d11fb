// Package sync maintains the authoritative, consent-filtered list of
// conversation previews. It owns the preview set; other components read
// through queries and never mutate it directly.
package sync

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	gosync "sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dmsg-chat/dmsg/internal/bus"
	"github.com/dmsg-chat/dmsg/internal/consent"
	"github.com/dmsg-chat/dmsg/internal/metrics"
	"github.com/dmsg-chat/dmsg/internal/protocol"
	"github.com/dmsg-chat/dmsg/internal/store"
)

// Preview is a lightweight summary of one conversation for list display.
type Preview struct {
	ID          string
	Kind        protocol.ConversationKind
	PeerAddress string
	CreatedAt   time.Time
	LastMessage *protocol.Message
	Consent     protocol.ConsentState
	Unread      int
}

// Filter narrows a preview listing. A nil ConsentState matches every state.
type Filter struct {
	ConsentState *protocol.ConsentState
}

// SyncError is a partial-failure during a list fetch: the previews mapped
// before the failure are carried alongside the cause.
type SyncError struct {
	Partial []Preview
	Err     error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("conversation sync incomplete (%d previews): %v", len(e.Partial), e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// ClientSource yields the live protocol client.
type ClientSource interface {
	Client() (protocol.Client, error)
}

// ConsentSource classifies counterparties. Implemented by the consent store.
type ConsentSource interface {
	Get(subjectID string) protocol.ConsentState
	Set(subjectID string, state protocol.ConsentState, at time.Time)
}

// UnreadSource supplies unread counts for previews. Implemented by the
// unread tracker.
type UnreadSource interface {
	Count(conversationID string) int
}

// Engine synchronizes the conversation list. Concurrent refreshes coalesce:
// an in-flight fetch is shared rather than duplicated.
type Engine struct {
	source   ClientSource
	consents ConsentSource
	unread   UnreadSource
	db       *store.DB
	bus      *bus.Bus
	logger   *zap.Logger
	metrics  *metrics.Metrics

	sf singleflight.Group

	mu       gosync.RWMutex
	previews map[string]*Preview

	consentSub *bus.Subscription
	stop       chan struct{}
}

// PreviewsChanged is the payload of sync.previews_changed events, published
// only after a load has fully completed.
type PreviewsChanged struct {
	Count     int
	Addresses []string
}

// NewEngine creates an engine. unread may be nil (counts left at zero) and
// db may be nil (no persistence), both used by tests.
func NewEngine(source ClientSource, consents ConsentSource, unread UnreadSource, db *store.DB, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Engine {
	return &Engine{
		source:   source,
		consents: consents,
		unread:   unread,
		db:       db,
		bus:      b,
		logger:   logger,
		metrics:  m,
		previews: make(map[string]*Preview),
	}
}

// Start subscribes to consent changes so the in-memory set re-filters
// without a network refetch.
func (e *Engine) Start() {
	if e.bus == nil {
		return
	}
	e.consentSub = e.bus.Subscribe("consent.changed", 64)
	e.stop = make(chan struct{})
	sub, stop := e.consentSub, e.stop
	go func() {
		for {
			select {
			case evt := <-sub.C:
				e.applyConsentEvent(evt)
			case <-stop:
				return
			}
		}
	}()
}

// Stop ends the consent subscription.
func (e *Engine) Stop() {
	if e.consentSub != nil {
		e.consentSub.Cancel()
	}
	if e.stop != nil {
		close(e.stop)
		e.stop = nil
	}
}

func (e *Engine) applyConsentEvent(evt bus.Event) {
	change, ok := evt.Payload.(consent.Change)
	if !ok {
		return
	}
	e.ApplyConsentChange(change.SubjectID, change.State)
}

// ListPreviews performs a full fetch, maps conversations to previews,
// applies the consent filter, and returns results ordered by most recent
// activity descending (ties broken by creation time descending). Concurrent
// overlapping calls share one underlying fetch. On partial failure the
// returned error is a *SyncError carrying the previews obtained so far.
func (e *Engine) ListPreviews(ctx context.Context, f Filter) ([]Preview, error) {
	_, err, _ := e.sf.Do("refresh", func() (any, error) {
		return nil, e.refresh(ctx)
	})

	result := e.Snapshot(f)
	if err != nil {
		return nil, &SyncError{Partial: result, Err: err}
	}
	return result, nil
}

// Snapshot filters and orders the in-memory preview set without touching
// the network. Consent changes observed since the last fetch are already
// applied, so a conversation denied after a fetch disappears immediately.
func (e *Engine) Snapshot(f Filter) []Preview {
	e.mu.RLock()
	out := make([]Preview, 0, len(e.previews))
	for _, p := range e.previews {
		if f.ConsentState != nil && p.Consent != *f.ConsentState {
			continue
		}
		cp := *p
		out = append(out, cp)
	}
	e.mu.RUnlock()

	for i := range out {
		if e.unread != nil {
			out[i].Unread = e.unread.Count(out[i].ID)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		ai, aj := activity(&out[i]), activity(&out[j])
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func activity(p *Preview) time.Time {
	if p.LastMessage != nil {
		return p.LastMessage.SentAt
	}
	return p.CreatedAt
}

// refresh fetches all conversations and rebuilds the preview set. Failures
// mapping individual conversations leave the rest of the list intact.
func (e *Engine) refresh(ctx context.Context) error {
	client, err := e.source.Client()
	if err != nil {
		return err
	}

	convs, err := client.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}

	fresh := make(map[string]*Preview, len(convs))
	var firstErr error
	for _, conv := range convs {
		p, err := e.buildPreview(ctx, client, conv)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		fresh[p.ID] = p
	}

	e.mu.Lock()
	e.previews = fresh
	e.mu.Unlock()

	e.metrics.SyncRefreshes.Inc()
	e.publishChanged()

	if firstErr != nil {
		return firstErr
	}
	if e.db != nil {
		// Only a complete refresh moves the checkpoint.
		if err := e.db.SetCheckpoint("last_full_refresh", strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
			e.logger.Warn("failed to record sync checkpoint", zap.Error(err))
		}
	}
	return nil
}

// buildPreview maps one conversation handle to a preview, deriving the last
// message with an independent fetch and seeding local consent from the
// network when the subject is locally unknown.
func (e *Engine) buildPreview(ctx context.Context, client protocol.Client, conv protocol.Conversation) (*Preview, error) {
	last, err := conv.LastMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("last message for %s: %w", conv.ID(), err)
	}

	state := e.consents.Get(conv.PeerAddress())
	if state == protocol.ConsentUnknown {
		if netState, err := client.ConsentState(ctx, conv.PeerAddress()); err == nil && netState != protocol.ConsentUnknown {
			e.consents.Set(conv.PeerAddress(), netState, time.Now())
			state = netState
		}
	}

	p := &Preview{
		ID:          conv.ID(),
		Kind:        conv.Kind(),
		PeerAddress: conv.PeerAddress(),
		CreatedAt:   conv.CreatedAt(),
		LastMessage: last,
		Consent:     state,
	}
	e.persist(p)
	return p, nil
}

// ApplyIncomingMessage folds a message observed on the global stream into
// the preview set. A message for a conversation not yet known triggers a
// single targeted fetch to materialize its preview. Returns nil when the
// conversation's counterparty is denied.
func (e *Engine) ApplyIncomingMessage(ctx context.Context, msg *protocol.Message) (*Preview, error) {
	e.mu.Lock()
	p, known := e.previews[msg.ConversationID]
	if known {
		if p.Consent == protocol.ConsentDenied {
			e.mu.Unlock()
			return nil, nil
		}
		if p.LastMessage == nil || !msg.SentAt.Before(p.LastMessage.SentAt) {
			p.LastMessage = msg
		}
		cp := *p
		e.mu.Unlock()

		e.persist(&cp)
		e.persistMessage(msg)
		e.publishChanged()
		return &cp, nil
	}
	e.mu.Unlock()

	return e.materialize(ctx, msg)
}

// materialize fetches a conversation seen for the first time via the
// stream. Sync on a newly imported conversation may report inactive; that
// is treated as success because such conversations activate shortly after.
func (e *Engine) materialize(ctx context.Context, msg *protocol.Message) (*Preview, error) {
	client, err := e.source.Client()
	if err != nil {
		return nil, err
	}
	conv, err := client.ConversationByID(ctx, msg.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("materialize %s: %w", msg.ConversationID, err)
	}
	if err := conv.Sync(ctx); err != nil && err != protocol.ErrConversationInactive {
		return nil, fmt.Errorf("sync %s: %w", msg.ConversationID, err)
	}

	p, err := e.buildPreview(ctx, client, conv)
	if err != nil {
		return nil, err
	}
	if p.LastMessage == nil || !msg.SentAt.Before(p.LastMessage.SentAt) {
		p.LastMessage = msg
	}

	e.mu.Lock()
	e.previews[p.ID] = p
	cp := *p
	e.mu.Unlock()

	// A denied counterparty's conversation stays in the set (its row is
	// mirrored with the denied state, and an allow later re-surfaces it
	// without a refetch) but the message is dropped and the caller sees nil.
	if cp.Consent == protocol.ConsentDenied {
		return nil, nil
	}

	e.persist(&cp)
	e.persistMessage(msg)
	e.publishChanged()
	return &cp, nil
}

// ApplyConsentChange re-filters the in-memory set for a subject without a
// network refetch. Wired to consent.changed bus events by the daemon.
func (e *Engine) ApplyConsentChange(subjectID string, state protocol.ConsentState) {
	var touched bool
	e.mu.Lock()
	for _, p := range e.previews {
		if p.PeerAddress == subjectID && p.Consent != state {
			p.Consent = state
			touched = true
			if e.db != nil {
				if err := e.db.SetConversationConsent(p.ID, string(state)); err != nil {
					e.logger.Warn("failed to persist consent on conversation", zap.String("conversation", p.ID), zap.Error(err))
				}
			}
		}
	}
	e.mu.Unlock()

	if touched {
		e.publishChanged()
	}
}

// persist mirrors a preview into the app database.
func (e *Engine) persist(p *Preview) {
	if e.db == nil {
		return
	}
	row := &store.Conversation{
		ID:           p.ID,
		Kind:         string(p.Kind),
		PeerAddress:  p.PeerAddress,
		ConsentState: string(p.Consent),
		CreatedAt:    p.CreatedAt.UnixMilli(),
	}
	if p.LastMessage != nil {
		row.LastMessageAt = p.LastMessage.SentAt.UnixMilli()
		row.LastMessagePreview = truncate(p.LastMessage.Body, 100)
		row.LastMessageSender = p.LastMessage.SenderID
	}
	if err := e.db.UpsertConversation(row); err != nil {
		e.logger.Warn("failed to persist conversation", zap.String("conversation", p.ID), zap.Error(err))
	}
}

func (e *Engine) persistMessage(msg *protocol.Message) {
	if e.db == nil {
		return
	}
	status := msg.Status
	if status == "" {
		status = protocol.StatusSent
	}
	if err := e.db.UpsertMessage(&store.Message{
		ConversationID: msg.ConversationID,
		MsgID:          msg.ID,
		SenderID:       msg.SenderID,
		Body:           msg.Body,
		Status:         string(status),
		SentAt:         msg.SentAt.UnixMilli(),
	}); err != nil {
		e.logger.Warn("failed to persist message", zap.String("msg_id", msg.ID), zap.Error(err))
	}
}

func (e *Engine) publishChanged() {
	if e.bus == nil {
		return
	}
	e.mu.RLock()
	addrs := make([]string, 0, len(e.previews))
	for _, p := range e.previews {
		addrs = append(addrs, p.PeerAddress)
	}
	count := len(e.previews)
	e.mu.RUnlock()

	sort.Strings(addrs)
	e.bus.Publish("sync.previews_changed", PreviewsChanged{Count: count, Addresses: addrs})
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
