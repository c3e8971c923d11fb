// Package consent holds the allow/deny/unknown classification per
// counterparty. Allow and Deny write through to the network first; local
// state changes only after the network write succeeds, so local and network
// truth cannot diverge.
package consent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dmsg-chat/dmsg/internal/bus"
	"github.com/dmsg-chat/dmsg/internal/protocol"
	"github.com/dmsg-chat/dmsg/internal/store"
)

// UpdateError reports a failed network consent write. Local state is left
// unchanged when it occurs.
type UpdateError struct {
	SubjectID string
	Err       error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("consent update for %s failed: %v", e.SubjectID, e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }

// Change is the payload of consent.changed bus events.
type Change struct {
	SubjectID string
	State     protocol.ConsentState
}

// ClientSource yields the live protocol client for network writes.
type ClientSource interface {
	Client() (protocol.Client, error)
}

type record struct {
	state     protocol.ConsentState
	updatedAt time.Time
}

// Store is the consent classification store. Mutation is last-write-wins by
// timestamp; every accepted change is mirrored to SQLite and broadcast on
// the bus.
type Store struct {
	source ClientSource
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger

	mu      sync.RWMutex
	records map[string]record
}

// NewStore creates a store, loading the persisted mirror when db is non-nil.
func NewStore(source ClientSource, db *store.DB, b *bus.Bus, logger *zap.Logger) (*Store, error) {
	s := &Store{
		source:  source,
		db:      db,
		bus:     b,
		logger:  logger,
		records: make(map[string]record),
	}
	if db != nil {
		recs, err := db.ListConsent()
		if err != nil {
			return nil, fmt.Errorf("load consent mirror: %w", err)
		}
		for _, r := range recs {
			s.records[r.SubjectID] = record{
				state:     protocol.ParseConsentState(r.State),
				updatedAt: time.UnixMilli(r.UpdatedAt),
			}
		}
	}
	return s, nil
}

// Get returns the classification for a subject, unknown when never recorded.
func (s *Store) Get(subjectID string) protocol.ConsentState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.records[subjectID]; ok {
		return r.state
	}
	return protocol.ConsentUnknown
}

// Set records a classification. Last write wins: a change stamped earlier
// than the stored one is dropped. Accepted changes are broadcast as
// consent.changed.
func (s *Store) Set(subjectID string, state protocol.ConsentState, at time.Time) {
	s.mu.Lock()
	if r, ok := s.records[subjectID]; ok && at.Before(r.updatedAt) {
		s.mu.Unlock()
		return
	}
	s.records[subjectID] = record{state: state, updatedAt: at}
	s.mu.Unlock()

	if s.db != nil {
		if err := s.db.UpsertConsent(&store.ConsentRecord{
			SubjectID: subjectID,
			State:     string(state),
			UpdatedAt: at.UnixMilli(),
		}); err != nil {
			s.logger.Warn("failed to persist consent record", zap.String("subject", subjectID), zap.Error(err))
		}
	}

	if s.bus != nil {
		s.bus.Publish("consent.changed", Change{SubjectID: subjectID, State: state})
	}
}

// Allow classifies a subject as allowed, writing through to the network.
func (s *Store) Allow(ctx context.Context, subjectID string) error {
	return s.writeThrough(ctx, subjectID, protocol.ConsentAllowed)
}

// Deny classifies a subject as denied, writing through to the network.
func (s *Store) Deny(ctx context.Context, subjectID string) error {
	return s.writeThrough(ctx, subjectID, protocol.ConsentDenied)
}

func (s *Store) writeThrough(ctx context.Context, subjectID string, state protocol.ConsentState) error {
	client, err := s.source.Client()
	if err != nil {
		return &UpdateError{SubjectID: subjectID, Err: err}
	}
	if err := client.SetConsentState(ctx, subjectID, state); err != nil {
		return &UpdateError{SubjectID: subjectID, Err: err}
	}
	s.Set(subjectID, state, time.Now())
	return nil
}
