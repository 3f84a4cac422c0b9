package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caredesk/intakeflow/internal/models"
	"github.com/caredesk/intakeflow/internal/store"
)

// LifecycleManager owns session creation and closing and enforces the
// at-most-one-open-session-per-contact invariant. It is the only component
// allowed to change a session's status or replace its conversation
// wholesale; the question ledger touches only the question-tracking fields.
//
// Session-mutating operations are serialized per contact so two
// near-simultaneous inbound events (e.g. a duplicated webhook delivery)
// cannot both observe "no open session" and both open one. The store's
// conditional close-open-rows write is the second layer of the same
// invariant.
type LifecycleManager struct {
	store store.Store

	mu           sync.Mutex
	contactLocks map[string]*sync.Mutex
}

// NewLifecycleManager creates a lifecycle manager backed by the given store.
func NewLifecycleManager(st store.Store) *LifecycleManager {
	return &LifecycleManager{
		store:        st,
		contactLocks: make(map[string]*sync.Mutex),
	}
}

// contactLock returns the serialization mutex for a contact, creating it on
// first use. Locks are never removed; the contact population is bounded by
// the deployment.
func (m *LifecycleManager) contactLock(contactID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.contactLocks[contactID]
	if !ok {
		l = &sync.Mutex{}
		m.contactLocks[contactID] = l
	}
	return l
}

// Open closes any open session for the contact and creates a fresh one
// seeded with the given history, as one serialized unit. The old session is
// closed strictly before the new one is observably open.
func (m *LifecycleManager) Open(ctx context.Context, contact *models.Contact, flow models.FlowDefinition, initialHistory []models.Turn) (*models.ConversationSession, error) {
	lock := m.contactLock(contact.ID)
	lock.Lock()
	defer lock.Unlock()

	closed, err := m.store.CloseOpenSessions(contact.ID)
	if err != nil {
		slog.Error("LifecycleManager.Open: failed to close open sessions", "error", err, "contact", contact.ID)
		return nil, fmt.Errorf("close open sessions: %w: %v", models.ErrStoreUnavailable, err)
	}
	if closed > 0 {
		slog.Info("LifecycleManager.Open: superseded open session", "contact", contact.ID, "closed", closed)
	}

	now := time.Now()
	sess := models.ConversationSession{
		ID:           uuid.NewString(),
		ContactID:    contact.ID,
		FlowID:       flow.ID,
		Status:       models.SessionStatusOpen,
		Conversation: append([]models.Turn(nil), initialHistory...),
		LastActivity: now,
		CreatedAt:    now,
	}
	if err := m.store.CreateSession(sess); err != nil {
		slog.Error("LifecycleManager.Open: failed to create session", "error", err, "contact", contact.ID)
		return nil, fmt.Errorf("create session: %w: %v", models.ErrStoreUnavailable, err)
	}

	slog.Info("LifecycleManager.Open: session opened", "contact", contact.ID, "session", sess.ID)
	return &sess, nil
}

// Close flips a session's status to closed. Sessions are never physically
// deleted.
func (m *LifecycleManager) Close(ctx context.Context, sessionID string) error {
	status := models.SessionStatusClosed
	if err := m.store.UpdateSession(sessionID, models.SessionUpdate{Status: &status}); err != nil {
		slog.Error("LifecycleManager.Close: failed", "error", err, "session", sessionID)
		return fmt.Errorf("close session: %w: %v", models.ErrStoreUnavailable, err)
	}
	slog.Info("LifecycleManager.Close: session closed", "session", sessionID)
	return nil
}

// Update applies a partial update to a session.
func (m *LifecycleManager) Update(ctx context.Context, sessionID string, patch models.SessionUpdate) error {
	if err := m.store.UpdateSession(sessionID, patch); err != nil {
		slog.Error("LifecycleManager.Update: failed", "error", err, "session", sessionID)
		return fmt.Errorf("update session: %w: %v", models.ErrStoreUnavailable, err)
	}
	return nil
}

// GetOpen returns the contact's open session, or nil when there is none.
func (m *LifecycleManager) GetOpen(ctx context.Context, contactID string) (*models.ConversationSession, error) {
	sess, err := m.store.GetOpenSession(contactID)
	if err != nil {
		slog.Error("LifecycleManager.GetOpen: failed", "error", err, "contact", contactID)
		return nil, fmt.Errorf("get open session: %w: %v", models.ErrStoreUnavailable, err)
	}
	return sess, nil
}

// GetLatest returns the contact's most recent session regardless of status.
func (m *LifecycleManager) GetLatest(ctx context.Context, contactID string) (*models.ConversationSession, error) {
	sess, err := m.store.GetLatestSession(contactID)
	if err != nil {
		slog.Error("LifecycleManager.GetLatest: failed", "error", err, "contact", contactID)
		return nil, fmt.Errorf("get latest session: %w: %v", models.ErrStoreUnavailable, err)
	}
	return sess, nil
}
