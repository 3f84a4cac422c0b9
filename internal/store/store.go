// Package store provides storage backends for intakeflow.
//
// It defines the Store interface consumed by the flow engine and ships
// SQLite, PostgreSQL and in-memory implementations. No cross-entity
// transactions are assumed; multi-step sequences are serialized above this
// layer by the session lifecycle manager.
package store

import (
	"strings"

	"github.com/caredesk/intakeflow/internal/models"
)

// Store is the persistence boundary of the intake engine.
type Store interface {
	// CreateContact inserts a new contact record.
	CreateContact(c models.Contact) error
	// GetContactByPhone returns the contact for a canonical phone number,
	// or nil if none exists.
	GetContactByPhone(phone string) (*models.Contact, error)
	// SaveContact updates supplementary contact fields (e.g. national id).
	SaveContact(c models.Contact) error

	// CreateSession inserts a new conversation session.
	CreateSession(s models.ConversationSession) error
	// GetSession returns a session by id, or nil if none exists.
	GetSession(id string) (*models.ConversationSession, error)
	// GetLatestSession returns the contact's most recent session regardless
	// of status, or nil if the contact has none.
	GetLatestSession(contactID string) (*models.ConversationSession, error)
	// GetOpenSession returns the contact's open session, or nil.
	GetOpenSession(contactID string) (*models.ConversationSession, error)
	// UpdateSession applies a partial update to a session. Implementations
	// must apply the update as a single write so the question-tracking
	// triple is never half-persisted.
	UpdateSession(id string, patch models.SessionUpdate) error
	// CloseOpenSessions flips every open session of the contact to closed
	// with one conditional write and reports how many rows changed.
	CloseOpenSessions(contactID string) (int, error)

	// AppendMessageLog inserts a write-once audit record.
	AppendMessageLog(e models.MessageLogEntry) error
	// GetLastNodeEntry returns the most recent assistant log entry that
	// carries a node id, or nil if the session has none. The engine resolves
	// where the node graph enters a turn from it.
	GetLastNodeEntry(sessionID string) (*models.MessageLogEntry, error)
	// ListMessageLog returns all log entries for a session in append order.
	ListMessageLog(sessionID string) ([]models.MessageLogEntry, error)
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType infers the database driver from a DSN. Connection strings
// with a postgres scheme or key=value form map to "postgres"; everything
// else is treated as an SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}
