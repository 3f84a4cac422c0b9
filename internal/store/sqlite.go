package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/caredesk/intakeflow/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateContact(c models.Contact) error {
	_, err := s.db.Exec(
		`INSERT INTO contacts (id, phone, national_id, flow_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Phone, nilIfEmpty(c.NationalID), c.FlowID, c.CreatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateContact failed", "error", err, "phone", c.Phone)
		return fmt.Errorf("failed to insert contact %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetContactByPhone(phone string) (*models.Contact, error) {
	row := s.db.QueryRow(
		`SELECT id, phone, national_id, flow_id, created_at FROM contacts WHERE phone = ?`, phone,
	)
	var c models.Contact
	var nationalID sql.NullString
	err := row.Scan(&c.ID, &c.Phone, &nationalID, &c.FlowID, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetContactByPhone failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to query contact by phone: %w", err)
	}
	c.NationalID = nationalID.String
	return &c, nil
}

func (s *SQLiteStore) SaveContact(c models.Contact) error {
	_, err := s.db.Exec(
		`UPDATE contacts SET national_id = ?, flow_id = ? WHERE id = ?`,
		nilIfEmpty(c.NationalID), c.FlowID, c.ID,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveContact failed", "error", err, "id", c.ID)
		return fmt.Errorf("failed to update contact %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLiteStore) CreateSession(sess models.ConversationSession) error {
	conversation, err := json.Marshal(sess.Conversation)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (id, contact_id, flow_id, status, conversation, last_activity,
		 question_cursor, last_question_fingerprint, last_question_sent_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ContactID, sess.FlowID, sess.Status, string(conversation), sess.LastActivity,
		sess.QuestionCursor, nilIfEmpty(sess.LastQuestionFingerprint), nullableTime(sess.LastQuestionSentAt), sess.CreatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateSession failed", "error", err, "session", sess.ID)
		return fmt.Errorf("failed to insert session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(id string) (*models.ConversationSession, error) {
	row := s.db.QueryRow(sessionSelect+` WHERE id = ?`, id)
	return scanSessionRow(row)
}

func (s *SQLiteStore) GetLatestSession(contactID string) (*models.ConversationSession, error) {
	row := s.db.QueryRow(
		sessionSelect+` WHERE contact_id = ? ORDER BY created_at DESC LIMIT 1`, contactID,
	)
	return scanSessionRow(row)
}

func (s *SQLiteStore) GetOpenSession(contactID string) (*models.ConversationSession, error) {
	row := s.db.QueryRow(
		sessionSelect+` WHERE contact_id = ? AND status = 'open' ORDER BY created_at DESC LIMIT 1`, contactID,
	)
	return scanSessionRow(row)
}

func (s *SQLiteStore) UpdateSession(id string, patch models.SessionUpdate) error {
	set, args, err := buildSessionUpdate(patch, questionPlaceholder)
	if err != nil {
		return err
	}
	if len(set) == 0 {
		return nil
	}
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE sessions SET %s WHERE id = ?`, set)
	if _, err := s.db.Exec(query, args...); err != nil {
		slog.Error("SQLiteStore UpdateSession failed", "error", err, "session", id)
		return fmt.Errorf("failed to update session %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) CloseOpenSessions(contactID string) (int, error) {
	res, err := s.db.Exec(
		`UPDATE sessions SET status = 'closed' WHERE contact_id = ? AND status = 'open'`, contactID,
	)
	if err != nil {
		slog.Error("SQLiteStore CloseOpenSessions failed", "error", err, "contact", contactID)
		return 0, fmt.Errorf("failed to close open sessions for %s: %w", contactID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) AppendMessageLog(e models.MessageLogEntry) error {
	_, err := s.db.Exec(
		`INSERT INTO message_log (id, contact_id, session_id, role, text, node_id, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ContactID, e.SessionID, e.Role, e.Text, e.NodeID, e.Timestamp,
	)
	if err != nil {
		slog.Error("SQLiteStore AppendMessageLog failed", "error", err, "session", e.SessionID)
		return fmt.Errorf("failed to insert message log entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetLastNodeEntry(sessionID string) (*models.MessageLogEntry, error) {
	row := s.db.QueryRow(
		`SELECT id, contact_id, session_id, role, text, node_id, timestamp
		 FROM message_log WHERE session_id = ? AND role = 'assistant' AND node_id != 0
		 ORDER BY timestamp DESC, id DESC LIMIT 1`, sessionID,
	)
	var e models.MessageLogEntry
	err := row.Scan(&e.ID, &e.ContactID, &e.SessionID, &e.Role, &e.Text, &e.NodeID, &e.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last node entry: %w", err)
	}
	return &e, nil
}

func (s *SQLiteStore) ListMessageLog(sessionID string) ([]models.MessageLogEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, contact_id, session_id, role, text, node_id, timestamp
		 FROM message_log WHERE session_id = ? ORDER BY timestamp ASC, id ASC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query message log: %w", err)
	}
	defer rows.Close()

	var entries []models.MessageLogEntry
	for rows.Next() {
		var e models.MessageLogEntry
		if err := rows.Scan(&e.ID, &e.ContactID, &e.SessionID, &e.Role, &e.Text, &e.NodeID, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message log row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message log rows: %w", err)
	}
	return entries, nil
}
