package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "embed"

	"github.com/caredesk/intakeflow/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgreSQL migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateContact(c models.Contact) error {
	_, err := s.db.Exec(
		`INSERT INTO contacts (id, phone, national_id, flow_id, created_at) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.Phone, nilIfEmpty(c.NationalID), c.FlowID, c.CreatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore CreateContact failed", "error", err, "phone", c.Phone)
		return fmt.Errorf("failed to insert contact %s: %w", c.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetContactByPhone(phone string) (*models.Contact, error) {
	row := s.db.QueryRow(
		`SELECT id, phone, national_id, flow_id, created_at FROM contacts WHERE phone = $1`, phone,
	)
	var c models.Contact
	var nationalID sql.NullString
	err := row.Scan(&c.ID, &c.Phone, &nationalID, &c.FlowID, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetContactByPhone failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to query contact by phone: %w", err)
	}
	c.NationalID = nationalID.String
	return &c, nil
}

func (s *PostgresStore) SaveContact(c models.Contact) error {
	_, err := s.db.Exec(
		`UPDATE contacts SET national_id = $1, flow_id = $2 WHERE id = $3`,
		nilIfEmpty(c.NationalID), c.FlowID, c.ID,
	)
	if err != nil {
		slog.Error("PostgresStore SaveContact failed", "error", err, "id", c.ID)
		return fmt.Errorf("failed to update contact %s: %w", c.ID, err)
	}
	return nil
}

func (s *PostgresStore) CreateSession(sess models.ConversationSession) error {
	conversation, err := json.Marshal(sess.Conversation)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (id, contact_id, flow_id, status, conversation, last_activity,
		 question_cursor, last_question_fingerprint, last_question_sent_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sess.ID, sess.ContactID, sess.FlowID, sess.Status, string(conversation), sess.LastActivity,
		sess.QuestionCursor, nilIfEmpty(sess.LastQuestionFingerprint), nullableTime(sess.LastQuestionSentAt), sess.CreatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore CreateSession failed", "error", err, "session", sess.ID)
		return fmt.Errorf("failed to insert session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetSession(id string) (*models.ConversationSession, error) {
	row := s.db.QueryRow(sessionSelect+` WHERE id = $1`, id)
	return scanSessionRow(row)
}

func (s *PostgresStore) GetLatestSession(contactID string) (*models.ConversationSession, error) {
	row := s.db.QueryRow(
		sessionSelect+` WHERE contact_id = $1 ORDER BY created_at DESC LIMIT 1`, contactID,
	)
	return scanSessionRow(row)
}

func (s *PostgresStore) GetOpenSession(contactID string) (*models.ConversationSession, error) {
	row := s.db.QueryRow(
		sessionSelect+` WHERE contact_id = $1 AND status = 'open' ORDER BY created_at DESC LIMIT 1`, contactID,
	)
	return scanSessionRow(row)
}

func (s *PostgresStore) UpdateSession(id string, patch models.SessionUpdate) error {
	set, args, err := buildSessionUpdate(patch, dollarPlaceholder)
	if err != nil {
		return err
	}
	if len(set) == 0 {
		return nil
	}
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE sessions SET %s WHERE id = $%d`, set, len(args))
	if _, err := s.db.Exec(query, args...); err != nil {
		slog.Error("PostgresStore UpdateSession failed", "error", err, "session", id)
		return fmt.Errorf("failed to update session %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) CloseOpenSessions(contactID string) (int, error) {
	res, err := s.db.Exec(
		`UPDATE sessions SET status = 'closed' WHERE contact_id = $1 AND status = 'open'`, contactID,
	)
	if err != nil {
		slog.Error("PostgresStore CloseOpenSessions failed", "error", err, "contact", contactID)
		return 0, fmt.Errorf("failed to close open sessions for %s: %w", contactID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) AppendMessageLog(e models.MessageLogEntry) error {
	_, err := s.db.Exec(
		`INSERT INTO message_log (id, contact_id, session_id, role, text, node_id, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.ContactID, e.SessionID, e.Role, e.Text, e.NodeID, e.Timestamp,
	)
	if err != nil {
		slog.Error("PostgresStore AppendMessageLog failed", "error", err, "session", e.SessionID)
		return fmt.Errorf("failed to insert message log entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetLastNodeEntry(sessionID string) (*models.MessageLogEntry, error) {
	row := s.db.QueryRow(
		`SELECT id, contact_id, session_id, role, text, node_id, timestamp
		 FROM message_log WHERE session_id = $1 AND role = 'assistant' AND node_id != 0
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

func (s *PostgresStore) ListMessageLog(sessionID string) ([]models.MessageLogEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, contact_id, session_id, role, text, node_id, timestamp
		 FROM message_log WHERE session_id = $1 ORDER BY timestamp ASC, id ASC`, sessionID,
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
