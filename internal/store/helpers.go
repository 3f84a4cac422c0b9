package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/caredesk/intakeflow/internal/models"
)

const sessionSelect = `SELECT id, contact_id, flow_id, status, conversation, last_activity,
	question_cursor, last_question_fingerprint, last_question_sent_at, created_at FROM sessions`

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullableTime returns nil for the zero time, otherwise the time itself.
func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// scanSessionRow scans a ConversationSession from a single sql.Row.
func scanSessionRow(row *sql.Row) (*models.ConversationSession, error) {
	var sess models.ConversationSession
	var conversationJSON string
	var fingerprint sql.NullString
	var sentAt sql.NullTime
	err := row.Scan(
		&sess.ID, &sess.ContactID, &sess.FlowID, &sess.Status, &conversationJSON, &sess.LastActivity,
		&sess.QuestionCursor, &fingerprint, &sentAt, &sess.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session failed: %w", err)
	}
	if err := json.Unmarshal([]byte(conversationJSON), &sess.Conversation); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	sess.LastQuestionFingerprint = fingerprint.String
	if sentAt.Valid {
		sess.LastQuestionSentAt = sentAt.Time
	}
	return &sess, nil
}

// Placeholder styles for the two SQL backends.
func questionPlaceholder(int) string { return "?" }
func dollarPlaceholder(i int) string { return fmt.Sprintf("$%d", i) }

// buildSessionUpdate renders a SessionUpdate into a SET clause and argument
// list. All present fields land in one UPDATE statement so the cursor,
// fingerprint and sent-at triple is persisted atomically.
func buildSessionUpdate(patch models.SessionUpdate, placeholder func(int) string) (string, []interface{}, error) {
	var set []string
	var args []interface{}
	next := func() string { return placeholder(len(args)) }

	if patch.Conversation != nil {
		conversation, err := json.Marshal(*patch.Conversation)
		if err != nil {
			return "", nil, fmt.Errorf("failed to marshal conversation: %w", err)
		}
		args = append(args, string(conversation))
		set = append(set, "conversation = "+next())
	}
	if patch.Status != nil {
		args = append(args, string(*patch.Status))
		set = append(set, "status = "+next())
	}
	if patch.LastActivity != nil {
		args = append(args, *patch.LastActivity)
		set = append(set, "last_activity = "+next())
	}
	if patch.QuestionCursor != nil {
		args = append(args, *patch.QuestionCursor)
		set = append(set, "question_cursor = "+next())
	}
	if patch.LastQuestionFingerprint != nil {
		args = append(args, nilIfEmpty(*patch.LastQuestionFingerprint))
		set = append(set, "last_question_fingerprint = "+next())
	}
	if patch.LastQuestionSentAt != nil {
		args = append(args, nullableTime(*patch.LastQuestionSentAt))
		set = append(set, "last_question_sent_at = "+next())
	}
	return strings.Join(set, ", "), args, nil
}
