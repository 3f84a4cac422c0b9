// Package models defines the core data structures for intakeflow.
//
// It includes contacts, flow definitions, conversation sessions and the
// append-only message log shared across modules.
package models

import (
	"time"
)

// TurnRole identifies the author of a conversation turn.
type TurnRole string

const (
	// RoleSystem marks seed context injected at session open.
	RoleSystem TurnRole = "system"
	// RoleUser marks an inbound participant message.
	RoleUser TurnRole = "user"
	// RoleAssistant marks an outbound generated message.
	RoleAssistant TurnRole = "assistant"
)

// Turn is a single role-tagged entry in a session's working conversation.
type Turn struct {
	Role      TurnRole  `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Contact is the stable identity a session is looked up by. It is created on
// first contact and immutable afterwards except for supplementary fields
// captured by specific workflow nodes (e.g. the national id).
type Contact struct {
	ID         string    `json:"id"`
	Phone      string    `json:"phone"`
	NationalID string    `json:"national_id,omitempty"`
	FlowID     string    `json:"flow_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// FlowDefinition is static per-deployment configuration for one intake flow.
// It is read-only to the engine and never mutated at runtime.
type FlowDefinition struct {
	ID              string        `json:"id"`
	InitialNodeID   int           `json:"initial_node_id"`
	SessionTTL      time.Duration `json:"session_ttl"`
	SystemContext   string        `json:"system_context"`
	WelcomeText     string        `json:"welcome_text"`
	MaxQuestions    int           `json:"max_questions"`
	DebounceWindow  time.Duration `json:"debounce_window"`
	ClosingTemplate string        `json:"closing_template"` // rendered with the session summary
}

// SessionStatus represents the lifecycle state of a conversation session.
type SessionStatus string

const (
	// SessionStatusOpen indicates the session accepts further turns.
	SessionStatusOpen SessionStatus = "open"
	// SessionStatusClosed indicates the session is finished; the next inbound
	// event for the contact starts a fresh session.
	SessionStatusClosed SessionStatus = "closed"
)

// ConversationSession is one open-to-closed conversational episode for a
// contact. At most one session per contact is open at any instant; the
// lifecycle manager owns that invariant.
//
// QuestionCursor is monotonically non-decreasing for the life of the session.
// LastQuestionFingerprint and LastQuestionSentAt are always written together.
type ConversationSession struct {
	ID                      string        `json:"id"`
	ContactID               string        `json:"contact_id"`
	FlowID                  string        `json:"flow_id"`
	Status                  SessionStatus `json:"status"`
	Conversation            []Turn        `json:"conversation"`
	LastActivity            time.Time     `json:"last_activity"`
	QuestionCursor          int           `json:"question_cursor"`
	LastQuestionFingerprint string        `json:"last_question_fingerprint,omitempty"`
	LastQuestionSentAt      time.Time     `json:"last_question_sent_at,omitempty"`
	CreatedAt               time.Time     `json:"created_at"`
}

// IsOpen reports whether the session still accepts turns.
func (s *ConversationSession) IsOpen() bool {
	return s != nil && s.Status == SessionStatusOpen
}

// SessionUpdate is a partial update applied to a session. Nil fields are
// left untouched. The cursor, fingerprint and sent-at triple travels as one
// unit so the question-tracking state can never be half-written.
type SessionUpdate struct {
	Conversation            *[]Turn        `json:"conversation,omitempty"`
	Status                  *SessionStatus `json:"status,omitempty"`
	LastActivity            *time.Time     `json:"last_activity,omitempty"`
	QuestionCursor          *int           `json:"question_cursor,omitempty"`
	LastQuestionFingerprint *string        `json:"last_question_fingerprint,omitempty"`
	LastQuestionSentAt      *time.Time     `json:"last_question_sent_at,omitempty"`
}

// MessageLogEntry is a write-once audit record, independent of the session's
// working conversation blob. NodeID records which node should handle the
// next inbound turn; the runner resolves its entry point from it.
type MessageLogEntry struct {
	ID        string    `json:"id"`
	ContactID string    `json:"contact_id"`
	SessionID string    `json:"session_id"`
	Role      TurnRole  `json:"role"`
	Text      string    `json:"text"`
	NodeID    int       `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// UrgencyLevel is the triage classification a node attaches to a turn.
type UrgencyLevel string

const (
	UrgencyRoutine  UrgencyLevel = "routine"
	UrgencyPriority UrgencyLevel = "priority"
	UrgencyCritical UrgencyLevel = "critical"
)

// IsValidUrgency checks if the given urgency level is supported.
func IsValidUrgency(u UrgencyLevel) bool {
	switch u {
	case UrgencyRoutine, UrgencyPriority, UrgencyCritical:
		return true
	default:
		return false
	}
}
