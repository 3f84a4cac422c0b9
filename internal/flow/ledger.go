package flow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/caredesk/intakeflow/internal/models"
	"github.com/caredesk/intakeflow/internal/store"
)

// AttemptOutcome classifies a ledger registration.
type AttemptOutcome string

const (
	// AttemptNoSession means the session is missing or closed; nothing was
	// persisted.
	AttemptNoSession AttemptOutcome = "no_session"
	// AttemptNew means the candidate text is new content: the cursor
	// advanced and the fingerprint was recorded.
	AttemptNew AttemptOutcome = "new"
	// AttemptSkip means the candidate matched the last fingerprint; the
	// duplicate is suppressed no matter how much time has elapsed.
	AttemptSkip AttemptOutcome = "skip"
	// AttemptNewZero is AttemptNew for the non-counting variant: the
	// fingerprint was recorded but the cursor did not move.
	AttemptNewZero AttemptOutcome = "new_zero"
	// AttemptSkipZero is AttemptSkip for the non-counting variant.
	AttemptSkipZero AttemptOutcome = "skip_zero"
)

// Attempt is the result of registering a candidate question.
type Attempt struct {
	Outcome AttemptOutcome
	Cursor  int
	// VisibleText is the deliverable text: numbered for counting attempts,
	// verbatim for the zero variant, empty when suppressed.
	VisibleText string
}

// QuestionLedger deduplicates generated question content per session using
// content fingerprints and a monotonic cursor. The generation step upstream
// may run more than once for the same logical turn (duplicate delivery,
// client retry); content-addressed dedup makes outbound delivery idempotent
// without a distributed lock.
type QuestionLedger struct {
	store        store.Store
	maxQuestions int

	mu           sync.Mutex
	sessionLocks map[string]*sync.Mutex
}

// NewQuestionLedger creates a ledger. maxQuestions is the flow's question
// count bound, shown in the numbered prefix.
func NewQuestionLedger(st store.Store, maxQuestions int) *QuestionLedger {
	return &QuestionLedger{
		store:        st,
		maxQuestions: maxQuestions,
		sessionLocks: make(map[string]*sync.Mutex),
	}
}

// Fingerprint returns the content hash used for deduplication: SHA-256 over
// the UTF-8 bytes of the text, hex encoded.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// sessionLock serializes attempts per session so two generations can never
// both observe the same stale fingerprint.
func (l *QuestionLedger) sessionLock(sessionID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.sessionLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		l.sessionLocks[sessionID] = lock
	}
	return lock
}

// currentState re-reads the session under the session lock. The caller's
// snapshot may be stale: overlapping turns for one contact each carry their
// own copy of the session, so the fingerprint comparison must run against
// what the store holds now, not against what the turn fetched at entry.
// Returns nil when the session is gone or no longer open.
func (l *QuestionLedger) currentState(sessionID string) (*models.ConversationSession, error) {
	stored, err := l.store.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("read session: %w: %v", models.ErrStoreUnavailable, err)
	}
	if !stored.IsOpen() {
		return nil, nil
	}
	return stored, nil
}

// syncQuestionState copies the authoritative question-tracking triple onto
// the caller's snapshot so downstream nodes in the same turn see it.
func syncQuestionState(session, authoritative *models.ConversationSession) {
	session.QuestionCursor = authoritative.QuestionCursor
	session.LastQuestionFingerprint = authoritative.LastQuestionFingerprint
	session.LastQuestionSentAt = authoritative.LastQuestionSentAt
}

// RegisterAttempt registers a numbered question attempt. New content
// advances the cursor and persists the cursor/fingerprint/sent-at triple as
// one write; repeated content is suppressed.
//
// window is accepted for configuration compatibility but never triggers a
// resend: the effective policy is SKIP-always for matching fingerprints.
func (l *QuestionLedger) RegisterAttempt(ctx context.Context, session *models.ConversationSession, candidate string, window time.Duration) (Attempt, error) {
	if !session.IsOpen() {
		slog.Debug("QuestionLedger.RegisterAttempt: no open session")
		return Attempt{Outcome: AttemptNoSession, Cursor: 0}, nil
	}

	lock := l.sessionLock(session.ID)
	lock.Lock()
	defer lock.Unlock()

	current, err := l.currentState(session.ID)
	if err != nil {
		return Attempt{}, err
	}
	if current == nil {
		slog.Debug("QuestionLedger.RegisterAttempt: session gone or closed", "session", session.ID)
		return Attempt{Outcome: AttemptNoSession, Cursor: 0}, nil
	}

	fingerprint := Fingerprint(candidate)
	if fingerprint == current.LastQuestionFingerprint {
		syncQuestionState(session, current)
		slog.Info("QuestionLedger.RegisterAttempt: duplicate suppressed", "session", session.ID, "cursor", current.QuestionCursor)
		return Attempt{Outcome: AttemptSkip, Cursor: current.QuestionCursor}, nil
	}

	cursor := current.QuestionCursor + 1
	now := time.Now()
	patch := models.SessionUpdate{
		QuestionCursor:          &cursor,
		LastQuestionFingerprint: &fingerprint,
		LastQuestionSentAt:      &now,
	}
	if err := l.store.UpdateSession(session.ID, patch); err != nil {
		slog.Error("QuestionLedger.RegisterAttempt: failed to persist attempt", "error", err, "session", session.ID)
		return Attempt{}, fmt.Errorf("persist question attempt: %w: %v", models.ErrStoreUnavailable, err)
	}
	session.QuestionCursor = cursor
	session.LastQuestionFingerprint = fingerprint
	session.LastQuestionSentAt = now

	slog.Info("QuestionLedger.RegisterAttempt: new question registered", "session", session.ID, "cursor", cursor)
	return Attempt{
		Outcome:     AttemptNew,
		Cursor:      cursor,
		VisibleText: fmt.Sprintf("%d/%d – %s", cursor, l.maxQuestions, candidate),
	}, nil
}

// RegisterAttemptZero registers a non-counting attempt. It compares
// fingerprints exactly like RegisterAttempt but never moves the cursor:
// some nodes emit a single entry prompt that must not consume a numbered
// slot.
func (l *QuestionLedger) RegisterAttemptZero(ctx context.Context, session *models.ConversationSession, candidate string) (Attempt, error) {
	if !session.IsOpen() {
		slog.Debug("QuestionLedger.RegisterAttemptZero: no open session")
		return Attempt{Outcome: AttemptNoSession, Cursor: 0}, nil
	}

	lock := l.sessionLock(session.ID)
	lock.Lock()
	defer lock.Unlock()

	current, err := l.currentState(session.ID)
	if err != nil {
		return Attempt{}, err
	}
	if current == nil {
		slog.Debug("QuestionLedger.RegisterAttemptZero: session gone or closed", "session", session.ID)
		return Attempt{Outcome: AttemptNoSession, Cursor: 0}, nil
	}

	fingerprint := Fingerprint(candidate)
	if fingerprint == current.LastQuestionFingerprint {
		syncQuestionState(session, current)
		slog.Info("QuestionLedger.RegisterAttemptZero: duplicate suppressed", "session", session.ID)
		return Attempt{Outcome: AttemptSkipZero, Cursor: current.QuestionCursor}, nil
	}

	now := time.Now()
	patch := models.SessionUpdate{
		LastQuestionFingerprint: &fingerprint,
		LastQuestionSentAt:      &now,
	}
	if err := l.store.UpdateSession(session.ID, patch); err != nil {
		slog.Error("QuestionLedger.RegisterAttemptZero: failed to persist attempt", "error", err, "session", session.ID)
		return Attempt{}, fmt.Errorf("persist question attempt: %w: %v", models.ErrStoreUnavailable, err)
	}
	session.QuestionCursor = current.QuestionCursor
	session.LastQuestionFingerprint = fingerprint
	session.LastQuestionSentAt = now

	slog.Info("QuestionLedger.RegisterAttemptZero: entry prompt registered", "session", session.ID, "cursor", current.QuestionCursor)
	return Attempt{
		Outcome:     AttemptNewZero,
		Cursor:      current.QuestionCursor,
		VisibleText: candidate,
	}, nil
}
