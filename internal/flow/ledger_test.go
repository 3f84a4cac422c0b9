package flow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/caredesk/intakeflow/internal/models"
)

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("¿Desde cuándo te sientes así?")
	b := Fingerprint("¿Desde cuándo te sientes así?")
	if a != b {
		t.Errorf("same text must produce the same fingerprint: %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
	if a == Fingerprint("otra pregunta") {
		t.Error("different text must produce a different fingerprint")
	}
}

func TestRegisterAttemptNewAdvancesCursor(t *testing.T) {
	st := newFlakyStore()
	ledger := NewQuestionLedger(st, 5)
	sess := openTestSession(t, st, "c1")

	attempt, err := ledger.RegisterAttempt(context.Background(), sess, "¿Cómo te sientes?", 90*time.Second)
	if err != nil {
		t.Fatalf("RegisterAttempt failed: %v", err)
	}
	if attempt.Outcome != AttemptNew {
		t.Fatalf("expected %q, got %q", AttemptNew, attempt.Outcome)
	}
	if attempt.Cursor != 1 {
		t.Errorf("expected cursor 1, got %d", attempt.Cursor)
	}
	want := "1/5 – ¿Cómo te sientes?"
	if attempt.VisibleText != want {
		t.Errorf("expected visible text %q, got %q", want, attempt.VisibleText)
	}

	// The triple must be persisted, not just held in memory.
	stored, err := st.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if stored.QuestionCursor != 1 {
		t.Errorf("persisted cursor should be 1, got %d", stored.QuestionCursor)
	}
	if stored.LastQuestionFingerprint != Fingerprint("¿Cómo te sientes?") {
		t.Errorf("persisted fingerprint mismatch")
	}
	if stored.LastQuestionSentAt.IsZero() {
		t.Error("persisted sent-at should be set")
	}
}

func TestRegisterAttemptDuplicateSuppressedRegardlessOfWindow(t *testing.T) {
	st := newFlakyStore()
	ledger := NewQuestionLedger(st, 5)
	sess := openTestSession(t, st, "c1")
	ctx := context.Background()

	if _, err := ledger.RegisterAttempt(ctx, sess, "¿Cómo te sientes?", time.Second); err != nil {
		t.Fatalf("first RegisterAttempt failed: %v", err)
	}

	// Push the sent-at far past any debounce window: the duplicate must
	// still be suppressed.
	sess.LastQuestionSentAt = time.Now().Add(-24 * time.Hour)

	attempt, err := ledger.RegisterAttempt(ctx, sess, "¿Cómo te sientes?", time.Second)
	if err != nil {
		t.Fatalf("second RegisterAttempt failed: %v", err)
	}
	if attempt.Outcome != AttemptSkip {
		t.Errorf("expected %q, got %q", AttemptSkip, attempt.Outcome)
	}
	if attempt.Cursor != 1 {
		t.Errorf("cursor must not advance on a duplicate, got %d", attempt.Cursor)
	}
	if attempt.VisibleText != "" {
		t.Errorf("suppressed attempt must not produce visible text, got %q", attempt.VisibleText)
	}
}

func TestRegisterAttemptNewContentAdvancesAgain(t *testing.T) {
	st := newFlakyStore()
	ledger := NewQuestionLedger(st, 3)
	sess := openTestSession(t, st, "c1")
	ctx := context.Background()

	// Three distinct texts number 1, 2, 3 with matching visible prefixes.
	texts := []string{"primera", "segunda", "tercera"}
	prefixes := []string{"1/3 – ", "2/3 – ", "3/3 – "}
	for i, text := range texts {
		attempt, err := ledger.RegisterAttempt(ctx, sess, text, 0)
		if err != nil {
			t.Fatalf("RegisterAttempt(%q) failed: %v", text, err)
		}
		if attempt.Outcome != AttemptNew || attempt.Cursor != i+1 {
			t.Errorf("attempt %d: expected new at cursor %d, got %q at %d", i, i+1, attempt.Outcome, attempt.Cursor)
		}
		if attempt.VisibleText != prefixes[i]+text {
			t.Errorf("attempt %d: unexpected visible text %q", i, attempt.VisibleText)
		}
	}
}

func TestRegisterAttemptClosedSession(t *testing.T) {
	st := newFlakyStore()
	ledger := NewQuestionLedger(st, 5)
	sess := openTestSession(t, st, "c1")
	sess.Status = models.SessionStatusClosed

	attempt, err := ledger.RegisterAttempt(context.Background(), sess, "pregunta", 0)
	if err != nil {
		t.Fatalf("RegisterAttempt failed: %v", err)
	}
	if attempt.Outcome != AttemptNoSession {
		t.Errorf("expected %q for a closed session, got %q", AttemptNoSession, attempt.Outcome)
	}
}

func TestRegisterAttemptStoreFailure(t *testing.T) {
	st := newFlakyStore()
	st.failUpdate = true
	ledger := NewQuestionLedger(st, 5)
	sess := openTestSession(t, st, "c1")

	_, err := ledger.RegisterAttempt(context.Background(), sess, "pregunta", 0)
	if !errors.Is(err, models.ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable, got %v", err)
	}
	if sess.QuestionCursor != 0 {
		t.Errorf("in-memory cursor must not move on a failed persist, got %d", sess.QuestionCursor)
	}
}

func TestRegisterAttemptZeroDoesNotMoveCursor(t *testing.T) {
	st := newFlakyStore()
	ledger := NewQuestionLedger(st, 5)
	sess := openTestSession(t, st, "c1")
	ctx := context.Background()

	attempt, err := ledger.RegisterAttemptZero(ctx, sess, "¿Qué te trae por aquí?")
	if err != nil {
		t.Fatalf("RegisterAttemptZero failed: %v", err)
	}
	if attempt.Outcome != AttemptNewZero {
		t.Fatalf("expected %q, got %q", AttemptNewZero, attempt.Outcome)
	}
	if attempt.Cursor != 0 {
		t.Errorf("zero variant must not move the cursor, got %d", attempt.Cursor)
	}
	if attempt.VisibleText != "¿Qué te trae por aquí?" {
		t.Errorf("zero variant delivers the candidate verbatim, got %q", attempt.VisibleText)
	}
	if sess.LastQuestionFingerprint != Fingerprint("¿Qué te trae por aquí?") {
		t.Error("zero variant must still record the fingerprint")
	}

	repeat, err := ledger.RegisterAttemptZero(ctx, sess, "¿Qué te trae por aquí?")
	if err != nil {
		t.Fatalf("repeat RegisterAttemptZero failed: %v", err)
	}
	if repeat.Outcome != AttemptSkipZero {
		t.Errorf("expected %q on repeat, got %q", AttemptSkipZero, repeat.Outcome)
	}
}

func TestRegisterAttemptConcurrentSameCandidate(t *testing.T) {
	st := newFlakyStore()
	ledger := NewQuestionLedger(st, 5)
	sess := openTestSession(t, st, "c1")
	ctx := context.Background()

	// Each worker fetches its own session clone, the way overlapping turns
	// do: the store hands out independent copies, so every snapshot carries
	// the same stale fingerprint.
	const workers = 8
	results := make(chan AttemptOutcome, workers)
	for i := 0; i < workers; i++ {
		go func() {
			snapshot, err := st.GetOpenSession("c1")
			if err != nil || snapshot == nil {
				results <- AttemptOutcome(fmt.Sprintf("error: %v", err))
				return
			}
			attempt, err := ledger.RegisterAttempt(ctx, snapshot, "misma pregunta", 0)
			if err != nil {
				results <- AttemptOutcome(fmt.Sprintf("error: %v", err))
				return
			}
			results <- attempt.Outcome
		}()
	}

	news := 0
	for i := 0; i < workers; i++ {
		switch outcome := <-results; outcome {
		case AttemptNew:
			news++
		case AttemptSkip:
		default:
			t.Fatalf("unexpected outcome %q", outcome)
		}
	}
	if news != 1 {
		t.Errorf("exactly one registration must win, got %d", news)
	}
	stored, err := st.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if stored.QuestionCursor != 1 {
		t.Errorf("cursor should be 1 after concurrent duplicates, got %d", stored.QuestionCursor)
	}
}

func TestRegisterAttemptStaleSnapshotSuppressed(t *testing.T) {
	st := newFlakyStore()
	ledger := NewQuestionLedger(st, 5)
	openTestSession(t, st, "c1")
	ctx := context.Background()

	// Two turns fetch their clones before either registers: the second
	// snapshot never saw the first registration.
	first, err := st.GetOpenSession("c1")
	if err != nil || first == nil {
		t.Fatalf("GetOpenSession failed: %v", err)
	}
	second, err := st.GetOpenSession("c1")
	if err != nil || second == nil {
		t.Fatalf("GetOpenSession failed: %v", err)
	}

	a, err := ledger.RegisterAttempt(ctx, first, "misma pregunta", 0)
	if err != nil {
		t.Fatalf("RegisterAttempt failed: %v", err)
	}
	if a.Outcome != AttemptNew || a.Cursor != 1 {
		t.Fatalf("first registration should be new at cursor 1, got %q at %d", a.Outcome, a.Cursor)
	}

	b, err := ledger.RegisterAttempt(ctx, second, "misma pregunta", 0)
	if err != nil {
		t.Fatalf("RegisterAttempt failed: %v", err)
	}
	if b.Outcome != AttemptSkip {
		t.Errorf("stale snapshot must not re-register identical text, got %q", b.Outcome)
	}
	if b.Cursor != 1 || b.VisibleText != "" {
		t.Errorf("suppressed attempt must report cursor 1 and no text, got %d %q", b.Cursor, b.VisibleText)
	}
	// The caller's stale snapshot is brought up to date for the rest of
	// the turn.
	if second.QuestionCursor != 1 || second.LastQuestionFingerprint != Fingerprint("misma pregunta") {
		t.Errorf("stale snapshot not synced: cursor %d fingerprint %q", second.QuestionCursor, second.LastQuestionFingerprint)
	}

	stored, err := st.GetSession(first.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if stored.QuestionCursor != 1 {
		t.Errorf("cursor must increment exactly once, got %d", stored.QuestionCursor)
	}
}

func TestRegisterAttemptZeroStaleSnapshotSuppressed(t *testing.T) {
	st := newFlakyStore()
	ledger := NewQuestionLedger(st, 5)
	openTestSession(t, st, "c1")
	ctx := context.Background()

	first, err := st.GetOpenSession("c1")
	if err != nil || first == nil {
		t.Fatalf("GetOpenSession failed: %v", err)
	}
	second, err := st.GetOpenSession("c1")
	if err != nil || second == nil {
		t.Fatalf("GetOpenSession failed: %v", err)
	}

	if _, err := ledger.RegisterAttemptZero(ctx, first, "¿Qué te trae por aquí?"); err != nil {
		t.Fatalf("RegisterAttemptZero failed: %v", err)
	}
	b, err := ledger.RegisterAttemptZero(ctx, second, "¿Qué te trae por aquí?")
	if err != nil {
		t.Fatalf("RegisterAttemptZero failed: %v", err)
	}
	if b.Outcome != AttemptSkipZero {
		t.Errorf("stale snapshot must not re-register the entry prompt, got %q", b.Outcome)
	}
}

func TestRegisterAttemptSessionClosedUnderneath(t *testing.T) {
	st := newFlakyStore()
	ledger := NewQuestionLedger(st, 5)
	sess := openTestSession(t, st, "c1")

	// The caller's snapshot still says open but the store closed the
	// session meanwhile (e.g. superseded by a fresh one).
	snapshot, err := st.GetOpenSession("c1")
	if err != nil || snapshot == nil {
		t.Fatalf("GetOpenSession failed: %v", err)
	}
	status := models.SessionStatusClosed
	if err := st.UpdateSession(sess.ID, models.SessionUpdate{Status: &status}); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	attempt, err := ledger.RegisterAttempt(context.Background(), snapshot, "pregunta", 0)
	if err != nil {
		t.Fatalf("RegisterAttempt failed: %v", err)
	}
	if attempt.Outcome != AttemptNoSession {
		t.Errorf("expected %q when the store shows the session closed, got %q", AttemptNoSession, attempt.Outcome)
	}
}
