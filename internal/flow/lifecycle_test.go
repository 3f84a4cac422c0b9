package flow

import (
	"context"
	"sync"
	"testing"

	"github.com/caredesk/intakeflow/internal/models"
)

func TestOpenCreatesSeededSession(t *testing.T) {
	st := newFlakyStore()
	manager := NewLifecycleManager(st)
	contact := testContact()
	flow := testFlow()
	history := []models.Turn{
		{Role: models.RoleSystem, Content: flow.SystemContext},
		{Role: models.RoleAssistant, Content: flow.WelcomeText},
	}

	sess, err := manager.Open(context.Background(), contact, flow, history)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if sess.Status != models.SessionStatusOpen {
		t.Errorf("expected open status, got %q", sess.Status)
	}
	if len(sess.Conversation) != 2 {
		t.Errorf("expected seeded conversation of 2 turns, got %d", len(sess.Conversation))
	}
	if sess.LastActivity.IsZero() || sess.CreatedAt.IsZero() {
		t.Error("timestamps must be set on open")
	}

	stored, err := st.GetOpenSession(contact.ID)
	if err != nil {
		t.Fatalf("GetOpenSession failed: %v", err)
	}
	if stored == nil || stored.ID != sess.ID {
		t.Error("opened session must be retrievable as the contact's open session")
	}
}

func TestOpenSupersedesExistingOpenSession(t *testing.T) {
	st := newFlakyStore()
	manager := NewLifecycleManager(st)
	contact := testContact()
	old := openTestSession(t, st, contact.ID)

	fresh, err := manager.Open(context.Background(), contact, testFlow(), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	stale, err := st.GetSession(old.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if stale.Status != models.SessionStatusClosed {
		t.Errorf("previous open session must be closed, got %q", stale.Status)
	}
	open, err := st.GetOpenSession(contact.ID)
	if err != nil {
		t.Fatalf("GetOpenSession failed: %v", err)
	}
	if open == nil || open.ID != fresh.ID {
		t.Error("only the fresh session may be open")
	}
}

func TestOpenConcurrentLeavesExactlyOneOpen(t *testing.T) {
	st := newFlakyStore()
	manager := NewLifecycleManager(st)
	contact := testContact()
	ctx := context.Background()

	const openers = 10
	var wg sync.WaitGroup
	wg.Add(openers)
	for i := 0; i < openers; i++ {
		go func() {
			defer wg.Done()
			if _, err := manager.Open(ctx, contact, testFlow(), nil); err != nil {
				t.Errorf("Open failed: %v", err)
			}
		}()
	}
	wg.Wait()

	// The per-contact serialization means each Open closes everything the
	// previous one left behind: exactly one session survives open.
	open := 0
	for i := 0; i < openers; i++ {
		sess, err := st.GetOpenSession(contact.ID)
		if err != nil {
			t.Fatalf("GetOpenSession failed: %v", err)
		}
		if sess == nil {
			break
		}
		status := models.SessionStatusClosed
		if err := st.UpdateSession(sess.ID, models.SessionUpdate{Status: &status}); err != nil {
			t.Fatalf("UpdateSession failed: %v", err)
		}
		open++
	}
	if open != 1 {
		t.Errorf("expected exactly one open session after concurrent opens, got %d", open)
	}
}

func TestCloseFlipsStatus(t *testing.T) {
	st := newFlakyStore()
	manager := NewLifecycleManager(st)
	sess := openTestSession(t, st, "c1")

	if err := manager.Close(context.Background(), sess.ID); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	stored, err := st.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if stored.Status != models.SessionStatusClosed {
		t.Errorf("expected closed, got %q", stored.Status)
	}
}

func TestOpenStoreFailureSurfaces(t *testing.T) {
	st := newFlakyStore()
	st.failClose = true
	manager := NewLifecycleManager(st)

	_, err := manager.Open(context.Background(), testContact(), testFlow(), nil)
	if err == nil {
		t.Fatal("expected an error when the store cannot close open sessions")
	}
}
