package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/caredesk/intakeflow/internal/models"
	"github.com/caredesk/intakeflow/internal/store"
)

// fakeGenAI replays a scripted queue of completions. An empty queue or a
// queued error simulates an upstream model failure.
type fakeGenAI struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   int
}

func (f *fakeGenAI) Generate(ctx context.Context, turns []models.Turn) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.replies) == 0 {
		return "", errors.New("fake genai: script exhausted")
	}
	reply, err := f.replies[0], f.errs[0]
	f.replies, f.errs = f.replies[1:], f.errs[1:]
	if err != nil {
		return "", err
	}
	return reply, nil
}

func (f *fakeGenAI) queue(replies ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, replies...)
	f.errs = append(f.errs, make([]error, len(replies))...)
}

// fakeDelivery records outbound sends. It satisfies messaging.Service.
type fakeDelivery struct {
	mu      sync.Mutex
	sent    []string
	sendErr error
}

func (f *fakeDelivery) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return recipient, nil
}

func (f *fakeDelivery) SendMessage(ctx context.Context, to string, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, body)
	return nil
}

func (f *fakeDelivery) Start(ctx context.Context) error { return nil }
func (f *fakeDelivery) Stop() error                     { return nil }

func (f *fakeDelivery) Receipts() <-chan models.Receipt   { return nil }
func (f *fakeDelivery) Responses() <-chan models.Response { return nil }

func (f *fakeDelivery) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// flakyStore wraps an in-memory store and fails selected operations on demand.
type flakyStore struct {
	*store.InMemoryStore
	failGetLatest bool
	failGetOpen   bool
	failCreate    bool
	failUpdate    bool
	failClose     bool
}

var errStoreDown = errors.New("store down")

func newFlakyStore() *flakyStore {
	return &flakyStore{InMemoryStore: store.NewInMemoryStore()}
}

func (f *flakyStore) GetLatestSession(contactID string) (*models.ConversationSession, error) {
	if f.failGetLatest {
		return nil, errStoreDown
	}
	return f.InMemoryStore.GetLatestSession(contactID)
}

func (f *flakyStore) GetOpenSession(contactID string) (*models.ConversationSession, error) {
	if f.failGetOpen {
		return nil, errStoreDown
	}
	return f.InMemoryStore.GetOpenSession(contactID)
}

func (f *flakyStore) CreateSession(s models.ConversationSession) error {
	if f.failCreate {
		return errStoreDown
	}
	return f.InMemoryStore.CreateSession(s)
}

func (f *flakyStore) UpdateSession(id string, patch models.SessionUpdate) error {
	if f.failUpdate {
		return errStoreDown
	}
	return f.InMemoryStore.UpdateSession(id, patch)
}

func (f *flakyStore) CloseOpenSessions(contactID string) (int, error) {
	if f.failClose {
		return 0, errStoreDown
	}
	return f.InMemoryStore.CloseOpenSessions(contactID)
}

func testFlow() models.FlowDefinition {
	return models.FlowDefinition{
		ID:              "test-flow",
		InitialNodeID:   NodeIDCapture,
		SessionTTL:      30 * time.Minute,
		SystemContext:   "Eres un asistente de triaje.",
		WelcomeText:     "¡Hola! Envíame tu DNI para empezar.",
		MaxQuestions:    2,
		DebounceWindow:  90 * time.Second,
		ClosingTemplate: "Gracias. Resumen: {summary}",
	}
}

func testContact() *models.Contact {
	return &models.Contact{
		ID:        "contact-1",
		Phone:     "5491100000001",
		FlowID:    "test-flow",
		CreatedAt: time.Now(),
	}
}

func openTestSession(t *testing.T, st store.Store, contactID string) *models.ConversationSession {
	t.Helper()
	sess := models.ConversationSession{
		ID:           "session-" + contactID,
		ContactID:    contactID,
		FlowID:       "test-flow",
		Status:       models.SessionStatusOpen,
		LastActivity: time.Now(),
		CreatedAt:    time.Now(),
	}
	if err := st.CreateSession(sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return &sess
}
