package store

import (
	"sort"
	"sync"
	"time"

	"github.com/caredesk/intakeflow/internal/models"
)

// InMemoryStore is a Store kept entirely in process memory. It backs tests
// and local development runs without a database file.
type InMemoryStore struct {
	mu       sync.RWMutex
	contacts map[string]models.Contact             // keyed by contact id
	sessions map[string]models.ConversationSession // keyed by session id
	log      []models.MessageLogEntry
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		contacts: make(map[string]models.Contact),
		sessions: make(map[string]models.ConversationSession),
	}
}

func (s *InMemoryStore) CreateContact(c models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.ID] = c
	return nil
}

func (s *InMemoryStore) GetContactByPhone(phone string) (*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.contacts {
		if c.Phone == phone {
			contact := c
			return &contact, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) SaveContact(c models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.ID] = c
	return nil
}

func (s *InMemoryStore) CreateSession(sess models.ConversationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *InMemoryStore) GetSession(id string) (*models.ConversationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	copied := cloneSession(sess)
	return &copied, nil
}

func (s *InMemoryStore) GetLatestSession(contactID string) (*models.ConversationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.ConversationSession
	for _, sess := range s.sessions {
		if sess.ContactID != contactID {
			continue
		}
		if latest == nil || sess.CreatedAt.After(latest.CreatedAt) {
			copied := cloneSession(sess)
			latest = &copied
		}
	}
	return latest, nil
}

func (s *InMemoryStore) GetOpenSession(contactID string) (*models.ConversationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.ContactID == contactID && sess.Status == models.SessionStatusOpen {
			copied := cloneSession(sess)
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) UpdateSession(id string, patch models.SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	if patch.Conversation != nil {
		sess.Conversation = append([]models.Turn(nil), (*patch.Conversation)...)
	}
	if patch.Status != nil {
		sess.Status = *patch.Status
	}
	if patch.LastActivity != nil {
		sess.LastActivity = *patch.LastActivity
	}
	if patch.QuestionCursor != nil {
		sess.QuestionCursor = *patch.QuestionCursor
	}
	if patch.LastQuestionFingerprint != nil {
		sess.LastQuestionFingerprint = *patch.LastQuestionFingerprint
	}
	if patch.LastQuestionSentAt != nil {
		sess.LastQuestionSentAt = *patch.LastQuestionSentAt
	}
	s.sessions[id] = sess
	return nil
}

func (s *InMemoryStore) CloseOpenSessions(contactID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	closed := 0
	for id, sess := range s.sessions {
		if sess.ContactID == contactID && sess.Status == models.SessionStatusOpen {
			sess.Status = models.SessionStatusClosed
			s.sessions[id] = sess
			closed++
		}
	}
	return closed, nil
}

func (s *InMemoryStore) AppendMessageLog(e models.MessageLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.log = append(s.log, e)
	return nil
}

func (s *InMemoryStore) GetLastNodeEntry(sessionID string) (*models.MessageLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.log) - 1; i >= 0; i-- {
		if s.log[i].SessionID == sessionID && s.log[i].Role == models.RoleAssistant && s.log[i].NodeID != 0 {
			entry := s.log[i]
			return &entry, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) ListMessageLog(sessionID string) ([]models.MessageLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var entries []models.MessageLogEntry
	for _, e := range s.log {
		if e.SessionID == sessionID {
			entries = append(entries, e)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return entries, nil
}

func cloneSession(s models.ConversationSession) models.ConversationSession {
	s.Conversation = append([]models.Turn(nil), s.Conversation...)
	return s
}
