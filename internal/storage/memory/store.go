// Package memory is an in-memory storage.Store for tests and for running
// without a database.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aarogyalink/companion/internal/storage"
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu       sync.RWMutex
	users    map[string]*storage.User
	sessions map[string]*storage.ChatSession
	messages map[string][]*storage.Message // by session id, insertion order
	uploads  []*storage.FileUpload
	records  []*storage.HealthRecord
	logs     []*storage.AIAnalysisLog
	order    []string // session ids, insertion order
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	s := &Store{}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.users = make(map[string]*storage.User)
	s.sessions = make(map[string]*storage.ChatSession)
	s.messages = make(map[string][]*storage.Message)
	s.uploads = nil
	s.records = nil
	s.logs = nil
	s.order = nil
}

func newID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

func (s *Store) CreateTables(ctx context.Context) error { return nil }

func (s *Store) DropTables(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateUser(ctx context.Context, u *storage.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u.ID = newID(u.ID)
	if _, exists := s.users[u.ID]; exists {
		return fmt.Errorf("user %s already exists", u.ID)
	}
	if u.Email != nil {
		for _, other := range s.users {
			if other.Email != nil && *other.Email == *u.Email {
				return fmt.Errorf("user with email %s already exists", *u.Email)
			}
		}
	}

	u.CreatedAt = time.Now().UTC()
	u.UpdatedAt = u.CreatedAt
	if u.PreferredLanguage == "" {
		u.PreferredLanguage = storage.DefaultLanguage
	}

	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, exists := s.users[id]
	if !exists {
		return nil, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*storage.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionCopy(id)
}

func (s *Store) sessionCopy(id string) (*storage.ChatSession, error) {
	cs, exists := s.sessions[id]
	if !exists {
		return nil, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	cp := *cs
	cp.MessageCount = len(s.messages[id])
	return &cp, nil
}

func (s *Store) GetOrCreateSession(ctx context.Context, id, userID string) (*storage.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		if cs, err := s.sessionCopy(id); err == nil {
			return cs, nil
		}
	}

	cs := &storage.ChatSession{
		ID:        newID(id),
		Language:  storage.DefaultLanguage,
		CreatedAt: time.Now().UTC(),
	}
	if userID != "" {
		cs.UserID = &userID
	}
	cs.UpdatedAt = cs.CreatedAt
	cs.Name = storage.DefaultSessionName(cs.CreatedAt)

	s.sessions[cs.ID] = cs
	s.order = append(s.order, cs.ID)

	cp := *cs
	return &cp, nil
}

func (s *Store) UserSessions(ctx context.Context, userID string, limit int) ([]*storage.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = storage.Limit(limit, storage.DefaultSessionsLimit)
	var out []*storage.ChatSession
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		cs := s.sessions[s.order[i]]
		if cs.UserID != nil && *cs.UserID == userID {
			cp, _ := s.sessionCopy(cs.ID)
			out = append(out, cp)
		}
	}
	return out, nil
}

func (s *Store) SaveMessage(ctx context.Context, m *storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, exists := s.sessions[m.SessionID]
	if !exists {
		return fmt.Errorf("session %s: %w", m.SessionID, storage.ErrNotFound)
	}

	m.ID = newID(m.ID)
	m.CreatedAt = time.Now().UTC()
	if m.Language == "" {
		m.Language = storage.DefaultLanguage
	}
	cs.UpdatedAt = m.CreatedAt

	cp := *m
	s.messages[m.SessionID] = append(s.messages[m.SessionID], &cp)
	return nil
}

func (s *Store) ChatHistory(ctx context.Context, sessionID string, limit int) ([]*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[sessionID]
	limit = storage.Limit(limit, storage.DefaultHistoryLimit)
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}

	out := make([]*storage.Message, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}
	return out, nil
}

func (s *Store) SaveFileUpload(ctx context.Context, f *storage.FileUpload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f.ID = newID(f.ID)
	f.CreatedAt = time.Now().UTC()
	cp := *f
	s.uploads = append(s.uploads, &cp)
	return nil
}

// FileUploads returns every stored upload.
func (s *Store) FileUploads() []*storage.FileUpload {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.uploads)
}

func (s *Store) SaveHealthRecord(ctx context.Context, r *storage.HealthRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.ID = newID(r.ID)
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now().UTC()
	}
	cp := *r
	s.records = append(s.records, &cp)
	return nil
}

func (s *Store) UserHealthRecords(ctx context.Context, userID string, limit int) ([]*storage.HealthRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = storage.Limit(limit, storage.DefaultHistoryLimit)
	var out []*storage.HealthRecord
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		r := s.records[i]
		if r.UserID != nil && *r.UserID == userID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) SaveAnalysisLog(ctx context.Context, l *storage.AIAnalysisLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l.ID = newID(l.ID)
	l.CreatedAt = time.Now().UTC()
	cp := *l
	s.logs = append(s.logs, &cp)
	return nil
}

func (s *Store) AnalysisLogs(ctx context.Context, messageID string) ([]*storage.AIAnalysisLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.AIAnalysisLog
	for _, l := range s.logs {
		if l.MessageID != nil && *l.MessageID == messageID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}
