package service

import (
	"context"
	"testing"

	"github.com/oceanic-labs/mariner-core/internal/model"
)

// mockSessionRepo is a mock implementation of SessionRepo.
type mockSessionRepo struct {
	sessions []*model.ConversationSession
	active   *model.ConversationSession
}

func (m *mockSessionRepo) Create(ctx context.Context, session *model.ConversationSession) error {
	session.ID = "session-" + session.UserID
	m.sessions = append(m.sessions, session)
	m.active = session
	return nil
}

func (m *mockSessionRepo) GetByID(ctx context.Context, id string) (*model.ConversationSession, error) {
	for _, s := range m.sessions {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, nil
}

func (m *mockSessionRepo) GetActive(ctx context.Context, userID string) (*model.ConversationSession, error) {
	if m.active != nil && m.active.UserID == userID {
		return m.active, nil
	}
	return nil, nil
}

func (m *mockSessionRepo) Update(ctx context.Context, session *model.ConversationSession) error {
	m.active = session
	return nil
}

func TestSessionService_GetOrCreateActive_CreatesNew(t *testing.T) {
	repo := &mockSessionRepo{}
	svc := NewSessionService(repo)

	session, err := svc.GetOrCreateActive(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetOrCreateActive() error: %v", err)
	}

	if session.ID == "" {
		t.Error("session ID should not be empty")
	}
	if session.UserID != "user-1" {
		t.Errorf("UserID = %q, want %q", session.UserID, "user-1")
	}
	if session.QueryCount != 0 {
		t.Errorf("QueryCount = %d, want 0", session.QueryCount)
	}
}

func TestSessionService_GetOrCreateActive_ReturnsExisting(t *testing.T) {
	existing := &model.ConversationSession{
		ID:               "existing-session",
		UserID:           "user-1",
		TopicsCovered:    []string{"colregs"},
		DocumentsQueried: []string{"doc-1"},
		QueryCount:       5,
	}
	repo := &mockSessionRepo{active: existing}
	svc := NewSessionService(repo)

	session, err := svc.GetOrCreateActive(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetOrCreateActive() error: %v", err)
	}

	if session.ID != "existing-session" {
		t.Errorf("should return existing session, got ID = %q", session.ID)
	}
	if session.QueryCount != 5 {
		t.Errorf("QueryCount = %d, want 5", session.QueryCount)
	}
}

func TestSessionService_RecordQuery(t *testing.T) {
	existing := &model.ConversationSession{
		ID:               "session-1",
		UserID:           "user-1",
		TopicsCovered:    []string{"existing"},
		DocumentsQueried: []string{"doc-1"},
		QueryCount:       2,
	}
	repo := &mockSessionRepo{active: existing}
	svc := NewSessionService(repo)

	err := svc.RecordQuery(context.Background(), "user-1", "What about Rule 15 crossing situations?", []string{"doc-1", "doc-2"}, "navigation")
	if err != nil {
		t.Fatalf("RecordQuery() error: %v", err)
	}

	if existing.QueryCount != 3 {
		t.Errorf("QueryCount = %d, want 3", existing.QueryCount)
	}
	if existing.LastQueryType != "navigation" {
		t.Errorf("LastQueryType = %q, want %q", existing.LastQueryType, "navigation")
	}
	if len(existing.TopicsCovered) < 1 {
		t.Errorf("expected topics to be retained, got %v", existing.TopicsCovered)
	}
	if len(existing.DocumentsQueried) != 2 {
		t.Errorf("expected 2 documents (doc-1 deduped, doc-2 added), got %d: %v", len(existing.DocumentsQueried), existing.DocumentsQueried)
	}
}

func TestSessionService_RecordQuery_NoActiveSession(t *testing.T) {
	repo := &mockSessionRepo{}
	svc := NewSessionService(repo)

	err := svc.RecordQuery(context.Background(), "user-1", "test query", []string{"doc-1"}, "general")
	if err != nil {
		t.Fatalf("RecordQuery() should not error with no active session: %v", err)
	}
}

func TestAppendUnique(t *testing.T) {
	existing := []string{"a", "b", "c"}
	items := []string{"b", "c", "d", "e"}
	result := appendUnique(existing, items)

	if len(result) != 5 {
		t.Errorf("appendUnique: got %d items, want 5: %v", len(result), result)
	}
}
