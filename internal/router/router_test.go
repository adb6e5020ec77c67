package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"firebase.google.com/go/v4/auth"

	"github.com/oceanic-labs/mariner-core/internal/handler"
	"github.com/oceanic-labs/mariner-core/internal/model"
	"github.com/oceanic-labs/mariner-core/internal/scheduler"
	"github.com/oceanic-labs/mariner-core/internal/service"
	"github.com/oceanic-labs/mariner-core/internal/tools"
)

// mockDB implements handler.DBPinger for testing.
type mockDB struct {
	err error
}

func (m *mockDB) Ping(ctx context.Context) error {
	return m.err
}

// mockAuthClient implements service.AuthClient for testing.
type mockAuthClient struct {
	uid string
	err error
}

func (m *mockAuthClient) VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &auth.Token{UID: m.uid}, nil
}

// fakeSessionRepo is an in-memory service.SessionRepo for testing.
type fakeSessionRepo struct{}

func (f *fakeSessionRepo) Create(ctx context.Context, s *model.ConversationSession) error { return nil }
func (f *fakeSessionRepo) GetByID(ctx context.Context, id string) (*model.ConversationSession, error) {
	return nil, nil
}
func (f *fakeSessionRepo) GetActive(ctx context.Context, userID string) (*model.ConversationSession, error) {
	return nil, nil
}
func (f *fakeSessionRepo) Update(ctx context.Context, s *model.ConversationSession) error { return nil }

// fakeMessageStore is an in-memory service.MessageStore for testing.
type fakeMessageStore struct{}

func (f *fakeMessageStore) Insert(ctx context.Context, msg *model.ChatMessage) error { return nil }
func (f *fakeMessageStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]model.ChatMessage, error) {
	return nil, nil
}
func (f *fakeMessageStore) ListByUser(ctx context.Context, userID string, limit int) ([]model.ChatMessage, error) {
	return nil, nil
}
func (f *fakeMessageStore) DeleteByUser(ctx context.Context, userID string) error { return nil }

// fakeGenAIClient implements service.GenAIClient, always allowing Guardian checks.
type fakeGenAIClient struct{}

func (f *fakeGenAIClient) GenerateContent(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return "ALLOW", nil
}

// fakeContentGapRepo is an in-memory service.ContentGapRepo for testing.
type fakeContentGapRepo struct{}

func (f *fakeContentGapRepo) Insert(ctx context.Context, gap *model.ContentGap) error { return nil }
func (f *fakeContentGapRepo) ListByUser(ctx context.Context, userID, status string, limit int) ([]model.ContentGap, error) {
	return nil, nil
}
func (f *fakeContentGapRepo) UpdateStatus(ctx context.Context, id string, status model.GapStatus) error {
	return nil
}
func (f *fakeContentGapRepo) CountByUser(ctx context.Context, userID string) (int, error) {
	return 0, nil
}

func newTestRouter(t *testing.T, authErr error) http.Handler {
	t.Helper()
	client := &mockAuthClient{uid: "test-user", err: authErr}
	genClient := &fakeGenAIClient{}
	executor := tools.NewToolExecutor()

	deps := &Dependencies{
		DB:          &mockDB{},
		AuthService: service.NewAuthService(client),
		FrontendURL: "http://localhost:3000",
		Version:     "0.2.0",
		ChatDeps: handler.ChatDeps{
			Sessions:        service.NewSessionService(&fakeSessionRepo{}),
			SessionStates:   service.NewSessionStateStore(),
			Guardian:        service.NewGuardianService(genClient, nil),
			React:           service.NewReactService(executor, genClient, 5),
			History:         service.NewHistoryService(&fakeMessageStore{}),
			Scheduler:       scheduler.New(1),
			UseUnifiedAgent: true,
		},
		ContentGapDeps: handler.ContentGapDeps{
			Svc: service.NewContentGapService(&fakeContentGapRepo{}),
		},
	}
	return New(deps)
}

func TestHealth_IsPublic(t *testing.T) {
	r := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
	if body["version"] != "0.2.0" {
		t.Errorf("version = %q, want %q", body["version"], "0.2.0")
	}
}

func TestHealth_DBDown(t *testing.T) {
	deps := &Dependencies{
		DB:          &mockDB{err: fmt.Errorf("connection refused")},
		AuthService: service.NewAuthService(&mockAuthClient{uid: "test-user"}),
		FrontendURL: "http://localhost:3000",
	}
	r := New(deps)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["database"] != "disconnected" {
		t.Errorf("database = %q, want %q", body["database"], "disconnected")
	}
}

func TestChat_RequiresAuth(t *testing.T) {
	r := newTestRouter(t, fmt.Errorf("invalid token"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestContentGaps_RequiresAuth(t *testing.T) {
	r := newTestRouter(t, fmt.Errorf("invalid token"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/content-gaps", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestContentGaps_WithAuth(t *testing.T) {
	r := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/content-gaps", nil)
	req.Header.Set("Authorization", "Bearer valid-token")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestUnknownRoute_Returns404(t *testing.T) {
	r := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/nonexistent", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["success"] != false {
		t.Error("expected success=false for 404")
	}
}

func TestInternalAuth_Bypasses_Firebase(t *testing.T) {
	deps := &Dependencies{
		DB:                 &mockDB{},
		AuthService:        service.NewAuthService(&mockAuthClient{uid: "test-user", err: fmt.Errorf("firebase should not be called")}),
		FrontendURL:        "http://localhost:3000",
		InternalAuthSecret: "test-secret-123",
		ContentGapDeps: handler.ContentGapDeps{
			Svc: service.NewContentGapService(&fakeContentGapRepo{}),
		},
	}
	r := New(deps)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/content-gaps", nil)
	req.Header.Set("X-Internal-Auth", "test-secret-123")
	req.Header.Set("X-User-ID", "internal-user-42")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestInternalAuth_BadSecret_Returns401(t *testing.T) {
	deps := &Dependencies{
		DB:                 &mockDB{},
		AuthService:        service.NewAuthService(&mockAuthClient{uid: "test-user"}),
		FrontendURL:        "http://localhost:3000",
		InternalAuthSecret: "correct-secret",
		ContentGapDeps: handler.ContentGapDeps{
			Svc: service.NewContentGapService(&fakeContentGapRepo{}),
		},
	}
	r := New(deps)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/content-gaps", nil)
	req.Header.Set("X-Internal-Auth", "wrong-secret")
	req.Header.Set("X-User-ID", "internal-user-42")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}
