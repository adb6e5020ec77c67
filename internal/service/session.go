package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oceanic-labs/mariner-core/internal/model"
)

// SessionRepo defines persistence operations for conversation sessions.
type SessionRepo interface {
	Create(ctx context.Context, session *model.ConversationSession) error
	GetByID(ctx context.Context, id string) (*model.ConversationSession, error)
	GetActive(ctx context.Context, userID string) (*model.ConversationSession, error)
	Update(ctx context.Context, session *model.ConversationSession) error
}

// SessionService manages durable per-session metadata across queries.
// Ephemeral anti-repetition/pronoun state lives separately in SessionState.
type SessionService struct {
	repo SessionRepo
}

// NewSessionService creates a SessionService.
func NewSessionService(repo SessionRepo) *SessionService {
	return &SessionService{repo: repo}
}

// GetOrCreateActive returns the active session for a user, creating one if none exists.
func (s *SessionService) GetOrCreateActive(ctx context.Context, userID string) (*model.ConversationSession, error) {
	active, err := s.repo.GetActive(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("session.GetOrCreateActive: %w", err)
	}
	if active != nil {
		return active, nil
	}

	session := &model.ConversationSession{
		UserID:           userID,
		TopicsCovered:    []string{},
		DocumentsQueried: []string{},
	}

	if err := s.repo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("session.GetOrCreateActive: create: %w", err)
	}

	slog.Info("conversation session created", "user_id", userID, "session_id", session.ID)
	return session, nil
}

// RecordQuery updates the active session with data from a completed turn.
func (s *SessionService) RecordQuery(ctx context.Context, userID, query string, documentIDs []string, queryType string) error {
	active, err := s.repo.GetActive(ctx, userID)
	if err != nil {
		return fmt.Errorf("session.RecordQuery: get active: %w", err)
	}
	if active == nil {
		slog.Warn("no active session for query recording", "user_id", userID)
		return nil
	}

	active.QueryCount++
	active.LastQueryType = queryType
	active.TopicsCovered = appendUnique(active.TopicsCovered, extractTopicHints(query))
	active.DocumentsQueried = appendUnique(active.DocumentsQueried, documentIDs)

	if err := s.repo.Update(ctx, active); err != nil {
		return fmt.Errorf("session.RecordQuery: update: %w", err)
	}

	return nil
}

// appendUnique appends items to a slice, skipping duplicates.
func appendUnique(existing, items []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, s := range existing {
		seen[s] = true
	}
	for _, s := range items {
		if !seen[s] {
			existing = append(existing, s)
			seen[s] = true
		}
	}
	return existing
}
