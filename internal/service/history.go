package service

import (
	"context"
	"fmt"

	"github.com/oceanic-labs/mariner-core/internal/model"
)

// MessageStore abstracts durable chat history persistence for testability.
type MessageStore interface {
	Insert(ctx context.Context, msg *model.ChatMessage) error
	ListBySession(ctx context.Context, sessionID string, limit int) ([]model.ChatMessage, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]model.ChatMessage, error)
	DeleteByUser(ctx context.Context, userID string) error
}

const defaultHistoryWindow = 50

// HistoryService wraps MessageStore for the Context stage (§4.O stage 3,
// window 50, blocked messages excluded) and the history HTTP surface.
type HistoryService struct {
	store MessageStore
}

// NewHistoryService creates a HistoryService.
func NewHistoryService(store MessageStore) *HistoryService {
	return &HistoryService{store: store}
}

// Record persists a single turn. Idempotent on msg.ID.
func (h *HistoryService) Record(ctx context.Context, msg *model.ChatMessage) error {
	if err := h.store.Insert(ctx, msg); err != nil {
		return fmt.Errorf("service.History.Record: %w", err)
	}
	return nil
}

// RecentContext returns the last window messages for a session, excluding
// blocked turns and anything already folded into a summary.
func (h *HistoryService) RecentContext(ctx context.Context, sessionID string) ([]model.ChatMessage, error) {
	all, err := h.store.ListBySession(ctx, sessionID, defaultHistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("service.History.RecentContext: %w", err)
	}
	out := make([]model.ChatMessage, 0, len(all))
	for _, m := range all {
		if m.IsBlocked || m.SummarizedBy != "" {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// ForUser returns a user's chat history across sessions, most recent first.
func (h *HistoryService) ForUser(ctx context.Context, userID string, limit int) ([]model.ChatMessage, error) {
	return h.store.ListByUser(ctx, userID, limit)
}

// DeleteForUser removes a user's entire chat history.
func (h *HistoryService) DeleteForUser(ctx context.Context, userID string) error {
	return h.store.DeleteByUser(ctx, userID)
}
