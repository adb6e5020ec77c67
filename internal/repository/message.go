package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oceanic-labs/mariner-core/internal/model"
)

// MessageRepo implements durable chat history persistence with pgx. Writes
// are idempotent on message id (SPEC_FULL.md §4.O/§7) via ON CONFLICT DO
// NOTHING, since the orchestrator's background stage may retry once on a
// TRANSIENT failure without double-inserting the same turn.
type MessageRepo struct {
	pool *pgxpool.Pool
}

// NewMessageRepo creates a MessageRepo.
func NewMessageRepo(pool *pgxpool.Pool) *MessageRepo {
	return &MessageRepo{pool: pool}
}

// Insert persists a chat message, ignoring a duplicate id.
func (r *MessageRepo) Insert(ctx context.Context, msg *model.ChatMessage) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO chat_messages (id, session_id, user_id, role, content, is_blocked, block_reason, summarized_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), now())
		ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.SessionID, msg.UserID, msg.Role, msg.Content, msg.IsBlocked, msg.BlockReason, msg.SummarizedBy,
	)
	if err != nil {
		return fmt.Errorf("repository.Message.Insert: %w", err)
	}
	return nil
}

// ListBySession returns messages for a session in chronological order,
// newest-limited to the given window (SPEC_FULL.md §4.O context window 50).
func (r *MessageRepo) ListBySession(ctx context.Context, sessionID string, limit int) ([]model.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, session_id, user_id, role, content, is_blocked, coalesce(block_reason, ''), coalesce(summarized_by, ''), created_at
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("repository.Message.ListBySession: %w", err)
	}
	defer rows.Close()

	var out []model.ChatMessage
	for rows.Next() {
		var m model.ChatMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &m.Role, &m.Content, &m.IsBlocked, &m.BlockReason, &m.SummarizedBy, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("repository.Message.ListBySession: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository.Message.ListBySession: %w", err)
	}
	// Reverse to chronological order (oldest first) for context-building.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ListByUser returns a user's messages across sessions, most recent first,
// for the history HTTP surface.
func (r *MessageRepo) ListByUser(ctx context.Context, userID string, limit int) ([]model.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, session_id, user_id, role, content, is_blocked, coalesce(block_reason, ''), coalesce(summarized_by, ''), created_at
		FROM chat_messages
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("repository.Message.ListByUser: %w", err)
	}
	defer rows.Close()

	var out []model.ChatMessage
	for rows.Next() {
		var m model.ChatMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &m.Role, &m.Content, &m.IsBlocked, &m.BlockReason, &m.SummarizedBy, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("repository.Message.ListByUser: scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteByUser removes a user's entire chat history.
func (r *MessageRepo) DeleteByUser(ctx context.Context, userID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM chat_messages WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("repository.Message.DeleteByUser: %w", err)
	}
	return nil
}
