package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oceanic-labs/mariner-core/internal/model"
)

// SessionRepo implements conversation session persistence with pgx.
type SessionRepo struct {
	pool *pgxpool.Pool
}

// NewSessionRepo creates a SessionRepo.
func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

func (r *SessionRepo) Create(ctx context.Context, session *model.ConversationSession) error {
	now := time.Now().UTC()
	err := r.pool.QueryRow(ctx, `
		INSERT INTO conversation_sessions (id, user_id, topics_covered, documents_queried, query_count, last_query_type, started_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6)
		RETURNING id, started_at`,
		session.UserID, session.TopicsCovered, session.DocumentsQueried,
		session.QueryCount, session.LastQueryType, now,
	).Scan(&session.ID, &session.StartedAt)
	if err != nil {
		return fmt.Errorf("repository.Session.Create: %w", err)
	}
	return nil
}

func (r *SessionRepo) GetByID(ctx context.Context, id string) (*model.ConversationSession, error) {
	s := &model.ConversationSession{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, topics_covered, documents_queried, query_count, last_query_type, started_at
		FROM conversation_sessions WHERE id = $1`, id,
	).Scan(&s.ID, &s.UserID, &s.TopicsCovered, &s.DocumentsQueried, &s.QueryCount, &s.LastQueryType, &s.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("repository.Session.GetByID: %w", err)
	}
	return s, nil
}

// GetActive returns the most recently started session within the last 24h,
// treating it as the user's active conversation.
func (r *SessionRepo) GetActive(ctx context.Context, userID string) (*model.ConversationSession, error) {
	s := &model.ConversationSession{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, topics_covered, documents_queried, query_count, last_query_type, started_at
		FROM conversation_sessions
		WHERE user_id = $1 AND started_at > now() - interval '24 hours'
		ORDER BY started_at DESC LIMIT 1`, userID,
	).Scan(&s.ID, &s.UserID, &s.TopicsCovered, &s.DocumentsQueried, &s.QueryCount, &s.LastQueryType, &s.StartedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("repository.Session.GetActive: %w", err)
	}
	return s, nil
}

func (r *SessionRepo) Update(ctx context.Context, session *model.ConversationSession) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE conversation_sessions
		SET topics_covered = $1, documents_queried = $2, query_count = $3, last_query_type = $4
		WHERE id = $5`,
		session.TopicsCovered, session.DocumentsQueried, session.QueryCount, session.LastQueryType, session.ID,
	)
	if err != nil {
		return fmt.Errorf("repository.Session.Update: %w", err)
	}
	return nil
}
