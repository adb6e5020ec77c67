package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/oceanic-labs/mariner-core/internal/model"
)

// SummaryRepo handles session_summaries persistence.
type SummaryRepo struct {
	pool *pgxpool.Pool
}

// NewSummaryRepo creates a SummaryRepo.
func NewSummaryRepo(pool *pgxpool.Pool) *SummaryRepo {
	return &SummaryRepo{pool: pool}
}

// Insert stores a new summary covering a contiguous message range.
func (r *SummaryRepo) Insert(ctx context.Context, s *model.Summary) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	vec := pgvector.NewVector(s.Embedding)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO session_summaries (id, user_id, session_id, content, embedding, covers_from, covers_to, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
	`, s.ID, s.UserID, s.SessionID, s.Content, vec, s.CoversFrom, s.CoversTo)
	return err
}

// GetLatestForSession returns the most recent summary for a session, if any.
func (r *SummaryRepo) GetLatestForSession(ctx context.Context, sessionID string) (*model.Summary, error) {
	s := &model.Summary{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, session_id, content, covers_from, covers_to, created_at
		FROM session_summaries WHERE session_id = $1
		ORDER BY created_at DESC LIMIT 1
	`, sessionID).Scan(&s.ID, &s.UserID, &s.SessionID, &s.Content, &s.CoversFrom, &s.CoversTo, &s.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}
