package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/oceanic-labs/mariner-core/internal/model"
)

// FactRepo handles user_facts persistence: at most one row per (user_id, fact_type).
type FactRepo struct {
	pool *pgxpool.Pool
}

// NewFactRepo creates a FactRepo.
func NewFactRepo(pool *pgxpool.Pool) *FactRepo {
	return &FactRepo{pool: pool}
}

// Upsert writes a fact, replacing any existing fact of the same type for the user.
func (r *FactRepo) Upsert(ctx context.Context, f *model.Fact) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	vec := pgvector.NewVector(f.Embedding)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_facts (id, user_id, fact_type, value, embedding, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (user_id, fact_type)
		DO UPDATE SET value = EXCLUDED.value, embedding = EXCLUDED.embedding,
			confidence = EXCLUDED.confidence, created_at = now()
	`, f.ID, f.UserID, string(f.FactType), f.Value, vec, f.Confidence)
	return err
}

// ListByUser returns every fact for a user, at most one per fact type.
func (r *FactRepo) ListByUser(ctx context.Context, userID string) ([]model.Fact, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, fact_type, value, confidence, created_at
		FROM user_facts WHERE user_id = $1
		ORDER BY fact_type
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var facts []model.Fact
	for rows.Next() {
		var f model.Fact
		var factType string
		if err := rows.Scan(&f.ID, &f.UserID, &factType, &f.Value, &f.Confidence, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.FactType = model.FactType(factType)
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// Count returns the number of facts held for a user, used to enforce the ≤50 cap.
func (r *FactRepo) Count(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM user_facts WHERE user_id = $1`, userID).Scan(&n)
	return n, err
}

// DeleteOldest removes the single oldest fact for a user, used when the cap is hit
// and the incoming fact is a genuinely new type rather than an upsert.
func (r *FactRepo) DeleteOldest(ctx context.Context, userID string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM user_facts WHERE id = (
			SELECT id FROM user_facts WHERE user_id = $1 ORDER BY created_at ASC LIMIT 1
		)
	`, userID)
	if err != nil && err != pgx.ErrNoRows {
		return err
	}
	return nil
}
