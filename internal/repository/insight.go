package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/oceanic-labs/mariner-core/internal/model"
)

// InsightRepo handles user_insights persistence.
type InsightRepo struct {
	pool *pgxpool.Pool
}

// NewInsightRepo creates an InsightRepo.
func NewInsightRepo(pool *pgxpool.Pool) *InsightRepo {
	return &InsightRepo{pool: pool}
}

// Insert stores a new insight.
func (r *InsightRepo) Insert(ctx context.Context, in *model.Insight) error {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	notes, _ := json.Marshal(in.EvolutionNotes)
	vec := pgvector.NewVector(in.Embedding)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_insights (id, user_id, category, content, sub_topic, embedding,
			confidence, evolution_notes, created_at, last_accessed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
	`, in.ID, in.UserID, string(in.Category), in.Content, in.SubTopic, vec, in.Confidence, notes)
	return err
}

// Update rewrites an existing insight's content, confidence, and evolution notes.
func (r *InsightRepo) Update(ctx context.Context, in *model.Insight) error {
	notes, _ := json.Marshal(in.EvolutionNotes)
	_, err := r.pool.Exec(ctx, `
		UPDATE user_insights
		SET content = $1, confidence = $2, evolution_notes = $3, last_accessed = now()
		WHERE id = $4
	`, in.Content, in.Confidence, notes, in.ID)
	return err
}

// ListByUser returns all insights for a user.
func (r *InsightRepo) ListByUser(ctx context.Context, userID string) ([]model.Insight, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, category, content, sub_topic, confidence, evolution_notes, created_at, last_accessed
		FROM user_insights WHERE user_id = $1
		ORDER BY last_accessed DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Insight
	for rows.Next() {
		var in model.Insight
		var category string
		var notesRaw []byte
		var subTopic *string
		if err := rows.Scan(&in.ID, &in.UserID, &category, &in.Content, &subTopic,
			&in.Confidence, &notesRaw, &in.CreatedAt, &in.LastAccessed); err != nil {
			return nil, err
		}
		in.Category = model.InsightCategory(category)
		if subTopic != nil {
			in.SubTopic = *subTopic
		}
		_ = json.Unmarshal(notesRaw, &in.EvolutionNotes)
		out = append(out, in)
	}
	return out, rows.Err()
}

// FindSimilar returns insights for a user within cosine distance of queryEmbedding,
// used to decide whether a new observation should merge into an existing insight.
func (r *InsightRepo) FindSimilar(ctx context.Context, userID string, queryEmbedding []float32, threshold float64, limit int) ([]model.Insight, error) {
	vec := pgvector.NewVector(queryEmbedding)
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, category, content, sub_topic, confidence, evolution_notes, created_at, last_accessed
		FROM user_insights
		WHERE user_id = $1 AND (1 - (embedding <=> $2)) >= $3
		ORDER BY (1 - (embedding <=> $2)) DESC
		LIMIT $4
	`, userID, vec, threshold, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Insight
	for rows.Next() {
		var in model.Insight
		var category string
		var notesRaw []byte
		var subTopic *string
		if err := rows.Scan(&in.ID, &in.UserID, &category, &in.Content, &subTopic,
			&in.Confidence, &notesRaw, &in.CreatedAt, &in.LastAccessed); err != nil {
			return nil, err
		}
		in.Category = model.InsightCategory(category)
		if subTopic != nil {
			in.SubTopic = *subTopic
		}
		_ = json.Unmarshal(notesRaw, &in.EvolutionNotes)
		out = append(out, in)
	}
	return out, rows.Err()
}

// Count returns the number of insights held for a user, used to trigger consolidation.
func (r *InsightRepo) Count(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM user_insights WHERE user_id = $1`, userID).Scan(&n)
	return n, err
}

// ReplaceAll atomically swaps a user's full insight set, used after consolidation.
func (r *InsightRepo) ReplaceAll(ctx context.Context, userID string, insights []model.Insight) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM user_insights WHERE user_id = $1`, userID); err != nil {
		return err
	}
	for i := range insights {
		in := &insights[i]
		if in.ID == "" {
			in.ID = uuid.New().String()
		}
		notes, _ := json.Marshal(in.EvolutionNotes)
		vec := pgvector.NewVector(in.Embedding)
		if _, err := tx.Exec(ctx, `
			INSERT INTO user_insights (id, user_id, category, content, sub_topic, embedding,
				confidence, evolution_notes, created_at, last_accessed)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		`, in.ID, userID, string(in.Category), in.Content, in.SubTopic, vec, in.Confidence, notes); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
