package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/oceanic-labs/mariner-core/internal/model"
	"github.com/oceanic-labs/mariner-core/internal/service"
)

// ChunkRepo implements service.VectorSearcher against the read-only
// maritime-regulation corpus. Ingestion (writing chunks/embeddings) is out
// of scope for the core, so this repo only ever queries.
type ChunkRepo struct {
	pool *pgxpool.Pool
}

// NewChunkRepo creates a ChunkRepo.
func NewChunkRepo(pool *pgxpool.Pool) *ChunkRepo {
	return &ChunkRepo{pool: pool}
}

// Compile-time check.
var _ service.VectorSearcher = (*ChunkRepo)(nil)

// SimilaritySearch finds the top-K chunks most similar to queryVec using
// cosine distance, optionally narrowed by filter.DocumentID/ContentType.
func (r *ChunkRepo) SimilaritySearch(ctx context.Context, queryVec []float32, topK int, threshold float64, filter service.SearchFilter) ([]service.VectorSearchResult, error) {
	embedding := pgvector.NewVector(queryVec)

	query := `
		SELECT
			dc.id, dc.document_id, dc.page_number, dc.chunk_index, dc.content,
			dc.contextual_content, dc.content_type, dc.confidence, dc.image_url,
			dc.created_at, 1 - (dc.embedding <=> $1::vector) AS similarity,
			d.id, d.title, d.number
		FROM document_chunks dc
		JOIN documents d ON dc.document_id = d.id
		WHERE (1 - (dc.embedding <=> $1::vector)) > $2`
	args := []interface{}{embedding, threshold}

	if filter.DocumentID != "" {
		args = append(args, filter.DocumentID)
		query += fmt.Sprintf(" AND d.id = $%d", len(args))
	}
	if filter.ContentType != "" {
		args = append(args, string(filter.ContentType))
		query += fmt.Sprintf(" AND dc.content_type = $%d", len(args))
	}

	args = append(args, topK)
	query += fmt.Sprintf(" ORDER BY dc.embedding <=> $1::vector LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("repository.ChunkRepo.SimilaritySearch: %w", err)
	}
	defer rows.Close()

	var results []service.VectorSearchResult
	for rows.Next() {
		var cr service.VectorSearchResult
		if err := rows.Scan(
			&cr.Chunk.ID, &cr.Chunk.DocumentID, &cr.Chunk.PageNumber, &cr.Chunk.ChunkIndex,
			&cr.Chunk.Content, &cr.Chunk.ContextualContent, &cr.Chunk.ContentType,
			&cr.Chunk.Confidence, &cr.Chunk.ImageURL, &cr.Chunk.CreatedAt, &cr.Similarity,
			&cr.Document.ID, &cr.Document.Title, &cr.Document.Number,
		); err != nil {
			return nil, fmt.Errorf("repository.ChunkRepo.SimilaritySearch: scan: %w", err)
		}
		results = append(results, cr)
	}
	return results, rows.Err()
}

// GetByID fetches a single chunk with its document, used by tool calls that
// need to resolve a citation back to its source.
func (r *ChunkRepo) GetByID(ctx context.Context, chunkID string) (*model.Chunk, *model.Document, error) {
	var c model.Chunk
	var d model.Document
	err := r.pool.QueryRow(ctx, `
		SELECT dc.id, dc.document_id, dc.page_number, dc.chunk_index, dc.content,
		       dc.contextual_content, dc.content_type, dc.confidence, dc.image_url,
		       dc.created_at, d.id, d.title, d.number
		FROM document_chunks dc
		JOIN documents d ON dc.document_id = d.id
		WHERE dc.id = $1`, chunkID,
	).Scan(
		&c.ID, &c.DocumentID, &c.PageNumber, &c.ChunkIndex, &c.Content,
		&c.ContextualContent, &c.ContentType, &c.Confidence, &c.ImageURL,
		&c.CreatedAt, &d.ID, &d.Title, &d.Number,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("repository.ChunkRepo.GetByID: %w", err)
	}
	return &c, &d, nil
}
