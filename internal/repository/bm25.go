package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oceanic-labs/mariner-core/internal/service"
)

// BM25Repository implements service.BM25Searcher using PostgreSQL ts_vector
// full-text search over the read-only maritime-regulation corpus.
type BM25Repository struct {
	pool *pgxpool.Pool
}

// NewBM25Repository creates a BM25Repository.
func NewBM25Repository(pool *pgxpool.Pool) *BM25Repository {
	return &BM25Repository{pool: pool}
}

// Compile-time check.
var _ service.BM25Searcher = (*BM25Repository)(nil)

// FullTextSearch finds chunks matching the query via PostgreSQL full-text
// search, optionally narrowed by filter.DocumentID/ContentType.
func (r *BM25Repository) FullTextSearch(ctx context.Context, query string, topK int, filter service.SearchFilter) ([]service.SparseSearchResult, error) {
	sql := `
		SELECT c.id, c.document_id, c.page_number, c.chunk_index, c.content,
		       c.contextual_content, c.content_type, c.confidence, c.image_url,
		       c.created_at, ts_rank_cd(c.content_tsv, plainto_tsquery('english', $1)) AS rank,
		       d.id, d.title, d.number
		FROM document_chunks c
		JOIN documents d ON c.document_id = d.id
		WHERE c.content_tsv @@ plainto_tsquery('english', $1)`
	args := []interface{}{query}

	if filter.DocumentID != "" {
		args = append(args, filter.DocumentID)
		sql += fmt.Sprintf(" AND d.id = $%d", len(args))
	}
	if filter.ContentType != "" {
		args = append(args, string(filter.ContentType))
		sql += fmt.Sprintf(" AND c.content_type = $%d", len(args))
	}

	args = append(args, topK)
	sql += fmt.Sprintf(" ORDER BY rank DESC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("repository.BM25Repository.FullTextSearch: %w", err)
	}
	defer rows.Close()

	var results []service.SparseSearchResult
	for rows.Next() {
		var sr service.SparseSearchResult
		if err := rows.Scan(
			&sr.Chunk.ID, &sr.Chunk.DocumentID, &sr.Chunk.PageNumber, &sr.Chunk.ChunkIndex,
			&sr.Chunk.Content, &sr.Chunk.ContextualContent, &sr.Chunk.ContentType,
			&sr.Chunk.Confidence, &sr.Chunk.ImageURL, &sr.Chunk.CreatedAt, &sr.Score,
			&sr.Document.ID, &sr.Document.Title, &sr.Document.Number,
		); err != nil {
			return nil, fmt.Errorf("repository.BM25Repository.FullTextSearch: scan: %w", err)
		}
		results = append(results, sr)
	}
	return results, rows.Err()
}
