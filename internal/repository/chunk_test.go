package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/oceanic-labs/mariner-core/internal/service"
)

// corpusFixture opens a pool against DATABASE_URL and writes a document plus
// chunks directly to the read-only corpus tables — ingestion is out of
// scope for this core, so tests bypass it rather than exercise a write path
// that doesn't exist.
type corpusFixture struct {
	pool       *pgxpool.Pool
	documentID string
}

func setupCorpusFixture(t *testing.T) (*corpusFixture, func()) {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := NewPool(ctx, dbURL, 5)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	docID := uuid.New().String()
	_, err = pool.Exec(ctx, `
		INSERT INTO documents (id, title, number) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`,
		docID, "Test Regulation", "TEST-1",
	)
	if err != nil {
		pool.Close()
		t.Fatalf("insert test document: %v", err)
	}

	return &corpusFixture{pool: pool, documentID: docID}, func() { pool.Close() }
}

func (f *corpusFixture) insertChunk(t *testing.T, content string, vec []float32) string {
	t.Helper()
	ctx := context.Background()
	id := uuid.New().String()
	_, err := f.pool.Exec(ctx, `
		INSERT INTO document_chunks (id, document_id, page_number, chunk_index, content, content_type, confidence, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`,
		id, f.documentID, 1, 0, content, "text", 1.0, pgvector.NewVector(vec),
	)
	if err != nil {
		t.Fatalf("insert test chunk: %v", err)
	}
	return id
}

func TestChunkRepo_SimilaritySearch(t *testing.T) {
	fixture, cleanup := setupCorpusFixture(t)
	defer cleanup()
	repo := NewChunkRepo(fixture.pool)
	ctx := context.Background()

	vec1 := make([]float32, 768)
	vec1[100] = 1.0
	vec2 := make([]float32, 768)
	vec2[200] = 1.0

	fixture.insertChunk(t, "Rule 15: crossing situation "+fixture.documentID, vec1)
	fixture.insertChunk(t, "Rule 9: narrow channels "+fixture.documentID, vec2)

	queryVec := make([]float32, 768)
	queryVec[100] = 1.0

	results, err := repo.SimilaritySearch(ctx, queryVec, 5, 0.9, service.SearchFilter{})
	if err != nil {
		t.Fatalf("SimilaritySearch() error: %v", err)
	}

	found := false
	for _, r := range results {
		if r.Document.ID == fixture.documentID && r.Similarity > 0.99 {
			found = true
		}
	}
	if !found {
		t.Errorf("expected to find our doc %s in results with similarity > 0.99", fixture.documentID)
	}
}

func TestChunkRepo_SimilaritySearch_ScopedToDocument(t *testing.T) {
	fixture, cleanup := setupCorpusFixture(t)
	defer cleanup()
	repo := NewChunkRepo(fixture.pool)
	ctx := context.Background()

	vec := make([]float32, 768)
	vec[300] = 1.0
	fixture.insertChunk(t, "scoped chunk "+fixture.documentID, vec)

	queryVec := make([]float32, 768)
	queryVec[300] = 1.0

	results, err := repo.SimilaritySearch(ctx, queryVec, 10, 0.9, service.SearchFilter{DocumentID: fixture.documentID})
	if err != nil {
		t.Fatalf("SimilaritySearch() error: %v", err)
	}
	for _, r := range results {
		if r.Document.ID != fixture.documentID {
			t.Errorf("expected only documentID %s, got %s", fixture.documentID, r.Document.ID)
		}
	}

	otherResults, err := repo.SimilaritySearch(ctx, queryVec, 10, 0.9, service.SearchFilter{DocumentID: uuid.New().String()})
	if err != nil {
		t.Fatalf("SimilaritySearch(other doc) error: %v", err)
	}
	for _, r := range otherResults {
		if r.Document.ID == fixture.documentID {
			t.Error("document filter should have excluded our fixture chunk")
		}
	}
}

func TestChunkRepo_SimilaritySearch_ThresholdFilters(t *testing.T) {
	fixture, cleanup := setupCorpusFixture(t)
	defer cleanup()
	repo := NewChunkRepo(fixture.pool)
	ctx := context.Background()

	vec := make([]float32, 768)
	vec[400] = 1.0
	fixture.insertChunk(t, "threshold test "+fixture.documentID, vec)

	orthogonalVec := make([]float32, 768)
	orthogonalVec[600] = 1.0

	results, err := repo.SimilaritySearch(ctx, orthogonalVec, 10, 0.5, service.SearchFilter{})
	if err != nil {
		t.Fatalf("SimilaritySearch() error: %v", err)
	}
	for _, r := range results {
		if r.Document.ID == fixture.documentID {
			t.Errorf("threshold test chunk should not appear with orthogonal query, similarity=%f", r.Similarity)
		}
	}
}

func TestChunkRepo_GetByID(t *testing.T) {
	fixture, cleanup := setupCorpusFixture(t)
	defer cleanup()
	repo := NewChunkRepo(fixture.pool)
	ctx := context.Background()

	vec := make([]float32, 768)
	vec[500] = 1.0
	chunkID := fixture.insertChunk(t, "lookup me "+fixture.documentID, vec)

	chunk, doc, err := repo.GetByID(ctx, chunkID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if chunk.ID != chunkID {
		t.Errorf("chunk.ID = %q, want %q", chunk.ID, chunkID)
	}
	if doc.ID != fixture.documentID {
		t.Errorf("doc.ID = %q, want %q", doc.ID, fixture.documentID)
	}
}
