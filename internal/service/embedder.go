package service

import (
	"context"
	"fmt"
	"math"
)

const (
	// maxBatchSize is the max texts per embedding API call (SPEC_FULL.md §4.A: ≤100).
	maxBatchSize = 100
	// embeddingDimensions is the expected vector dimensionality.
	embeddingDimensions = 768
)

// EmbedTask steers the upstream embedding model toward an asymmetric
// retrieval space. Query and document text are embedded differently so
// that cosine similarity between the two is meaningful.
type EmbedTask string

const (
	EmbedTaskQuery    EmbedTask = "query"
	EmbedTaskDocument EmbedTask = "document"
)

// EmbeddingClient abstracts the upstream embedding API for testability.
type EmbeddingClient interface {
	EmbedTexts(ctx context.Context, texts []string, task EmbedTask) ([][]float32, error)
}

// EmbedderService implements SPEC_FULL.md §4.A Embedding Client.
type EmbedderService struct {
	client EmbeddingClient
}

// NewEmbedderService creates an EmbedderService.
func NewEmbedderService(client EmbeddingClient) *EmbedderService {
	return &EmbedderService{client: client}
}

// Embed generates L2-normalized embeddings for texts, batching at ≤100 per
// upstream call and preserving input order in the returned slice.
func (s *EmbedderService) Embed(ctx context.Context, task EmbedTask, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("service.Embed: no texts provided")
	}

	allVectors := make([][]float32, 0, len(texts))

	for i := 0; i < len(texts); i += maxBatchSize {
		end := i + maxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[i:end]

		vectors, err := s.client.EmbedTexts(ctx, batch, task)
		if err != nil {
			return nil, fmt.Errorf("service.Embed: batch %d-%d: %w", i, end, err)
		}

		for j, vec := range vectors {
			if len(vec) != embeddingDimensions {
				return nil, fmt.Errorf("service.Embed: vector %d has %d dimensions, want %d", i+j, len(vec), embeddingDimensions)
			}
			vectors[j] = l2Normalize(vec)
		}

		allVectors = append(allVectors, vectors...)
	}

	if len(allVectors) != len(texts) {
		return nil, fmt.Errorf("service.Embed: got %d vectors for %d texts", len(allVectors), len(texts))
	}

	return allVectors, nil
}

// EmbedQuery is a convenience wrapper for the common single-query case used
// by hybrid search and the semantic cache.
func (s *EmbedderService) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vecs, err := s.Embed(ctx, EmbedTaskQuery, []string{query})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// l2Normalize normalizes a vector to unit length (L2 norm = 1).
func l2Normalize(vec []float32) []float32 {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return vec
	}

	result := make([]float32, len(vec))
	for i, v := range vec {
		result[i] = float32(float64(v) / norm)
	}
	return result
}
