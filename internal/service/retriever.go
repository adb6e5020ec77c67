package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/oceanic-labs/mariner-core/internal/model"
	"golang.org/x/sync/errgroup"
)

const (
	// defaultDenseTopK is Nd in SPEC_FULL.md §4.B.
	defaultDenseTopK = 20
	// defaultSparseTopK is Ns in SPEC_FULL.md §4.B.
	defaultSparseTopK = 20
	// defaultThreshold is the minimum cosine similarity for dense candidates.
	defaultThreshold = 0.35
	// defaultReturnLimit is the default top-k returned to the caller.
	defaultReturnLimit = 10
	// maxChunksPerDocument limits how many chunks from one document survive dedup.
	maxChunksPerDocument = 2

	// rrfK is the RRF smoothing constant.
	rrfK = 60
	// titleNumberBoost multiplies the RRF score when the chunk's document
	// title/number matches a numeric identifier or proper noun in the query.
	titleNumberBoost = 3.0
	// sparsePriorityBoost multiplies the RRF score when the sparse score is high.
	sparsePriorityBoost = 1.5
	// sparsePriorityFloor is the sparse-score threshold that triggers the boost.
	sparsePriorityFloor = 15.0
)

// SearchFilter narrows hybrid search to a subset of the corpus.
type SearchFilter struct {
	DocumentID    string
	ContentType   model.ContentType
	MinConfidence float64
}

// VectorSearchResult is one dense-search hit.
type VectorSearchResult struct {
	Chunk      model.Chunk
	Document   model.Document
	Similarity float64
}

// SparseSearchResult is one lexical-search hit.
type SparseSearchResult struct {
	Chunk    model.Chunk
	Document model.Document
	Score    float64
}

// VectorSearcher abstracts dense similarity search for testability.
type VectorSearcher interface {
	SimilaritySearch(ctx context.Context, queryVec []float32, topK int, threshold float64, filter SearchFilter) ([]VectorSearchResult, error)
}

// QueryEmbedder abstracts query embedding for testability.
type QueryEmbedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// BM25Searcher abstracts lexical full-text search for testability.
type BM25Searcher interface {
	FullTextSearch(ctx context.Context, query string, topK int, filter SearchFilter) ([]SparseSearchResult, error)
}

// RankedChunk is a chunk with its fused, boosted score and per-signal breakdown.
type RankedChunk struct {
	Chunk       model.Chunk    `json:"chunk"`
	Document    model.Document `json:"document"`
	DenseScore  float64        `json:"denseScore"`
	SparseScore float64        `json:"sparseScore"`
	RRF         float64        `json:"rrf"`
	Boosted     float64        `json:"boosted"`
}

// RetrievalResult is the output of hybrid search.
type RetrievalResult struct {
	Chunks          []RankedChunk `json:"chunks"`
	QueryEmbedding  []float32     `json:"-"`
	TotalCandidates int           `json:"totalCandidates"`
	Degraded        bool          `json:"degraded"`
	DegradeReason   string        `json:"degradeReason,omitempty"`
}

// RetrieverService implements SPEC_FULL.md §4.B Hybrid Search.
type RetrieverService struct {
	embedder QueryEmbedder
	dense    VectorSearcher
	sparse   BM25Searcher
	topK     int
}

// NewRetrieverService creates a RetrieverService. sparse may be nil, in which
// case retrieval degrades to dense-only for every request.
func NewRetrieverService(embedder QueryEmbedder, dense VectorSearcher, sparse BM25Searcher) *RetrieverService {
	return &RetrieverService{embedder: embedder, dense: dense, sparse: sparse, topK: defaultReturnLimit}
}

// Embedder returns the underlying QueryEmbedder so callers can embed once and
// reuse the vector (e.g. for a simultaneous semantic-cache lookup).
func (s *RetrieverService) Embedder() QueryEmbedder {
	return s.embedder
}

// Retrieve embeds the query and performs hybrid search with the default top-k.
func (s *RetrieverService) Retrieve(ctx context.Context, query string, filter SearchFilter) (*RetrievalResult, error) {
	if query == "" {
		return nil, fmt.Errorf("service.Retrieve: query is empty")
	}
	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("service.Retrieve: embed: %w", err)
	}
	return s.RetrieveWithVec(ctx, query, vecs[0], filter)
}

// RetrieveWithVec performs hybrid search using a pre-computed query embedding,
// letting the caller embed once and fan out to cache-lookup and retrieval in
// parallel.
func (s *RetrieverService) RetrieveWithVec(ctx context.Context, query string, queryVec []float32, filter SearchFilter) (*RetrievalResult, error) {
	topK := s.topK
	if topK <= 0 {
		topK = defaultReturnLimit
	}

	var (
		denseResults  []VectorSearchResult
		sparseResults []SparseSearchResult
		denseErr      error
		sparseErr     error
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		denseResults, denseErr = s.dense.SimilaritySearch(gCtx, queryVec, defaultDenseTopK, defaultThreshold, filter)
		return nil // degrade, don't cancel the sibling call
	})
	if s.sparse != nil && query != "" {
		g.Go(func() error {
			sparseResults, sparseErr = s.sparse.FullTextSearch(gCtx, query, defaultSparseTopK, filter)
			return nil
		})
	}
	_ = g.Wait()

	degraded := false
	var degradeReason string
	switch {
	case denseErr != nil && sparseErr != nil:
		slog.Error("service.Retrieve: both dense and sparse search failed", "dense_err", denseErr, "sparse_err", sparseErr)
		return &RetrievalResult{Chunks: []RankedChunk{}, QueryEmbedding: queryVec, Degraded: true, DegradeReason: "dense and sparse search both failed"}, nil
	case denseErr != nil:
		slog.Warn("service.Retrieve: dense search failed, degrading to sparse-only", "error", denseErr)
		degraded, degradeReason = true, "dense search failed"
	case sparseErr != nil:
		slog.Warn("service.Retrieve: sparse search failed, degrading to dense-only", "error", sparseErr)
		degraded, degradeReason = true, "sparse search failed"
	}

	fused := fuse(denseResults, sparseResults)
	applyBoosts(fused, query)

	sort.Slice(fused, func(i, j int) bool { return fused[i].Boosted > fused[j].Boosted })
	deduped := deduplicate(fused, maxChunksPerDocument)

	if topK > len(deduped) {
		topK = len(deduped)
	}

	return &RetrievalResult{
		Chunks:          deduped[:topK],
		QueryEmbedding:  queryVec,
		TotalCandidates: len(fused),
		Degraded:        degraded,
		DegradeReason:   degradeReason,
	}, nil
}

// fuse combines dense and sparse result lists via Reciprocal Rank Fusion:
// rrf(c) = sum(1/(k+rank+1)) over every list containing c. A chunk present
// in both lists accumulates both terms, so adding it to the sparse list can
// never decrease its fused score.
func fuse(dense []VectorSearchResult, sparse []SparseSearchResult) []RankedChunk {
	byID := make(map[string]*RankedChunk)
	order := make([]string, 0, len(dense)+len(sparse))

	get := func(id string, chunk model.Chunk, doc model.Document) *RankedChunk {
		rc, ok := byID[id]
		if !ok {
			rc = &RankedChunk{Chunk: chunk, Document: doc}
			byID[id] = rc
			order = append(order, id)
		}
		return rc
	}

	for rank, d := range dense {
		rc := get(d.Chunk.ID, d.Chunk, d.Document)
		rc.DenseScore = d.Similarity
		rc.RRF += 1.0 / float64(rrfK+rank+1)
	}
	for rank, sp := range sparse {
		rc := get(sp.Chunk.ID, sp.Chunk, sp.Document)
		rc.SparseScore = sp.Score
		rc.RRF += 1.0 / float64(rrfK+rank+1)
	}

	out := make([]RankedChunk, len(order))
	for i, id := range order {
		out[i] = *byID[id]
	}
	return out
}

// numericOrProperNoun matches tokens in a query that look like a
// regulation number ("Rule 15", "Annex IV") or a capitalized domain term.
var numericOrProperNoun = regexp.MustCompile(`\b([A-Z][a-zA-Z]{2,}|\d+[A-Za-z]?)\b`)

// applyBoosts mutates each RankedChunk's Boosted field: title/number boost
// ×3.0 when the chunk's document title/number matches a salient query
// token; sparse-priority boost ×1.5 when the sparse score is high.
func applyBoosts(chunks []RankedChunk, query string) {
	tokens := numericOrProperNoun.FindAllString(query, -1)
	for i := range chunks {
		boosted := chunks[i].RRF
		if matchesAny(chunks[i].Document.Title, chunks[i].Document.Number, tokens) {
			boosted *= titleNumberBoost
		}
		if chunks[i].SparseScore >= sparsePriorityFloor {
			boosted *= sparsePriorityBoost
		}
		chunks[i].Boosted = boosted
	}
}

func matchesAny(title, number string, tokens []string) bool {
	if title == "" && number == "" {
		return false
	}
	haystack := strings.ToLower(title + " " + number)
	for _, t := range tokens {
		if t != "" && strings.Contains(haystack, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

// deduplicate limits the number of chunks surviving from any single document.
func deduplicate(ranked []RankedChunk, maxPerDoc int) []RankedChunk {
	docCount := make(map[string]int)
	result := make([]RankedChunk, 0, len(ranked))
	for _, r := range ranked {
		if docCount[r.Document.ID] >= maxPerDoc {
			continue
		}
		docCount[r.Document.ID]++
		result = append(result, r)
	}
	return result
}

// l2NormOf reports the L2 norm of v.
func l2NormOf(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
