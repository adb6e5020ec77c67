package service

import (
	"context"
	"fmt"
	"log/slog"
)

// CachedAnswer is a generated answer eligible for semantic-cache storage,
// tagged with the verification tier it earned so a CACHE_LOOKUP hit can
// still carry a caveat through to the client.
type CachedAnswer struct {
	Answer     string
	Citations  []CitationRef
	Confidence float64
	Tier       VerifyTier
}

// cragState is one node of the Corrective RAG state machine (SPEC_FULL.md §4.H).
type cragState string

const (
	stateEmbed       cragState = "embed"
	stateCacheLookup cragState = "cache_lookup"
	stateRetrieve    cragState = "retrieve"
	stateGrade       cragState = "grade"
	stateRewrite     cragState = "rewrite"
	stateGenerate    cragState = "generate"
	stateVerify      cragState = "verify"
	stateCacheStore  cragState = "cache_store"
	stateEnd         cragState = "end"
)

// defaultCRAGMaxAttempts bounds how many retrieve→grade→rewrite cycles run before
// CRAG gives up and generates with whatever it has (Config.CRAGMaxAttempts).
const defaultCRAGMaxAttempts = 2

// SemanticCacher abstracts the embedding-keyed answer cache so CRAG doesn't
// import the cache package directly (cache already imports service for
// CitationRef/CachedAnswer; importing back would cycle).
type SemanticCacher interface {
	Get(userID string, queryVec []float32) (*CachedAnswer, bool)
	Set(userID string, queryVec []float32, result CachedAnswer)
}

// CRAGResult is the outcome of running the Corrective RAG pipeline once.
type CRAGResult struct {
	Answer       string
	Citations    []CitationRef
	Confidence   float64
	Tier         VerifyTier
	FromCache    bool
	Warning      string
	Attempts     int
	RewriteNotes []string
	// Gap is set when retrieval never found adequately-grounding material
	// even after the rewrite budget was spent — a candidate for content-gap
	// logging (SPEC_FULL.md §2.C), left for the caller to log asynchronously.
	Gap bool
}

// CRAGService orchestrates SPEC_FULL.md §4.H: embed → cache lookup → retrieve
// → grade → (rewrite → retrieve)* → generate → verify → cache store, with a
// bounded rewrite loop and graceful degradation when grading never clears.
type CRAGService struct {
	retriever   *RetrieverService
	grader      *GraderService
	rewriter    *RewriterService
	generator   *GeneratorService
	verifier    *VerifierService
	cache       SemanticCacher
	maxAttempts int
}

// NewCRAGService creates a CRAGService. cache may be nil, in which case
// CACHE_LOOKUP/CACHE_STORE are skipped and every call runs the full pipeline.
func NewCRAGService(retriever *RetrieverService, grader *GraderService, rewriter *RewriterService, generator *GeneratorService, verifier *VerifierService, cache SemanticCacher, maxAttempts int) *CRAGService {
	if maxAttempts <= 0 {
		maxAttempts = defaultCRAGMaxAttempts
	}
	return &CRAGService{
		retriever:   retriever,
		grader:      grader,
		rewriter:    rewriter,
		generator:   generator,
		verifier:    verifier,
		cache:       cache,
		maxAttempts: maxAttempts,
	}
}

// WithGenerator returns a shallow copy of the service using gen in place of
// the configured generator, letting a single request swap in a BYOLLM
// client (SPEC_FULL.md §2.C) without disturbing the shared retrieval/
// grading/caching pipeline.
func (s *CRAGService) WithGenerator(gen *GeneratorService) *CRAGService {
	clone := *s
	clone.generator = gen
	return &clone
}

// Run executes the CRAG state machine for a single query.
func (s *CRAGService) Run(ctx context.Context, userID, query string, filter SearchFilter, opts GenerateOpts) (*CRAGResult, error) {
	state := stateEmbed

	vecs, err := s.retriever.Embedder().Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("crag.Run: embed: %w", err)
	}
	queryVec := vecs[0]
	state = stateCacheLookup

	if s.cache != nil {
		if cached, ok := s.cache.Get(userID, queryVec); ok {
			slog.Info("[CRAG] cache hit", "user_id", userID, "state", stateCacheLookup)
			return &CRAGResult{
				Answer:     cached.Answer,
				Citations:  cached.Citations,
				Confidence: cached.Confidence,
				Tier:       cached.Tier,
				FromCache:  true,
			}, nil
		}
	}

	state = stateRetrieve
	currentQuery := query
	var rewriteNotes []string
	var graded []GradedChunk
	attempts := 0

	for {
		attempts++
		result, err := s.retriever.RetrieveWithVec(ctx, currentQuery, queryVec, filter)
		if err != nil {
			return nil, fmt.Errorf("crag.Run: retrieve: %w", err)
		}

		state = stateGrade
		graded, err = s.grader.Grade(ctx, currentQuery, result.Chunks)
		if err != nil {
			return nil, fmt.Errorf("crag.Run: grade: %w", err)
		}

		if len(graded) > 0 || attempts >= s.maxAttempts {
			break
		}

		state = stateRewrite
		rewrite, err := s.rewriter.Rewrite(ctx, query, "no chunks scored above the relevance threshold", rewriteNotes)
		if err != nil {
			slog.Warn("crag.Run: rewrite failed, generating with empty context", "error", err)
			break
		}
		rewriteNotes = append(rewriteNotes, rewrite.RewrittenQuery)
		currentQuery = rewrite.RewrittenQuery
		state = stateRetrieve
	}

	chunks := make([]RankedChunk, len(graded))
	for i, g := range graded {
		chunks[i] = g.Chunk
	}

	state = stateGenerate
	genResult, err := s.generator.Generate(ctx, query, chunks, opts)
	if err != nil {
		return nil, fmt.Errorf("crag.Run: generate: %w", err)
	}

	warning := ""
	if len(chunks) == 0 {
		warning = "no sufficiently relevant source material was found; this answer may be incomplete"
	}

	state = stateVerify
	verify, err := s.verifier.Verify(query, chunks, genResult)
	if err != nil {
		return nil, fmt.Errorf("crag.Run: verify: %w", err)
	}

	if verify.Tier == VerifyLow && attempts < s.maxAttempts && warning == "" {
		rewrite, rerr := s.rewriter.Rewrite(ctx, query, "generated answer failed grounding verification", rewriteNotes)
		if rerr == nil {
			retryResult, retryErr := s.retriever.RetrieveWithVec(ctx, rewrite.RewrittenQuery, queryVec, filter)
			if retryErr == nil {
				retryGraded, gerr := s.grader.Grade(ctx, rewrite.RewrittenQuery, retryResult.Chunks)
				if gerr == nil && len(retryGraded) > 0 {
					retryChunks := make([]RankedChunk, len(retryGraded))
					for i, g := range retryGraded {
						retryChunks[i] = g.Chunk
					}
					if regenResult, regenErr := s.generator.Generate(ctx, query, retryChunks, opts); regenErr == nil {
						if reverify, verr := s.verifier.Verify(query, retryChunks, regenResult); verr == nil {
							genResult, verify, chunks = regenResult, reverify, retryChunks
						}
					}
				}
			}
		}
	}

	if verify.Tier == VerifyLow {
		warning = "this answer could not be fully verified against the source material; treat it as provisional"
	} else if verify.Tier == VerifyMedium && warning == "" {
		warning = "this answer is partially grounded in the available source material"
	}

	final := &CRAGResult{
		Answer:       genResult.Answer,
		Citations:    verify.Citations,
		Confidence:   verify.Confidence,
		Tier:         verify.Tier,
		Warning:      warning,
		Attempts:     attempts,
		RewriteNotes: rewriteNotes,
		Gap:          len(chunks) == 0 || verify.Tier == VerifyLow,
	}

	if s.cache != nil && (verify.Tier == VerifyHigh || verify.Tier == VerifyMedium) {
		state = stateCacheStore
		s.cache.Set(userID, queryVec, CachedAnswer{
			Answer:     final.Answer,
			Citations:  final.Citations,
			Confidence: final.Confidence,
			Tier:       final.Tier,
		})
	}

	state = stateEnd
	slog.Info("[CRAG] completed", "user_id", userID, "final_state", state, "tier", verify.Tier, "attempts", attempts)
	return final, nil
}
