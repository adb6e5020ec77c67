package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

// GradeVerdict is a chunk's final Tier-2/Tier-3 relevance verdict.
type GradeVerdict string

const (
	GradeRelevant   GradeVerdict = "relevant"
	GradePartial    GradeVerdict = "partial"
	GradeIrrelevant GradeVerdict = "irrelevant"
)

const (
	// tier1AutoPassScore is the fused-score floor above which a chunk passes
	// without spending an LLM call.
	tier1AutoPassScore = 0.8
	// tier1AutoFailScore is the fused-score ceiling below which a chunk fails
	// without spending an LLM call.
	tier1AutoFailScore = 0.3
	// tier2MaxCandidates caps how many chunks reach the mini-judge pass.
	tier2MaxCandidates = 10
	// earlyExitCount is how many passing chunks (auto-pass + relevant) are
	// enough to skip Tier-3 entirely.
	earlyExitCount = 2
	// tier3BatchSize is how many chunks the full grader scores per LLM call.
	tier3BatchSize = 3
	// tier3MaxScore is the top of the Tier-3 0-10 numeric scale.
	tier3MaxScore = 10.0
	// tier2Concurrency bounds how many Tier-2 mini-judge calls run at once.
	tier2Concurrency = 4
)

// GradedChunk pairs a retrieved chunk with its grading verdict and score.
type GradedChunk struct {
	Chunk  RankedChunk
	Tier   int // 1, 2, or 3 — which tier produced the final verdict
	Score  float64
	Passed bool
}

// GraderService implements SPEC_FULL.md §4.E's tiered retrieval grader: a
// cheap fused-score pre-filter, a parallel mini-judge pass, and — only when
// neither settles enough chunks — a full numeric grader.
type GraderService struct {
	client        GenAIClient
	passThreshold float64 // Tier-3 pass threshold, 0-10 scale (Config.GraderPassThreshold)
}

// NewGraderService creates a GraderService. passThreshold is Config.GraderPassThreshold.
func NewGraderService(client GenAIClient, passThreshold float64) *GraderService {
	return &GraderService{client: client, passThreshold: passThreshold}
}

// Grade classifies each candidate chunk against the query, applying Tier-1
// then (if needed) Tier-2 then (if still needed) Tier-3, and returns the
// chunks that passed grading.
func (g *GraderService) Grade(ctx context.Context, query string, chunks []RankedChunk) ([]GradedChunk, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	graded := make([]GradedChunk, len(chunks))
	var undecided []int

	for i, c := range chunks {
		switch {
		case c.Boosted >= tier1AutoPassScore:
			graded[i] = GradedChunk{Chunk: c, Tier: 1, Score: c.Boosted, Passed: true}
		case c.Boosted <= tier1AutoFailScore:
			graded[i] = GradedChunk{Chunk: c, Tier: 1, Score: c.Boosted, Passed: false}
		default:
			undecided = append(undecided, i)
		}
	}

	passCount := countPassed(graded)
	if passCount >= earlyExitCount || len(undecided) == 0 {
		return finalize(graded), nil
	}

	if len(undecided) > tier2MaxCandidates {
		undecided = undecided[:tier2MaxCandidates]
	}

	if err := g.runTier2(ctx, query, chunks, graded, undecided); err != nil {
		return nil, fmt.Errorf("grader.Grade: tier2: %w", err)
	}

	passCount = countPassed(graded)
	var stillUndecided []int
	for _, i := range undecided {
		if graded[i].Tier != 2 {
			stillUndecided = append(stillUndecided, i)
		}
	}
	if passCount >= earlyExitCount || len(stillUndecided) == 0 {
		return finalize(graded), nil
	}

	if err := g.runTier3(ctx, query, chunks, graded, stillUndecided); err != nil {
		return nil, fmt.Errorf("grader.Grade: tier3: %w", err)
	}

	return finalize(graded), nil
}

// runTier2 fans out one LLM mini-judge call per undecided chunk, bounded to
// tier2Concurrency in flight at once via a semaphore channel — the teacher's
// corpus has no capped-fan-out precedent, so the cap is built the way the
// teacher bounds other concurrent resources (DatabaseMaxConns-style).
func (g *GraderService) runTier2(ctx context.Context, query string, chunks []RankedChunk, graded []GradedChunk, indices []int) error {
	grp, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, tier2Concurrency)

	for _, idx := range indices {
		idx := idx
		grp.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()

			verdict, err := g.miniJudge(gctx, query, chunks[idx])
			if err != nil {
				return err
			}
			switch verdict {
			case GradeRelevant:
				graded[idx] = GradedChunk{Chunk: chunks[idx], Tier: 2, Score: 1.0, Passed: true}
			case GradeIrrelevant:
				graded[idx] = GradedChunk{Chunk: chunks[idx], Tier: 2, Score: 0.0, Passed: false}
				// GradePartial leaves the chunk undecided for Tier-3.
			}
			return nil
		})
	}

	return grp.Wait()
}

// miniJudge asks the model for a one-word relevance verdict on a single chunk.
func (g *GraderService) miniJudge(ctx context.Context, query string, chunk RankedChunk) (GradeVerdict, error) {
	system := "You judge whether a retrieved passage is relevant to a question. Respond with exactly one word: RELEVANT, PARTIAL, or IRRELEVANT."
	user := fmt.Sprintf("Question: %s\n\nPassage:\n%s", query, chunk.Chunk.SearchText())

	raw, err := g.client.GenerateContent(ctx, system, user)
	if err != nil {
		return "", fmt.Errorf("grader.miniJudge: %w", err)
	}

	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "RELEVANT":
		return GradeRelevant, nil
	case "IRRELEVANT":
		return GradeIrrelevant, nil
	default:
		return GradePartial, nil
	}
}

// runTier3 scores the still-undecided chunks in batches via a full numeric
// grader, the last resort when Tier-1 and Tier-2 didn't settle enough chunks.
func (g *GraderService) runTier3(ctx context.Context, query string, chunks []RankedChunk, graded []GradedChunk, indices []int) error {
	for start := 0; start < len(indices); start += tier3BatchSize {
		end := start + tier3BatchSize
		if end > len(indices) {
			end = len(indices)
		}
		batch := indices[start:end]

		scores, err := g.scoreBatch(ctx, query, chunks, batch)
		if err != nil {
			return err
		}
		for i, idx := range batch {
			score := scores[i]
			graded[idx] = GradedChunk{
				Chunk:  chunks[idx],
				Tier:   3,
				Score:  score,
				Passed: score >= g.passThreshold,
			}
		}
	}
	return nil
}

type tier3Score struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// scoreBatch asks the model for numeric 0-10 relevance scores for a batch of chunks.
func (g *GraderService) scoreBatch(ctx context.Context, query string, chunks []RankedChunk, indices []int) ([]float64, error) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Question: %s\n\nScore each passage's relevance to the question from 0 to %.0f.\n", query, tier3MaxScore))
	for i, idx := range indices {
		sb.WriteString(fmt.Sprintf("\nPassage %d:\n%s\n", i, chunks[idx].Chunk.SearchText()))
	}
	sb.WriteString("\nRespond with a JSON array of objects: [{\"index\": 0, \"score\": 7.5}, ...]")

	system := "You are a strict relevance grader. Respond with only the requested JSON array, no commentary."
	raw, err := g.client.GenerateContent(ctx, system, sb.String())
	if err != nil {
		return nil, fmt.Errorf("grader.scoreBatch: %w", err)
	}

	var parsed []tier3Score
	if err := json.Unmarshal([]byte(extractJSONArray(raw)), &parsed); err != nil {
		// Unparseable response: treat the whole batch as borderline-fail
		// rather than erroring the grading pass out entirely.
		scores := make([]float64, len(indices))
		for i := range scores {
			scores[i] = g.passThreshold - 0.1
		}
		return scores, nil
	}

	scores := make([]float64, len(indices))
	for _, p := range parsed {
		if p.Index >= 0 && p.Index < len(scores) {
			scores[p.Index] = p.Score
		}
	}
	return scores, nil
}

// extractJSONArray trims leading/trailing prose the model sometimes wraps
// the JSON array in, isolating the outermost [...] span.
func extractJSONArray(raw string) string {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start == -1 || end == -1 || end < start {
		return raw
	}
	return raw[start : end+1]
}

func countPassed(graded []GradedChunk) int {
	count := 0
	for _, g := range graded {
		if g.Passed {
			count++
		}
	}
	return count
}

// finalize collects only the chunks that passed grading, preserving order.
func finalize(graded []GradedChunk) []GradedChunk {
	result := make([]GradedChunk, 0, len(graded))
	for _, g := range graded {
		if g.Passed {
			result = append(result, g)
		}
	}
	return result
}
