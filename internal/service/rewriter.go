package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// RewriteResult is the output of one query-rewrite pass.
type RewriteResult struct {
	RewrittenQuery string   `json:"rewrittenQuery"`
	Reasoning      string   `json:"reasoning"`
	AddedTerms     []string `json:"addedTerms"`
}

// RewriterService analyzes a query that failed grading and proposes a
// better-targeted replacement for the next retrieval attempt.
type RewriterService struct {
	client GenAIClient
}

// NewRewriterService creates a RewriterService.
func NewRewriterService(client GenAIClient) *RewriterService {
	return &RewriterService{client: client}
}

const rewriteSystemPrompt = `You rewrite search queries that failed to retrieve relevant passages from a maritime training corpus.
Given the original question and why retrieval came up short, produce a rewritten query that:
- expands abbreviations and informal phrasing into the corpus's likely terminology
- adds specific regulation numbers, equipment names, or procedure names if implied
- stays a single focused question, not a list

Respond with only JSON: {"rewrittenQuery": "...", "reasoning": "...", "addedTerms": ["..."]}`

// Rewrite proposes a replacement query. failureReason describes why the
// previous attempt didn't pass grading (e.g. "no chunks scored above
// threshold" or "chunks were off-topic").
func (s *RewriterService) Rewrite(ctx context.Context, originalQuery, failureReason string, priorAttempts []string) (*RewriteResult, error) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Original question: %s\n", originalQuery))
	sb.WriteString(fmt.Sprintf("Why retrieval fell short: %s\n", failureReason))
	if len(priorAttempts) > 0 {
		sb.WriteString("Already-tried rewrites (avoid repeating these):\n")
		for _, a := range priorAttempts {
			sb.WriteString("- " + a + "\n")
		}
	}

	raw, err := s.client.GenerateContent(ctx, rewriteSystemPrompt, sb.String())
	if err != nil {
		return nil, fmt.Errorf("rewriter.Rewrite: %w", err)
	}

	result, err := parseRewriteResponse(raw, originalQuery)
	if err != nil {
		return nil, fmt.Errorf("rewriter.Rewrite: parse: %w", err)
	}
	return result, nil
}

// parseRewriteResponse extracts the rewritten query JSON, stripping markdown
// fences the model sometimes wraps the response in.
func parseRewriteResponse(raw, fallback string) (*RewriteResult, error) {
	cleaned := strings.TrimSpace(raw)
	if strings.HasPrefix(cleaned, "```") {
		lines := strings.Split(cleaned, "\n")
		if len(lines) >= 3 {
			cleaned = strings.Join(lines[1:len(lines)-1], "\n")
		}
	}
	cleaned = strings.TrimSpace(cleaned)

	var result RewriteResult
	if err := json.Unmarshal([]byte(cleaned), &result); err != nil {
		// Unparseable rewrite: fall back to the unmodified original query
		// rather than failing the CRAG loop outright.
		return &RewriteResult{RewrittenQuery: fallback, Reasoning: "rewrite response unparseable, retrying original"}, nil
	}
	if result.RewrittenQuery == "" {
		result.RewrittenQuery = fallback
	}
	return &result, nil
}
