package service

import (
	"fmt"
	"strings"
)

// VerifyTier is the grounding tier a generated answer is classified into.
type VerifyTier string

const (
	VerifyHigh   VerifyTier = "high"
	VerifyMedium VerifyTier = "medium"
	VerifyLow    VerifyTier = "low"
)

const (
	highTierThreshold   = 0.75
	mediumTierThreshold = 0.50
	citationRelevanceMin = 0.7
)

// VerifyResult is the output of a single verification pass over a generated answer.
type VerifyResult struct {
	Tier              VerifyTier    `json:"tier"`
	RelevanceScore    float64       `json:"relevanceScore"`
	SupportScore      float64       `json:"supportScore"`
	CompletenessScore float64       `json:"completenessScore"`
	Confidence        float64       `json:"confidence"`
	Citations         []CitationRef `json:"citations"`
	DroppedCitations  []int         `json:"droppedCitations"`
}

// VerifierService scores a generated answer's grounding in the retrieved
// chunks. Unlike the teacher's iterative Self-RAG reflection, this runs a
// single pass — the calling CRAG state machine owns the rewrite/retry loop.
type VerifierService struct {
	useEmbeddings bool
}

// NewVerifierService creates a VerifierService.
func NewVerifierService() *VerifierService {
	return &VerifierService{}
}

// SetUseEmbeddings enables cosine-similarity-based critique instead of
// keyword-overlap heuristics.
func (s *VerifierService) SetUseEmbeddings(use bool) {
	s.useEmbeddings = use
}

// Verify scores a generation result against the chunks that produced it.
func (s *VerifierService) Verify(query string, chunks []RankedChunk, result *GenerationResult) (*VerifyResult, error) {
	if result == nil {
		return nil, fmt.Errorf("service.Verify: result is nil")
	}

	var relevanceScore float64
	var dropped []int
	if s.useEmbeddings {
		relevanceScore, dropped = critiqueRelevanceEmbedding(result.Citations, chunks)
	} else {
		relevanceScore, dropped = critiqueRelevance(result.Citations, query, chunks)
	}

	filtered := filterCitations(result.Citations, dropped)

	var supportScore float64
	if s.useEmbeddings {
		supportScore = critiqueSupportEmbedding(result.Citations, chunks)
	} else {
		supportScore = critiqueSupport(result.Answer, chunks)
	}

	completenessScore := critiqueCompleteness(query, result.Answer)
	confidence := (relevanceScore + supportScore + completenessScore) / 3.0

	tier := VerifyLow
	switch {
	case confidence >= highTierThreshold:
		tier = VerifyHigh
	case confidence >= mediumTierThreshold:
		tier = VerifyMedium
	}

	return &VerifyResult{
		Tier:              tier,
		RelevanceScore:    relevanceScore,
		SupportScore:      supportScore,
		CompletenessScore: completenessScore,
		Confidence:        confidence,
		Citations:         filtered,
		DroppedCitations:  dropped,
	}, nil
}

// critiqueRelevance scores citation relevance and identifies weak ones.
func critiqueRelevance(citations []CitationRef, query string, chunks []RankedChunk) (float64, []int) {
	if len(citations) == 0 {
		return 0.5, nil
	}

	queryWords := strings.Fields(strings.ToLower(query))
	var totalScore float64
	var dropped []int

	for _, cit := range citations {
		score := cit.Relevance
		if score <= 0 {
			score = keywordOverlap(queryWords, strings.ToLower(cit.Excerpt))
		}
		totalScore += score

		if score < citationRelevanceMin {
			dropped = append(dropped, cit.Index)
		}
	}

	return totalScore / float64(len(citations)), dropped
}

// critiqueSupport scores how well the answer's claims are grounded in chunks.
func critiqueSupport(answer string, chunks []RankedChunk) float64 {
	if answer == "" || len(chunks) == 0 {
		return 0.0
	}

	sentences := splitAnswerSentences(answer)
	if len(sentences) == 0 {
		return 0.5
	}

	allChunkContent := ""
	for _, c := range chunks {
		allChunkContent += " " + strings.ToLower(c.Chunk.SearchText())
	}

	supported := 0
	for _, sent := range sentences {
		sentLower := strings.ToLower(sent)
		words := strings.Fields(sentLower)
		matchCount := 0
		for _, w := range words {
			w = stripPunctuation(w)
			if len(w) > 3 && strings.Contains(allChunkContent, w) {
				matchCount++
			}
		}
		if len(words) > 0 && float64(matchCount)/float64(len(words)) > 0.3 {
			supported++
		}
	}

	return float64(supported) / float64(len(sentences))
}

// critiqueCompleteness scores whether the answer fully addresses the query.
func critiqueCompleteness(query, answer string) float64 {
	if answer == "" {
		return 0.0
	}

	queryWords := strings.Fields(strings.ToLower(query))
	answerLower := strings.ToLower(answer)

	if len(queryWords) == 0 {
		return 1.0
	}

	checked := 0
	found := 0
	for _, w := range queryWords {
		w = stripPunctuation(w)
		if len(w) <= 2 {
			continue
		}
		checked++
		stem := w
		if len(stem) > 4 {
			stem = stem[:len(stem)-1]
		}
		if strings.Contains(answerLower, stem) {
			found++
		}
	}

	if checked == 0 {
		return 1.0
	}

	score := float64(found) / float64(checked)

	answerWords := len(strings.Fields(answer))
	if answerWords > 20 {
		score = score*0.8 + 0.2
	}

	if score > 1.0 {
		score = 1.0
	}

	return score
}

// filterCitations removes citations whose indices are in the dropped list.
func filterCitations(citations []CitationRef, droppedIndices []int) []CitationRef {
	if len(droppedIndices) == 0 {
		result := make([]CitationRef, len(citations))
		copy(result, citations)
		return result
	}

	droppedSet := make(map[int]bool, len(droppedIndices))
	for _, idx := range droppedIndices {
		droppedSet[idx] = true
	}

	result := make([]CitationRef, 0, len(citations))
	for _, c := range citations {
		if !droppedSet[c.Index] {
			result = append(result, c)
		}
	}
	return result
}

// keywordOverlap computes the fraction of query words found in the text.
func keywordOverlap(queryWords []string, text string) float64 {
	if len(queryWords) == 0 {
		return 0.5
	}
	found := 0
	for _, w := range queryWords {
		w = stripPunctuation(w)
		if len(w) > 2 && strings.Contains(text, w) {
			found++
		}
	}
	return float64(found) / float64(len(queryWords))
}

// stripPunctuation removes leading/trailing punctuation from a word.
func stripPunctuation(w string) string {
	return strings.TrimFunc(w, func(r rune) bool {
		return r == '.' || r == ',' || r == '!' || r == '?' || r == ';' || r == ':' || r == '"' || r == '\'' || r == '(' || r == ')' || r == '[' || r == ']'
	})
}

// splitAnswerSentences splits an answer into sentences on ". ", "! ", "? ".
func splitAnswerSentences(answer string) []string {
	var sentences []string
	var current strings.Builder

	for i, r := range answer {
		current.WriteRune(r)
		if (r == '.' || r == '!' || r == '?') && i+1 < len(answer) && answer[i+1] == ' ' {
			s := strings.TrimSpace(current.String())
			if s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// critiqueRelevanceEmbedding uses the chunk's dense (cosine) retrieval score
// as a semantic relevance proxy instead of keyword overlap.
func critiqueRelevanceEmbedding(citations []CitationRef, chunks []RankedChunk) (float64, []int) {
	if len(citations) == 0 {
		return 0.5, nil
	}

	chunkSim := make(map[string]float64)
	for _, c := range chunks {
		chunkSim[c.Chunk.ID] = c.DenseScore
	}

	var totalScore float64
	var dropped []int

	for _, cit := range citations {
		score, ok := chunkSim[cit.ChunkID]
		if !ok {
			score = 0.5
		}
		totalScore += score

		if score < 0.5 {
			dropped = append(dropped, cit.Index)
		}
	}

	return totalScore / float64(len(citations)), dropped
}

// critiqueSupportEmbedding uses query-chunk cosine similarity as a proxy for
// answer-chunk grounding.
func critiqueSupportEmbedding(citations []CitationRef, chunks []RankedChunk) float64 {
	if len(citations) == 0 || len(chunks) == 0 {
		return 0.5
	}

	chunkSim := make(map[string]float64)
	for _, c := range chunks {
		chunkSim[c.Chunk.ID] = c.DenseScore
	}

	supported := 0
	for _, cit := range citations {
		if sim, ok := chunkSim[cit.ChunkID]; ok && sim >= 0.5 {
			supported++
		}
	}

	return float64(supported) / float64(len(citations))
}
