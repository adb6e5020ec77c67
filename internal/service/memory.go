package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oceanic-labs/mariner-core/internal/model"
)

const (
	maxFactsPerUser      = 50
	maxInsightsPerUser   = 50
	consolidationAt      = 40
	consolidationTarget  = 30
	insightMinContentLen = 20
	insightMergeCosine   = 0.85
)

// FactStore abstracts fact persistence for testability.
type FactStore interface {
	Upsert(ctx context.Context, f *model.Fact) error
	ListByUser(ctx context.Context, userID string) ([]model.Fact, error)
	Count(ctx context.Context, userID string) (int, error)
	DeleteOldest(ctx context.Context, userID string) error
}

// InsightStore abstracts insight persistence for testability.
type InsightStore interface {
	Insert(ctx context.Context, in *model.Insight) error
	Update(ctx context.Context, in *model.Insight) error
	ListByUser(ctx context.Context, userID string) ([]model.Insight, error)
	FindSimilar(ctx context.Context, userID string, queryEmbedding []float32, threshold float64, limit int) ([]model.Insight, error)
	Count(ctx context.Context, userID string) (int, error)
	ReplaceAll(ctx context.Context, userID string, insights []model.Insight) error
}

// SummaryStore abstracts conversation summary persistence for testability.
type SummaryStore interface {
	Insert(ctx context.Context, s *model.Summary) error
	GetLatestForSession(ctx context.Context, sessionID string) (*model.Summary, error)
}

// MemoryEmbedder embeds text for fact/insight similarity search.
type MemoryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// ConsolidationLLM rewrites an over-large insight set into a smaller, coherent one.
// Implementations call out to the generative model; if it errors, MemoryService
// falls back to FIFO eviction so consolidation never blocks a write.
type ConsolidationLLM interface {
	Consolidate(ctx context.Context, insights []model.Insight, target int) ([]model.Insight, error)
}

// MemoryService implements the Fact/Insight/Summary user memory store.
type MemoryService struct {
	facts     FactStore
	insights  InsightStore
	summaries SummaryStore
	embedder  MemoryEmbedder
	llm       ConsolidationLLM // optional — nil falls back to FIFO consolidation
}

// NewMemoryService creates a MemoryService.
func NewMemoryService(facts FactStore, insights InsightStore, summaries SummaryStore, embedder MemoryEmbedder, llm ConsolidationLLM) *MemoryService {
	return &MemoryService{facts: facts, insights: insights, summaries: summaries, embedder: embedder, llm: llm}
}

// UpsertFact writes a fact, remapping deprecated fact types and evicting the
// oldest fact when a genuinely new type would exceed the per-user cap.
func (s *MemoryService) UpsertFact(ctx context.Context, userID, rawFactType, value string, confidence float64) error {
	factType, ok := model.NormalizeFactType(rawFactType)
	if !ok {
		return fmt.Errorf("memory.UpsertFact: unrecognized fact type %q", rawFactType)
	}
	if value == "" {
		return fmt.Errorf("memory.UpsertFact: empty value")
	}

	existing, err := s.facts.ListByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("memory.UpsertFact: list: %w", err)
	}
	isNewType := true
	for _, f := range existing {
		if f.FactType == factType {
			isNewType = false
			break
		}
	}
	if isNewType && len(existing) >= maxFactsPerUser {
		if err := s.facts.DeleteOldest(ctx, userID); err != nil {
			return fmt.Errorf("memory.UpsertFact: evict: %w", err)
		}
	}

	vec, err := s.embedder.EmbedQuery(ctx, value)
	if err != nil {
		return fmt.Errorf("memory.UpsertFact: embed: %w", err)
	}

	fact := &model.Fact{
		UserID:     userID,
		FactType:   factType,
		Value:      value,
		Embedding:  vec,
		Confidence: confidence,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.facts.Upsert(ctx, fact); err != nil {
		return fmt.Errorf("memory.UpsertFact: upsert: %w", err)
	}
	return nil
}

// GetFacts returns all facts held for a user.
func (s *MemoryService) GetFacts(ctx context.Context, userID string) ([]model.Fact, error) {
	return s.facts.ListByUser(ctx, userID)
}

// AddInsight records a behavioral observation, merging into an existing insight
// when one is sufficiently similar (cosine ≥ 0.85) — preferring, among those,
// one that shares (category, sub_topic) — and triggers consolidation once the
// per-user count reaches 40.
func (s *MemoryService) AddInsight(ctx context.Context, userID string, category model.InsightCategory, content, subTopic string, confidence float64) error {
	if !model.ValidInsightCategory(category) {
		return fmt.Errorf("memory.AddInsight: invalid category %q", category)
	}
	if len(content) < insightMinContentLen {
		return fmt.Errorf("memory.AddInsight: content too short (min %d chars)", insightMinContentLen)
	}

	vec, err := s.embedder.EmbedQuery(ctx, content)
	if err != nil {
		return fmt.Errorf("memory.AddInsight: embed: %w", err)
	}

	similar, err := s.insights.FindSimilar(ctx, userID, vec, insightMergeCosine, 5)
	if err != nil {
		return fmt.Errorf("memory.AddInsight: find similar: %w", err)
	}

	var merge *model.Insight
	for i := range similar {
		if similar[i].Category == category && similar[i].SubTopic == subTopic {
			merge = &similar[i]
			break
		}
	}
	if merge == nil && len(similar) > 0 {
		merge = &similar[0]
	}

	if merge != nil {
		merge.EvolutionNotes = append(merge.EvolutionNotes, model.EvolutionNote{
			Timestamp: time.Now().UTC(),
			Change:    content,
		})
		merge.Content = content
		merge.Confidence = confidence
		if err := s.insights.Update(ctx, merge); err != nil {
			return fmt.Errorf("memory.AddInsight: update: %w", err)
		}
		return nil
	}

	insight := &model.Insight{
		UserID:       userID,
		Category:     category,
		Content:      content,
		SubTopic:     subTopic,
		Embedding:    vec,
		Confidence:   confidence,
		CreatedAt:    time.Now().UTC(),
		LastAccessed: time.Now().UTC(),
	}
	if err := s.insights.Insert(ctx, insight); err != nil {
		return fmt.Errorf("memory.AddInsight: insert: %w", err)
	}

	count, err := s.insights.Count(ctx, userID)
	if err != nil {
		slog.Error("memory.AddInsight: count check failed", "user_id", userID, "error", err)
		return nil
	}
	if count >= consolidationAt {
		s.consolidate(ctx, userID)
	}
	return nil
}

// consolidate rewrites a user's insight set down toward consolidationTarget.
// Best effort: an LLM failure falls back to keeping the most recently
// accessed consolidationTarget insights (FIFO eviction of the stalest).
func (s *MemoryService) consolidate(ctx context.Context, userID string) {
	all, err := s.insights.ListByUser(ctx, userID)
	if err != nil {
		slog.Error("memory.consolidate: list failed", "user_id", userID, "error", err)
		return
	}
	if len(all) <= consolidationTarget {
		return
	}

	var reduced []model.Insight
	if s.llm != nil {
		reduced, err = s.llm.Consolidate(ctx, all, consolidationTarget)
		if err != nil {
			slog.Warn("memory.consolidate: LLM rewrite failed, falling back to FIFO", "user_id", userID, "error", err)
			reduced = nil
		}
	}
	if reduced == nil {
		reduced = fifoKeepMostRecent(all, consolidationTarget)
	}

	if err := s.insights.ReplaceAll(ctx, userID, reduced); err != nil {
		slog.Error("memory.consolidate: replace failed", "user_id", userID, "error", err)
		return
	}
	slog.Info("memory.consolidate: insight set reduced", "user_id", userID, "from", len(all), "to", len(reduced))
}

// fifoKeepMostRecent keeps the n most-recently-accessed insights.
func fifoKeepMostRecent(insights []model.Insight, n int) []model.Insight {
	sorted := make([]model.Insight, len(insights))
	copy(sorted, insights)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].LastAccessed.After(sorted[j-1].LastAccessed); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// GetInsights returns all insights held for a user.
func (s *MemoryService) GetInsights(ctx context.Context, userID string) ([]model.Insight, error) {
	return s.insights.ListByUser(ctx, userID)
}

// StoreSummary replaces a contiguous message range with a single summary once
// the session has crossed the token threshold for summarization.
func (s *MemoryService) StoreSummary(ctx context.Context, userID, sessionID, content, coversFrom, coversTo string) error {
	vec, err := s.embedder.EmbedQuery(ctx, content)
	if err != nil {
		return fmt.Errorf("memory.StoreSummary: embed: %w", err)
	}
	summary := &model.Summary{
		UserID:     userID,
		SessionID:  sessionID,
		Content:    content,
		Embedding:  vec,
		CoversFrom: coversFrom,
		CoversTo:   coversTo,
		CreatedAt:  time.Now().UTC(),
	}
	return s.summaries.Insert(ctx, summary)
}

// GetSummary returns the latest summary for a session, if any.
func (s *MemoryService) GetSummary(ctx context.Context, sessionID string) (*model.Summary, error) {
	return s.summaries.GetLatestForSession(ctx, sessionID)
}
