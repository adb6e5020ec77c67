package service

import (
	"context"
	"log/slog"

	"github.com/oceanic-labs/mariner-core/internal/model"
)

// maxEntityTraversalDepth bounds how far EntityService walks the graph from
// any seed chunk's entities (SPEC_FULL.md §4.C: distance ≤ 2).
const maxEntityTraversalDepth = 2

// EntityStore abstracts the knowledge-graph backend for testability. Depth
// is hard-capped inside the query itself (the Neo4j implementation bounds it
// in Cypher), not merely by this constant — a misbehaving implementation
// can't blow the traversal budget just because the interface allows it.
type EntityStore interface {
	EntitiesForChunks(ctx context.Context, chunkIDs []string, maxDepth int) ([]model.RelatedEntity, error)
	EntitiesForQuery(ctx context.Context, queryText string, maxDepth int) ([]model.RelatedEntity, error)
}

// EntityService implements SPEC_FULL.md §4.C: given retrieved chunks or a
// raw query, returns related entities to decorate CRAG's generation context.
// Any backend failure degrades to an empty list rather than failing the
// request — entity context is an enrichment, not a dependency.
type EntityService struct {
	store EntityStore
}

// NewEntityService creates an EntityService. store may be nil, in which
// case Lookup always degrades to empty.
func NewEntityService(store EntityStore) *EntityService {
	return &EntityService{store: store}
}

// LookupForChunks returns entities related to the given chunk ids, bounded
// depth ≤2, or an empty slice on any failure.
func (s *EntityService) LookupForChunks(ctx context.Context, chunkIDs []string) []model.RelatedEntity {
	if s.store == nil || len(chunkIDs) == 0 {
		return nil
	}
	related, err := s.store.EntitiesForChunks(ctx, chunkIDs, maxEntityTraversalDepth)
	if err != nil {
		slog.Warn("entity.LookupForChunks: degraded to empty", "error", err)
		return nil
	}
	return related
}

// LookupForQuery returns entities related to the raw query text, bounded
// depth ≤2, or an empty slice on any failure.
func (s *EntityService) LookupForQuery(ctx context.Context, query string) []model.RelatedEntity {
	if s.store == nil || query == "" {
		return nil
	}
	related, err := s.store.EntitiesForQuery(ctx, query, maxEntityTraversalDepth)
	if err != nil {
		slog.Warn("entity.LookupForQuery: degraded to empty", "error", err)
		return nil
	}
	return related
}
