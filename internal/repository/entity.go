package repository

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/oceanic-labs/mariner-core/internal/model"
	"github.com/oceanic-labs/mariner-core/internal/service"
)

// EntityRepo implements service.EntityStore against a Neo4j graph of
// Entity nodes connected by REFERENCES/APPLIES_TO/REQUIRES/DEFINES/PART_OF
// edges. Traversal depth is capped inside the Cypher itself via a bounded
// variable-length pattern, so a caller passing a larger maxDepth than the
// driver supports still can't blow the graph walk open.
type EntityRepo struct {
	driver neo4j.DriverWithContext
}

// NewEntityRepo creates an EntityRepo over an already-connected driver.
func NewEntityRepo(driver neo4j.DriverWithContext) *EntityRepo {
	return &EntityRepo{driver: driver}
}

// Compile-time check.
var _ service.EntityStore = (*EntityRepo)(nil)

// NewNeo4jDriver opens a Neo4j driver and verifies connectivity.
func NewNeo4jDriver(ctx context.Context, uri, user, password string) (neo4j.DriverWithContext, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("repository.NewNeo4jDriver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("repository.NewNeo4jDriver: connectivity: %w", err)
	}
	return driver, nil
}

// entityTraversalQuery matches entities referenced by one of the given
// chunk ids, then walks outward up to 2 hops over any of the spec's edge
// types, returning the nearest relation and hop distance per entity.
const entityTraversalQuery = `
MATCH (seed:Entity)-[:MENTIONED_IN]->(c:Chunk)
WHERE c.id IN $chunkIDs
MATCH path = (seed)-[rels:REFERENCES|APPLIES_TO|REQUIRES|DEFINES|PART_OF*0..2]-(related:Entity)
WITH related, rels, length(path) AS dist
ORDER BY dist ASC
RETURN DISTINCT related.id AS id, related.type AS type, related.name AS name,
       related.aliases AS aliases,
       CASE WHEN size(rels) = 0 THEN 'REFERENCES' ELSE type(rels[0]) END AS relation,
       dist
LIMIT 50
`

// entityQueryTraversalQuery does the same walk seeded from entities whose
// name or alias matches terms in the raw query text via full-text search.
const entityQueryTraversalQuery = `
CALL db.index.fulltext.queryNodes('entityNameIndex', $queryText) YIELD node AS seed, score
WITH seed ORDER BY score DESC LIMIT 5
MATCH path = (seed)-[rels:REFERENCES|APPLIES_TO|REQUIRES|DEFINES|PART_OF*0..2]-(related:Entity)
WITH related, rels, length(path) AS dist
ORDER BY dist ASC
RETURN DISTINCT related.id AS id, related.type AS type, related.name AS name,
       related.aliases AS aliases,
       CASE WHEN size(rels) = 0 THEN 'REFERENCES' ELSE type(rels[0]) END AS relation,
       dist
LIMIT 50
`

// EntitiesForChunks returns entities reachable from the entities mentioned
// in the given chunks, within maxDepth hops.
func (r *EntityRepo) EntitiesForChunks(ctx context.Context, chunkIDs []string, maxDepth int) ([]model.RelatedEntity, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	return r.runTraversal(ctx, entityTraversalQuery, map[string]any{"chunkIDs": chunkIDs}, maxDepth)
}

// EntitiesForQuery returns entities reachable from entities whose name or
// alias full-text-matches the query, within maxDepth hops.
func (r *EntityRepo) EntitiesForQuery(ctx context.Context, queryText string, maxDepth int) ([]model.RelatedEntity, error) {
	if queryText == "" {
		return nil, nil
	}
	return r.runTraversal(ctx, entityQueryTraversalQuery, map[string]any{"queryText": queryText}, maxDepth)
}

func (r *EntityRepo) runTraversal(ctx context.Context, cypher string, params map[string]any, maxDepth int) ([]model.RelatedEntity, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		var out []model.RelatedEntity
		for records.Next(ctx) {
			rec := records.Record()
			dist, _ := rec.Get("dist")
			distInt, _ := dist.(int64)
			if maxDepth >= 0 && int(distInt) > maxDepth {
				continue
			}
			out = append(out, recordToRelatedEntity(rec, int(distInt)))
		}
		return out, records.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("repository.EntityRepo: traversal: %w", err)
	}
	return result.([]model.RelatedEntity), nil
}

func recordToRelatedEntity(rec *neo4j.Record, dist int) model.RelatedEntity {
	id, _ := rec.Get("id")
	entType, _ := rec.Get("type")
	name, _ := rec.Get("name")
	relation, _ := rec.Get("relation")

	var aliases []string
	if rawAliases, ok := rec.Get("aliases"); ok && rawAliases != nil {
		if list, ok := rawAliases.([]any); ok {
			for _, a := range list {
				if s, ok := a.(string); ok {
					aliases = append(aliases, s)
				}
			}
		}
	}

	return model.RelatedEntity{
		Entity: model.Entity{
			ID:      toString(id),
			Type:    model.EntityType(toString(entType)),
			Name:    toString(name),
			Aliases: aliases,
		},
		Relation: model.RelationType(toString(relation)),
		Distance: dist,
	}
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}
