package tools

import (
	"context"
	"fmt"

	"github.com/oceanic-labs/mariner-core/internal/model"
	"github.com/oceanic-labs/mariner-core/internal/service"
)

// RegisterCatalog binds the concrete tool set used by the ReAct agent and
// Supervisor graph (SPEC_FULL.md §4.I/J/K) to the executor, replacing the
// teacher's document/ingest-oriented tool set.
func RegisterCatalog(e *ToolExecutor, retriever *service.RetrieverService, memory *service.MemoryService, entities *service.EntityService, sessions *service.SessionStateStore) {
	e.RegisterDescriptor(Descriptor{
		Name:        "search_corpus",
		Description: "Hybrid search over the indexed training corpus for passages relevant to a question.",
		InputSchema: map[string]interface{}{"query": "string"},
		Category:    CategoryRAG,
		Access:      AccessRead,
		Handler:     &searchCorpusTool{retriever: retriever},
	})

	e.RegisterDescriptor(Descriptor{
		Name:        "lookup_entities",
		Description: "Find regulations, vessel types, maneuvers, and equipment related to a question.",
		InputSchema: map[string]interface{}{"query": "string"},
		Category:    CategoryRAG,
		Access:      AccessRead,
		Handler:     &lookupEntitiesTool{entities: entities},
	})

	e.RegisterDescriptor(Descriptor{
		Name:        "get_facts",
		Description: "Retrieve stored facts about the current user (name, role, level, goal, preference, weakness).",
		InputSchema: map[string]interface{}{"user_id": "string"},
		Category:    CategoryMemory,
		Access:      AccessRead,
		Handler:     &getFactsTool{memory: memory},
	})

	e.RegisterDescriptor(Descriptor{
		Name:        "upsert_fact",
		Description: "Record or update a single fact about the user.",
		InputSchema: map[string]interface{}{"user_id": "string", "fact_type": "string", "value": "string", "confidence": "number"},
		Category:    CategoryMemory,
		Access:      AccessWrite,
		Handler:     &upsertFactTool{memory: memory},
	})

	e.RegisterDescriptor(Descriptor{
		Name:        "get_insights",
		Description: "Retrieve behavioral insights accumulated about the user (learning style, knowledge gaps, habits).",
		InputSchema: map[string]interface{}{"user_id": "string"},
		Category:    CategoryMemory,
		Access:      AccessRead,
		Handler:     &getInsightsTool{memory: memory},
	})

	e.RegisterDescriptor(Descriptor{
		Name:        "add_insight",
		Description: "Record a new behavioral insight about the user.",
		InputSchema: map[string]interface{}{"user_id": "string", "category": "string", "content": "string", "sub_topic": "string", "confidence": "number"},
		Category:    CategoryMemory,
		Access:      AccessWrite,
		Handler:     &addInsightTool{memory: memory},
	})

	e.RegisterDescriptor(Descriptor{
		Name:        "get_summary",
		Description: "Retrieve the latest conversation summary for a session.",
		InputSchema: map[string]interface{}{"session_id": "string"},
		Category:    CategoryMemory,
		Access:      AccessRead,
		Handler:     &getSummaryTool{memory: memory},
	})

	e.RegisterDescriptor(Descriptor{
		Name:        "tutor_hint",
		Description: "Produce a Socratic hint rather than a direct answer, for use when the student should work through a problem themselves.",
		InputSchema: map[string]interface{}{"topic": "string"},
		Category:    CategoryTutor,
		Access:      AccessRead,
		Handler:     &tutorHintTool{},
	})

	e.RegisterDescriptor(Descriptor{
		Name:        "reset_session",
		Description: "Clear a session's ephemeral anti-repetition/pronoun state.",
		InputSchema: map[string]interface{}{"session_id": "string"},
		Category:    CategoryControl,
		Access:      AccessWrite,
		Handler:     &resetSessionTool{sessions: sessions},
	})
}

type searchCorpusTool struct {
	retriever *service.RetrieverService
}

func (t *searchCorpusTool) Execute(ctx context.Context, params map[string]interface{}) (*ToolResult, error) {
	query, _ := params["query"].(string)
	if query == "" {
		return nil, NewValidationError("search_corpus", "query is required")
	}
	result, err := t.retriever.Retrieve(ctx, query, service.SearchFilter{})
	if err != nil {
		return nil, NewUpstreamError("search_corpus", err)
	}
	return &ToolResult{Data: result}, nil
}

type lookupEntitiesTool struct {
	entities *service.EntityService
}

func (t *lookupEntitiesTool) Execute(ctx context.Context, params map[string]interface{}) (*ToolResult, error) {
	query, _ := params["query"].(string)
	if query == "" {
		return nil, NewValidationError("lookup_entities", "query is required")
	}
	return &ToolResult{Data: t.entities.LookupForQuery(ctx, query)}, nil
}

type getFactsTool struct {
	memory *service.MemoryService
}

func (t *getFactsTool) Execute(ctx context.Context, params map[string]interface{}) (*ToolResult, error) {
	userID, _ := params["user_id"].(string)
	if userID == "" {
		return nil, NewValidationError("get_facts", "user_id is required")
	}
	facts, err := t.memory.GetFacts(ctx, userID)
	if err != nil {
		return nil, NewUpstreamError("get_facts", err)
	}
	return &ToolResult{Data: facts}, nil
}

type upsertFactTool struct {
	memory *service.MemoryService
}

func (t *upsertFactTool) Execute(ctx context.Context, params map[string]interface{}) (*ToolResult, error) {
	userID, _ := params["user_id"].(string)
	factType, _ := params["fact_type"].(string)
	value, _ := params["value"].(string)
	confidence, _ := params["confidence"].(float64)
	if userID == "" || factType == "" || value == "" {
		return nil, NewValidationError("upsert_fact", "user_id, fact_type, and value are required")
	}
	if err := t.memory.UpsertFact(ctx, userID, factType, value, confidence); err != nil {
		return nil, NewUpstreamError("upsert_fact", err)
	}
	return &ToolResult{Data: fmt.Sprintf("recorded %s for user %s", factType, userID)}, nil
}

type getInsightsTool struct {
	memory *service.MemoryService
}

func (t *getInsightsTool) Execute(ctx context.Context, params map[string]interface{}) (*ToolResult, error) {
	userID, _ := params["user_id"].(string)
	if userID == "" {
		return nil, NewValidationError("get_insights", "user_id is required")
	}
	insights, err := t.memory.GetInsights(ctx, userID)
	if err != nil {
		return nil, NewUpstreamError("get_insights", err)
	}
	return &ToolResult{Data: insights}, nil
}

type addInsightTool struct {
	memory *service.MemoryService
}

func (t *addInsightTool) Execute(ctx context.Context, params map[string]interface{}) (*ToolResult, error) {
	userID, _ := params["user_id"].(string)
	category, _ := params["category"].(string)
	content, _ := params["content"].(string)
	subTopic, _ := params["sub_topic"].(string)
	confidence, _ := params["confidence"].(float64)
	if userID == "" || content == "" {
		return nil, NewValidationError("add_insight", "user_id and content are required")
	}
	if err := t.memory.AddInsight(ctx, userID, model.InsightCategory(category), content, subTopic, confidence); err != nil {
		return nil, NewUpstreamError("add_insight", err)
	}
	return &ToolResult{Data: "insight recorded"}, nil
}

type getSummaryTool struct {
	memory *service.MemoryService
}

func (t *getSummaryTool) Execute(ctx context.Context, params map[string]interface{}) (*ToolResult, error) {
	sessionID, _ := params["session_id"].(string)
	if sessionID == "" {
		return nil, NewValidationError("get_summary", "session_id is required")
	}
	summary, err := t.memory.GetSummary(ctx, sessionID)
	if err != nil {
		return nil, NewUpstreamError("get_summary", err)
	}
	return &ToolResult{Data: summary}, nil
}

// tutorHintTool returns a canned Socratic prompt rather than calling the
// generator directly — the ReAct loop re-invokes the LLM with this hint in
// context on its next turn, keeping the hinting strategy out of the tool
// layer itself.
type tutorHintTool struct{}

func (t *tutorHintTool) Execute(_ context.Context, params map[string]interface{}) (*ToolResult, error) {
	topic, _ := params["topic"].(string)
	if topic == "" {
		return nil, NewValidationError("tutor_hint", "topic is required")
	}
	return &ToolResult{Data: fmt.Sprintf("Before answering directly: ask the student what they already know about %q, and what they've tried.", topic)}, nil
}

type resetSessionTool struct {
	sessions *service.SessionStateStore
}

func (t *resetSessionTool) Execute(_ context.Context, params map[string]interface{}) (*ToolResult, error) {
	sessionID, _ := params["session_id"].(string)
	if sessionID == "" {
		return nil, NewValidationError("reset_session", "session_id is required")
	}
	t.sessions.Forget(sessionID)
	return &ToolResult{Data: "session state cleared"}, nil
}
