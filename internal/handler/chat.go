package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oceanic-labs/mariner-core/internal/gcpclient"
	"github.com/oceanic-labs/mariner-core/internal/middleware"
	"github.com/oceanic-labs/mariner-core/internal/model"
	"github.com/oceanic-labs/mariner-core/internal/scheduler"
	"github.com/oceanic-labs/mariner-core/internal/service"
)

// ChatRequest is the request body for the chat endpoint.
type ChatRequest struct {
	Query      string `json:"query"`
	SessionID  string `json:"sessionId,omitempty"`
	Mode       string `json:"mode,omitempty"` // "concise", "detailed", "risk-analysis"
	Persona    string `json:"persona,omitempty"`
	StrictMode bool   `json:"strictMode"`

	// BYOLLM per-request override (SPEC_FULL.md §2.C): an LMS course
	// configured against a different model swaps the generator for this
	// request only, falling back to the platform default on any error.
	LLMProvider string `json:"llmProvider,omitempty"`
	LLMModel    string `json:"llmModel,omitempty"`
	LLMAPIKey   string `json:"llmApiKey,omitempty"`
	LLMBaseURL  string `json:"llmBaseUrl,omitempty"`
}

// hasBYOLLMOverride reports whether the request asked for a per-request
// generator swap.
func (r ChatRequest) hasBYOLLMOverride() bool {
	return r.LLMModel != "" && r.LLMAPIKey != ""
}

// ChatCitation is a source chunk used to ground the answer.
type ChatCitation struct {
	ChunkID    string  `json:"chunkId"`
	DocumentID string  `json:"documentId"`
	Excerpt    string  `json:"excerpt"`
	Relevance  float64 `json:"relevance"`
	PageNumber int     `json:"pageNumber"`
}

// ChatAnalytics accompanies the done event per SPEC_FULL.md §4.O stage 5.
type ChatAnalytics struct {
	TopicsAccessed  []string `json:"topicsAccessed"`
	ConfidenceScore float64  `json:"confidenceScore"`
	DocumentIDsUsed []string `json:"documentIdsUsed"`
	QueryType       string   `json:"queryType"`
}

// ChatDonePayload is the terminal SSE "done" event payload.
type ChatDonePayload struct {
	Answer             string         `json:"answer"`
	Citations          []ChatCitation `json:"citations"`
	Warning            string         `json:"warning,omitempty"`
	SuggestedQuestions []string       `json:"suggestedQuestions"`
	Analytics          ChatAnalytics  `json:"analytics"`
	LatencyMs          int64          `json:"latencyMs"`
}

// ChatDeps bundles every service the orchestrator drives (SPEC_FULL.md §4.O).
type ChatDeps struct {
	Sessions        *service.SessionService
	SessionStates   *service.SessionStateStore
	Guardian        *service.GuardianService
	CRAG            *service.CRAGService
	React           *service.ReactService
	Supervisor      *service.SupervisorService
	Memory          *service.MemoryService
	History         *service.HistoryService
	ContentGap      *service.ContentGapService
	Usage           *service.UsageService
	Audit           service.AuditLogger
	Metrics         *middleware.Metrics
	Scheduler       *scheduler.Scheduler
	UseUnifiedAgent bool
	RequestDeadline time.Duration
}

const maxQueryLen = 10000

// Chat returns an SSE streaming handler implementing the 6-stage
// Orchestrator: Session, Validate (Guardian), Context, Agent, Output,
// Background (SPEC_FULL.md §4.O).
func Chat(deps ChatDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}
		role := middleware.RoleFromContext(r.Context())

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid request body"})
			return
		}
		if req.Query == "" {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "query is required"})
			return
		}
		if len(req.Query) > maxQueryLen {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "query exceeds 10000 character limit"})
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		deadline := deps.RequestDeadline
		if deadline <= 0 {
			deadline = 90 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), deadline)
		defer cancel()

		start := time.Now()

		// Stage 1: Session.
		sendEvent(w, flusher, "thinking_start", `{"step":"session"}`)
		convo, err := deps.Sessions.GetOrCreateActive(ctx, userID)
		if err != nil {
			slog.Error("chat: session stage failed", "user_id", userID, "error", err)
			sendEvent(w, flusher, "error", `{"message":"could not start session"}`)
			sendEvent(w, flusher, "done", "{}")
			return
		}

		// Stage 2: Validate.
		sendEvent(w, flusher, "thinking", `{"step":"checking message"}`)
		guardResult, err := deps.Guardian.Check(ctx, req.Query, userID)
		if err != nil {
			slog.Error("chat: guardian check failed", "user_id", userID, "error", err)
		}
		if guardResult != nil && guardResult.Decision == service.GuardianBlock {
			payload := ChatDonePayload{
				Answer:  "I can't help with that request.",
				Warning: guardResult.Reason,
				Analytics: ChatAnalytics{
					QueryType: "blocked",
				},
				LatencyMs: time.Since(start).Milliseconds(),
			}
			recordBackground(deps, userID, convo.ID, req.Query, payload.Answer, true, guardResult.Reason, false, 0)
			if deps.Scheduler != nil && deps.Audit != nil {
				deps.Scheduler.Submit(scheduler.Task{
					Name: "log-guardian-block",
					Run: func(ctx context.Context) error {
						return deps.Audit.Log(ctx, model.AuditGuardianBlock, userID, convo.ID, "conversation_session")
					},
				})
			}
			sendEvent(w, flusher, "thinking_end", `{}`)
			sendJSON(w, flusher, "done", payload)
			return
		}
		if guardResult != nil && guardResult.Decision == service.GuardianFlag {
			slog.Warn("chat: message flagged for review", "user_id", userID, "reason", guardResult.Reason)
		}

		// Stage 3: Context. Ephemeral session state informs the agent's
		// persona/pronoun handling; durable recent history is available via
		// deps.History for whichever agent path wants it.
		state := service.SessionState{}
		if deps.SessionStates != nil {
			state = deps.SessionStates.Get(convo.ID)
		}
		opts := service.GenerateOpts{
			Mode:       req.Mode,
			Persona:    req.Persona,
			StrictMode: req.StrictMode,
		}
		if state.PronounStyle != "" {
			opts.Instructions = append(opts.Instructions, "Use "+state.PronounStyle+" pronouns when referring to the student.")
		}

		// Token-budget check (SPEC_FULL.md §2.C): non-fatal, degrades to a
		// shorter-context response rather than hard-failing the request.
		if deps.Usage != nil {
			tier := middleware.TierFromContext(r.Context())
			allowed, used, limit, uerr := deps.Usage.CheckTokenLimit(ctx, userID, tier)
			if uerr != nil {
				slog.Warn("chat: token budget check failed, proceeding unthrottled", "user_id", userID, "error", uerr)
			} else if !allowed {
				slog.Info("chat: monthly token budget exceeded, degrading to concise mode", "user_id", userID, "tier", tier, "used", used, "limit", limit)
				opts.Mode = "concise"
			}
		}

		sendEvent(w, flusher, "thinking", `{"step":"retrieving and reasoning"}`)

		// Stage 4: Agent.
		answer, citations, confidence, warning, gap, err := runAgent(ctx, deps, userID, convo.ID, req, role, opts)
		if err != nil {
			slog.Error("chat: agent stage failed", "user_id", userID, "error", err)
			sendEvent(w, flusher, "error", `{"message":"could not produce an answer"}`)
			sendEvent(w, flusher, "done", "{}")
			return
		}
		sendEvent(w, flusher, "thinking_end", `{}`)

		// Stage 5: Output.
		sendEvent(w, flusher, "answer", jsonString(answer))

		docIDs := make([]string, 0, len(citations))
		seen := make(map[string]bool)
		for _, c := range citations {
			if !seen[c.DocumentID] {
				seen[c.DocumentID] = true
				docIDs = append(docIDs, c.DocumentID)
			}
		}

		payload := ChatDonePayload{
			Answer:             answer,
			Citations:          citations,
			Warning:            warning,
			SuggestedQuestions: suggestedQuestions(citations),
			Analytics: ChatAnalytics{
				TopicsAccessed:  extractTopicHints(req.Query),
				ConfidenceScore: confidence,
				DocumentIDsUsed: docIDs,
				QueryType:       classifyQueryType(req.Query),
			},
			LatencyMs: time.Since(start).Milliseconds(),
		}
		sendJSON(w, flusher, "done", payload)

		if deps.Sessions != nil {
			if err := deps.Sessions.RecordQuery(context.Background(), userID, req.Query, docIDs, payload.Analytics.QueryType); err != nil {
				slog.Warn("chat: failed to record session query", "user_id", userID, "error", err)
			}
		}
		if deps.SessionStates != nil {
			deps.SessionStates.RecordTurn(convo.ID, routeLabel(deps), payload.Analytics.TopicsAccessed)
		}

		// Stage 6: Background (not awaited).
		recordBackground(deps, userID, convo.ID, req.Query, answer, false, "", gap, confidence)
		recordTokenUsage(deps, userID, req.Query, citations, answer)
	}
}

// recordTokenUsage enqueues a fire-and-forget token-budget increment for the
// completed turn (SPEC_FULL.md §2.C). Estimation uses cited excerpts as a
// stand-in for the chunks actually sent to the generator.
func recordTokenUsage(deps ChatDeps, userID, query string, citations []ChatCitation, answer string) {
	if deps.Scheduler == nil || deps.Usage == nil {
		return
	}
	excerpts := make([]string, 0, len(citations))
	for _, c := range citations {
		excerpts = append(excerpts, c.Excerpt)
	}
	tokens := service.EstimateRequestTokens(query, excerpts, answer)
	deps.Scheduler.Submit(scheduler.Task{
		Name: "increment-token-usage",
		Run: func(ctx context.Context) error {
			return deps.Usage.IncrementTokenUsage(ctx, userID, tokens)
		},
	})
}

// runAgent dispatches to the ReAct loop or the Supervisor/CRAG path per
// Config.UseUnifiedAgent, normalizing both outputs to one shape.
func runAgent(ctx context.Context, deps ChatDeps, userID, sessionID string, req ChatRequest, role string, opts service.GenerateOpts) (answer string, citations []ChatCitation, confidence float64, warning string, gap bool, err error) {
	query := req.Query

	if deps.UseUnifiedAgent && deps.React != nil {
		res, rerr := deps.React.Run(ctx, query, userID, role)
		if rerr != nil {
			return "", nil, 0, "", false, rerr
		}
		if res.HitCap {
			warning = "reached the maximum number of reasoning steps; this answer may be incomplete"
		}
		// ReAct has no chunk-grading signal comparable to CRAG's, so
		// content-gap detection is scoped to the CRAG path below.
		return res.Answer, nil, 0, warning, false, nil
	}

	if deps.Supervisor != nil {
		res, serr := deps.Supervisor.Run(ctx, userID, sessionID, query, service.SearchFilter{}, opts)
		if serr != nil {
			return "", nil, 0, "", false, serr
		}
		return res.Answer, toChatCitations(res.Citations), res.Score / 10.0, "", false, nil
	}

	if deps.CRAG != nil {
		crag := deps.CRAG
		if req.hasBYOLLMOverride() {
			byo := gcpclient.NewBYOLLMClient(req.LLMAPIKey, req.LLMBaseURL, req.LLMModel)
			crag = crag.WithGenerator(service.NewGeneratorService(byo, req.LLMModel))
			slog.Info("chat: using BYOLLM override for this request", "user_id", userID, "model", req.LLMModel)
		}
		res, cerr := crag.Run(ctx, userID, query, service.SearchFilter{}, opts)
		if cerr != nil {
			if req.hasBYOLLMOverride() {
				slog.Warn("chat: BYOLLM override failed, falling back to platform default", "user_id", userID, "error", cerr)
				res, cerr = deps.CRAG.Run(ctx, userID, query, service.SearchFilter{}, opts)
			}
			if cerr != nil {
				return "", nil, 0, "", false, cerr
			}
		}
		return res.Answer, toChatCitations(res.Citations), res.Confidence, res.Warning, res.Gap, nil
	}

	return "", nil, 0, "", false, fmt.Errorf("handler.Chat: no agent path configured")
}

func toChatCitations(in []service.CitationRef) []ChatCitation {
	out := make([]ChatCitation, 0, len(in))
	for _, c := range in {
		out = append(out, ChatCitation{
			ChunkID:    c.ChunkID,
			DocumentID: c.DocumentID,
			Excerpt:    c.Excerpt,
			Relevance:  c.Relevance,
			PageNumber: c.PageNumber,
		})
	}
	return out
}

func routeLabel(deps ChatDeps) string {
	if deps.UseUnifiedAgent {
		return "react"
	}
	return "supervisor"
}

// recordBackground enqueues background work (message persistence,
// content-gap logging) without making the request wait on it.
func recordBackground(deps ChatDeps, userID, sessionID, query, answer string, blocked bool, blockReason string, gap bool, confidence float64) {
	if deps.Scheduler == nil {
		return
	}
	if gap && !blocked {
		if deps.Metrics != nil {
			deps.Metrics.IncrementSilenceTrigger()
		}
		if deps.ContentGap != nil {
			deps.Scheduler.Submit(scheduler.Task{
				Name: "log-content-gap",
				Run: func(ctx context.Context) error {
					return deps.ContentGap.LogGap(ctx, userID, query, confidence)
				},
			})
		}
	}
	if deps.History == nil {
		return
	}
	userMsg := &model.ChatMessage{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		UserID:      userID,
		Role:        model.RoleUser,
		Content:     query,
		IsBlocked:   blocked,
		BlockReason: blockReason,
	}
	deps.Scheduler.Submit(scheduler.Task{
		Name: "persist-user-message",
		Run: func(ctx context.Context) error {
			return deps.History.Record(ctx, userMsg)
		},
	})

	if blocked {
		return
	}

	agentMsg := &model.ChatMessage{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		UserID:    userID,
		Role:      model.RoleAgent,
		Content:   answer,
	}
	deps.Scheduler.Submit(scheduler.Task{
		Name: "persist-agent-message",
		Run: func(ctx context.Context) error {
			return deps.History.Record(ctx, agentMsg)
		},
	})
}

// suggestedQuestions derives up to 3 follow-up prompts from the documents
// actually used to ground the answer.
func suggestedQuestions(citations []ChatCitation) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range citations {
		if len(out) >= 3 {
			break
		}
		if c.DocumentID == "" || seen[c.DocumentID] {
			continue
		}
		seen[c.DocumentID] = true
		out = append(out, "Can you tell me more about what's covered in this source?")
	}
	return out
}

// classifyQueryType is a coarse heuristic for the analytics payload.
func classifyQueryType(query string) string {
	q := strings.ToLower(query)
	switch {
	case strings.Contains(q, "?"):
		return "question"
	case strings.HasPrefix(q, "explain") || strings.HasPrefix(q, "how"):
		return "explanation"
	default:
		return "general"
	}
}

// extractTopicHints pulls coarse keyword hints from a query for session
// topic tracking. Stopword-free tokens of length > 3, capped at 5.
func extractTopicHints(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	var out []string
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'")
		if len(f) > 3 {
			out = append(out, f)
		}
		if len(out) >= 5 {
			break
		}
	}
	return out
}

func sendEvent(w http.ResponseWriter, f http.Flusher, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	f.Flush()
}

func sendJSON(w http.ResponseWriter, f http.Flusher, event string, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		sendEvent(w, f, "error", `{"message":"failed to encode response"}`)
		return
	}
	sendEvent(w, f, event, string(b))
}

func jsonString(s string) string {
	b, _ := json.Marshal(map[string]string{"text": s})
	return string(b)
}
