package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// supervisorState names a node in the multi-agent graph (SPEC_FULL.md §4.K),
// the alternative to the ReAct loop selected when Config.UseUnifiedAgent is
// false — the same "two interchangeable implementations behind one config
// flag" shape as the BYOLLM/AEGIS generator swap.
type supervisorState string

const (
	nodeSupervisor  supervisorState = "supervisor"
	nodeRAG         supervisorState = "rag"
	nodeTutor       supervisorState = "tutor"
	nodeMemory      supervisorState = "memory"
	nodeGrader      supervisorState = "grader"
	nodeSynthesizer supervisorState = "synthesizer"
)

const (
	supervisorPassThreshold = 6.0
	supervisorRetryBudget   = 1
)

// intentRoute is the Supervisor node's classification of what specialist
// should handle a turn.
type intentRoute string

const (
	routeRAG    intentRoute = "rag"
	routeTutor  intentRoute = "tutor"
	routeMemory intentRoute = "memory"
)

// SupervisorResult mirrors ReactResult's shape so handler code can treat the
// two agent strategies interchangeably.
type SupervisorResult struct {
	Answer     string
	Citations  []CitationRef
	Route      intentRoute
	Score      float64
	Rerouted   bool
	Iterations int
}

// SupervisorService routes a turn to a specialist node, grades its output,
// and re-routes once on a failing grade before synthesizing a final answer.
type SupervisorService struct {
	crag   *CRAGService
	memory *MemoryService
	client GenAIClient
}

// NewSupervisorService creates a SupervisorService.
func NewSupervisorService(crag *CRAGService, memory *MemoryService, client GenAIClient) *SupervisorService {
	return &SupervisorService{crag: crag, memory: memory, client: client}
}

// Run classifies the query, dispatches to a specialist node, grades the
// result, and re-routes once if the grade falls below threshold.
func (s *SupervisorService) Run(ctx context.Context, userID, sessionID, query string, filter SearchFilter, opts GenerateOpts) (*SupervisorResult, error) {
	route := s.classify(ctx, query)
	result := &SupervisorResult{Route: route}

	answer, citations, err := s.dispatch(ctx, route, userID, sessionID, query, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("service.Supervisor: dispatch: %w", err)
	}
	result.Iterations++

	score := s.grade(ctx, query, answer)
	result.Score = score

	if score < supervisorPassThreshold {
		altRoute := nextRoute(route)
		slog.Info("supervisor: grade below threshold, rerouting once", "from", route, "to", altRoute, "score", score)
		altAnswer, altCitations, err := s.dispatch(ctx, altRoute, userID, sessionID, query, filter, opts)
		if err == nil {
			altScore := s.grade(ctx, query, altAnswer)
			result.Iterations++
			if altScore > score {
				answer, citations, score = altAnswer, altCitations, altScore
				result.Route = altRoute
				result.Score = altScore
				result.Rerouted = true
			}
		}
	}

	result.Answer = s.synthesize(ctx, query, answer)
	result.Citations = citations
	return result, nil
}

func (s *SupervisorService) dispatch(ctx context.Context, route intentRoute, userID, sessionID, query string, filter SearchFilter, opts GenerateOpts) (string, []CitationRef, error) {
	switch route {
	case routeTutor:
		return s.runTutor(ctx, query, opts)
	case routeMemory:
		return s.runMemory(ctx, userID, sessionID, query, opts)
	default:
		return s.runRAG(ctx, userID, query, filter, opts)
	}
}

func (s *SupervisorService) runRAG(ctx context.Context, userID, query string, filter SearchFilter, opts GenerateOpts) (string, []CitationRef, error) {
	res, err := s.crag.Run(ctx, userID, query, filter, opts)
	if err != nil {
		return "", nil, err
	}
	return res.Answer, res.Citations, nil
}

func (s *SupervisorService) runTutor(ctx context.Context, query string, opts GenerateOpts) (string, []CitationRef, error) {
	prompt := fmt.Sprintf("The student asked: %q. Respond with a Socratic hint, not a direct answer: ask what they already know and what they've tried.", query)
	answer, err := s.client.GenerateContent(ctx, "You are a maritime officer training tutor.", prompt)
	if err != nil {
		return "", nil, err
	}
	return strings.TrimSpace(answer), nil, nil
}

func (s *SupervisorService) runMemory(ctx context.Context, userID, sessionID, query string, opts GenerateOpts) (string, []CitationRef, error) {
	facts, err := s.memory.GetFacts(ctx, userID)
	if err != nil {
		slog.Warn("supervisor: memory node degraded", "error", err)
	}
	summary, err := s.memory.GetSummary(ctx, sessionID)
	if err != nil {
		slog.Warn("supervisor: memory node degraded", "error", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "The student asked: %q.\nKnown facts about them:\n", query)
	for _, f := range facts {
		fmt.Fprintf(&b, "- %s: %s\n", f.FactType, f.Value)
	}
	if summary != nil {
		fmt.Fprintf(&b, "Recent conversation summary: %s\n", summary.Content)
	}
	b.WriteString("Answer using this context where relevant.")

	answer, err := s.client.GenerateContent(ctx, "You are a maritime officer training assistant with memory of this student.", b.String())
	if err != nil {
		return "", nil, err
	}
	return strings.TrimSpace(answer), nil, nil
}

// classify asks the model which specialist node should handle the turn.
// Any classification failure degrades to routeRAG, the safest general path.
func (s *SupervisorService) classify(ctx context.Context, query string) intentRoute {
	prompt := fmt.Sprintf("Classify this student message as exactly one word: RAG, TUTOR, or MEMORY.\nRAG: factual question answerable from the training corpus.\nTUTOR: student wants to be walked through a problem rather than given the answer.\nMEMORY: question about the student's own history, goals, or prior conversation.\nMessage: %q", query)
	raw, err := s.client.GenerateContent(ctx, "You are an intent router for a maritime officer training assistant.", prompt)
	if err != nil {
		return routeRAG
	}
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "TUTOR":
		return routeTutor
	case "MEMORY":
		return routeMemory
	default:
		return routeRAG
	}
}

// grade scores a candidate answer 0-10 for relevance to the query. A
// failure to parse a score degrades to a passing 6.0 rather than forcing a
// reroute on an ungradeable response.
func (s *SupervisorService) grade(ctx context.Context, query, answer string) float64 {
	if answer == "" {
		return 0
	}
	prompt := fmt.Sprintf("Question: %s\nAnswer: %s\nScore how well this answer addresses the question, 0-10. Respond with only the number.", query, answer)
	raw, err := s.client.GenerateContent(ctx, "You are grading an assistant's answer for relevance and completeness.", prompt)
	if err != nil {
		return supervisorPassThreshold
	}
	score, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return supervisorPassThreshold
	}
	return score
}

// synthesize is the synthesizer node. It returns the winning specialist's
// answer unchanged; unlike ReAct's synthesis step it makes no model call.
func (s *SupervisorService) synthesize(_ context.Context, _, answer string) string {
	return answer
}

func nextRoute(current intentRoute) intentRoute {
	switch current {
	case routeRAG:
		return routeMemory
	case routeMemory:
		return routeTutor
	default:
		return routeRAG
	}
}
