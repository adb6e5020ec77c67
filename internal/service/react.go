package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/oceanic-labs/mariner-core/internal/rbac"
	"github.com/oceanic-labs/mariner-core/internal/tools"
)

// defaultReactMaxIterations bounds the ReAct loop when config supplies 0 or
// less (SPEC_FULL.md §4.J, default 5).
const defaultReactMaxIterations = 5

// ReactStep is one Thought/Action/Observation turn kept in the scratchpad.
type ReactStep struct {
	Thought     string
	Tool        string
	ToolInput   map[string]interface{}
	Observation string
	Err         string
}

// ReactResult is the outcome of a full ReAct run.
type ReactResult struct {
	Answer     string
	Steps      []ReactStep
	Iterations int
	HitCap     bool
}

// reactAction is the parsed shape of the agent's per-turn decision.
type reactAction struct {
	Thought     string                 `json:"thought"`
	FinalAnswer string                 `json:"finalAnswer"`
	Tool        string                 `json:"tool"`
	ToolInput   map[string]interface{} `json:"toolInput"`
}

// ReactService runs a bounded think-act-observe loop over the tool registry,
// the unified-agent alternative to the Supervisor graph (SPEC_FULL.md §4.J),
// selected when Config.UseUnifiedAgent is true.
type ReactService struct {
	executor      *tools.ToolExecutor
	client        GenAIClient
	maxIterations int
}

// NewReactService creates a ReactService. maxIterations <= 0 falls back to
// defaultReactMaxIterations.
func NewReactService(executor *tools.ToolExecutor, client GenAIClient, maxIterations int) *ReactService {
	if maxIterations <= 0 {
		maxIterations = defaultReactMaxIterations
	}
	return &ReactService{executor: executor, client: client, maxIterations: maxIterations}
}

// Run drives the loop for a single user turn. role gates which tools are
// visible in the prompt and which the executor will actually permit.
func (s *ReactService) Run(ctx context.Context, query, userID, role string) (*ReactResult, error) {
	result := &ReactResult{}
	systemPrompt := s.buildSystemPrompt(role)

	for i := 0; i < s.maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			result.HitCap = true
			return s.synthesize(ctx, query, result)
		}

		result.Iterations = i + 1
		userPrompt := buildScratchpadPrompt(query, result.Steps)

		raw, err := s.client.GenerateContent(ctx, systemPrompt, userPrompt)
		if err != nil {
			return s.synthesize(ctx, query, result)
		}

		action, err := parseReactAction(raw)
		if err != nil {
			// Treat an unparseable turn as a dead end worth recording, not a
			// hard failure — the model gets another turn to recover.
			result.Steps = append(result.Steps, ReactStep{Err: fmt.Sprintf("could not parse agent response: %v", err)})
			continue
		}

		if action.FinalAnswer != "" {
			result.Answer = action.FinalAnswer
			return result, nil
		}

		if action.Tool == "" {
			result.Steps = append(result.Steps, ReactStep{Thought: action.Thought, Err: "no tool or final answer given"})
			continue
		}

		step := ReactStep{Thought: action.Thought, Tool: action.Tool, ToolInput: action.ToolInput}
		obs, toolErr := s.executor.Execute(ctx, action.Tool, action.ToolInput, role)
		if toolErr != nil {
			te, ok := toolErr.(*tools.ToolError)
			if ok && te.Recoverable {
				// TRANSIENT: one immediate retry inside the loop turn before
				// surfacing to the scratchpad.
				obs, toolErr = s.executor.Execute(ctx, action.Tool, action.ToolInput, role)
			}
		}
		if toolErr != nil {
			step.Err = toolErr.Error()
			slog.Warn("react: tool call failed", "tool", action.Tool, "error", toolErr)
		} else {
			step.Observation = observationText(obs)
		}
		result.Steps = append(result.Steps, step)
	}

	result.HitCap = true
	return s.synthesize(ctx, query, result)
}

// synthesize produces a best-effort answer from whatever scratchpad was
// accumulated when the iteration cap is hit or the model stops cooperating.
func (s *ReactService) synthesize(ctx context.Context, query string, result *ReactResult) (*ReactResult, error) {
	if len(result.Steps) == 0 {
		result.Answer = "I wasn't able to find enough information to answer that confidently."
		return result, nil
	}
	prompt := buildScratchpadPrompt(query, result.Steps) + "\n\nGive your best final answer now, in plain text, using only what is in the observations above."
	answer, err := s.client.GenerateContent(ctx, "You are a maritime officer training assistant closing out a research loop.", prompt)
	if err != nil {
		result.Answer = "I wasn't able to complete that within the available steps."
		return result, nil
	}
	result.Answer = strings.TrimSpace(answer)
	return result, nil
}

func (s *ReactService) buildSystemPrompt(role string) string {
	var b strings.Builder
	b.WriteString("You are a maritime officer training assistant answering questions by reasoning step by step and calling tools when you need information.\n")
	b.WriteString("At each turn, respond with JSON only, one of:\n")
	b.WriteString(`{"thought": "...", "tool": "toolName", "toolInput": {...}}` + "\n")
	b.WriteString(`{"thought": "...", "finalAnswer": "..."}` + "\n")
	b.WriteString("Available tools:\n")
	for _, d := range s.executor.Descriptors() {
		if !rbac.HasToolPermission(role, d.Name) {
			continue
		}
		fmt.Fprintf(&b, "- %s (%s/%s): %s\n", d.Name, d.Category, d.Access, d.Description)
	}
	return b.String()
}

func buildScratchpadPrompt(query string, steps []ReactStep) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", query)
	for i, step := range steps {
		fmt.Fprintf(&b, "Step %d thought: %s\n", i+1, step.Thought)
		if step.Tool != "" {
			fmt.Fprintf(&b, "Step %d action: %s(%v)\n", i+1, step.Tool, step.ToolInput)
		}
		if step.Err != "" {
			fmt.Fprintf(&b, "Step %d error: %s\n", i+1, step.Err)
		} else if step.Observation != "" {
			fmt.Fprintf(&b, "Step %d observation: %s\n", i+1, step.Observation)
		}
	}
	return b.String()
}

func parseReactAction(raw string) (*reactAction, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var action reactAction
	if err := json.Unmarshal([]byte(cleaned), &action); err != nil {
		return nil, err
	}
	return &action, nil
}

func observationText(res *tools.ToolResult) string {
	if res == nil || res.Data == nil {
		return ""
	}
	b, err := json.Marshal(res.Data)
	if err != nil {
		return fmt.Sprintf("%v", res.Data)
	}
	return string(b)
}
