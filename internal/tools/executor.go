package tools

import (
	"context"
	"time"

	"github.com/oceanic-labs/mariner-core/internal/rbac"
)

// DefaultToolTimeout is the maximum time a tool may run.
const DefaultToolTimeout = 30 * time.Second

// Tool is the interface every registered tool must implement.
type Tool interface {
	Execute(ctx context.Context, params map[string]interface{}) (*ToolResult, error)
}

// ToolResult is the successful return value from a tool execution.
type ToolResult struct {
	Data     interface{} `json:"data"`
	UIAction interface{} `json:"uiAction,omitempty"`
}

// Category classifies what domain a tool serves.
type Category string

const (
	CategoryRAG     Category = "RAG"
	CategoryMemory  Category = "MEMORY"
	CategoryTutor   Category = "TUTOR"
	CategoryControl Category = "CONTROL"
)

// Access classifies whether a tool only reads or also writes state.
type Access string

const (
	AccessRead  Access = "READ"
	AccessWrite Access = "WRITE"
)

// Descriptor is a tool's registry entry: everything the agent planner and
// RBAC layer need to know about it, independent of its implementation.
type Descriptor struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
	Category    Category
	Access      Access
	Handler     Tool
}

// ToolExecutor dispatches tool calls with RBAC checks and error handling.
// The bound tool set is configuration-driven and initialized once at
// startup (SPEC_FULL.md §4.I).
type ToolExecutor struct {
	registry map[string]Tool
	descs    map[string]Descriptor
}

// NewToolExecutor creates an empty executor.
func NewToolExecutor() *ToolExecutor {
	return &ToolExecutor{registry: make(map[string]Tool), descs: make(map[string]Descriptor)}
}

// Register adds a tool to the registry without descriptor metadata.
// Prefer RegisterDescriptor for new tools; this remains for callers that
// only need dispatch, not catalog introspection.
func (e *ToolExecutor) Register(name string, tool Tool) {
	e.registry[name] = tool
}

// RegisterDescriptor adds a fully-described tool to the registry.
func (e *ToolExecutor) RegisterDescriptor(d Descriptor) {
	e.registry[d.Name] = d.Handler
	e.descs[d.Name] = d
}

// ByCategory returns every registered descriptor in the given category.
func (e *ToolExecutor) ByCategory(cat Category) []Descriptor {
	var out []Descriptor
	for _, d := range e.descs {
		if d.Category == cat {
			out = append(out, d)
		}
	}
	return out
}

// ReadOnlySubset returns every registered descriptor with READ access —
// the set safe to expose to a caller role that must not mutate state.
func (e *ToolExecutor) ReadOnlySubset() []Descriptor {
	var out []Descriptor
	for _, d := range e.descs {
		if d.Access == AccessRead {
			out = append(out, d)
		}
	}
	return out
}

// Descriptors returns every registered tool descriptor.
func (e *ToolExecutor) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(e.descs))
	for _, d := range e.descs {
		out = append(out, d)
	}
	return out
}

// Execute runs a tool with RBAC checks and structured error handling.
func (e *ToolExecutor) Execute(ctx context.Context, toolName string, params map[string]interface{}, callerRole string) (*ToolResult, error) {
	// System roles bypass RBAC entirely
	if rbac.IsSystemRole(callerRole) {
		return e.executeWithErrorHandling(ctx, toolName, params)
	}

	// Standard RBAC check for user roles
	if !rbac.HasToolPermission(callerRole, toolName) {
		return nil, NewPermissionError(callerRole, toolName)
	}

	return e.executeWithErrorHandling(ctx, toolName, params)
}

// executeWithErrorHandling wraps tool execution with timeout and panic recovery.
func (e *ToolExecutor) executeWithErrorHandling(ctx context.Context, toolName string, params map[string]interface{}) (result *ToolResult, err error) {
	// Set timeout
	ctx, cancel := context.WithTimeout(ctx, DefaultToolTimeout)
	defer cancel()

	// Check tool exists
	tool, exists := e.registry[toolName]
	if !exists {
		return nil, NewToolNotFoundError(toolName)
	}

	// Panic recovery
	defer func() {
		if p := recover(); p != nil {
			err = NewInternalError(toolName)
		}
	}()

	// Execute tool
	result, err = tool.Execute(ctx, params)

	// Handle timeout
	if ctx.Err() == context.DeadlineExceeded {
		return nil, NewTimeoutError(toolName, DefaultToolTimeout)
	}

	// Wrap generic errors in ToolError
	if err != nil {
		if _, ok := err.(*ToolError); !ok {
			return nil, NewUpstreamError(toolName, err)
		}
	}

	return result, err
}
