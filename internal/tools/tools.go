// Package tools defines the tool interface and registry for agentbench.
// The registry is the single translation point between a model's tool calls
// (name plus JSON arguments) and the sandbox components that serve them.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jkaninda/agentbench/internal/container"
	"github.com/jkaninda/agentbench/internal/llm"
)

var (
	// ErrUnknownTool is returned by Dispatch for a name nobody registered.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidParams wraps schema and Validate failures.
	ErrInvalidParams = errors.New("invalid parameters")

	// ErrFatal marks a tool failure that must abort the whole run instead of
	// being reported back to the model (container management failures).
	ErrFatal = errors.New("fatal tool error")
)

// Tool is the interface all agentbench tools implement.
type Tool interface {
	// Name returns the tool's unique identifier (e.g. "read_file").
	Name() string

	// Description returns a human-readable description.
	Description() string

	// InputSchema returns a JSON Schema object describing the tool's parameters.
	// This is sent to the LLM as the tool's input_schema for function calling.
	InputSchema() map[string]any

	// Validate checks that params are well-formed. Called after the schema check.
	Validate(params map[string]any) error

	// Execute runs the tool with the given parameters.
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// Result is the outcome of a tool execution.
type Result struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Success  bool           `json:"success"`
}

// ContainerResolver resolves the live sandbox container. *container.Manager implements it.
type ContainerResolver interface {
	Lookup(ctx context.Context) (*container.Handle, error)
}

// MaxOutputBytes is the default cap for tool output to prevent OOM.
const MaxOutputBytes = 1 << 20 // 1 MB

// Fatal wraps err so that errors.Is(err, ErrFatal) holds.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// TruncateOutput caps a string at maxBytes, appending a truncation notice if cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}

// Registry holds available tools keyed by name, in registration order.
// Thread-safe for concurrent reads; writes should only happen at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Panics on duplicate names (startup config error, not runtime).
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		panic("duplicate tool registration: " + t.Name())
	}
	r.tools[t.Name()] = t
	r.order = append(r.order, t.Name())
}

// Get returns the tool by name, or nil if not found.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns all registered tool names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// All returns all registered tools in registration order.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.tools[name])
	}
	return result
}

// Subset returns a new registry holding only the named tools, in the given
// order. Names that are not registered are skipped.
func (r *Registry) Subset(names ...string) *Registry {
	sub := NewRegistry()
	for _, name := range names {
		if t := r.Get(name); t != nil {
			sub.Register(t)
		}
	}
	return sub
}

// Dispatch checks params against the tool's schema, fills declared defaults,
// runs Validate and then Execute. Unknown names and schema violations are
// returned as errors wrapping ErrUnknownTool and ErrInvalidParams.
func (r *Registry) Dispatch(ctx context.Context, name string, params map[string]any) (*Result, error) {
	t := r.Get(name)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := CheckSchema(t.InputSchema(), params); err != nil {
		return nil, fmt.Errorf("%w for %s: %w", ErrInvalidParams, name, err)
	}
	if err := t.Validate(params); err != nil {
		return nil, fmt.Errorf("%w for %s: %w", ErrInvalidParams, name, err)
	}
	return t.Execute(ctx, params)
}

// ToLLMDefinitions converts all registered tools into LLM tool definitions.
func ToLLMDefinitions(reg *Registry) []llm.ToolDefinition {
	all := reg.All()
	defs := make([]llm.ToolDefinition, len(all))
	for i, t := range all {
		defs[i] = llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		}
	}
	return defs
}
