// Package tools holds the local functions a model may call during a
// conversation's tool loop.
package tools

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/HexSleeves/parley/internal/llm"
)

// Handler executes one tool call. A returned error becomes an error-flagged
// tool result; it never aborts the conversation.
type Handler interface {
	Call(ctx context.Context, args map[string]any) (string, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, args map[string]any) (string, error)

func (f HandlerFunc) Call(ctx context.Context, args map[string]any) (string, error) {
	return f(ctx, args)
}

// Tool is a registered handler with the schema advertised to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Handler
}

// Registry maps tool names to handlers. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool. params is a JSON Schema object; nil means
// no arguments.
func (r *Registry) Register(name, description string, params map[string]any, h Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if h == nil {
		return fmt.Errorf("tool %s: handler is nil", name)
	}
	if params == nil {
		params = Schema(nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = Tool{Name: name, Description: description, Parameters: params, Handler: h}
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Definitions returns the advertised tool list sorted by name.
func (r *Registry) Definitions() []llm.ToolDef {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, llm.ToolDef{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	slices.SortFunc(defs, func(a, b llm.ToolDef) int { return strings.Compare(a.Name, b.Name) })
	return defs
}

// Execute runs the handler registered for call.Name. ok is false when no
// handler exists; callers skip such calls. Argument decoding failures,
// handler errors and handler panics all produce an error result.
func (r *Registry) Execute(ctx context.Context, call llm.ToolCall) (res llm.ToolResult, ok bool) {
	t, found := r.Get(call.Name)
	if !found {
		return llm.ToolResult{}, false
	}
	res.ToolCallID = call.ID

	args, err := call.Args()
	if err != nil {
		res.Content = err.Error()
		res.IsError = true
		return res, true
	}

	defer func() {
		if p := recover(); p != nil {
			res.Content = fmt.Sprintf("tool %s panicked: %v", call.Name, p)
			res.IsError = true
			ok = true
		}
	}()

	out, err := t.Handler.Call(ctx, args)
	if err != nil {
		res.Content = err.Error()
		res.IsError = true
		return res, true
	}
	res.Content = out
	return res, true
}

// Param describes one property of a tool's argument object.
type Param struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// Schema builds a JSON Schema object from params.
func Schema(params []Param) map[string]any {
	props := make(map[string]any, len(params))
	var required []string
	for _, p := range params {
		props[p.Name] = map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringArg(args map[string]any, name string) (string, error) {
	v, ok := args[name]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string, got %T", name, v)
	}
	return s, nil
}

func optionalString(args map[string]any, name, def string) string {
	if s, ok := args[name].(string); ok && s != "" {
		return s
	}
	return def
}
