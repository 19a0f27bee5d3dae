// Package tools implements the Tool Worker: one-at-a-time background
// execution of a named tool with JSON input, and the Registry the worker's
// name lookup is injected from (for test substitution).
//
// Concrete tools live in the fs, cli, and mcp subpackages; the worker
// only sees them through the Registry.
package tools

import (
	"context"
	"encoding/json"

	"github.com/manifold/turnengine/internal/provider"
)

// Tool is an executable capability the worker can dispatch to.
type Tool interface {
	Name() string
	JSONSchema() map[string]any
	Call(ctx context.Context, raw json.RawMessage) (any, error)
}

// Registry dispatches a named tool call. Unknown names are not a Go
// error: an unknown tool yields a ToolResult with success=false, not a
// panic or abort.
type Registry interface {
	Schemas() []provider.ToolSchema
	Dispatch(ctx context.Context, name string, raw json.RawMessage) (any, bool, error)
	Register(t Tool)
	Unregister(name string)
}

type defaultRegistry struct {
	byName map[string]Tool
}

func NewRegistry() Registry {
	return &defaultRegistry{byName: make(map[string]Tool)}
}

func (r *defaultRegistry) Register(t Tool)        { r.byName[t.Name()] = t }
func (r *defaultRegistry) Unregister(name string) { delete(r.byName, name) }

func (r *defaultRegistry) Schemas() []provider.ToolSchema {
	out := make([]provider.ToolSchema, 0, len(r.byName))
	for name, t := range r.byName {
		schema := t.JSONSchema()
		out = append(out, provider.ToolSchema{
			Name:        name,
			Description: strFrom(schema["description"]),
			Parameters:  mapFrom(schema["parameters"]),
		})
	}
	return out
}

// Dispatch returns (value, found, err). found=false means the tool name
// was unknown; the caller is responsible for turning that
// into a ToolResult{Success:false, Content:"unknown tool"}.
func (r *defaultRegistry) Dispatch(ctx context.Context, name string, raw json.RawMessage) (any, bool, error) {
	t, ok := r.byName[name]
	if !ok {
		return nil, false, nil
	}
	val, err := t.Call(ctx, raw)
	return val, true, err
}

func strFrom(v any) string         { s, _ := v.(string); return s }
func mapFrom(v any) map[string]any { m, _ := v.(map[string]any); return m }
