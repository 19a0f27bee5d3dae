package tools

import (
	"context"
	"encoding/json"

	"github.com/manifold/turnengine/internal/provider"
)

// DispatchEvent captures one tool dispatch invocation and its outcome,
// letting tests observe the worker's registry lookups through a recording
// decorator.
type DispatchEvent struct {
	Name  string
	Args  json.RawMessage
	Found bool
	Err   error
}

type recordingRegistry struct {
	base Registry
	on   func(DispatchEvent)
}

func NewRecordingRegistry(base Registry, on func(DispatchEvent)) Registry {
	if base == nil {
		base = NewRegistry()
	}
	return &recordingRegistry{base: base, on: on}
}

func (r *recordingRegistry) Register(t Tool)               { r.base.Register(t) }
func (r *recordingRegistry) Unregister(name string)        { r.base.Unregister(name) }
func (r *recordingRegistry) Schemas() []provider.ToolSchema { return r.base.Schemas() }

func (r *recordingRegistry) Dispatch(ctx context.Context, name string, raw json.RawMessage) (any, bool, error) {
	val, found, err := r.base.Dispatch(ctx, name, raw)
	if r.on != nil {
		r.on(DispatchEvent{Name: name, Args: raw, Found: found, Err: err})
	}
	return val, found, err
}
