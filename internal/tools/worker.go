package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/manifold/turnengine/internal/observability"
	"github.com/manifold/turnengine/internal/turn"
)

// ErrAlreadyRunning is returned by Start when a tool is already in flight.
var ErrAlreadyRunning = errors.New("tools: a tool is already running")

// Worker is the Tool Worker: the single place the engine leaves the
// otherwise single-threaded discipline. At most one execution is in flight
// at a time; a mutex covers a single pending-result slot and the running
// flag, held only long enough to swap state.
type Worker struct {
	registry Registry

	mu      sync.Mutex
	running bool
	result  *turn.ToolResult
	cancel  context.CancelFunc
}

func NewWorker(registry Registry) *Worker {
	return &Worker{registry: registry}
}

// Start spawns a dedicated goroutine running the named tool. It fails with
// ErrAlreadyRunning if one is already live.
func (w *Worker) Start(ctx context.Context, call turn.ToolCall) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.running = true
	w.result = nil
	w.cancel = cancel
	w.mu.Unlock()

	go w.run(runCtx, call)
	return nil
}

func (w *Worker) run(ctx context.Context, call turn.ToolCall) {
	result := w.dispatch(ctx, call)
	w.mu.Lock()
	w.result = &result
	w.running = false
	w.mu.Unlock()
}

// dispatch never panics on ill-formed input: an unknown tool name or a
// JSON-parse failure in the tool's own Call becomes a failed ToolResult,
// not a crashed worker.
func (w *Worker) dispatch(ctx context.Context, call turn.ToolCall) turn.ToolResult {
	log.Debug().
		Str("tool", call.Name).
		Str("call_id", call.ID).
		Str("input", string(observability.RedactJSON(json.RawMessage(call.InputJSON)))).
		Msg("tool_dispatch")
	val, found, err := w.registry.Dispatch(ctx, call.Name, json.RawMessage(call.InputJSON))
	if !found {
		return turn.ToolResult{ID: call.ID, Success: false, Content: "unknown tool"}
	}
	if err != nil {
		return turn.ToolResult{ID: call.ID, Success: false, Content: err.Error()}
	}
	content, details := renderResult(call.Name, val)
	return turn.ToolResult{ID: call.ID, Success: true, Content: content, DetailsJSON: details}
}

func renderResult(toolName string, val any) (content string, detailsJSON string) {
	switch v := val.(type) {
	case string:
		return Truncate(toolName, v), ""
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val), ""
		}
		return Truncate(toolName, string(b)), string(b)
	}
}

// Poll returns a finalized result exactly once, nil while still running.
// Calling Poll again after it has returned a result returns nil: the
// result is consumed on pickup.
func (w *Worker) Poll() *turn.ToolResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.result == nil {
		return nil
	}
	r := w.result
	w.result = nil
	return r
}

// IsRunning is true if a worker goroutine is live or a result is pending
// pickup (Poll has not yet been called for it).
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running || w.result != nil
}

// Cancel terminates the in-flight tool's context. The result, if one
// eventually arrives, is discarded by the caller (the Turn Controller's
// cancellation path drops pending results rather than polling for them).
func (w *Worker) Cancel() {
	w.mu.Lock()
	c := w.cancel
	w.mu.Unlock()
	if c != nil {
		c()
	}
}
