// Package provider defines the canonical message/tool shapes and the
// Provider Stream Driver contract that the three vendor packages
// (anthropic, openai, google) implement, plus the multiplexer that selects
// among them by model descriptor.
//
// Drivers expose a non-blocking start/poll/text/tool_calls/cleanup state
// object so a single cooperative tick loop can drive streaming without a
// thread per call, plus a blocking Complete op for auxiliary
// between-turns calls.
package provider

import "context"

// Message is the canonical, vendor-neutral chat message the multiplexer
// translates to and from each wire protocol.
type Message struct {
	Role             string // "system" | "user" | "assistant" | "tool"
	Content          string
	ToolID           string
	ToolCalls        []ToolCall
	ThoughtSignature string
}

// ToolCall mirrors turn.ToolCall but carries the raw JSON args the wire
// protocols actually traffic in.
type ToolCall struct {
	ID               string
	Name             string
	Args             []byte
	ThoughtSignature string
}

// ToolSchema is the canonical JSON-Schema-shaped tool catalog entry.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// RequestOptions carries per-call knobs that do not change the driver state
// machine shape (a data-plumbing extension, not a new state).
type RequestOptions struct {
	Model           string
	ReasoningBudget int // thinking/reasoning token budget; 0 disables
}

// PollStatus is the result of one non-blocking poll.
type PollStatus int

const (
	Pending PollStatus = iota
	Done
	Err
)

// StreamState is the opaque per-call handle a Driver hands back from Start
// and threads through every subsequent call. Each concrete driver defines
// its own concrete type satisfying this interface; the multiplexer and the
// Turn Controller only ever see it through the methods below and the
// Driver operations.
type StreamState interface {
	// Text returns the cumulative assistant text. Must be a prefix-extension
	// of any value it has previously returned.
	Text() string
	// ToolCalls returns finalized, ordered, append-only tool calls.
	ToolCalls() []ToolCall
	// StopReason is valid only once Poll has returned Done.
	StopReason() string
}

// Driver is the contract every provider package implements. Start sends
// the request and waits only for the response status, so connect and
// HTTP-status failures surface as ErrStartFailed; the response body is
// read in the background. Poll performs one bounded, non-blocking read and reassembly
// step. Complete is the one deliberately blocking operation: a plain,
// non-streaming request used for auxiliary calls made between turns (the
// compaction summarizer), never while a turn is in flight.
type Driver interface {
	Start(ctx context.Context, apiKey string, msgs []Message, tools []ToolSchema, opts RequestOptions) (StreamState, error)
	Poll(state StreamState) (PollStatus, error)
	Cleanup(state StreamState)
	Complete(ctx context.Context, apiKey string, msgs []Message, opts RequestOptions) (string, error)
}

// ErrStartFailed is returned by Start when the underlying transport could
// not be initiated (spawn/connect/write failure).
type ErrStartFailed struct{ Cause error }

func (e *ErrStartFailed) Error() string { return "provider: start failed: " + e.Cause.Error() }
func (e *ErrStartFailed) Unwrap() error { return e.Cause }
