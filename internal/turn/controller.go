// Package turn implements the Turn Controller: the engine's state
// machine, driving one agent turn from a user submission through any
// number of tool rounds to a terminal assistant response.
//
// The whole turn advances through an explicit Tick(now) method so a
// renderer's frame loop can interleave it with other work without a
// dedicated OS thread per turn; the only background work is the Tool
// Worker's single execution goroutine and each driver's stream reader.
package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/manifold/turnengine/internal/provider"
)

// State is the Turn Controller's state machine position. Terminating
// is handled synchronously inside the tick that reaches it: by the time
// Tick returns, the controller has already settled into either Idle or a
// fresh Streaming round (a follow-up), so it is never observed as a
// standalone stored value.
type State string

const (
	StateIdle          State = "idle"
	StateStreaming     State = "streaming"
	StateToolExecuting State = "tool_executing"
	StateContinuing    State = "continuing"
)

// Store is the subset of the Durable Store the controller needs.
// Re-declared here (rather than importing package store) to avoid a
// store->turn->store import cycle; internal/store.Store satisfies it.
type Store interface {
	AppendMessage(ctx context.Context, m Message) (int64, error)
	UpdateMessageContent(ctx context.Context, id int64, content string) error
	FetchMessages(ctx context.Context, sessionID string) ([]Message, error)
	FetchMessagesFrom(ctx context.Context, sessionID string, firstID int64) ([]Message, error)

	CreateAgentRun(ctx context.Context, sessionID string) (string, error)
	SetStatus(ctx context.Context, runID string, status RunStatus) error
	SetAssistantContent(ctx context.Context, runID string, contentJSON string) error
	SetTools(ctx context.Context, runID string, pendingToolsJSON string, currentIndex int) error
	SetResults(ctx context.Context, runID string, resultsJSON string) error
	Complete(ctx context.Context, runID string) error
	Fail(ctx context.Context, runID string) error
	NonTerminalRuns(ctx context.Context, sessionID string) ([]AgentRun, error)

	LatestCompaction(ctx context.Context, sessionID string) (*Compaction, error)
}

// ToolWorker is the subset of the Tool Worker the controller drives.
type ToolWorker interface {
	Start(ctx context.Context, call ToolCall) error
	Poll() *ToolResult
	IsRunning() bool
	Cancel()
}

// ToolSchemaSource supplies the canonical tool catalog sent with every
// request; internal/tools.Registry satisfies this.
type ToolSchemaSource interface {
	Schemas() []provider.ToolSchema
}

// Compactor runs the Compaction Engine between turns. Declared here to
// avoid turn<->compaction import cycle (internal/compaction imports this
// package for Message/Compaction); internal/compaction.Engine satisfies it
// structurally.
type Compactor interface {
	MaybeCompact(ctx context.Context, sessionID string) error
}

type actionKind int

const (
	actionSubmit actionKind = iota
	actionCancel
	actionSteer
	actionFollowUp
)

type pendingAction struct {
	kind actionKind
	text string
}

// Controller is the Turn Controller. One Controller drives exactly one
// session; it is not safe to share across sessions. External callers
// (Submit/Cancel/Steer/FollowUp) may be invoked from any goroutine; they
// only enqueue an action under a mutex. Tick itself must be called from a
// single cooperative thread (the renderer's frame loop).
type Controller struct {
	store     Store
	tools     ToolSchemaSource
	worker    ToolWorker
	mux       *provider.Multiplexer
	events    *EventQueue
	queues    *SteeringQueues
	compactor Compactor

	sessionID       string
	descriptor      string
	grace           time.Duration
	reasoningBudget int

	actionsMu sync.Mutex
	actions   []pendingAction

	state  State
	runID  string
	turnNo int

	submitPending  bool
	submitText     string
	submitDeadline time.Time

	driver provider.Driver
	stream provider.StreamState

	placeholderID int64
	lastText      string

	// convo is the in-flight conversation as sent to the provider. It is
	// assembled from the store once per turn and then extended in memory
	// round by round, so a continuation never re-reads history that now
	// contains this turn's own placeholder and steering rows.
	convo []provider.Message

	pendingTools []ToolCall
	toolIdx      int
	callsByID    map[string]ToolCall
	results      []ToolResult

	tracer   trace.Tracer
	turnSpan trace.Span
}

// Config bundles the collaborators a Controller needs. All fields required
// except Grace (defaults to 50ms), Events (defaults to a 256-slot queue),
// Queues (defaults to DrainAll for both), Compactor (a no-op if nil),
// and ReasoningBudget (zero disables extended thinking).
type Config struct {
	SessionID       string
	Descriptor      string // "provider/model-id"
	Store           Store
	Tools           ToolSchemaSource
	Worker          ToolWorker
	Mux             *provider.Multiplexer
	Events          *EventQueue
	Queues          *SteeringQueues
	Compactor       Compactor
	Grace           time.Duration
	ReasoningBudget int
}

// NewController wires one Turn Controller. On construction it does not
// touch the store; callers should call RecoverCrashedRuns once at process
// start: on process restart, any non-terminal run must be moved to
// failed before a new turn can begin.
func NewController(cfg Config) *Controller {
	grace := cfg.Grace
	if grace <= 0 {
		grace = 50 * time.Millisecond
	}
	events := cfg.Events
	if events == nil {
		events = NewEventQueue(0)
	}
	queues := cfg.Queues
	if queues == nil {
		queues = NewSteeringQueues(DrainAll, DrainAll)
	}
	return &Controller{
		store:           cfg.Store,
		tools:           cfg.Tools,
		worker:          cfg.Worker,
		mux:             cfg.Mux,
		events:          events,
		queues:          queues,
		compactor:       cfg.Compactor,
		sessionID:       cfg.SessionID,
		descriptor:      cfg.Descriptor,
		grace:           grace,
		reasoningBudget: cfg.ReasoningBudget,
		state:           StateIdle,
		tracer:          otel.Tracer("turn"),
	}
}

// RecoverCrashedRuns fails forward any AgentRun left non-terminal by a
// crash. Call once before the first Tick.
func RecoverCrashedRuns(ctx context.Context, s Store, sessionID string) error {
	runs, err := s.NonTerminalRuns(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, r := range runs {
		if err := s.Fail(ctx, r.RunID); err != nil {
			log.Error().Err(err).Str("run_id", r.RunID).Msg("recover_fail_run_error")
		}
	}
	return nil
}

// Events returns the queue the renderer drains each frame.
func (c *Controller) Events() *EventQueue { return c.events }

// State reports the current machine position, exposed for tests and
// diagnostics, not required by the renderer.
func (c *Controller) State() State {
	c.actionsMu.Lock()
	defer c.actionsMu.Unlock()
	return c.state
}

// Submit enqueues a new user turn. If a turn is already active, the caller
// should route to Steer or FollowUp instead; Submit while non-Idle is
// ignored (a turn at a time, per Non-goals: "Parallel turns in a single
// session").
func (c *Controller) Submit(text string) {
	c.enqueue(pendingAction{kind: actionSubmit, text: text})
}

// Cancel requests cancellation. Observed at the top of the next Tick.
func (c *Controller) Cancel() {
	c.enqueue(pendingAction{kind: actionCancel})
}

// Steer enqueues a mid-turn steering message (drained after the next tool
// completion).
func (c *Controller) Steer(text string) {
	c.enqueue(pendingAction{kind: actionSteer, text: text})
}

// FollowUp enqueues a message deferred until the turn terminates.
func (c *Controller) FollowUp(text string) {
	c.enqueue(pendingAction{kind: actionFollowUp, text: text})
}

func (c *Controller) enqueue(a pendingAction) {
	c.actionsMu.Lock()
	c.actions = append(c.actions, a)
	c.actionsMu.Unlock()
}

func (c *Controller) drainActions() []pendingAction {
	c.actionsMu.Lock()
	defer c.actionsMu.Unlock()
	out := c.actions
	c.actions = nil
	return out
}

// Tick advances the controller by exactly one non-blocking step. It must be
// called from the single cooperative thread; every operation inside is
// bounded; there are no suspension points in the controller.
func (c *Controller) Tick(ctx context.Context, now time.Time) error {
	for _, a := range c.drainActions() {
		switch a.kind {
		case actionCancel:
			c.handleCancel(ctx)
		case actionSubmit:
			if c.state == StateIdle && !c.submitPending {
				c.submitPending = true
				c.submitText = a.text
				c.submitDeadline = now.Add(c.grace)
			}
		case actionSteer:
			c.queues.Steer(a.text)
		case actionFollowUp:
			c.queues.FollowUp(a.text)
		}
	}

	switch c.state {
	case StateIdle:
		if c.submitPending && !now.Before(c.submitDeadline) {
			c.submitPending = false
			return c.beginTurn(ctx, c.submitText)
		}
	case StateStreaming, StateContinuing:
		return c.advanceStream(ctx, now)
	case StateToolExecuting:
		return c.advanceTools(ctx, now)
	}
	return nil
}

// handleCancel tears the whole turn down within the observing tick. A
// submit still inside its latch window is simply dropped, so a submit
// followed by an immediate cancel fires no HTTP request at all.
func (c *Controller) handleCancel(ctx context.Context) {
	if c.submitPending && c.state == StateIdle {
		c.submitPending = false
		return
	}
	if c.state == StateIdle {
		return
	}
	if c.stream != nil && c.driver != nil {
		c.driver.Cleanup(c.stream)
	}
	if c.worker.IsRunning() {
		c.worker.Cancel()
	}
	c.queues.ClearAll()
	if c.runID != "" {
		if err := c.store.Fail(ctx, c.runID); err != nil {
			log.Error().Err(err).Msg("cancel_fail_run_error")
		}
	}
	if _, err := c.store.AppendMessage(ctx, Message{SessionID: c.sessionID, Role: RoleSystem, Content: "Interrupted."}); err != nil {
		log.Error().Err(err).Msg("cancel_append_message_error")
	}
	c.events.Emit(AgentEvent{Kind: EventAgentError, ErrorMessage: "cancelled"})
	c.events.Emit(AgentEvent{Kind: EventAgentEnd})
	c.resetRound()
	c.state = StateIdle
}

// beginTurn is the Idle -> Streaming transition. A missing/unconfigured
// provider fails before any streaming-turn event is emitted; a
// driver.Start failure is a transport error and happens after the
// placeholder already exists.
func (c *Controller) beginTurn(ctx context.Context, text string) error {
	if err := c.mux.ConfiguredDriver(c.descriptor); err != nil {
		return c.configurationFailure(ctx, err)
	}

	if _, err := c.store.AppendMessage(ctx, Message{SessionID: c.sessionID, Role: RoleUser, Content: text}); err != nil {
		log.Error().Err(err).Msg("submit_append_message_error")
	}

	msgs, err := c.assemblePrompt(ctx)
	if err != nil {
		return c.configurationFailure(ctx, err)
	}
	c.convo = msgs

	runID, err := c.store.CreateAgentRun(ctx, c.sessionID)
	if err != nil {
		return c.configurationFailure(ctx, err)
	}
	c.runID = runID
	c.turnNo++
	_, c.turnSpan = c.tracer.Start(ctx, "agent_turn",
		trace.WithAttributes(attribute.String("session_id", c.sessionID), attribute.String("run_id", runID)))

	c.events.Emit(AgentEvent{Kind: EventAgentStart})
	c.events.Emit(AgentEvent{Kind: EventTurnStart, TurnNo: c.turnNo})

	placeholderID, err := c.store.AppendMessage(ctx, Message{SessionID: c.sessionID, Role: RoleAssistant, Content: ""})
	if err != nil {
		log.Error().Err(err).Msg("placeholder_append_message_error")
	}
	c.placeholderID = placeholderID
	c.lastText = ""
	c.events.Emit(AgentEvent{Kind: EventMessageStart, MessageID: placeholderID})

	return c.startDriver(ctx, c.convo, StateStreaming)
}

func (c *Controller) startDriver(ctx context.Context, msgs []provider.Message, next State) error {
	driver, state, err := c.mux.Start(ctx, c.descriptor, msgs, c.tools.Schemas(), provider.RequestOptions{ReasoningBudget: c.reasoningBudget})
	if err != nil {
		return c.transportFailure(ctx, err)
	}
	c.driver = driver
	c.stream = state
	if err := c.store.SetStatus(ctx, c.runID, statusFor(next)); err != nil {
		log.Error().Err(err).Msg("set_status_error")
	}
	c.state = next
	return nil
}

func statusFor(s State) RunStatus {
	if s == StateContinuing {
		return RunContinuing
	}
	return RunStreaming
}

// configurationFailure handles config-kind errors: AgentRun fails (or is
// never created) before Streaming is ever entered.
func (c *Controller) configurationFailure(ctx context.Context, cause error) error {
	if _, err := c.store.AppendMessage(ctx, Message{SessionID: c.sessionID, Role: RoleSystem, Content: fmt.Sprintf("Configuration error: %v", cause)}); err != nil {
		log.Error().Err(err).Msg("config_failure_append_message_error")
	}
	if c.runID != "" {
		_ = c.store.Fail(ctx, c.runID)
	}
	c.events.Emit(AgentEvent{Kind: EventAgentError, ErrorMessage: cause.Error()})
	c.events.Emit(AgentEvent{Kind: EventAgentEnd})
	c.resetRound()
	c.state = StateIdle
	return nil
}

// transportFailure handles transport-kind errors: the placeholder already
// exists by this point, so it is overwritten with an error string.
func (c *Controller) transportFailure(ctx context.Context, cause error) error {
	if c.turnSpan != nil {
		c.turnSpan.RecordError(cause)
	}
	errText := fmt.Sprintf("[error] %v", cause)
	if c.placeholderID != 0 {
		_ = c.store.UpdateMessageContent(ctx, c.placeholderID, errText)
	}
	if c.runID != "" {
		_ = c.store.Fail(ctx, c.runID)
	}
	c.events.Emit(AgentEvent{Kind: EventAgentError, ErrorMessage: cause.Error()})
	c.events.Emit(AgentEvent{Kind: EventAgentEnd})
	c.resetRound()
	c.state = StateIdle
	return nil
}

// advanceStream drives one non-blocking Poll. It covers both Streaming and
// Continuing; the "Continuing -> Streaming" transition on first byte is
// implicit because both states share this same poll path.
func (c *Controller) advanceStream(ctx context.Context, now time.Time) error {
	status, err := c.driver.Poll(c.stream)
	if err != nil {
		return c.transportFailure(ctx, err)
	}

	text := c.stream.Text()
	if text != c.lastText {
		delta := text
		if len(c.lastText) <= len(text) {
			delta = text[len(c.lastText):]
		}
		if err := c.store.UpdateMessageContent(ctx, c.placeholderID, text); err != nil {
			log.Error().Err(err).Msg("stream_update_message_error")
		}
		c.events.Emit(AgentEvent{Kind: EventMessageUpdate, MessageID: c.placeholderID, DeltaText: delta, CumulativeText: text})
		c.lastText = text
	}

	if status == provider.Pending {
		return nil
	}

	calls := c.stream.ToolCalls()
	stopReason := StopReason(c.stream.StopReason())
	c.driver.Cleanup(c.stream)
	c.driver = nil
	c.stream = nil

	switch stopReason {
	case StopToolUse:
		return c.enterToolExecution(ctx, calls)
	case StopError:
		return c.providerFailure(ctx)
	default: // StopStop, StopLength, and any unmapped terminator end the turn
		return c.finishTurn(ctx, now)
	}
}

func (c *Controller) enterToolExecution(ctx context.Context, calls []provider.ToolCall) error {
	toolCalls := make([]ToolCall, 0, len(calls))
	byID := make(map[string]ToolCall, len(calls))
	for _, tc := range calls {
		call := ToolCall{ID: tc.ID, Name: tc.Name, InputJSON: string(tc.Args), ThoughtSignature: tc.ThoughtSignature}
		toolCalls = append(toolCalls, call)
		byID[tc.ID] = call
	}

	finalText := c.lastText
	contentJSON, err := BuildAssistantContent(finalText, toolCalls)
	if err != nil {
		return c.transportFailure(ctx, err)
	}
	if err := c.store.SetAssistantContent(ctx, c.runID, contentJSON); err != nil {
		log.Error().Err(err).Msg("set_assistant_content_error")
	}
	pendingJSON, _ := json.Marshal(toolCalls)
	if err := c.store.SetTools(ctx, c.runID, string(pendingJSON), 0); err != nil {
		log.Error().Err(err).Msg("set_tools_error")
	}
	if err := c.store.SetStatus(ctx, c.runID, RunTools); err != nil {
		log.Error().Err(err).Msg("set_status_tools_error")
	}

	c.events.Emit(AgentEvent{Kind: EventMessageEnd, MessageID: c.placeholderID, FinalText: finalText})
	c.events.Emit(AgentEvent{Kind: EventTurnEnd, HasToolCalls: true})

	c.pendingTools = toolCalls
	c.callsByID = byID
	c.toolIdx = 0
	c.results = nil
	c.state = StateToolExecuting
	return c.startNextTool(ctx)
}

func (c *Controller) startNextTool(ctx context.Context) error {
	if c.toolIdx >= len(c.pendingTools) {
		return c.enterContinuation(ctx, nil)
	}
	call := c.pendingTools[c.toolIdx]
	c.events.Emit(AgentEvent{Kind: EventToolStart, ToolCallID: call.ID, ToolName: call.Name, ToolInput: call.InputJSON})
	if err := c.worker.Start(ctx, call); err != nil {
		// The worker contract guarantees at most one in-flight execution;
		// ErrAlreadyRunning here would indicate a controller bug, not a
		// recoverable tool error, but we still fail soft under the policy
		// of never terminating the process on a turn-level error.
		result := ToolResult{ID: call.ID, Success: false, Content: err.Error()}
		return c.recordToolResult(ctx, result)
	}
	return nil
}

func (c *Controller) advanceTools(ctx context.Context, now time.Time) error {
	res := c.worker.Poll()
	if res == nil {
		return nil
	}
	return c.recordToolResult(ctx, *res)
}

func (c *Controller) recordToolResult(ctx context.Context, res ToolResult) error {
	call := c.callsByID[res.ID]
	c.results = append(c.results, res)
	c.events.Emit(AgentEvent{Kind: EventToolEnd, ToolCallID: res.ID, ToolName: call.Name, ToolResult: res, ToolIsErr: !res.Success})
	c.toolIdx++

	// An ephemeral row per tool execution gives the renderer something to
	// show (UI-truncated) and the compaction engine its file-ops scan input,
	// without ever entering a provider request.
	if _, err := c.store.AppendMessage(ctx, Message{
		SessionID:     c.sessionID,
		Role:          RoleAssistant,
		Content:       ToolResultUIContent(res.Content),
		ToolName:      call.Name,
		ToolInputJSON: call.InputJSON,
		Ephemeral:     true,
	}); err != nil {
		log.Error().Err(err).Msg("tool_trace_append_message_error")
	}

	resultsJSON, _ := json.Marshal(c.results)
	if err := c.store.SetResults(ctx, c.runID, string(resultsJSON)); err != nil {
		log.Error().Err(err).Msg("set_results_error")
	}

	// Steering is inspected after every tool completion.
	if !c.queues.SteerEmpty() {
		steerMsgs := c.queues.DrainSteer()
		for ; c.toolIdx < len(c.pendingTools); c.toolIdx++ {
			skipped := SkippedResult(c.pendingTools[c.toolIdx].ID)
			c.results = append(c.results, skipped)
			c.events.Emit(AgentEvent{Kind: EventToolEnd, ToolCallID: skipped.ID, ToolName: c.callsByID[skipped.ID].Name, ToolResult: skipped, ToolIsErr: true})
		}
		for _, m := range steerMsgs {
			if _, err := c.store.AppendMessage(ctx, Message{SessionID: c.sessionID, Role: RoleUser, Content: m}); err != nil {
				log.Error().Err(err).Msg("steer_append_message_error")
			}
		}
		resultsJSON, _ = json.Marshal(c.results)
		if err := c.store.SetResults(ctx, c.runID, string(resultsJSON)); err != nil {
			log.Error().Err(err).Msg("set_results_error")
		}
		return c.enterContinuation(ctx, steerMsgs)
	}

	if c.toolIdx < len(c.pendingTools) {
		return c.startNextTool(ctx)
	}
	return c.enterContinuation(ctx, nil)
}

// enterContinuation is ToolExecuting -> Continuing: extend the
// in-memory conversation with the just-finished round and start the next
// HTTP call.
func (c *Controller) enterContinuation(ctx context.Context, steeringTexts []string) error {
	if err := c.store.SetStatus(ctx, c.runID, RunContinuing); err != nil {
		log.Error().Err(err).Msg("set_status_continuing_error")
	}

	c.convo = append(c.convo, c.continuationMessages(steeringTexts)...)

	c.turnNo++
	if err := c.startDriver(ctx, c.convo, StateContinuing); err != nil {
		return err
	}

	placeholderID, err := c.store.AppendMessage(ctx, Message{SessionID: c.sessionID, Role: RoleAssistant, Content: ""})
	if err != nil {
		log.Error().Err(err).Msg("continuation_placeholder_append_error")
	}
	c.placeholderID = placeholderID
	c.lastText = ""
	c.events.Emit(AgentEvent{Kind: EventTurnStart, TurnNo: c.turnNo})
	c.events.Emit(AgentEvent{Kind: EventMessageStart, MessageID: placeholderID})
	return nil
}

func (c *Controller) providerFailure(ctx context.Context) error {
	if c.runID != "" {
		_ = c.store.Fail(ctx, c.runID)
	}
	c.events.Emit(AgentEvent{Kind: EventAgentError, ErrorMessage: "provider error"})
	c.events.Emit(AgentEvent{Kind: EventAgentEnd})
	c.resetRound()
	c.state = StateIdle
	return nil
}

// finishTurn is Streaming/Continuing -> Terminating -> {Idle | Streaming}.
func (c *Controller) finishTurn(ctx context.Context, now time.Time) error {
	finalText := c.lastText
	// The terminal round by definition carries no tool_use, so an empty
	// final text always gets the fixed replacement.
	if finalText == "" {
		finalText = NoResponsePlaceholder
		if err := c.store.UpdateMessageContent(ctx, c.placeholderID, finalText); err != nil {
			log.Error().Err(err).Msg("finish_turn_update_message_error")
		}
	}

	c.events.Emit(AgentEvent{Kind: EventMessageEnd, MessageID: c.placeholderID, FinalText: finalText})
	c.events.Emit(AgentEvent{Kind: EventTurnEnd, HasToolCalls: false})

	if err := c.store.Complete(ctx, c.runID); err != nil {
		log.Error().Err(err).Msg("complete_run_error")
	}

	if c.compactor != nil {
		if err := c.compactor.MaybeCompact(ctx, c.sessionID); err != nil {
			log.Error().Err(err).Msg("compaction_error")
		}
	}

	c.events.Emit(AgentEvent{Kind: EventAgentEnd})
	c.resetRound()

	// Follow-up queue is inspected once the turn terminates; per the
	// Question decision (iii) each follow-up starts a *new* AgentRun,
	// recording the prior run complete (already done above).
	followups := c.queues.DrainFollowUp()
	if len(followups) == 0 {
		c.state = StateIdle
		return nil
	}

	for _, f := range followups {
		if _, err := c.store.AppendMessage(ctx, Message{SessionID: c.sessionID, Role: RoleUser, Content: f}); err != nil {
			log.Error().Err(err).Msg("followup_append_message_error")
		}
	}
	c.state = StateIdle
	return c.beginFollowUpRun(ctx)
}

// beginFollowUpRun mirrors beginTurn but skips re-persisting the user
// message (already done by finishTurn) and skips the 50ms latch: the
// follow-up was already accepted and queued during a live turn, so there is
// no submit/cancel race left to resolve.
func (c *Controller) beginFollowUpRun(ctx context.Context) error {
	if err := c.mux.ConfiguredDriver(c.descriptor); err != nil {
		return c.configurationFailure(ctx, err)
	}
	msgs, err := c.assemblePrompt(ctx)
	if err != nil {
		return c.configurationFailure(ctx, err)
	}
	c.convo = msgs
	runID, err := c.store.CreateAgentRun(ctx, c.sessionID)
	if err != nil {
		return c.configurationFailure(ctx, err)
	}
	c.runID = runID
	c.turnNo++
	_, c.turnSpan = c.tracer.Start(ctx, "agent_turn",
		trace.WithAttributes(attribute.String("session_id", c.sessionID), attribute.String("run_id", runID)))

	c.events.Emit(AgentEvent{Kind: EventAgentStart})
	c.events.Emit(AgentEvent{Kind: EventTurnStart, TurnNo: c.turnNo})

	placeholderID, err := c.store.AppendMessage(ctx, Message{SessionID: c.sessionID, Role: RoleAssistant, Content: ""})
	if err != nil {
		log.Error().Err(err).Msg("followup_placeholder_append_error")
	}
	c.placeholderID = placeholderID
	c.lastText = ""
	c.events.Emit(AgentEvent{Kind: EventMessageStart, MessageID: placeholderID})

	return c.startDriver(ctx, c.convo, StateStreaming)
}

func (c *Controller) resetRound() {
	if c.turnSpan != nil {
		c.turnSpan.End()
		c.turnSpan = nil
	}
	c.driver = nil
	c.stream = nil
	c.convo = nil
	c.pendingTools = nil
	c.callsByID = nil
	c.toolIdx = 0
	c.results = nil
	c.lastText = ""
	c.placeholderID = 0
	c.runID = ""
}

// assemblePrompt builds the outbound request for a first round:
// compaction summary (if any) as a synthetic leading user message, then
// every non-ephemeral, non-system message with id >= the compaction cut
// cut.
func (c *Controller) assemblePrompt(ctx context.Context) ([]provider.Message, error) {
	compaction, err := c.store.LatestCompaction(ctx, c.sessionID)
	if err != nil {
		return nil, err
	}

	var history []Message
	if compaction != nil {
		history, err = c.store.FetchMessagesFrom(ctx, c.sessionID, compaction.FirstKeptMsgID)
	} else {
		history, err = c.store.FetchMessages(ctx, c.sessionID)
	}
	if err != nil {
		return nil, err
	}

	msgs := make([]provider.Message, 0, len(history)+1)
	if compaction != nil {
		msgs = append(msgs, provider.Message{Role: "user", Content: compaction.Summary})
	}
	for _, m := range history {
		if m.Ephemeral || m.Role == RoleSystem {
			continue
		}
		msgs = append(msgs, provider.Message{Role: string(m.Role), Content: m.Content})
	}
	return msgs, nil
}

// continuationMessages renders the just-finished round: the assistant
// message (text + tool_use), one tool message per result keyed by the
// original call id, then any steering text buffered at the interrupt
// in between. Each vendor request builder collapses the tool/user run into
// whatever shape its wire protocol wants.
func (c *Controller) continuationMessages(steeringTexts []string) []provider.Message {
	assistant := provider.Message{Role: "assistant", Content: c.lastText}
	for _, tc := range c.pendingTools {
		assistant.ToolCalls = append(assistant.ToolCalls, provider.ToolCall{
			ID:               tc.ID,
			Name:             tc.Name,
			Args:             []byte(tc.InputJSON),
			ThoughtSignature: tc.ThoughtSignature,
		})
	}
	out := make([]provider.Message, 0, 1+len(c.results)+len(steeringTexts))
	out = append(out, assistant)
	for _, r := range c.results {
		out = append(out, provider.Message{Role: "tool", ToolID: r.ID, Content: r.Content})
	}
	for _, t := range steeringTexts {
		out = append(out, provider.Message{Role: "user", Content: t})
	}
	return out
}
