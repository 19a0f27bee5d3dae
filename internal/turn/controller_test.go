package turn

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manifold/turnengine/internal/provider"
)

// --- fakes -----------------------------------------------------------

type fakeStream struct {
	text       string
	toolCalls  []provider.ToolCall
	stopReason string
}

func (s *fakeStream) Text() string                   { return s.text }
func (s *fakeStream) ToolCalls() []provider.ToolCall { return s.toolCalls }
func (s *fakeStream) StopReason() string              { return s.stopReason }

// fakeDriver replays a fixed script of (status, error) steps per Start call;
// each Start consumes the next script entry from scripts and records the
// request messages it was handed.
type fakeDriver struct {
	scripts   [][]pollStep
	callIndex int
	configErr error
	gotMsgs   [][]provider.Message
}

type pollStep struct {
	status provider.PollStatus
	err    error
	text   string
	calls  []provider.ToolCall
	stop   string
}

func (d *fakeDriver) Start(ctx context.Context, apiKey string, msgs []provider.Message, tools []provider.ToolSchema, opts provider.RequestOptions) (provider.StreamState, error) {
	if d.configErr != nil {
		return nil, d.configErr
	}
	d.gotMsgs = append(d.gotMsgs, append([]provider.Message(nil), msgs...))
	idx := d.callIndex
	d.callIndex++
	return &fakeRun{steps: d.scripts[idx]}, nil
}

type fakeRun struct {
	steps []pollStep
	pos   int
	state fakeStream
}

func (d *fakeDriver) Poll(raw provider.StreamState) (provider.PollStatus, error) {
	r := raw.(*fakeRun)
	if r.pos >= len(r.steps) {
		return provider.Done, nil
	}
	step := r.steps[r.pos]
	r.pos++
	r.state.text = step.text
	r.state.toolCalls = step.calls
	r.state.stopReason = step.stop
	if step.err != nil {
		return step.status, step.err
	}
	return step.status, nil
}

func (d *fakeDriver) Cleanup(raw provider.StreamState) {}

func (d *fakeDriver) Complete(ctx context.Context, apiKey string, msgs []provider.Message, opts provider.RequestOptions) (string, error) {
	return "summary text", nil
}

// fakeRun must itself satisfy provider.StreamState so Text/ToolCalls/StopReason
// read through to the embedded fakeStream snapshot.
func (r *fakeRun) Text() string                   { return r.state.text }
func (r *fakeRun) ToolCalls() []provider.ToolCall { return r.state.toolCalls }
func (r *fakeRun) StopReason() string             { return r.state.stopReason }

// fakeStore is a minimal in-memory Store sufficient for controller tests.
type fakeStore struct {
	messages    []Message
	nextID      int64
	runs        map[string]*AgentRun
	runOrder    []string
	compaction  *Compaction
}

func newFakeStore() *fakeStore {
	return &fakeStore{runs: make(map[string]*AgentRun)}
}

func (s *fakeStore) AppendMessage(ctx context.Context, m Message) (int64, error) {
	s.nextID++
	m.ID = s.nextID
	s.messages = append(s.messages, m)
	return m.ID, nil
}

func (s *fakeStore) UpdateMessageContent(ctx context.Context, id int64, content string) error {
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Content = content
			return nil
		}
	}
	return nil
}

func (s *fakeStore) FetchMessages(ctx context.Context, sessionID string) ([]Message, error) {
	var out []Message
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) FetchMessagesFrom(ctx context.Context, sessionID string, firstID int64) ([]Message, error) {
	var out []Message
	for _, m := range s.messages {
		if m.SessionID == sessionID && m.ID >= firstID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) CreateAgentRun(ctx context.Context, sessionID string) (string, error) {
	id := "run-" + time.Now().String() + string(rune(len(s.runOrder)))
	id = "run-" + string(rune('a'+len(s.runOrder)))
	s.runs[id] = &AgentRun{RunID: id, SessionID: sessionID, Status: RunStreaming}
	s.runOrder = append(s.runOrder, id)
	return id, nil
}

func (s *fakeStore) SetStatus(ctx context.Context, runID string, status RunStatus) error {
	s.runs[runID].Status = status
	return nil
}
func (s *fakeStore) SetAssistantContent(ctx context.Context, runID string, contentJSON string) error {
	s.runs[runID].AssistantContent = contentJSON
	return nil
}
func (s *fakeStore) SetTools(ctx context.Context, runID string, pendingToolsJSON string, currentIndex int) error {
	s.runs[runID].PendingToolsJSON = pendingToolsJSON
	s.runs[runID].CurrentToolIdx = currentIndex
	return nil
}
func (s *fakeStore) SetResults(ctx context.Context, runID string, resultsJSON string) error {
	s.runs[runID].ToolResultsJSON = resultsJSON
	return nil
}
func (s *fakeStore) Complete(ctx context.Context, runID string) error {
	s.runs[runID].Status = RunComplete
	return nil
}
func (s *fakeStore) Fail(ctx context.Context, runID string) error {
	s.runs[runID].Status = RunFailed
	return nil
}
func (s *fakeStore) NonTerminalRuns(ctx context.Context, sessionID string) ([]AgentRun, error) {
	var out []AgentRun
	for _, id := range s.runOrder {
		r := s.runs[id]
		if r.SessionID == sessionID && r.Status != RunComplete && r.Status != RunFailed {
			out = append(out, *r)
		}
	}
	return out, nil
}
func (s *fakeStore) LatestCompaction(ctx context.Context, sessionID string) (*Compaction, error) {
	return s.compaction, nil
}

// fakeTools is a minimal ToolSchemaSource.
type fakeTools struct{}

func (fakeTools) Schemas() []provider.ToolSchema { return nil }

// fakeWorker is a ToolWorker that resolves the next Start call immediately
// with a scripted result.
type fakeWorker struct {
	results []ToolResult
	idx     int
	running bool
}

func (w *fakeWorker) Start(ctx context.Context, call ToolCall) error {
	w.running = true
	return nil
}
func (w *fakeWorker) Poll() *ToolResult {
	if !w.running {
		return nil
	}
	w.running = false
	if w.idx >= len(w.results) {
		return &ToolResult{ID: "unknown", Success: false, Content: "no script"}
	}
	r := w.results[w.idx]
	w.idx++
	return &r
}
func (w *fakeWorker) IsRunning() bool { return w.running }
func (w *fakeWorker) Cancel()         { w.running = false }

func newMux(t *testing.T, driver *fakeDriver) *provider.Multiplexer {
	t.Helper()
	return provider.NewMultiplexer(driver, nil, nil, map[string]string{"anthropic": "test-key"})
}

func drainKinds(q *EventQueue) []AgentEventKind {
	var out []AgentEventKind
	for _, ev := range q.Drain() {
		out = append(out, ev.Kind)
	}
	return out
}

// --- tests -------------------------------------------------------------

func TestController_PlainAnswer(t *testing.T) {
	driver := &fakeDriver{scripts: [][]pollStep{
		{{status: provider.Pending}, {status: provider.Done, text: "hello there", stop: "stop"}},
	}}
	store := newFakeStore()
	events := NewEventQueue(0)
	ctrl := NewController(Config{
		SessionID:  "s1",
		Descriptor: "anthropic/claude-x",
		Store:      store,
		Tools:      fakeTools{},
		Worker:     &fakeWorker{},
		Mux:        newMux(t, driver),
		Events:     events,
	})

	ctrl.Submit("hi")
	now := time.Now()
	require.NoError(t, ctrl.Tick(context.Background(), now))
	now = now.Add(60 * time.Millisecond)
	require.NoError(t, ctrl.Tick(context.Background(), now)) // fires beginTurn
	require.NoError(t, ctrl.Tick(context.Background(), now)) // pending poll
	require.NoError(t, ctrl.Tick(context.Background(), now)) // done poll -> finish

	assert.Equal(t, StateIdle, ctrl.State())
	kinds := drainKinds(events)
	assert.Contains(t, kinds, EventAgentStart)
	assert.Contains(t, kinds, EventMessageEnd)
	assert.Contains(t, kinds, EventAgentEnd)
	assert.NotContains(t, kinds, EventAgentError)
}

func TestController_SingleTool(t *testing.T) {
	driver := &fakeDriver{scripts: [][]pollStep{
		{{status: provider.Done, text: "", calls: []provider.ToolCall{{ID: "t1", Name: "run_cli", Args: []byte(`{}`)}}, stop: "tool_use"}},
		{{status: provider.Done, text: "done", stop: "stop"}},
	}}
	store := newFakeStore()
	events := NewEventQueue(0)
	worker := &fakeWorker{results: []ToolResult{{ID: "t1", Success: true, Content: "ok"}}}
	ctrl := NewController(Config{
		SessionID:  "s1",
		Descriptor: "anthropic/claude-x",
		Store:      store,
		Tools:      fakeTools{},
		Worker:     worker,
		Mux:        newMux(t, driver),
		Events:     events,
	})

	ctrl.Submit("do a thing")
	now := time.Now()
	require.NoError(t, ctrl.Tick(context.Background(), now))
	now = now.Add(60 * time.Millisecond)
	require.NoError(t, ctrl.Tick(context.Background(), now)) // beginTurn -> Streaming
	require.NoError(t, ctrl.Tick(context.Background(), now)) // stream done -> tool_use -> startNextTool
	require.NoError(t, ctrl.Tick(context.Background(), now)) // tool poll resolves -> continuation -> Continuing
	require.NoError(t, ctrl.Tick(context.Background(), now)) // continuation poll -> done -> finish

	assert.Equal(t, StateIdle, ctrl.State())
	kinds := drainKinds(events)
	assert.Contains(t, kinds, EventToolStart)
	assert.Contains(t, kinds, EventToolEnd)
	assert.Equal(t, RunComplete, store.runs[store.runOrder[len(store.runOrder)-1]].Status)
}

func TestController_SteerMidTools(t *testing.T) {
	calls := []provider.ToolCall{
		{ID: "t1", Name: "a", Args: []byte(`{}`)},
		{ID: "t2", Name: "b", Args: []byte(`{}`)},
	}
	driver := &fakeDriver{scripts: [][]pollStep{
		{{status: provider.Done, calls: calls, stop: "tool_use"}},
		{{status: provider.Done, text: "ack", stop: "stop"}},
	}}
	store := newFakeStore()
	events := NewEventQueue(0)
	worker := &fakeWorker{results: []ToolResult{{ID: "t1", Success: true, Content: "first done"}}}
	ctrl := NewController(Config{
		SessionID:  "s1",
		Descriptor: "anthropic/claude-x",
		Store:      store,
		Tools:      fakeTools{},
		Worker:     worker,
		Mux:        newMux(t, driver),
		Events:     events,
	})

	ctrl.Submit("do two things")
	now := time.Now()
	require.NoError(t, ctrl.Tick(context.Background(), now))
	now = now.Add(60 * time.Millisecond)
	require.NoError(t, ctrl.Tick(context.Background(), now)) // beginTurn
	require.NoError(t, ctrl.Tick(context.Background(), now)) // stream done -> startNextTool(t1)

	ctrl.Steer("actually stop")
	require.NoError(t, ctrl.Tick(context.Background(), now)) // t1 resolves, steer observed -> skip t2, go continuation

	found := false
	for _, m := range store.messages {
		if m.Role == RoleUser && m.Content == "actually stop" {
			found = true
		}
	}
	assert.True(t, found, "steering text should be persisted as a user message")

	require.NoError(t, ctrl.Tick(context.Background(), now)) // continuation done -> finish
	assert.Equal(t, StateIdle, ctrl.State())
}

func TestController_CancelDuringStreaming(t *testing.T) {
	driver := &fakeDriver{scripts: [][]pollStep{
		{{status: provider.Pending}, {status: provider.Pending}, {status: provider.Done, text: "too late", stop: "stop"}},
	}}
	store := newFakeStore()
	events := NewEventQueue(0)
	ctrl := NewController(Config{
		SessionID:  "s1",
		Descriptor: "anthropic/claude-x",
		Store:      store,
		Tools:      fakeTools{},
		Worker:     &fakeWorker{},
		Mux:        newMux(t, driver),
		Events:     events,
	})

	ctrl.Submit("hi")
	now := time.Now()
	require.NoError(t, ctrl.Tick(context.Background(), now))
	now = now.Add(60 * time.Millisecond)
	require.NoError(t, ctrl.Tick(context.Background(), now)) // beginTurn -> Streaming
	require.NoError(t, ctrl.Tick(context.Background(), now)) // pending poll

	ctrl.Cancel()
	require.NoError(t, ctrl.Tick(context.Background(), now)) // cancel observed

	assert.Equal(t, StateIdle, ctrl.State())
	lastRun := store.runs[store.runOrder[len(store.runOrder)-1]]
	assert.Equal(t, RunFailed, lastRun.Status)
}

func TestController_CancelRacesSubmit(t *testing.T) {
	driver := &fakeDriver{scripts: [][]pollStep{{{status: provider.Done, text: "never seen", stop: "stop"}}}}
	store := newFakeStore()
	events := NewEventQueue(0)
	ctrl := NewController(Config{
		SessionID:  "s1",
		Descriptor: "anthropic/claude-x",
		Store:      store,
		Tools:      fakeTools{},
		Worker:     &fakeWorker{},
		Mux:        newMux(t, driver),
		Events:     events,
	})

	ctrl.Submit("hi")
	ctrl.Cancel()
	now := time.Now()
	require.NoError(t, ctrl.Tick(context.Background(), now))
	now = now.Add(60 * time.Millisecond)
	require.NoError(t, ctrl.Tick(context.Background(), now))

	assert.Equal(t, StateIdle, ctrl.State())
	assert.Equal(t, 0, driver.callIndex, "no HTTP round should start when cancel races an unfired submit")
}

func TestController_ConfigurationError(t *testing.T) {
	driver := &fakeDriver{configErr: assertErr{"missing API key"}}
	store := newFakeStore()
	events := NewEventQueue(0)
	ctrl := NewController(Config{
		SessionID:  "s1",
		Descriptor: "anthropic/claude-x",
		Store:      store,
		Tools:      fakeTools{},
		Worker:     &fakeWorker{},
		Mux:        provider.NewMultiplexer(driver, nil, nil, map[string]string{}), // no key configured
		Events:     events,
	})

	ctrl.Submit("hi")
	now := time.Now()
	require.NoError(t, ctrl.Tick(context.Background(), now))
	now = now.Add(60 * time.Millisecond)
	require.NoError(t, ctrl.Tick(context.Background(), now))

	assert.Equal(t, StateIdle, ctrl.State())
	kinds := drainKinds(events)
	assert.Contains(t, kinds, EventAgentError)
	assert.NotContains(t, kinds, EventMessageStart, "no placeholder event before a configuration failure")
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

func TestController_ProviderSwitchMidSession(t *testing.T) {
	anthropicDriver := &fakeDriver{scripts: [][]pollStep{{{status: provider.Done, text: "from anthropic", stop: "stop"}}}}
	openaiDriver := &fakeDriver{scripts: [][]pollStep{{{status: provider.Done, text: "from openai", stop: "stop"}}}}
	store := newFakeStore()
	events := NewEventQueue(0)
	mux := provider.NewMultiplexer(anthropicDriver, openaiDriver, nil, map[string]string{"anthropic": "k1", "openai": "k2"})

	ctrl := NewController(Config{
		SessionID:  "s1",
		Descriptor: "anthropic/claude-x",
		Store:      store,
		Tools:      fakeTools{},
		Worker:     &fakeWorker{},
		Mux:        mux,
		Events:     events,
	})
	ctrl.Submit("first")
	now := time.Now()
	require.NoError(t, ctrl.Tick(context.Background(), now))
	now = now.Add(60 * time.Millisecond)
	require.NoError(t, ctrl.Tick(context.Background(), now))
	require.NoError(t, ctrl.Tick(context.Background(), now))
	assert.Equal(t, 1, anthropicDriver.callIndex)

	ctrl.descriptor = "openai/gpt-x"
	ctrl.Submit("second")
	now = now.Add(60 * time.Millisecond)
	require.NoError(t, ctrl.Tick(context.Background(), now))
	now = now.Add(60 * time.Millisecond)
	require.NoError(t, ctrl.Tick(context.Background(), now))
	require.NoError(t, ctrl.Tick(context.Background(), now))
	assert.Equal(t, 1, openaiDriver.callIndex)
}

// Exact event ordering for a successful single-tool turn.
func TestController_EventSequenceSingleTool(t *testing.T) {
	driver := &fakeDriver{scripts: [][]pollStep{
		{
			{status: provider.Pending, text: "I'll check"},
			{status: provider.Done, text: "I'll check", calls: []provider.ToolCall{{ID: "tc_1", Name: "read_file", Args: []byte(`{"path":"file.txt"}`)}}, stop: "tool_use"},
		},
		{
			{status: provider.Pending, text: "contents: abc"},
			{status: provider.Done, text: "contents: abc", stop: "stop"},
		},
	}}
	store := newFakeStore()
	events := NewEventQueue(0)
	worker := &fakeWorker{results: []ToolResult{{ID: "tc_1", Success: true, Content: "abc"}}}
	ctrl := NewController(Config{
		SessionID:  "s1",
		Descriptor: "anthropic/claude-x",
		Store:      store,
		Tools:      fakeTools{},
		Worker:     worker,
		Mux:        newMux(t, driver),
		Events:     events,
	})

	ctrl.Submit("read file.txt")
	now := time.Now()
	require.NoError(t, ctrl.Tick(context.Background(), now))
	now = now.Add(60 * time.Millisecond)
	for i := 0; i < 6; i++ {
		require.NoError(t, ctrl.Tick(context.Background(), now))
	}
	require.Equal(t, StateIdle, ctrl.State())

	want := []AgentEventKind{
		EventAgentStart, EventTurnStart, EventMessageStart, EventMessageUpdate,
		EventMessageEnd, EventTurnEnd, EventToolStart, EventToolEnd,
		EventTurnStart, EventMessageStart, EventMessageUpdate,
		EventMessageEnd, EventTurnEnd, EventAgentEnd,
	}
	got := events.Drain()
	kinds := make([]AgentEventKind, 0, len(got))
	for _, ev := range got {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, want, kinds)

	// TurnEnd flags: first round had tools, second did not.
	var turnEnds []bool
	for _, ev := range got {
		if ev.Kind == EventTurnEnd {
			turnEnds = append(turnEnds, ev.HasToolCalls)
		}
	}
	assert.Equal(t, []bool{true, false}, turnEnds)

	// The continuation request pairs the tool_use with exactly one
	// tool_result by id.
	require.Len(t, driver.gotMsgs, 2)
	cont := driver.gotMsgs[1]
	require.Len(t, cont, 3)
	assert.Equal(t, "user", cont[0].Role)
	assert.Equal(t, "assistant", cont[1].Role)
	require.Len(t, cont[1].ToolCalls, 1)
	assert.Equal(t, "tc_1", cont[1].ToolCalls[0].ID)
	assert.Equal(t, "tool", cont[2].Role)
	assert.Equal(t, "tc_1", cont[2].ToolID)
	assert.Equal(t, "abc", cont[2].Content)
}

// A follow-up opens a fresh AgentRun after the prior run completes.
func TestController_FollowUpStartsNewRun(t *testing.T) {
	driver := &fakeDriver{scripts: [][]pollStep{
		{{status: provider.Done, text: "first answer", stop: "stop"}},
		{{status: provider.Done, text: "second answer", stop: "stop"}},
	}}
	store := newFakeStore()
	events := NewEventQueue(0)
	ctrl := NewController(Config{
		SessionID:  "s1",
		Descriptor: "anthropic/claude-x",
		Store:      store,
		Tools:      fakeTools{},
		Worker:     &fakeWorker{},
		Mux:        newMux(t, driver),
		Events:     events,
	})

	ctrl.Submit("first")
	now := time.Now()
	require.NoError(t, ctrl.Tick(context.Background(), now))
	now = now.Add(60 * time.Millisecond)
	require.NoError(t, ctrl.Tick(context.Background(), now)) // beginTurn

	ctrl.FollowUp("and another thing")
	require.NoError(t, ctrl.Tick(context.Background(), now)) // finish turn 1, open run 2
	require.NoError(t, ctrl.Tick(context.Background(), now)) // finish turn 2

	assert.Equal(t, StateIdle, ctrl.State())
	require.Len(t, store.runOrder, 2)
	assert.Equal(t, RunComplete, store.runs[store.runOrder[0]].Status)
	assert.Equal(t, RunComplete, store.runs[store.runOrder[1]].Status)

	var followPersisted bool
	for _, m := range store.messages {
		if m.Role == RoleUser && m.Content == "and another thing" {
			followPersisted = true
		}
	}
	assert.True(t, followPersisted)
	// The second request's history carries the follow-up text.
	require.Len(t, driver.gotMsgs, 2)
	foundInPrompt := false
	for _, m := range driver.gotMsgs[1] {
		if m.Role == "user" && m.Content == "and another thing" {
			foundInPrompt = true
		}
	}
	assert.True(t, foundInPrompt)
}

// An empty terminal text is replaced with the fixed placeholder string.
func TestController_EmptyFinalTextReplaced(t *testing.T) {
	driver := &fakeDriver{scripts: [][]pollStep{
		{{status: provider.Done, text: "", stop: "stop"}},
	}}
	store := newFakeStore()
	ctrl := NewController(Config{
		SessionID:  "s1",
		Descriptor: "anthropic/claude-x",
		Store:      store,
		Tools:      fakeTools{},
		Worker:     &fakeWorker{},
		Mux:        newMux(t, driver),
		Events:     NewEventQueue(0),
	})

	ctrl.Submit("hi")
	now := time.Now()
	require.NoError(t, ctrl.Tick(context.Background(), now))
	now = now.Add(60 * time.Millisecond)
	require.NoError(t, ctrl.Tick(context.Background(), now))
	require.NoError(t, ctrl.Tick(context.Background(), now))

	var placeholder string
	for _, m := range store.messages {
		if m.Role == RoleAssistant && !m.Ephemeral {
			placeholder = m.Content
		}
	}
	assert.Equal(t, NoResponsePlaceholder, placeholder)
}

// Prompt hygiene: system rows, ephemeral rows, and pre-compaction ids
// never reach a request; the compaction summary leads as a user message.
func TestController_PromptHygieneWithCompaction(t *testing.T) {
	driver := &fakeDriver{scripts: [][]pollStep{
		{{status: provider.Done, text: "ok", stop: "stop"}},
	}}
	store := newFakeStore()
	for _, m := range []Message{
		{SessionID: "s1", Role: RoleUser, Content: "ancient history"},
		{SessionID: "s1", Role: RoleSystem, Content: "Interrupted."},
		{SessionID: "s1", Role: RoleAssistant, Content: "tool trace", Ephemeral: true},
		{SessionID: "s1", Role: RoleUser, Content: "recent question"},
	} {
		_, err := store.AppendMessage(context.Background(), m)
		require.NoError(t, err)
	}
	store.compaction = &Compaction{SessionID: "s1", Summary: "what came before", FirstKeptMsgID: 2}

	ctrl := NewController(Config{
		SessionID:  "s1",
		Descriptor: "anthropic/claude-x",
		Store:      store,
		Tools:      fakeTools{},
		Worker:     &fakeWorker{},
		Mux:        newMux(t, driver),
		Events:     NewEventQueue(0),
	})
	ctrl.Submit("new ask")
	now := time.Now()
	require.NoError(t, ctrl.Tick(context.Background(), now))
	now = now.Add(60 * time.Millisecond)
	require.NoError(t, ctrl.Tick(context.Background(), now))

	require.Len(t, driver.gotMsgs, 1)
	prompt := driver.gotMsgs[0]
	require.NotEmpty(t, prompt)
	assert.Equal(t, "user", prompt[0].Role)
	assert.Equal(t, "what came before", prompt[0].Content)
	for _, m := range prompt {
		assert.NotEqual(t, "system", m.Role)
		assert.NotEqual(t, "ancient history", m.Content)
		assert.NotEqual(t, "tool trace", m.Content)
		assert.NotEqual(t, "Interrupted.", m.Content)
	}
}

func TestSkippedResult_MarksUnsuccessful(t *testing.T) {
	r := SkippedResult("abc")
	assert.False(t, r.Success)
	assert.Equal(t, "abc", r.ID)
}

func TestBuildAssistantContent_RoundTrips(t *testing.T) {
	calls := []ToolCall{{ID: "1", Name: "run_cli", InputJSON: `{"cmd":"ls"}`}}
	j, err := BuildAssistantContent("thinking...", calls)
	require.NoError(t, err)
	blocks, err := ParseAssistantContent(j)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, "text", blocks[0].Type)
	assert.Equal(t, "tool_use", blocks[1].Type)
	var input map[string]string
	require.NoError(t, json.Unmarshal(blocks[1].ToolInput, &input))
	assert.Equal(t, "ls", input["cmd"])
}
