package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manifold/turnengine/internal/provider"
)

func sseBody(events ...[2]string) string {
	var b strings.Builder
	for _, ev := range events {
		b.WriteString("event: " + ev[0] + "\n")
		b.WriteString("data: " + ev[1] + "\n\n")
	}
	return b.String()
}

func newTestDriver(t *testing.T, handler http.HandlerFunc) *Driver {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	d := New(srv.Client())
	d.baseURL = srv.URL
	return d
}

// pollUntil drives Poll the way the tick loop does: non-blockingly, with a
// deadline, asserting that text is a prefix-extension across polls on the way.
func pollUntil(t *testing.T, d *Driver, st provider.StreamState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	prev := ""
	for {
		status, err := d.Poll(st)
		require.NoError(t, err)
		cur := st.Text()
		require.True(t, strings.HasPrefix(cur, prev), "text must never shrink: %q -> %q", prev, cur)
		prev = cur
		if status == provider.Done {
			return
		}
		require.False(t, time.Now().After(deadline), "stream never finished")
		time.Sleep(2 * time.Millisecond)
	}
}

func TestDriver_StreamsTextAndFinalizesToolCall(t *testing.T) {
	var gotBody []byte
	d := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key-123", r.Header.Get("x-api-key"))
		assert.Equal(t, apiVersion, r.Header.Get("anthropic-version"))
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseBody(
			[2]string{"content_block_start", `{"index":0,"content_block":{"type":"text"}}`},
			[2]string{"content_block_delta", `{"index":0,"delta":{"type":"text_delta","text":"Hel"}}`},
			[2]string{"content_block_delta", `{"index":0,"delta":{"type":"text_delta","text":"lo"}}`},
			[2]string{"content_block_stop", `{"index":0}`},
			[2]string{"content_block_start", `{"index":1,"content_block":{"type":"tool_use","id":"tc_1","name":"read_file"}}`},
			[2]string{"content_block_delta", `{"index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}`},
			[2]string{"content_block_delta", `{"index":1,"delta":{"type":"input_json_delta","partial_json":"\"file.txt\"}"}}`},
			[2]string{"content_block_stop", `{"index":1}`},
			[2]string{"message_delta", `{"delta":{"stop_reason":"tool_use"}}`},
			[2]string{"message_stop", `{}`},
		))
	})

	st, err := d.Start(context.Background(), "key-123",
		[]provider.Message{{Role: "user", Content: "read file.txt"}},
		[]provider.ToolSchema{{Name: "read_file", Description: "read", Parameters: map[string]any{"type": "object"}}},
		provider.RequestOptions{Model: "claude-x"})
	require.NoError(t, err)
	defer d.Cleanup(st)

	pollUntil(t, d, st)

	assert.Equal(t, "Hello", st.Text())
	calls := st.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "tc_1", calls[0].ID)
	assert.Equal(t, "read_file", calls[0].Name)
	assert.JSONEq(t, `{"path":"file.txt"}`, string(calls[0].Args))
	assert.Equal(t, "tool_use", st.StopReason())

	var req map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &req))
	assert.Equal(t, "claude-x", req["model"])
	assert.Equal(t, true, req["stream"])
	tools := req["tools"].([]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "read_file", tools[0].(map[string]any)["name"])
}

func TestDriver_MalformedEventIsAbsorbed(t *testing.T) {
	d := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, sseBody(
			[2]string{"content_block_delta", `{"index":0,"delta":{"type":"text_delta","text":"ok"}}`},
			[2]string{"content_block_delta", `not json at all`},
			[2]string{"content_block_delta", `{"index":0,"delta":{"type":"text_delta","text":" still ok"}}`},
			[2]string{"message_delta", `{"delta":{"stop_reason":"end_turn"}}`},
			[2]string{"message_stop", `{}`},
		))
	})
	st, err := d.Start(context.Background(), "k", []provider.Message{{Role: "user", Content: "hi"}}, nil, provider.RequestOptions{Model: "m"})
	require.NoError(t, err)
	defer d.Cleanup(st)

	pollUntil(t, d, st)
	assert.Equal(t, "ok still ok", st.Text())
	assert.Equal(t, "stop", st.StopReason())
}

func TestDriver_StartFailsOnHTTPError(t *testing.T) {
	d := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	})
	_, err := d.Start(context.Background(), "bad", []provider.Message{{Role: "user", Content: "hi"}}, nil, provider.RequestOptions{Model: "m"})
	require.Error(t, err)
	var startErr *provider.ErrStartFailed
	assert.ErrorAs(t, err, &startErr)
}

func TestDriver_CleanupIsIdempotent(t *testing.T) {
	d := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, sseBody([2]string{"message_stop", `{}`}))
	})
	st, err := d.Start(context.Background(), "k", []provider.Message{{Role: "user", Content: "hi"}}, nil, provider.RequestOptions{Model: "m"})
	require.NoError(t, err)

	d.Cleanup(st)
	d.Cleanup(st) // second call must be a no-op
}

func TestAdaptMessages_MergesToolResultsAndSteeringText(t *testing.T) {
	msgs := []provider.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "do things"},
		{Role: "assistant", Content: "on it", ToolCalls: []provider.ToolCall{
			{ID: "t1", Name: "a", Args: []byte(`{}`)},
			{ID: "t2", Name: "b", Args: []byte(`{}`)},
		}},
		{Role: "tool", ToolID: "t1", Content: "first done"},
		{Role: "tool", ToolID: "t2", Content: "Skipped due to queued user message."},
		{Role: "user", Content: "actually, summarize"},
	}
	sys, converted := adaptMessages(msgs)
	assert.Equal(t, "be brief", sys)
	require.Len(t, converted, 3)

	last := converted[2]
	assert.Equal(t, "user", last["role"])
	blocks := last["content"].([]map[string]any)
	require.Len(t, blocks, 3)
	assert.Equal(t, "tool_result", blocks[0]["type"])
	assert.Equal(t, "t1", blocks[0]["tool_use_id"])
	assert.Equal(t, "tool_result", blocks[1]["type"])
	assert.Equal(t, "t2", blocks[1]["tool_use_id"])
	assert.Equal(t, "text", blocks[2]["type"])
	assert.Equal(t, "actually, summarize", blocks[2]["text"])
}
