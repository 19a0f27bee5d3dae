// Package anthropic implements the Anthropic Messages streaming driver:
// SSE framed, named events content_block_start/_delta/_stop, message_delta,
// message_stop.
//
// Tool-use input accumulates in per-content-block-index buffers as
// input_json_delta fragments arrive. Start sends the HTTP POST and waits
// for the response status; SSE line-reassembly of the body then runs on a
// background goroutine that feeds a buffered channel of parsed events, so
// the Turn Controller's tick can call Poll without ever blocking on the
// network.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"

	"github.com/manifold/turnengine/internal/provider"
)

const (
	apiVersion  = "2023-06-01"
	messagesURL = "https://api.anthropic.com/v1/messages"
	// eventBuf bounds how many parsed SSE events may queue between polls
	// before the reader goroutine blocks sending: a back-pressure valve,
	// not an unbounded growth path.
	eventBuf = 256
)

// toolBuffer accumulates one tool_use content block's partial-JSON input
// across content_block_delta events, keyed by the block's index.
type toolBuffer struct {
	id      string
	name    string
	partial strings.Builder
}

func (tb *toolBuffer) toToolCall() provider.ToolCall {
	raw := tb.partial.String()
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	return provider.ToolCall{ID: tb.id, Name: tb.name, Args: []byte(raw)}
}

type sseEvent struct {
	kind string // the SSE "event:" line
	data []byte // the SSE "data:" line (may be JSON)
}

// Driver implements provider.Driver for Anthropic.
type Driver struct {
	httpClient *http.Client
	baseURL    string
}

func New(httpClient *http.Client) *Driver {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Driver{httpClient: httpClient, baseURL: messagesURL}
}

// state is the concrete provider.StreamState for an in-flight Anthropic call.
type state struct {
	mu         sync.Mutex
	text       strings.Builder
	toolBufs   map[int]*toolBuffer
	finalized  []provider.ToolCall
	stopReason string
	done       bool

	events chan sseEvent
	cancel context.CancelFunc
	body   io.Closer
}

func (s *state) Text() string                   { s.mu.Lock(); defer s.mu.Unlock(); return s.text.String() }
func (s *state) ToolCalls() []provider.ToolCall { s.mu.Lock(); defer s.mu.Unlock(); return append([]provider.ToolCall(nil), s.finalized...) }
func (s *state) StopReason() string             { s.mu.Lock(); defer s.mu.Unlock(); return s.stopReason }

func (d *Driver) Start(ctx context.Context, apiKey string, msgs []provider.Message, tools []provider.ToolSchema, opts provider.RequestOptions) (provider.StreamState, error) {
	body, err := buildRequestBody(msgs, tools, opts)
	if err != nil {
		return nil, &provider.ErrStartFailed{Cause: err}
	}

	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, d.baseURL, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, &provider.ErrStartFailed{Cause: err}
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, &provider.ErrStartFailed{Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &provider.ErrStartFailed{Cause: fmt.Errorf("anthropic: status %d: %s", resp.StatusCode, string(b))}
	}

	st := &state{
		toolBufs: map[int]*toolBuffer{},
		events:   make(chan sseEvent, eventBuf),
		cancel:   cancel,
		body:     resp.Body,
	}
	go readSSE(resp.Body, st.events)
	return st, nil
}

// readSSE tolerantly reassembles the Anthropic SSE framing: blank-line
// delimited records of "event: <kind>" and "data: <json>" lines. Malformed
// records are skipped, never abort the stream, matching the protocol-error
// kind's absorb-and-continue policy.
func readSSE(body io.ReadCloser, out chan<- sseEvent) {
	defer close(out)
	defer body.Close()
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var kind string
	var data bytes.Buffer
	flush := func() {
		if kind == "" && data.Len() == 0 {
			return
		}
		out <- sseEvent{kind: kind, data: append([]byte(nil), data.Bytes()...)}
		kind = ""
		data.Reset()
	}
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			kind = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		default:
			// ignore comment/ping lines
		}
	}
	flush()
}

// Poll drains whatever events are currently queued, applying them to state,
// and never blocks waiting for more. It returns Done once message_stop has
// been observed or the event channel has closed (EOF); an EOF without a
// message_stop is also reported as Done.
func (d *Driver) Poll(raw provider.StreamState) (provider.PollStatus, error) {
	st, ok := raw.(*state)
	if !ok {
		return provider.Err, fmt.Errorf("anthropic: wrong state type")
	}
	for {
		select {
		case ev, ok := <-st.events:
			if !ok {
				st.mu.Lock()
				done := st.done
				st.mu.Unlock()
				if done {
					return provider.Done, nil
				}
				return provider.Done, nil // EOF with no explicit stop: treat as done
			}
			if err := st.apply(ev); err != nil {
				return provider.Err, err
			}
			st.mu.Lock()
			done := st.done
			st.mu.Unlock()
			if done {
				return provider.Done, nil
			}
			// loop again to drain any further already-queued events this tick
		default:
			return provider.Pending, nil
		}
	}
}

func (s *state) apply(ev sseEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.kind {
	case "content_block_start":
		var payload struct {
			Index        int `json:"index"`
			ContentBlock struct {
				Type  string          `json:"type"`
				ID    string          `json:"id"`
				Name  string          `json:"name"`
				Input json.RawMessage `json:"input"`
			} `json:"content_block"`
		}
		if err := json.Unmarshal(ev.data, &payload); err != nil {
			log.Warn().Err(err).Msg("anthropic_content_block_start_parse_error")
			return nil // Protocol error: absorb, keep streaming
		}
		if payload.ContentBlock.Type == "tool_use" {
			id := payload.ContentBlock.ID
			if id == "" {
				id = fmt.Sprintf("call-%d", len(s.toolBufs)+1)
			}
			tb := &toolBuffer{id: id, name: payload.ContentBlock.Name}
			if len(payload.ContentBlock.Input) > 0 && string(payload.ContentBlock.Input) != "{}" {
				tb.partial.Write(payload.ContentBlock.Input)
			}
			s.toolBufs[payload.Index] = tb
		}
	case "content_block_delta":
		var payload struct {
			Index int `json:"index"`
			Delta struct {
				Type        string `json:"type"`
				Text        string `json:"text"`
				PartialJSON string `json:"partial_json"`
			} `json:"delta"`
		}
		if err := json.Unmarshal(ev.data, &payload); err != nil {
			log.Warn().Err(err).Msg("anthropic_content_block_delta_parse_error")
			return nil
		}
		switch payload.Delta.Type {
		case "text_delta":
			s.text.WriteString(payload.Delta.Text)
		case "input_json_delta":
			if tb := s.toolBufs[payload.Index]; tb != nil {
				tb.partial.WriteString(payload.Delta.PartialJSON)
			}
		}
	case "content_block_stop":
		var payload struct {
			Index int `json:"index"`
		}
		if err := json.Unmarshal(ev.data, &payload); err == nil {
			if tb := s.toolBufs[payload.Index]; tb != nil {
				s.finalized = append(s.finalized, tb.toToolCall())
				delete(s.toolBufs, payload.Index)
			}
		}
	case "message_delta":
		var payload struct {
			Delta struct {
				StopReason string `json:"stop_reason"`
			} `json:"delta"`
		}
		if err := json.Unmarshal(ev.data, &payload); err == nil && payload.Delta.StopReason != "" {
			s.stopReason = mapStopReason(payload.Delta.StopReason)
		}
	case "message_stop":
		s.done = true
	case "error":
		var payload struct {
			Error struct{ Message string `json:"message"` } `json:"error"`
		}
		_ = json.Unmarshal(ev.data, &payload)
		s.stopReason = "error"
		s.done = true
		return fmt.Errorf("anthropic stream error: %s", payload.Error.Message)
	}
	return nil
}

func mapStopReason(vendor string) string {
	switch vendor {
	case "end_turn", "stop_sequence":
		return "stop"
	case "tool_use":
		return "tool_use"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}

func (d *Driver) Cleanup(raw provider.StreamState) {
	st, ok := raw.(*state)
	if !ok || st == nil {
		return
	}
	st.mu.Lock()
	cancel := st.cancel
	st.cancel = nil
	st.mu.Unlock()
	if cancel == nil {
		return // idempotent: second cleanup is a no-op
	}
	cancel()
	_ = st.body.Close()
}

func buildRequestBody(msgs []provider.Message, tools []provider.ToolSchema, opts provider.RequestOptions) ([]byte, error) {
	sys, converted := adaptMessages(msgs)
	req := map[string]any{
		"model":      opts.Model,
		"max_tokens": maxTokensFor(opts),
		"messages":   converted,
		"stream":     true,
	}
	if sys != "" {
		req["system"] = sys
	}
	if len(tools) > 0 {
		req["tools"] = adaptTools(tools)
	}
	if opts.ReasoningBudget > 0 {
		req["thinking"] = map[string]any{
			"type":          "enabled",
			"budget_tokens": opts.ReasoningBudget,
		}
	}
	return json.Marshal(req)
}

func maxTokensFor(opts provider.RequestOptions) int64 {
	base := int64(4096)
	if opts.ReasoningBudget > 0 {
		base += int64(opts.ReasoningBudget)
	}
	return base
}

// adaptMessages splits out the system prompt and converts the canonical
// message list into Anthropic's content-block shape. Consecutive tool
// messages collapse into one user message whose content array carries a
// tool_result block per result; user text arriving directly after tool
// results (steering buffered at the interrupt) joins that same content
// array as trailing text blocks, so the provider sees the whole round as a
// single well-formed user turn.
func adaptMessages(msgs []provider.Message) (string, []map[string]any) {
	var sys strings.Builder
	out := make([]map[string]any, 0, len(msgs))
	var pending []map[string]any
	flush := func() {
		if len(pending) > 0 {
			out = append(out, map[string]any{"role": "user", "content": pending})
			pending = nil
		}
	}
	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case "system":
			flush()
			if sys.Len() > 0 {
				sys.WriteString("\n")
			}
			sys.WriteString(m.Content)
		case "user":
			if len(pending) > 0 {
				pending = append(pending, map[string]any{"type": "text", "text": m.Content})
				continue
			}
			out = append(out, map[string]any{"role": "user", "content": m.Content})
		case "assistant":
			flush()
			content := []map[string]any{}
			if m.Content != "" {
				content = append(content, map[string]any{"type": "text", "text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal(tc.Args, &args)
				content = append(content, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": args,
				})
			}
			out = append(out, map[string]any{"role": "assistant", "content": content})
		case "tool":
			pending = append(pending, map[string]any{
				"type":        "tool_result",
				"tool_use_id": m.ToolID,
				"content":     m.Content,
			})
		}
	}
	flush()
	return sys.String(), out
}

// Complete performs one blocking, non-streaming Messages call through the
// official SDK. The manual SSE framing above exists for the tick loop's
// non-blocking contract; auxiliary calls between turns have no such
// constraint, so they take the SDK's plain request path instead.
func (d *Driver) Complete(ctx context.Context, apiKey string, msgs []provider.Message, opts provider.RequestOptions) (string, error) {
	client := sdk.NewClient(option.WithAPIKey(apiKey), option.WithHTTPClient(d.httpClient))
	params := sdk.MessageNewParams{
		Model:     sdk.Model(opts.Model),
		MaxTokens: maxTokensFor(opts),
	}
	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case "system":
			params.System = append(params.System, sdk.TextBlockParam{Text: m.Content})
		case "assistant":
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic complete: %w", err)
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if v, ok := block.AsAny().(sdk.TextBlock); ok {
			sb.WriteString(v.Text)
		}
	}
	return sb.String(), nil
}

func adaptTools(tools []provider.ToolSchema) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"name":         t.Name,
			"description":  t.Description,
			"input_schema": t.Parameters,
		})
	}
	return out
}
