// Package openai implements the OpenAI Chat Completions streaming driver:
// SSE framed, "data: [DONE]" terminator, tool calls streamed as per-index
// deltas with the function name set only on the first fragment and the
// arguments string concatenated across fragments.
//
// The scanner-based parser is tolerant: a malformed line is skipped and
// never aborts the stream. Reads happen on a goroutine feeding a channel
// that Poll drains non-blockingly.
package openai

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

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/rs/zerolog/log"

	"github.com/manifold/turnengine/internal/provider"
)

const (
	chatURL  = "https://api.openai.com/v1/chat/completions"
	eventBuf = 256
)

type toolCallBuf struct {
	id      string
	name    string
	args    strings.Builder
}

type Driver struct {
	httpClient *http.Client
	baseURL    string
}

func New(httpClient *http.Client) *Driver {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Driver{httpClient: httpClient, baseURL: chatURL}
}

type state struct {
	mu         sync.Mutex
	text       strings.Builder
	order      []int
	bufs       map[int]*toolCallBuf
	finalized  []provider.ToolCall
	stopReason string
	done       bool

	lines  chan []byte
	cancel context.CancelFunc
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
	req.Header.Set("authorization", "Bearer "+apiKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, &provider.ErrStartFailed{Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &provider.ErrStartFailed{Cause: fmt.Errorf("openai: status %d: %s", resp.StatusCode, string(b))}
	}

	st := &state{bufs: map[int]*toolCallBuf{}, lines: make(chan []byte, eventBuf), cancel: cancel}
	go readLines(resp.Body, st.lines)
	return st, nil
}

func readLines(body io.ReadCloser, out chan<- []byte) {
	defer close(out)
	defer body.Close()
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		out <- append([]byte(nil), line...)
	}
}

func (d *Driver) Poll(raw provider.StreamState) (provider.PollStatus, error) {
	st, ok := raw.(*state)
	if !ok {
		return provider.Err, fmt.Errorf("openai: wrong state type")
	}
	for {
		select {
		case line, ok := <-st.lines:
			if !ok {
				return provider.Done, nil
			}
			if !bytes.HasPrefix(line, []byte("data:")) {
				continue // ignore stray SSE comment/field lines
			}
			payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
			if string(payload) == "[DONE]" {
				st.mu.Lock()
				st.done = true
				st.mu.Unlock()
				return provider.Done, nil
			}
			if err := st.apply(payload); err != nil {
				return provider.Err, err
			}
		default:
			return provider.Pending, nil
		}
	}
}

func (s *state) apply(payload []byte) error {
	var chunk struct {
		Choices []struct {
			Delta struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					Index    int    `json:"index"`
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"delta"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(payload, &chunk); err != nil {
		// Tolerant: a malformed fragment is skipped, the stream is not aborted
		// (Protocol error kind, absorbed).
		log.Warn().Err(err).Msg("openai_stream_chunk_parse_error")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range chunk.Choices {
		if c.Delta.Content != "" {
			s.text.WriteString(c.Delta.Content)
		}
		for _, tc := range c.Delta.ToolCalls {
			buf, exists := s.bufs[tc.Index]
			if !exists {
				// The first byte of a new index closes every earlier call.
				s.finalizeToolCalls()
				// First fragment for this index: name and id are set here only.
				buf = &toolCallBuf{id: tc.ID, name: tc.Function.Name}
				s.bufs[tc.Index] = buf
				s.order = append(s.order, tc.Index)
			}
			if tc.Function.Arguments != "" {
				buf.args.WriteString(tc.Function.Arguments)
			}
		}
		if c.FinishReason != "" {
			s.stopReason = mapStopReason(c.FinishReason)
			if c.FinishReason == "tool_calls" || c.FinishReason == "stop" || c.FinishReason == "length" {
				s.finalizeToolCalls()
			}
		}
	}
	return nil
}

// finalizeToolCalls converts accumulated per-index buffers into ordered,
// append-only ToolCall values. OpenAI's index is the tie-breaker: a tool
// call is finalized on the first byte of a new index or on
// finish_reason=tool_calls, whichever comes first. apply calls this when a
// new index opens and again when a terminal finish_reason arrives, which
// finalizes whatever buffers remain.
func (s *state) finalizeToolCalls() {
	for _, idx := range s.order {
		buf, ok := s.bufs[idx]
		if !ok {
			continue
		}
		args := buf.args.String()
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		s.finalized = append(s.finalized, provider.ToolCall{ID: buf.id, Name: buf.name, Args: []byte(args)})
		delete(s.bufs, idx)
	}
	s.order = nil
}

func mapStopReason(vendor string) string {
	switch vendor {
	case "stop":
		return "stop"
	case "tool_calls":
		return "tool_use"
	case "length":
		return "length"
	default:
		return "error"
	}
}

func (d *Driver) Cleanup(raw provider.StreamState) {
	st, ok := raw.(*state)
	if !ok || st == nil {
		return
	}
	st.mu.Lock()
	c := st.cancel
	st.cancel = nil
	st.mu.Unlock()
	if c == nil {
		return // idempotent
	}
	c()
}

// Complete performs one blocking, non-streaming Chat Completions call
// through the official SDK, the auxiliary path for between-turn calls,
// which have no non-blocking requirement.
func (d *Driver) Complete(ctx context.Context, apiKey string, msgs []provider.Message, opts provider.RequestOptions) (string, error) {
	client := sdk.NewClient(option.WithAPIKey(apiKey), option.WithHTTPClient(d.httpClient))
	converted := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case "system":
			converted = append(converted, sdk.SystemMessage(m.Content))
		case "assistant":
			converted = append(converted, sdk.AssistantMessage(m.Content))
		default:
			converted = append(converted, sdk.UserMessage(m.Content))
		}
	}
	comp, err := client.Chat.Completions.New(ctx, sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(opts.Model),
		Messages: converted,
	})
	if err != nil {
		return "", fmt.Errorf("openai complete: %w", err)
	}
	if len(comp.Choices) == 0 {
		return "", fmt.Errorf("openai complete: empty choices")
	}
	return comp.Choices[0].Message.Content, nil
}

func buildRequestBody(msgs []provider.Message, tools []provider.ToolSchema, opts provider.RequestOptions) ([]byte, error) {
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		entry := map[string]any{"role": m.Role, "content": m.Content}
		if m.Role == "tool" {
			entry["tool_call_id"] = m.ToolID
		}
		if len(m.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": string(tc.Args),
					},
				})
			}
			entry["tool_calls"] = calls
		}
		out = append(out, entry)
	}

	req := map[string]any{
		"model":           opts.Model,
		"messages":        out,
		"stream":          true,
		"stream_options":  map[string]any{"include_usage": true},
	}
	if len(tools) > 0 {
		req["tools"] = adaptTools(tools)
	}
	if opts.ReasoningBudget > 0 {
		req["reasoning_effort"] = reasoningEffort(opts.ReasoningBudget)
	}
	return json.Marshal(req)
}

func adaptTools(tools []provider.ToolSchema) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return out
}

// reasoningEffort maps an opaque token budget onto OpenAI's discrete effort
// levels. A data-plumbing convenience, not a precise conversion.
func reasoningEffort(budget int) string {
	switch {
	case budget >= 16000:
		return "high"
	case budget >= 4000:
		return "medium"
	default:
		return "low"
	}
}
