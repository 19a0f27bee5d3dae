// Package google implements the Google generativelanguage streaming driver:
// a JSON array streamed under alt=sse, where each SSE data line carries one
// complete JSON object (brace-matched by the transport, not by us) rather
// than an incremental delta fragment.
//
// Function calls arrive atomic per part (no partial-JSON reassembly
// needed, unlike Anthropic/OpenAI), a function-call part's thought
// signature is kept as base64 on its ToolCall and sent back with it (a
// signature on a text part is not captured), and the SAFETY/RECITATION/
// MALFORMED_FUNCTION_CALL finish reasons map onto hard stream errors.
// Decoding happens on a goroutine feeding one JSON object per SSE data
// line into a channel, drained non-blockingly by Poll.
package google

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/manifold/turnengine/internal/observability"
	"github.com/manifold/turnengine/internal/provider"
)

const eventBuf = 256

type Driver struct {
	httpClient *http.Client
	baseURL    string // default https://generativelanguage.googleapis.com
}

func New(httpClient *http.Client) *Driver {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Driver{httpClient: httpClient, baseURL: "https://generativelanguage.googleapis.com"}
}

type state struct {
	mu         sync.Mutex
	text       strings.Builder
	finalized  []provider.ToolCall
	stopReason string
	done       bool

	objects chan []byte
	cancel  context.CancelFunc
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
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s",
		d.baseURL, url.PathEscape(opts.Model), url.QueryEscape(apiKey))
	log.Debug().Str("endpoint", observability.RedactURL(endpoint)).Msg("google_stream_start")
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, &provider.ErrStartFailed{Cause: err}
	}
	req.Header.Set("content-type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, &provider.ErrStartFailed{Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &provider.ErrStartFailed{Cause: fmt.Errorf("google: status %d: %s", resp.StatusCode, string(b))}
	}

	st := &state{objects: make(chan []byte, eventBuf), cancel: cancel}
	go readObjects(resp.Body, st.objects)
	return st, nil
}

// readObjects pulls one complete JSON object per "data:" SSE line. Google's
// JSON-array-under-SSE framing hands back whole objects per line; there is
// no partial-fragment reassembly to do, unlike the other two drivers.
func readObjects(body io.ReadCloser, out chan<- []byte) {
	defer close(out)
	defer body.Close()
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(payload) == 0 {
			continue
		}
		out <- append([]byte(nil), payload...)
	}
}

func (d *Driver) Poll(raw provider.StreamState) (provider.PollStatus, error) {
	st, ok := raw.(*state)
	if !ok {
		return provider.Err, fmt.Errorf("google: wrong state type")
	}
	for {
		select {
		case obj, ok := <-st.objects:
			if !ok {
				return provider.Done, nil
			}
			done, err := st.apply(obj)
			if err != nil {
				return provider.Err, err
			}
			if done {
				return provider.Done, nil
			}
		default:
			return provider.Pending, nil
		}
	}
}

func (s *state) apply(obj []byte) (bool, error) {
	var resp struct {
		PromptFeedback *struct {
			BlockReason string `json:"blockReason"`
		} `json:"promptFeedback"`
		Candidates []struct {
			FinishReason string `json:"finishReason"`
			Content      *struct {
				Parts []struct {
					Text             string          `json:"text"`
					Thought          bool            `json:"thought"`
					ThoughtSignature string          `json:"thoughtSignature"`
					FunctionCall     *struct {
						Name string          `json:"name"`
						Args json.RawMessage `json:"args"`
					} `json:"functionCall"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(obj, &resp); err != nil {
		log.Warn().Err(err).Msg("google_stream_chunk_parse_error")
		return false, nil // tolerant: skip malformed intermediate chunk
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return true, fmt.Errorf("google: request blocked: %s", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return false, nil // intermediate chunk, normal during streaming
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := resp.Candidates[0]
	switch c.FinishReason {
	case "SAFETY":
		return true, fmt.Errorf("google: response blocked by safety filters")
	case "RECITATION":
		return true, fmt.Errorf("google: response blocked due to recitation")
	case "MALFORMED_FUNCTION_CALL":
		return true, fmt.Errorf("google: malformed function call")
	}

	if c.Content != nil {
		for _, part := range c.Content.Parts {
			if part.FunctionCall != nil {
				// functionCall arrives whole in one part: no index-keyed
				// partial accumulation the way Anthropic/OpenAI need. The wire
				// carries no call id, so one is minted for result pairing.
				tc := provider.ToolCall{
					ID:   fmt.Sprintf("call-%d", len(s.finalized)+1),
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
				}
				if part.ThoughtSignature != "" {
					tc.ThoughtSignature = reencodeSignature(part.ThoughtSignature)
				}
				s.finalized = append(s.finalized, tc)
				continue
			}
			if part.Thought {
				continue // reasoning summary, not assistant-visible text
			}
			s.text.WriteString(part.Text)
		}
	}

	if c.FinishReason == "STOP" || c.FinishReason == "MAX_TOKENS" {
		// Ambiguous upstream: STOP is treated as terminal even though
		// another candidate could in principle still be pending.
		s.done = true
		if c.FinishReason == "MAX_TOKENS" {
			s.stopReason = "length"
		} else if len(s.finalized) > 0 {
			s.stopReason = "tool_use"
		} else {
			s.stopReason = "stop"
		}
		return true, nil
	}
	return false, nil
}

// reencodeSignature checks that the wire's thought signature is valid
// base64 and returns it unchanged for storage on ToolCall; a corrupt
// value yields "" (skip rather than fail).
func reencodeSignature(sig string) string {
	if strings.ContainsRune(sig, '�') {
		return ""
	}
	if _, err := base64.StdEncoding.DecodeString(sig); err != nil {
		return ""
	}
	return sig
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
		return
	}
	c()
}

// Complete performs one blocking, non-streaming GenerateContent call
// through the official SDK, the auxiliary path for between-turn calls.
func (d *Driver) Complete(ctx context.Context, apiKey string, msgs []provider.Message, opts provider.RequestOptions) (string, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: d.httpClient,
	})
	if err != nil {
		return "", fmt.Errorf("google complete: %w", err)
	}
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := genai.Role(genai.RoleUser)
		if strings.ToLower(m.Role) == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	resp, err := client.Models.GenerateContent(ctx, opts.Model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("google complete: %w", err)
	}
	return resp.Text(), nil
}

func buildRequestBody(msgs []provider.Message, tools []provider.ToolSchema, opts provider.RequestOptions) ([]byte, error) {
	contents, err := toContents(msgs)
	if err != nil {
		return nil, err
	}
	req := map[string]any{"contents": contents}
	if len(tools) > 0 {
		req["tools"] = []map[string]any{{"functionDeclarations": adaptTools(tools)}}
	}
	if opts.ReasoningBudget > 0 {
		req["generationConfig"] = map[string]any{
			"thinkingConfig": map[string]any{"thinkingBudget": opts.ReasoningBudget, "includeThoughts": true},
		}
	}
	return json.Marshal(req)
}

func adaptTools(tools []provider.ToolSchema) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.Parameters,
		})
	}
	return out
}

func toContents(msgs []provider.Message) ([]map[string]any, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("messages required")
	}
	toolNamesByID := map[string]string{}
	var lastFuncName string
	contents := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		role := strings.ToLower(m.Role)
		switch role {
		case "", "user", "system":
			role = "user"
		case "assistant":
			role = "model"
			for _, tc := range m.ToolCalls {
				if tc.ID != "" && tc.Name != "" {
					toolNamesByID[tc.ID] = tc.Name
				}
				if tc.Name != "" {
					lastFuncName = tc.Name
				}
			}
		case "tool":
			name := toolNamesByID[m.ToolID]
			if name == "" {
				name = lastFuncName
			}
			if name == "" {
				name = "tool_response"
			}
			var respMap map[string]any
			if trimmed := strings.TrimSpace(m.Content); trimmed != "" {
				if json.Unmarshal([]byte(trimmed), &respMap) != nil {
					respMap = map[string]any{"output": m.Content}
				}
			}
			// Do not attach a thought signature to a functionResponse part:
			// Gemini's guidance is to echo signatures only on the original
			// model-authored part, not on the user-authored response.
			contents = append(contents, map[string]any{
				"role": "user",
				"parts": []map[string]any{{
					"functionResponse": map[string]any{"name": name, "response": respMap},
				}},
			})
			continue
		default:
			return nil, fmt.Errorf("unsupported role for google provider: %s", m.Role)
		}

		parts := []map[string]any{}
		if m.Content != "" {
			p := map[string]any{"text": m.Content}
			if role == "model" && m.ThoughtSignature != "" {
				p["thoughtSignature"] = m.ThoughtSignature
			}
			parts = append(parts, p)
		}
		if role == "model" {
			for _, tc := range m.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal(tc.Args, &args)
				p := map[string]any{"functionCall": map[string]any{"name": tc.Name, "args": args}}
				if tc.ThoughtSignature != "" {
					p["thoughtSignature"] = tc.ThoughtSignature
				}
				parts = append(parts, p)
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, map[string]any{"role": role, "parts": parts})
	}
	return contents, nil
}
