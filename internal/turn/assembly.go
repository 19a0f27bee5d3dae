package turn

import "encoding/json"

// ContentBlock is one element of an assistant-content-JSON array: a
// text block or a tool_use block. Only the fields relevant to Type are
// populated.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ToolUseID string          `json:"id,omitempty"`
	ToolName  string          `json:"name,omitempty"`
	ToolInput json.RawMessage `json:"input,omitempty"`
}

// BuildAssistantContent renders the assistant-content-JSON persisted on
// the AgentRun: an optional leading text block (a tool round may carry no
// text at all) followed by one tool_use block per finalized tool call.
func BuildAssistantContent(text string, calls []ToolCall) (string, error) {
	var blocks []ContentBlock
	if text != "" {
		blocks = append(blocks, ContentBlock{Type: "text", Text: text})
	}
	for _, c := range calls {
		input := json.RawMessage(c.InputJSON)
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		blocks = append(blocks, ContentBlock{Type: "tool_use", ToolUseID: c.ID, ToolName: c.Name, ToolInput: input})
	}
	b, err := json.Marshal(blocks)
	return string(b), err
}

// ParseAssistantContent is BuildAssistantContent's inverse.
func ParseAssistantContent(contentJSON string) ([]ContentBlock, error) {
	if contentJSON == "" {
		return nil, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal([]byte(contentJSON), &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// SkippedResult is the fixed ToolResult for a tool dropped by a mid-turn
// steer, keeping tool_use/tool_result pairing well-formed.
func SkippedResult(id string) ToolResult {
	return ToolResult{ID: id, Success: false, Content: "Skipped due to queued user message."}
}

// NoResponsePlaceholder is substituted for a final empty assistant text
// with no tool_use.
const NoResponsePlaceholder = "no response"

// ToolResultUIContent truncates content to the UI-facing ceiling. The
// provider continuation always receives the untruncated ToolResult.Content;
// this helper is for renderer-facing message construction only.
func ToolResultUIContent(content string) string {
	const limit = 2000
	if len(content) <= limit {
		return content
	}
	return content[:limit]
}
