package fs

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/manifold/turnengine/internal/sandbox"
)

// readMaxLines bounds how many lines one call returns when the model asks
// for no explicit window. The head of a file is what usually matters, so
// the window anchors at the top unless an offset is given.
const readMaxLines = 2000

// ReadTool reads text content from a file within the locked WORKDIR, with
// optional line-window arguments for large files.
type ReadTool struct{ workdir string }

func NewReadTool(workdir string) *ReadTool { return &ReadTool{workdir: workdir} }

func (t *ReadTool) Name() string { return "read_file" }

func (t *ReadTool) JSONSchema() map[string]any {
	return map[string]any{
		"name":        t.Name(),
		"description": "Read text content from a file in the locked working directory. Large files are windowed; pass offset/limit to page through them.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":   map[string]any{"type": "string", "description": "Relative path under WORKDIR (e.g., main.go)"},
				"offset": map[string]any{"type": "integer", "description": "1-based line to start from", "minimum": 1},
				"limit":  map[string]any{"type": "integer", "description": "Maximum lines to return", "minimum": 1},
			},
			"required": []string{"path"},
		},
	}
}

func (t *ReadTool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Path   string `json:"path"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	rel, err := sandbox.Resolve(t.workdir, args.Path)
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error()}, nil
	}
	b, err := os.ReadFile(filepath.Join(t.workdir, rel))
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error()}, nil
	}

	lines := strings.Split(string(b), "\n")
	total := len(lines)

	start := args.Offset
	if start < 1 {
		start = 1
	}
	if start > total {
		start = total
	}
	limit := args.Limit
	if limit < 1 || limit > readMaxLines {
		limit = readMaxLines
	}
	end := start - 1 + limit
	if end > total {
		end = total
	}
	window := lines[start-1 : end]

	return map[string]any{
		"ok":          true,
		"path":        rel,
		"content":     strings.Join(window, "\n"),
		"total_lines": total,
		"offset":      start,
		"truncated":   end < total || start > 1,
	}, nil
}
