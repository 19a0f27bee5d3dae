package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/manifold/turnengine/internal/sandbox"
)

// EditTool performs an exact string replacement inside one file in the
// locked WORKDIR.
type EditTool struct{ workdir string }

func NewEditTool(workdir string) *EditTool { return &EditTool{workdir: workdir} }

func (t *EditTool) Name() string { return "edit_file" }

func (t *EditTool) JSONSchema() map[string]any {
	return map[string]any{
		"name":        t.Name(),
		"description": "Replace an exact string in a file in the locked working directory. old_string must match exactly once unless replace_all is set.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":        map[string]any{"type": "string", "description": "Relative path under WORKDIR"},
				"old_string":  map[string]any{"type": "string", "description": "Exact text to replace"},
				"new_string":  map[string]any{"type": "string", "description": "Replacement text"},
				"replace_all": map[string]any{"type": "boolean", "description": "Replace every occurrence", "default": false},
			},
			"required": []string{"path", "old_string", "new_string"},
		},
	}
}

func (t *EditTool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Path       string `json:"path"`
		OldString  string `json:"old_string"`
		NewString  string `json:"new_string"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	rel, err := sandbox.Resolve(t.workdir, args.Path)
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error()}, nil
	}
	full := filepath.Join(t.workdir, rel)
	b, err := os.ReadFile(full)
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error()}, nil
	}
	content := string(b)
	count := strings.Count(content, args.OldString)
	if count == 0 {
		return map[string]any{"ok": false, "error": "old_string not found"}, nil
	}
	if count > 1 && !args.ReplaceAll {
		return map[string]any{"ok": false, "error": fmt.Sprintf("old_string matches %d times; pass replace_all or narrow the match", count)}, nil
	}
	before := content
	replaced := count
	if args.ReplaceAll {
		content = strings.ReplaceAll(content, args.OldString, args.NewString)
	} else {
		content = strings.Replace(content, args.OldString, args.NewString, 1)
		replaced = 1
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return map[string]any{"ok": false, "error": err.Error()}, nil
	}
	return map[string]any{"ok": true, "path": rel, "replaced": replaced, "diff": changeDiff(before, content)}, nil
}
