package fs

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/manifold/turnengine/internal/sandbox"
)

const grepMaxMatches = 500

// GrepTool searches file contents under the locked WORKDIR with a regular
// expression.
type GrepTool struct{ workdir string }

func NewGrepTool(workdir string) *GrepTool { return &GrepTool{workdir: workdir} }

func (t *GrepTool) Name() string { return "grep" }

func (t *GrepTool) JSONSchema() map[string]any {
	return map[string]any{
		"name":        t.Name(),
		"description": "Search file contents under the locked working directory with a Go regular expression.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{"type": "string", "description": "Regular expression to search for"},
				"path":    map[string]any{"type": "string", "description": "Relative file or directory to search (defaults to the whole WORKDIR)"},
			},
			"required": []string{"pattern"},
		},
	}
}

func (t *GrepTool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(args.Pattern)
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error()}, nil
	}
	root := t.workdir
	if strings.TrimSpace(args.Path) != "" {
		rel, err := sandbox.Resolve(t.workdir, args.Path)
		if err != nil {
			return map[string]any{"ok": false, "error": err.Error()}, nil
		}
		root = filepath.Join(t.workdir, rel)
	}

	var matches []string
	truncated := false
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return nil // skip unreadable entries, keep walking
		}
		if len(matches) >= grepMaxMatches {
			truncated = true
			return filepath.SkipAll
		}
		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()
		rel, _ := filepath.Rel(t.workdir, path)
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			if re.Match(scanner.Bytes()) {
				matches = append(matches, fmt.Sprintf("%s:%d:%s", rel, lineNo, scanner.Text()))
				if len(matches) >= grepMaxMatches {
					truncated = true
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error()}, nil
	}
	return map[string]any{"ok": true, "matches": matches, "truncated": truncated}, nil
}
