package fs

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func callTool(t *testing.T, tool interface {
	Call(ctx context.Context, raw json.RawMessage) (any, error)
}, args map[string]any) map[string]any {
	t.Helper()
	raw, _ := json.Marshal(args)
	res, err := tool.Call(context.Background(), raw)
	if err != nil {
		t.Fatalf("Call returned err: %v", err)
	}
	m, ok := res.(map[string]any)
	if !ok {
		t.Fatalf("expected map result, got %T", res)
	}
	return m
}

func TestEditTool_ReplacesExactMatch(t *testing.T) {
	td := t.TempDir()
	p := filepath.Join(td, "a.txt")
	_ = os.WriteFile(p, []byte("hello world\n"), 0o644)

	m := callTool(t, NewEditTool(td), map[string]any{
		"path": "a.txt", "old_string": "world", "new_string": "there",
	})
	if okv, _ := m["ok"].(bool); !okv {
		t.Fatalf("expected ok true, got %v", m)
	}
	b, _ := os.ReadFile(p)
	if string(b) != "hello there\n" {
		t.Fatalf("unexpected content: %q", string(b))
	}
}

func TestEditTool_AmbiguousMatchRequiresReplaceAll(t *testing.T) {
	td := t.TempDir()
	p := filepath.Join(td, "a.txt")
	_ = os.WriteFile(p, []byte("x x x"), 0o644)

	m := callTool(t, NewEditTool(td), map[string]any{
		"path": "a.txt", "old_string": "x", "new_string": "y",
	})
	if okv, _ := m["ok"].(bool); okv {
		t.Fatalf("expected failure on ambiguous match, got %v", m)
	}

	m = callTool(t, NewEditTool(td), map[string]any{
		"path": "a.txt", "old_string": "x", "new_string": "y", "replace_all": true,
	})
	if okv, _ := m["ok"].(bool); !okv {
		t.Fatalf("expected ok with replace_all, got %v", m)
	}
	b, _ := os.ReadFile(p)
	if string(b) != "y y y" {
		t.Fatalf("unexpected content: %q", string(b))
	}
}

func TestEditTool_MissingMatchFails(t *testing.T) {
	td := t.TempDir()
	_ = os.WriteFile(filepath.Join(td, "a.txt"), []byte("hello"), 0o644)

	m := callTool(t, NewEditTool(td), map[string]any{
		"path": "a.txt", "old_string": "absent", "new_string": "y",
	})
	if okv, _ := m["ok"].(bool); okv {
		t.Fatalf("expected failure, got %v", m)
	}
}

func TestGrepTool_FindsMatchesWithLineNumbers(t *testing.T) {
	td := t.TempDir()
	_ = os.WriteFile(filepath.Join(td, "a.go"), []byte("package a\nfunc Foo() {}\n"), 0o644)
	_ = os.MkdirAll(filepath.Join(td, "sub"), 0o755)
	_ = os.WriteFile(filepath.Join(td, "sub", "b.go"), []byte("func Bar() {}\n"), 0o644)

	m := callTool(t, NewGrepTool(td), map[string]any{"pattern": `func \w+\(`})
	if okv, _ := m["ok"].(bool); !okv {
		t.Fatalf("expected ok, got %v", m)
	}
	matches, _ := m["matches"].([]string)
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %v", matches)
	}
}

func TestGrepTool_BadPatternFailsSoft(t *testing.T) {
	m := callTool(t, NewGrepTool(t.TempDir()), map[string]any{"pattern": "("})
	if okv, _ := m["ok"].(bool); okv {
		t.Fatalf("expected failure for invalid regexp")
	}
}

func TestReadTool_RejectsEscape(t *testing.T) {
	m := callTool(t, NewReadTool(t.TempDir()), map[string]any{"path": "../etc/passwd"})
	if okv, _ := m["ok"].(bool); okv {
		t.Fatalf("expected traversal rejection")
	}
}
