package cli

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/manifold/turnengine/internal/config"
)

func call(t *testing.T, tool *Tool, args map[string]any) map[string]any {
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

func TestCLITool_RunsCommand(t *testing.T) {
	tool := New(config.ExecConfig{MaxCommandSeconds: 5}, t.TempDir())
	m := call(t, tool, map[string]any{"command": "echo", "args": []string{"hi"}})
	if okv, _ := m["ok"].(bool); !okv {
		t.Fatalf("expected ok true, got %v", m)
	}
	if out, _ := m["stdout"].(string); out != "hi\n" {
		t.Fatalf("unexpected stdout: %q", out)
	}
	if exit, _ := m["exit_code"].(int); exit != 0 {
		t.Fatalf("unexpected exit code: %v", m["exit_code"])
	}
}

func TestCLITool_BlockedBinary(t *testing.T) {
	tool := New(config.ExecConfig{MaxCommandSeconds: 5, BlockBinaries: []string{"rm"}}, t.TempDir())
	m := call(t, tool, map[string]any{"command": "rm", "args": []string{"whatever"}})
	if okv, _ := m["ok"].(bool); okv {
		t.Fatalf("expected blocked binary to fail, got %v", m)
	}
	m = call(t, tool, map[string]any{"command": "/bin/echo"})
	if okv, _ := m["ok"].(bool); okv {
		t.Fatalf("expected path-qualified command to fail, got %v", m)
	}
}

func TestCLITool_RejectsTraversalArgs(t *testing.T) {
	tool := New(config.ExecConfig{MaxCommandSeconds: 5}, t.TempDir())
	m := call(t, tool, map[string]any{"command": "cat", "args": []string{"../secret"}})
	if okv, _ := m["ok"].(bool); okv {
		t.Fatalf("expected traversal arg rejection, got %v", m)
	}
}

func TestCLITool_MissingCommand(t *testing.T) {
	tool := New(config.ExecConfig{MaxCommandSeconds: 5}, t.TempDir())
	m := call(t, tool, map[string]any{"args": []string{"x"}})
	if okv, _ := m["ok"].(bool); okv {
		t.Fatalf("expected missing command to fail, got %v", m)
	}
}

func TestBuildSchema_ReflectsTimeoutCeiling(t *testing.T) {
	tool := New(config.ExecConfig{MaxCommandSeconds: 12}, t.TempDir())
	schema := tool.JSONSchema()
	params := schema["parameters"].(map[string]any)
	props := params["properties"].(map[string]any)
	timeout := props["timeout_seconds"].(map[string]any)
	if timeout["maximum"] != 12 {
		t.Fatalf("expected schema maximum 12, got %v", timeout["maximum"])
	}
}
