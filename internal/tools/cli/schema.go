package cli

// buildSchema constructs the JSON schema for run_cli. The timeout ceiling
// in the schema mirrors the Tool's configured maximum so the model sees
// the real bound.
func buildSchema(t *Tool) map[string]any {
	maxSecs := int(t.maxTimeout.Seconds())
	return map[string]any{
		"name":        "run_cli",
		"description": "Execute a CLI command in a restricted working directory (no shell, no absolute paths).",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command":         map[string]any{"type": "string", "description": "Bare binary name (e.g., ls, git, go)."},
				"args":            map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"timeout_seconds": map[string]any{"type": "integer", "minimum": 1, "maximum": maxSecs},
				"stdin":           map[string]any{"type": "string"},
			},
			"required": []string{"command"},
		},
	}
}
