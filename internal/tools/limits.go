package tools

import "fmt"

// Output size ceilings. Command-output tools are truncated by tail (the end of
// a long build log is usually what matters); file-read tools are truncated
// by head (the start of a file is usually what matters). Both record the
// original size in the truncation marker.
const (
	DefaultCommandOutputLimit = 64 * 1024
	DefaultFileReadLimit      = 64 * 1024
)

// tailTruncated names the tools whose output should be trimmed from the
// front, keeping the tail. Anything not listed here truncates by head.
var tailTruncated = map[string]bool{
	"run_cli": true,
	"bash":    true,
}

// Truncate applies the per-tool-kind policy to a rendered result string.
func Truncate(toolName, content string) string {
	return truncateWithLimit(toolName, content, limitFor(toolName))
}

func limitFor(toolName string) int {
	if tailTruncated[toolName] {
		return DefaultCommandOutputLimit
	}
	return DefaultFileReadLimit
}

func truncateWithLimit(toolName, content string, limit int) string {
	if limit <= 0 || len(content) <= limit {
		return content
	}
	original := len(content)
	if tailTruncated[toolName] {
		return fmt.Sprintf("[TRUNCATED: showing last %d of %d bytes]\n", limit, original) + content[len(content)-limit:]
	}
	return content[:limit] + fmt.Sprintf("\n[TRUNCATED: showing first %d of %d bytes]", limit, original)
}
