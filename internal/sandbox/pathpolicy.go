// Package sandbox confines every filesystem-touching tool to the session's
// locked working directory. Tool inputs come from a model, so a path is
// hostile until proven local: absolute paths, drive prefixes, traversal,
// and symlink escapes are all rejected before any tool opens a file.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Resolve validates a model-supplied path and returns its cleaned form
// relative to workdir. It is the strict entry point used by tools whose
// schema declares the argument to be a path (read_file, write_file,
// edit_file, grep).
func Resolve(workdir, path string) (string, error) {
	if workdir == "" {
		return "", errors.New("workdir is required")
	}
	if isAbsoluteOrDrive(path) {
		return "", fmt.Errorf("absolute paths not allowed: %q", path)
	}
	if isPathTraversal(path) {
		return "", fmt.Errorf("path traversal not allowed: %q", path)
	}
	rel := filepath.Clean(path)
	if rel == "." {
		return rel, nil
	}
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("path must stay inside workdir: %q", path)
	}
	if err := ensureWithinRoot(workdir, rel); err != nil {
		return "", err
	}
	return rel, nil
}

// SanitizeArg applies Resolve only to CLI arguments that look like paths;
// flags and plain words pass through untouched. run_cli's arguments are
// free-form, so this is a heuristic by necessity: the path-shaped ones
// get the full policy, the rest can't name a file at all.
func SanitizeArg(workdir, arg string) (string, error) {
	if !looksPathLike(arg) {
		return arg, nil
	}
	return Resolve(workdir, arg)
}

func isPathTraversal(p string) bool {
	clean := filepath.Clean(p)
	return clean == ".." || strings.HasPrefix(clean, "../") || strings.Contains(clean, "/../")
}

func isAbsoluteOrDrive(p string) bool {
	if filepath.IsAbs(p) {
		return true
	}
	// Windows drive-relative forms like "C:foo" escape IsAbs.
	return runtime.GOOS == "windows" && len(p) >= 2 && p[1] == ':'
}

// ensureWithinRoot walks the deepest existing ancestor of rel through
// os.Root, so a symlink planted inside workdir cannot smuggle the final
// open outside it.
func ensureWithinRoot(workdir, rel string) error {
	root, err := os.OpenRoot(workdir)
	if err != nil {
		return fmt.Errorf("open root %q: %w", workdir, err)
	}
	defer root.Close()

	for candidate := rel; candidate != "" && candidate != "."; candidate = filepath.Dir(candidate) {
		f, err := root.Open(candidate)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("path %q escapes workdir: %w", rel, err)
		}
		f.Close()
		break
	}
	return nil
}

func looksPathLike(arg string) bool {
	switch {
	case arg == "":
		return false
	case strings.HasPrefix(arg, "."):
		return true
	case strings.ContainsRune(arg, os.PathSeparator):
		return true
	default:
		return strings.ContainsRune(arg, '/') || strings.ContainsRune(arg, '\\')
	}
}

// IsBinaryBlocked rejects path-qualified commands outright (only bare
// binary names resolve through PATH) and anything on the configured block
// list.
func IsBinaryBlocked(cmd string, block map[string]struct{}) bool {
	if strings.ContainsAny(cmd, `/\`) {
		return true
	}
	_, blocked := block[cmd]
	return blocked
}
