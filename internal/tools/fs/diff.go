package fs

import (
	dmp "github.com/sergi/go-diff/diffmatchpatch"
)

// changeDiff renders a patch-text diff between two file states. Edit and
// write tools attach it to their results so the renderer can show what a
// tool call actually changed without re-reading the file.
func changeDiff(before, after string) string {
	if before == after {
		return ""
	}
	d := dmp.New()
	return d.PatchToText(d.PatchMake(before, after))
}
