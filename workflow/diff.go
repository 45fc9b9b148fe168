package workflow

import (
	"fmt"
	"io"
	"slices"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
)

// ChangedPathsFromDiff lists every path touched by a unified or git diff.
// Renames contribute both the old and the new name.
func ChangedPathsFromDiff(r io.Reader) ([]string, error) {
	files, _, err := gitdiff.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing diff: %w", err)
	}

	seen := make(map[string]struct{})
	add := func(name string) {
		if name == "" || name == "/dev/null" {
			return
		}
		seen[name] = struct{}{}
	}

	for _, f := range files {
		switch {
		case f.IsDelete:
			add(f.OldName)
		case f.IsRename || f.IsCopy:
			add(f.OldName)
			add(f.NewName)
		default:
			add(f.NewName)
		}
	}

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	slices.Sort(paths)

	return paths, nil
}
