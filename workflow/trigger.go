package workflow

import (
	"errors"
	"path"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-git/v5/plumbing"
)

type TriggerKind string

const (
	TriggerKindPush          TriggerKind = "push"
	TriggerKindMergeProposal TriggerKind = "merge_proposal"
	TriggerKindManual        TriggerKind = "manual"
)

// TriggerEvent is the inbound change notification that may start a run.
type TriggerEvent struct {
	Kind         TriggerKind `json:"kind"`
	Branch       string      `json:"branch"`
	ChangedPaths []string    `json:"changed_paths,omitempty"`
}

var (
	ErrUnknownTrigger = errors.New("event kind does not trigger this pipeline")
	ErrBranchMismatch = errors.New("branch is not a target branch")
	ErrPathsIgnored   = errors.New("every changed path is ignored")
)

// Filter decides whether a TriggerEvent starts a run.
type Filter struct {
	Branches    map[TriggerKind][]string
	PathsIgnore []string
}

func NewFilter(t Triggers) *Filter {
	f := &Filter{
		Branches:    make(map[TriggerKind][]string),
		PathsIgnore: t.PathsIgnore,
	}

	if t.Push != nil {
		f.Branches[TriggerKindPush] = normalizeBranches(t.Push.Branches)
	}
	if t.MergeProposal != nil {
		f.Branches[TriggerKindMergeProposal] = normalizeBranches(t.MergeProposal.Branches)
	}

	return f
}

func (f *Filter) Accept(ev TriggerEvent) bool {
	return f.Check(ev) == nil
}

// Check returns nil when the event should start a run, or the reason it
// should not.
func (f *Filter) Check(ev TriggerEvent) error {
	// manual triggers always run the pipeline
	if ev.Kind == TriggerKindManual {
		return nil
	}

	branches, ok := f.Branches[ev.Kind]
	if !ok {
		return ErrUnknownTrigger
	}

	if !f.MatchBranch(branches, ev.Branch) {
		return ErrBranchMismatch
	}

	// nothing to compare against, e.g. a merge proposal against an existing branch
	if len(ev.ChangedPaths) == 0 || len(f.PathsIgnore) == 0 {
		return nil
	}

	for _, p := range ev.ChangedPaths {
		if !f.Ignored(p) {
			return nil
		}
	}

	return ErrPathsIgnored
}

func (f *Filter) MatchBranch(branches []string, branch string) bool {
	branch = ShortBranch(branch)
	if slices.Contains(branches, branch) {
		return true
	}

	for _, pattern := range branches {
		if ok, _ := doublestar.Match(pattern, branch); ok {
			return true
		}
	}

	return false
}

func (f *Filter) Ignored(p string) bool {
	p = cleanPath(p)
	for _, pattern := range f.PathsIgnore {
		if ok, _ := doublestar.Match(pattern, p); ok {
			return true
		}
	}
	return false
}

// ShortBranch turns refs/heads/main into main and leaves plain names as is.
func ShortBranch(b string) string {
	ref := plumbing.ReferenceName(b)
	if ref.IsBranch() {
		return ref.Short()
	}
	return b
}

func normalizeBranches(bs []string) []string {
	out := make([]string, 0, len(bs))
	for _, b := range bs {
		out = append(out, ShortBranch(b))
	}
	return out
}

func cleanPath(p string) string {
	p = path.Clean(strings.ReplaceAll(p, "\\", "/"))
	return strings.TrimPrefix(p, "/")
}
