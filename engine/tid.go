package engine

import "github.com/bluesky-social/indigo/atproto/syntax"

var TIDClock = syntax.NewTIDClock(0)

// NewRunId returns a sortable, unique run id.
func NewRunId() string {
	return TIDClock.Next().String()
}
