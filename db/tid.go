package db

import "github.com/bluesky-social/indigo/atproto/syntax"

var tidClock = syntax.NewTIDClock(0)

func tid() string {
	return tidClock.Next().String()
}
