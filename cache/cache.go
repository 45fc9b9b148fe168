// Package cache stores build caches as opaque blobs keyed per job. Writes are
// last-writer-wins and a missing or stale entry only costs time.
package cache

import (
	"context"
	"errors"
)

type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, blob []byte) error
}

var ErrEmptyKey = errors.New("cache key is empty")

// Key scopes a user cache key to a job, so that jobs never share entries.
func Key(job, key string) string {
	return job + "/" + key
}
