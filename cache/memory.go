package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// Memory is an in-process Store bounded by total blob size.
type Memory struct {
	c   *ristretto.Cache
	ttl time.Duration
}

func NewMemory(maxBytes int64, ttl time.Duration) (*Memory, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:            1e5,
		MaxCost:                maxBytes,
		BufferItems:            64,
		TtlTickerDurationInSec: 120,
	})
	if err != nil {
		return nil, fmt.Errorf("creating memory cache: %w", err)
	}
	return &Memory{c: c, ttl: ttl}, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}

	v, ok := m.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	blob, ok := v.([]byte)
	return blob, ok, nil
}

func (m *Memory) Put(_ context.Context, key string, blob []byte) error {
	if key == "" {
		return ErrEmptyKey
	}

	// ristretto sets are buffered; a dropped set is a cache miss later, which
	// is fine for build caches
	m.c.SetWithTTL(key, blob, int64(len(blob)), m.ttl)
	m.c.Wait()
	return nil
}

func (m *Memory) Close() {
	m.c.Close()
}
