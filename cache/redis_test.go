package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedis_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := NewRedis(ctx, "127.0.0.1:1", time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connecting to redis at 127.0.0.1:1")
}

func TestRedis_EmptyKey(t *testing.T) {
	r := &Redis{Client: redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), prefix: "bobbin:cache:"}
	t.Cleanup(func() { r.Close() })

	_, _, err := r.Get(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyKey)
	assert.ErrorIs(t, r.Put(context.Background(), "", []byte("x")), ErrEmptyKey)
}
