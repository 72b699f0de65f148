package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *RejectedPushkeyCache {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRejectedPushkeyCache(client, time.Hour)
}

func TestRejectedPushkeyCache(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	rejected, err := cache.IsRejected(ctx, "com.example.app", "key-1", 0)
	require.NoError(t, err)
	assert.False(t, rejected, "an unknown pushkey is not rejected")

	require.NoError(t, cache.MarkRejected(ctx, "com.example.app", "key-1"))

	rejected, err = cache.IsRejected(ctx, "com.example.app", "key-1", 0)
	require.NoError(t, err)
	assert.True(t, rejected, "a pusher created before the rejection stays rejected")

	// A pusher created after the recorded rejection may be alive again.
	rejected, err = cache.IsRejected(ctx, "com.example.app", "key-1", time.Now().Unix()+60)
	require.NoError(t, err)
	assert.False(t, rejected)

	// Different app, same pushkey: independent.
	rejected, err = cache.IsRejected(ctx, "com.other.app", "key-1", 0)
	require.NoError(t, err)
	assert.False(t, rejected)
}
