package persist

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorage_Quota(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage(10)

	require.NoError(t, s.SetItem(ctx, "a", "12345"))
	require.NoError(t, s.SetItem(ctx, "b", "12345"))
	assert.ErrorIs(t, s.SetItem(ctx, "c", "1"), ErrQuotaExceeded)

	// Overwriting reuses the old value's share of the quota.
	require.NoError(t, s.SetItem(ctx, "a", "123"))
	require.NoError(t, s.SetItem(ctx, "c", "12"))

	require.NoError(t, s.RemoveItem(ctx, "b"))
	require.NoError(t, s.SetItem(ctx, "d", "12345"))

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "d"}, keys)
}

func TestMemoryStorage_Miss(t *testing.T) {
	v, ok, err := NewMemoryStorage(0).GetItem(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, v)
}

// Runs against a real server when REDIS_ADDR is set.
func TestRedisStorage(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	s := NewRedisStorage(client, RedisConfig{Prefix: "quizcache-test-" + uuid.NewString()})
	require.NoError(t, s.Ping(ctx))

	require.NoError(t, s.SetItem(ctx, "pref_u1", "dark"))
	require.NoError(t, s.SetItem(ctx, "pref_u2", "light"))

	v, ok, err := s.GetItem(ctx, "pref_u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "dark", v)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"pref_u1", "pref_u2"}, keys)

	a := NewAdapter(s, Config{})
	assert.Equal(t, 1, a.ClearUserData(ctx, "u1"))

	require.NoError(t, s.RemoveItem(ctx, "pref_u2"))
	keys, err = s.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}
