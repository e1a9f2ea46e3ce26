package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyhub/fanout-dispatch/internal/domain"
)

func TestContentKey(t *testing.T) {
	assert.Equal(t, "fanout:content:acme:c-1", contentKey("acme", "c-1"))
	assert.Equal(t, "fanout:content::c-1", contentKey("", "c-1"), "host tenant has an empty segment")
}

// newTestCache connects to FANOUT_TEST_REDIS_ADDR and skips otherwise.
func newTestCache(t *testing.T) (*RedisContentCache, *redis.Client) {
	t.Helper()
	addr := os.Getenv("FANOUT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FANOUT_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisContentCache(rdb), rdb
}

func TestRedisContentCache_RoundTrip(t *testing.T) {
	c, rdb := newTestCache(t)
	ctx := context.Background()

	content := &domain.Content{
		ID:         uuid.NewString(),
		TenantID:   "acme",
		Channel:    domain.ChannelEmail,
		Text:       "hi",
		Properties: domain.Properties{"subject": "Welcome"},
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}
	t.Cleanup(func() { rdb.Del(context.Background(), contentKey(content.TenantID, content.ID)) })

	_, err := c.Get(ctx, "acme", content.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, c.Set(ctx, content, time.Minute))

	got, err := c.Get(ctx, "acme", content.ID)
	require.NoError(t, err)
	assert.Equal(t, content.Text, got.Text)
	assert.Equal(t, "Welcome", got.Properties["subject"])
	assert.True(t, content.CreatedAt.Equal(got.CreatedAt))

	_, err = c.Get(ctx, "other", content.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ttl, err := rdb.TTL(ctx, contentKey(content.TenantID, content.ID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
