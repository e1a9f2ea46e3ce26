package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyhub/fanout-dispatch/internal/domain"
)

func TestDecodeJob(t *testing.T) {
	// Stream values come back from Redis as strings.
	values := map[string]any{}
	for k, v := range encodeJob(Job{
		TenantID:     "tenant-1",
		DeliveryID:   "d-1",
		Channel:      domain.ChannelEmail,
		Priority:     domain.PriorityHigh,
		Redeliveries: 3,
	}) {
		values[k] = fmt.Sprint(v)
	}

	job, err := decodeJob(values)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", job.TenantID)
	assert.Equal(t, "d-1", job.DeliveryID)
	assert.Equal(t, domain.ChannelEmail, job.Channel)
	assert.Equal(t, domain.PriorityHigh, job.Priority)
	assert.Equal(t, 3, job.Redeliveries)

	_, err = decodeJob(map[string]any{"tenant_id": "t"})
	assert.Error(t, err)

	_, err = decodeJob(map[string]any{"delivery_id": "d", "redeliveries": "many"})
	assert.Error(t, err)
}

// newTestRedisQueue connects to FANOUT_TEST_REDIS_ADDR and skips otherwise.
func newTestRedisQueue(t *testing.T) *RedisStreamQueue {
	t.Helper()
	addr := os.Getenv("FANOUT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FANOUT_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	prefix := "fanout-test:" + uuid.NewString()
	q := NewRedisStreamQueue(rdb, RedisStreamOptions{
		Prefix:            prefix,
		Block:             100 * time.Millisecond,
		VisibilityTimeout: time.Hour,
	})
	ctx := context.Background()
	require.NoError(t, q.EnsureGroups(ctx))
	require.NoError(t, q.EnsureGroups(ctx), "group creation must be idempotent")
	t.Cleanup(func() {
		keys := append(q.orderedStreams(), q.delayed)
		rdb.Del(context.Background(), keys...)
	})
	return q
}

func TestRedisStreamQueue_PriorityAndAck(t *testing.T) {
	q := newTestRedisQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, Job{TenantID: "t", DeliveryID: "normal", Channel: domain.ChannelSMS, Priority: domain.PriorityNormal}))
	require.NoError(t, q.Enqueue(ctx, Job{TenantID: "t", DeliveryID: "high", Channel: domain.ChannelSMS, Priority: domain.PriorityHigh}))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "high", first.Job.DeliveryID)
	require.NoError(t, first.Ack(ctx))

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "normal", second.Job.DeliveryID)
	require.NoError(t, second.Ack(ctx))

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depths.Total())
}

func TestRedisStreamQueue_RetryIsDelayed(t *testing.T) {
	q := newTestRedisQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, Job{TenantID: "t", DeliveryID: "d", Channel: domain.ChannelSMS, Priority: domain.PriorityLow}))
	msg, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, msg.Retry(ctx, 300*time.Millisecond))

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "d", again.Job.DeliveryID)
	assert.Equal(t, 1, again.Job.Redeliveries)
	require.NoError(t, again.Ack(ctx))
}

func TestRedisStreamQueue_PromoteDueMovesBatchAtomically(t *testing.T) {
	q := newTestRedisQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job := Job{TenantID: "t", DeliveryID: "d1", Channel: domain.ChannelEmail, Priority: domain.PriorityNormal, Redeliveries: 2}
	valid, err := json.Marshal(delayedEntry{Token: "a", Job: job})
	require.NoError(t, err)
	unknown, err := json.Marshal(delayedEntry{Token: "b", Job: Job{DeliveryID: "d2", Priority: "urgent"}})
	require.NoError(t, err)
	later, err := json.Marshal(delayedEntry{Token: "c", Job: Job{DeliveryID: "d3", Priority: domain.PriorityHigh}})
	require.NoError(t, err)

	past := float64(time.Now().Add(-time.Second).UnixMilli())
	future := float64(time.Now().Add(time.Hour).UnixMilli())
	require.NoError(t, q.rdb.ZAdd(ctx, q.delayed,
		redis.Z{Score: past, Member: string(valid)},
		redis.Z{Score: past, Member: string(unknown)},
		redis.Z{Score: past, Member: "not json"},
		redis.Z{Score: future, Member: string(later)},
	).Err())

	require.NoError(t, q.promoteDue(ctx))

	left, err := q.rdb.ZRange(ctx, q.delayed, 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{string(later)}, left)

	entries, err := q.rdb.XRange(ctx, q.streams[domain.PriorityNormal], "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got, err := decodeJob(entries[0].Values)
	require.NoError(t, err)
	assert.Equal(t, job, got)

	for _, p := range []domain.Priority{domain.PriorityHigh, domain.PriorityLow} {
		n, err := q.rdb.XLen(ctx, q.streams[p]).Result()
		require.NoError(t, err)
		assert.Zero(t, n, p)
	}
}

func TestRedisStreamQueue_DequeueHonoursCancel(t *testing.T) {
	q := newTestRedisQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
