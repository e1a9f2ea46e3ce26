package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/notifyhub/fanout-dispatch/internal/domain"
)

// RedisStreamOptions configures a RedisStreamQueue.
type RedisStreamOptions struct {
	// Prefix namespaces every key, e.g. "fanout:jobs".
	Prefix   string
	Group    string
	Consumer string
	// Block bounds one XREADGROUP wait so due retries are promoted regularly.
	Block time.Duration
	// VisibilityTimeout is how long a message may stay unacknowledged before
	// another consumer reclaims it.
	VisibilityTimeout time.Duration
	// MaxLen caps each stream (approximate trim). Zero disables trimming.
	MaxLen int64
}

func (o *RedisStreamOptions) setDefaults() {
	if o.Prefix == "" {
		o.Prefix = "fanout:jobs"
	}
	if o.Group == "" {
		o.Group = "fanout-workers"
	}
	if o.Consumer == "" {
		o.Consumer = "consumer-1"
	}
	if o.Block <= 0 {
		o.Block = 2 * time.Second
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 5 * time.Minute
	}
}

// promoteDueScript moves retries whose due time has passed from the delayed
// set (KEYS[1]) into their priority stream (KEYS[2..4]: high, normal, low) in
// one step, so no retry is lost between the two. Members that cannot be
// decoded or name an unknown priority are dropped.
// ARGV: now in ms, batch size, approximate stream max length (0 = unbounded).
var promoteDueScript = redis.NewScript(`
local streams = {high = KEYS[2], normal = KEYS[3], low = KEYS[4]}
local maxlen = tonumber(ARGV[3])
local function str(v)
  if type(v) == 'string' then return v end
  return ''
end
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = 0
for _, m in ipairs(due) do
  redis.call('ZREM', KEYS[1], m)
  local ok, entry = pcall(cjson.decode, m)
  local job = ok and type(entry) == 'table' and entry.job or nil
  if type(job) == 'table' then
    local stream = streams[str(job.priority)]
    if stream and str(job.delivery_id) ~= '' then
      local redeliveries = 0
      if type(job.redeliveries) == 'number' then redeliveries = job.redeliveries end
      local args = {'XADD', stream}
      if maxlen > 0 then
        table.insert(args, 'MAXLEN')
        table.insert(args, '~')
        table.insert(args, string.format('%d', maxlen))
      end
      for _, v in ipairs({'*',
        'tenant_id', str(job.tenant_id),
        'delivery_id', job.delivery_id,
        'channel', str(job.channel),
        'priority', job.priority,
        'redeliveries', string.format('%d', redeliveries)}) do
        table.insert(args, v)
      end
      redis.call(unpack(args))
      moved = moved + 1
    end
  end
end
return moved
`)

// RedisStreamQueue is a durable Queue on Redis Streams. Each priority tier is
// its own stream read by one consumer group; delayed retries wait in a sorted
// set scored by due time and are promoted back into their stream by consumers.
type RedisStreamQueue struct {
	rdb  redis.UniversalClient
	opts RedisStreamOptions

	streams map[domain.Priority]string
	delayed string

	mu          sync.Mutex
	buffered    []*Message
	lastReclaim time.Time
}

func NewRedisStreamQueue(rdb redis.UniversalClient, opts RedisStreamOptions) *RedisStreamQueue {
	opts.setDefaults()
	return &RedisStreamQueue{
		rdb:  rdb,
		opts: opts,
		streams: map[domain.Priority]string{
			domain.PriorityHigh:   opts.Prefix + ":high",
			domain.PriorityNormal: opts.Prefix + ":normal",
			domain.PriorityLow:    opts.Prefix + ":low",
		},
		delayed: opts.Prefix + ":delayed",
	}
}

// EnsureGroups creates the consumer group on every stream. Existing groups
// are left untouched.
func (q *RedisStreamQueue) EnsureGroups(ctx context.Context) error {
	for _, stream := range q.orderedStreams() {
		err := q.rdb.XGroupCreateMkStream(ctx, stream, q.opts.Group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create consumer group on %s: %w", stream, err)
		}
	}
	return nil
}

func (q *RedisStreamQueue) orderedStreams() []string {
	return []string{
		q.streams[domain.PriorityHigh],
		q.streams[domain.PriorityNormal],
		q.streams[domain.PriorityLow],
	}
}

func (q *RedisStreamQueue) Enqueue(ctx context.Context, job Job) error {
	stream, ok := q.streams[job.Priority]
	if !ok {
		return fmt.Errorf("unknown priority %q", job.Priority)
	}
	args := &redis.XAddArgs{Stream: stream, Values: encodeJob(job)}
	if q.opts.MaxLen > 0 {
		args.MaxLen = q.opts.MaxLen
		args.Approx = true
	}
	if err := q.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

// Dequeue serves, in order: messages left over from a previous batch, stale
// messages reclaimed from dead consumers, then new messages with high
// priority checked first.
func (q *RedisStreamQueue) Dequeue(ctx context.Context) (*Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if m := q.popBuffered(); m != nil {
			return m, nil
		}

		if err := q.promoteDue(ctx); err != nil && ctx.Err() == nil {
			return nil, err
		}
		if err := q.reclaim(ctx); err != nil && ctx.Err() == nil {
			return nil, err
		}
		if m := q.popBuffered(); m != nil {
			return m, nil
		}

		// Step 1: non-blocking look at the high stream.
		m, err := q.read(ctx, []string{q.streams[domain.PriorityHigh]}, -1)
		if err != nil || m != nil {
			return m, err
		}
		// Step 2: wait on all tiers.
		m, err = q.read(ctx, q.orderedStreams(), q.opts.Block)
		if err != nil || m != nil {
			return m, err
		}
	}
}

func (q *RedisStreamQueue) read(ctx context.Context, streams []string, block time.Duration) (*Message, error) {
	ids := make([]string, 0, 2*len(streams))
	ids = append(ids, streams...)
	for range streams {
		ids = append(ids, ">")
	}
	res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.opts.Group,
		Consumer: q.opts.Consumer,
		Streams:  ids,
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	// XREADGROUP lists streams in request order, so the first non-empty one
	// is the highest priority.
	for _, s := range res {
		if len(s.Messages) == 0 {
			continue
		}
		m, err := q.message(s.Stream, s.Messages[0])
		if err != nil {
			// Malformed entries are acked away inside message; keep reading.
			return nil, nil
		}
		return m, nil
	}
	return nil, nil
}

// reclaim takes over messages idle for longer than the visibility timeout,
// at most once per timeout window per consumer.
func (q *RedisStreamQueue) reclaim(ctx context.Context) error {
	q.mu.Lock()
	if time.Since(q.lastReclaim) < q.opts.VisibilityTimeout {
		q.mu.Unlock()
		return nil
	}
	q.lastReclaim = time.Now()
	q.mu.Unlock()

	for _, stream := range q.orderedStreams() {
		msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    q.opts.Group,
			Consumer: q.opts.Consumer,
			MinIdle:  q.opts.VisibilityTimeout,
			Start:    "0-0",
			Count:    50,
		}).Result()
		if err != nil {
			return fmt.Errorf("xautoclaim %s: %w", stream, err)
		}
		for _, xm := range msgs {
			m, err := q.message(stream, xm)
			if err != nil {
				continue
			}
			q.mu.Lock()
			q.buffered = append(q.buffered, m)
			q.mu.Unlock()
		}
	}
	return nil
}

func (q *RedisStreamQueue) popBuffered() *Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buffered) == 0 {
		return nil
	}
	m := q.buffered[0]
	q.buffered = q.buffered[1:]
	return m
}

// promoteDue moves retries whose delay has elapsed back into their streams.
func (q *RedisStreamQueue) promoteDue(ctx context.Context) error {
	keys := []string{
		q.delayed,
		q.streams[domain.PriorityHigh],
		q.streams[domain.PriorityNormal],
		q.streams[domain.PriorityLow],
	}
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	err := promoteDueScript.Run(ctx, q.rdb, keys, now, 100, q.opts.MaxLen).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("promote due retries: %w", err)
	}
	return nil
}

// delayedEntry is the sorted-set member for a pending retry. Token keeps
// members unique when the same job is retried twice.
type delayedEntry struct {
	Token string `json:"token"`
	Job   Job    `json:"job"`
}

func (q *RedisStreamQueue) message(stream string, xm redis.XMessage) (*Message, error) {
	job, err := decodeJob(xm.Values)
	if err != nil {
		// A malformed entry can never be processed; drop it.
		q.rdb.XAck(context.Background(), stream, q.opts.Group, xm.ID)
		return nil, fmt.Errorf("decode job %s: %w", xm.ID, err)
	}
	id := xm.ID
	return &Message{
		Job: job,
		ack: func(ctx context.Context) error {
			_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.XAck(ctx, stream, q.opts.Group, id)
				p.XDel(ctx, stream, id)
				return nil
			})
			if err != nil {
				return fmt.Errorf("ack %s: %w", id, err)
			}
			return nil
		},
		retry: func(ctx context.Context, delay time.Duration) error {
			next := job
			next.Redeliveries++
			member, err := json.Marshal(delayedEntry{Token: id, Job: next})
			if err != nil {
				return err
			}
			due := float64(time.Now().Add(delay).UnixMilli())
			_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.ZAdd(ctx, q.delayed, redis.Z{Score: due, Member: member})
				p.XAck(ctx, stream, q.opts.Group, id)
				p.XDel(ctx, stream, id)
				return nil
			})
			if err != nil {
				return fmt.Errorf("schedule retry %s: %w", id, err)
			}
			return nil
		},
	}, nil
}

// Depths counts entries per stream. Acked entries are deleted, so this is
// waiting plus in-flight work.
func (q *RedisStreamQueue) Depths(ctx context.Context) (Depths, error) {
	var high, normal, low *redis.IntCmd
	_, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		high = p.XLen(ctx, q.streams[domain.PriorityHigh])
		normal = p.XLen(ctx, q.streams[domain.PriorityNormal])
		low = p.XLen(ctx, q.streams[domain.PriorityLow])
		return nil
	})
	if err != nil {
		return Depths{}, fmt.Errorf("stream lengths: %w", err)
	}
	return Depths{High: int(high.Val()), Normal: int(normal.Val()), Low: int(low.Val())}, nil
}

func encodeJob(j Job) map[string]any {
	return map[string]any{
		"tenant_id":    j.TenantID,
		"delivery_id":  j.DeliveryID,
		"channel":      string(j.Channel),
		"priority":     string(j.Priority),
		"redeliveries": j.Redeliveries,
	}
}

func decodeJob(values map[string]any) (Job, error) {
	str := func(k string) string {
		s, _ := values[k].(string)
		return s
	}
	job := Job{
		TenantID:   str("tenant_id"),
		DeliveryID: str("delivery_id"),
		Channel:    domain.Channel(str("channel")),
		Priority:   domain.Priority(str("priority")),
	}
	if job.DeliveryID == "" {
		return Job{}, errors.New("missing delivery_id")
	}
	if r := str("redeliveries"); r != "" {
		n, err := strconv.Atoi(r)
		if err != nil {
			return Job{}, fmt.Errorf("redeliveries: %w", err)
		}
		job.Redeliveries = n
	}
	return job, nil
}

var _ Queue = (*RedisStreamQueue)(nil)
