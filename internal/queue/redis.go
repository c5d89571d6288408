package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue over three sorted sets (ready, delayed,
// processing) plus a dead-letter list, all namespaced under KeyPrefix.
// Delayed entries become ready once their score (a unix timestamp) elapses;
// processing entries whose score elapses are assumed abandoned and are
// returned to ready by RequeueExpired (Reserve only promotes due delayed
// entries).
type RedisQueue struct {
	rdb                 *redis.Client
	prefix              string
	visibilityTimeout   time.Duration
	maxRetries          int
	maxBackoff          time.Duration
	reserveScript       *redis.Script
}

// Config configures a RedisQueue.
type Config struct {
	Addr              string
	Password          string
	DB                int
	KeyPrefix         string
	VisibilityTimeout time.Duration
	MaxRetries        int
	MaxBackoff        time.Duration
}

// New opens a Redis connection and returns a RedisQueue over it.
func New(cfg Config) (*RedisQueue, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "commitpipe"
	}
	return &RedisQueue{
		rdb:               rdb,
		prefix:            prefix,
		visibilityTimeout: cfg.VisibilityTimeout,
		maxRetries:        cfg.MaxRetries,
		maxBackoff:        cfg.MaxBackoff,
		reserveScript:     redis.NewScript(reserveLua),
	}, nil
}

func (q *RedisQueue) readyKey() string      { return q.prefix + ":ready" }
func (q *RedisQueue) delayedKey() string    { return q.prefix + ":delayed" }
func (q *RedisQueue) processingKey() string { return q.prefix + ":processing" }
func (q *RedisQueue) deadKey() string       { return q.prefix + ":dead" }
func (q *RedisQueue) payloadKey(id string) string {
	return q.prefix + ":payload:" + id
}

func (q *RedisQueue) Enqueue(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = fmt.Sprintf("%d-%d", t.CommitTaskID, time.Now().UnixNano())
	}
	t.EnqueuedAt = time.Now().Unix()
	data, err := t.marshal()
	if err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, q.payloadKey(t.ID), data, 0)
	pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: float64(t.EnqueuedAt), Member: t.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// reserveLua moves any due delayed members into ready, then atomically pops
// the oldest ready member into processing with a new visibility deadline.
// KEYS: ready, delayed, processing
// ARGV: now (unix seconds), visibility deadline (unix seconds)
const reserveLua = `
local ready, delayed, processing = KEYS[1], KEYS[2], KEYS[3]
local now, deadline = tonumber(ARGV[1]), tonumber(ARGV[2])

local due = redis.call('ZRANGEBYSCORE', delayed, '-inf', now)
for _, id in ipairs(due) do
	redis.call('ZREM', delayed, id)
	redis.call('ZADD', ready, now, id)
end

local popped = redis.call('ZRANGEBYSCORE', ready, '-inf', '+inf', 'LIMIT', 0, 1)
if #popped == 0 then
	return nil
end
local id = popped[1]
redis.call('ZREM', ready, id)
redis.call('ZADD', processing, deadline, id)
return id
`

func (q *RedisQueue) Reserve(ctx context.Context) (*Reservation, error) {
	now := time.Now()
	deadline := now.Add(q.visibilityTimeout)
	res, err := q.reserveScript.Run(ctx, q.rdb,
		[]string{q.readyKey(), q.delayedKey(), q.processingKey()},
		now.Unix(), deadline.Unix()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserve: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return nil, nil
	}
	data, err := q.rdb.Get(ctx, q.payloadKey(id)).Bytes()
	if err != nil {
		return nil, fmt.Errorf("loading payload for %s: %w", id, err)
	}
	task, err := unmarshalTask(data)
	if err != nil {
		return nil, err
	}
	return &Reservation{Task: task, token: id}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, r *Reservation) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), r.token)
	pipe.Del(ctx, q.payloadKey(r.token))
	_, err := pipe.Exec(ctx)
	return err
}

// Nack removes the reservation from processing and either schedules a
// backoff-delayed retry or dead-letters the task, matching the retry
// exhaustion semantics of the original Celery task's bounded retry count.
func (q *RedisQueue) Nack(ctx context.Context, r *Reservation, reason string) error {
	r.Task.RetryCount++
	if r.Task.RetryCount > q.maxRetries {
		data, err := json.Marshal(map[string]interface{}{
			"task":   r.Task,
			"reason": reason,
		})
		if err != nil {
			return err
		}
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.processingKey(), r.token)
		pipe.LPush(ctx, q.deadKey(), data)
		pipe.Del(ctx, q.payloadKey(r.token))
		_, err = pipe.Exec(ctx)
		return err
	}

	delay := backoff(r.Task.RetryCount, q.maxBackoff)
	due := time.Now().Add(delay).Unix()
	data, err := r.Task.marshal()
	if err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), r.token)
	pipe.Set(ctx, q.payloadKey(r.token), data, 0)
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(due), Member: r.token})
	_, err = pipe.Exec(ctx)
	return err
}

// backoff computes exponential delay with full jitter, capped at max.
func backoff(attempt int, max time.Duration) time.Duration {
	base := time.Duration(math.Pow(2, float64(attempt))) * time.Second
	if base > max {
		base = max
	}
	jittered := time.Duration(rand.Int63n(int64(base) + 1))
	return jittered
}

// RequeueExpired moves processing members whose visibility deadline has
// passed back to ready, covering workers that crashed mid-task without
// acking or nacking.
func (q *RedisQueue) RequeueExpired(ctx context.Context) (int, error) {
	now := float64(time.Now().Unix())
	expired, err := q.rdb.ZRangeByScore(ctx, q.processingKey(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return 0, err
	}
	for _, id := range expired {
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.processingKey(), id)
		pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: now, Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return len(expired), err
		}
	}
	return len(expired), nil
}

func (q *RedisQueue) Length(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	ready := pipe.ZCard(ctx, q.readyKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	processing := pipe.ZCard(ctx, q.processingKey())
	dead := pipe.LLen(ctx, q.deadKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}
	return Stats{
		Ready:      ready.Val(),
		Delayed:    delayed.Val(),
		Processing: processing.Val(),
		DeadLetter: dead.Val(),
	}, nil
}

func (q *RedisQueue) Health(ctx context.Context) Health {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return Health{Status: "unhealthy", Message: err.Error(), CheckedAt: time.Now()}
	}
	return Health{Status: "healthy", CheckedAt: time.Now()}
}

func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}
