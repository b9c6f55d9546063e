package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orrn/posprint/internal/core"
)

const redisPopTimeout = time.Second

// RedisQueue keeps dispatched jobs in a Redis list, so the queue survives a
// restart of the process. Producers RPUSH and the single consumer BLPOPs.
type RedisQueue struct {
	client    *redis.Client
	key       string
	closed    chan struct{}
	closeOnce sync.Once
}

var _ core.DispatchQueue = (*RedisQueue)(nil)

func NewRedisQueue(addr, key string) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   0,
	})
	return NewRedisQueueWithClient(client, key)
}

func NewRedisQueueWithClient(client *redis.Client, key string) *RedisQueue {
	return &RedisQueue{
		client: client,
		key:    key,
		closed: make(chan struct{}),
	}
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *core.Job) error {
	select {
	case <-q.closed:
		return core.ErrQueueClosed
	default:
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal receipt %s: %w", job.ID(), err)
	}

	if err := q.client.RPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("push receipt %s: %w", job.ID(), err)
	}
	return nil
}

// Dequeue polls with a short BLPOP timeout so that Close and ctx are
// observed between polls.
func (q *RedisQueue) Dequeue(ctx context.Context) (*core.Job, error) {
	for {
		select {
		case <-q.closed:
			return nil, core.ErrQueueClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		res, err := q.client.BLPop(ctx, redisPopTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			select {
			case <-q.closed:
				return nil, core.ErrQueueClosed
			default:
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("pop receipt: %w", err)
		}

		// BLPOP replies with [key, value].
		var job core.Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return nil, fmt.Errorf("decode queued receipt: %w", err)
		}
		return &job, nil
	}
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

func (q *RedisQueue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.closed)
		err = q.client.Close()
	})
	return err
}
