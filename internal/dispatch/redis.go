package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"scribe/internal/segmenter"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisKey = "scribe:chunks"

// RedisQueue stores chunks in a Redis list so transcription can run in a
// separate process on the same host. Producers LPUSH, consumers BRPOP.
type RedisQueue struct {
	client  *redis.Client
	key     string
	timeout time.Duration
}

// NewRedisQueue returns a queue on key. Dequeue waits up to popTimeout for an
// item; Redis rejects timeouts below one millisecond, so zero means one
// second.
func NewRedisQueue(client *redis.Client, key string, popTimeout time.Duration) *RedisQueue {
	if key == "" {
		key = DefaultRedisKey
	}
	if popTimeout <= 0 {
		popTimeout = time.Second
	}
	return &RedisQueue{client: client, key: key, timeout: popTimeout}
}

func (q *RedisQueue) Key() string { return q.key }

func (q *RedisQueue) Enqueue(ctx context.Context, chunk segmenter.ChunkToProcess) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("failed to encode chunk: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, string(payload)).Err(); err != nil {
		return fmt.Errorf("failed to push chunk %d: %w", chunk.ChunkNumber, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (segmenter.ChunkToProcess, bool, error) {
	res, err := q.client.BRPop(ctx, q.timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return segmenter.ChunkToProcess{}, false, nil
	}
	if err != nil {
		return segmenter.ChunkToProcess{}, false, fmt.Errorf("failed to pop chunk: %w", err)
	}
	if len(res) != 2 {
		return segmenter.ChunkToProcess{}, false, fmt.Errorf("unexpected BRPOP reply of %d elements", len(res))
	}

	var chunk segmenter.ChunkToProcess
	if err := json.Unmarshal([]byte(res[1]), &chunk); err != nil {
		return segmenter.ChunkToProcess{}, false, fmt.Errorf("failed to decode chunk: %w", err)
	}
	return chunk, true, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return int(n), nil
}
