package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisQueueEnqueue(t *testing.T) {
	db, mock := redismock.NewClientMock()
	q := NewRedisQueue(db, "", 0)
	assert.Equal(t, DefaultRedisKey, q.Key())

	chunk := chunkN(2)
	payload, err := json.Marshal(chunk)
	require.NoError(t, err)

	mock.ExpectLPush(DefaultRedisKey, string(payload)).SetVal(1)
	require.NoError(t, q.Enqueue(context.Background(), chunk))

	mock.ExpectLPush(DefaultRedisKey, string(payload)).SetErr(errors.New("connection refused"))
	assert.Error(t, q.Enqueue(context.Background(), chunk))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisQueueDequeue(t *testing.T) {
	db, mock := redismock.NewClientMock()
	q := NewRedisQueue(db, "test:chunks", 2*time.Second)

	chunk := chunkN(1)
	payload, err := json.Marshal(chunk)
	require.NoError(t, err)

	mock.ExpectBRPop(2*time.Second, "test:chunks").SetVal([]string{"test:chunks", string(payload)})
	got, ok, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, chunk, got)

	mock.ExpectBRPop(2*time.Second, "test:chunks").RedisNil()
	_, ok, err = q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectBRPop(2*time.Second, "test:chunks").SetVal([]string{"test:chunks", "{not json"})
	_, _, err = q.Dequeue(context.Background())
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisQueueLen(t *testing.T) {
	db, mock := redismock.NewClientMock()
	q := NewRedisQueue(db, "test:chunks", time.Second)

	mock.ExpectLLen("test:chunks").SetVal(4)
	n, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	mock.ExpectLLen("test:chunks").SetErr(redis.ErrClosed)
	_, err = q.Len(context.Background())
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}
