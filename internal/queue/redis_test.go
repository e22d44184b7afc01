package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func TestRedisQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("requires client and config", func(t *testing.T) {
		_, err := NewRedisQueue(nil, DefaultConfig("x"))
		assert.Error(t, err)

		client, _ := setupTestRedis(t)
		_, err = NewRedisQueue(client, nil)
		assert.Error(t, err)
	})

	t.Run("enqueue and dequeue in order", func(t *testing.T) {
		client, mr := setupTestRedis(t)
		q, err := NewRedisQueue(client, DefaultConfig("settlement"))
		require.NoError(t, err)

		for i := 0; i < 7; i++ {
			require.NoError(t, q.Enqueue(ctx, mustMessage(t, i)))
		}
		assert.True(t, mr.Exists("queue:settlement"))

		length, err := q.Length(ctx)
		require.NoError(t, err)
		assert.Equal(t, 7, length)

		items, err := q.Dequeue(ctx, 5, time.Second)
		require.NoError(t, err)
		require.Len(t, items, 5)

		var job testJob
		require.NoError(t, items[0].Decode(&job))
		assert.Equal(t, 0, job.N)
		assert.Equal(t, "test", items[0].Kind)

		items, err = q.Dequeue(ctx, 5, time.Second)
		require.NoError(t, err)
		assert.Len(t, items, 2)
	})

	t.Run("timeout returns empty", func(t *testing.T) {
		client, _ := setupTestRedis(t)
		q, err := NewRedisQueue(client, DefaultConfig("empty"))
		require.NoError(t, err)

		items, err := q.Dequeue(ctx, 5, time.Second)
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("malformed entries are dropped", func(t *testing.T) {
		client, mr := setupTestRedis(t)
		q, err := NewRedisQueue(client, DefaultConfig("dirty"))
		require.NoError(t, err)

		_, err = mr.Push("queue:dirty", "not json")
		require.NoError(t, err)
		require.NoError(t, q.Enqueue(ctx, mustMessage(t, 3)))

		items, err := q.Dequeue(ctx, 5, time.Second)
		require.NoError(t, err)
		require.Len(t, items, 1)
		var job testJob
		require.NoError(t, items[0].Decode(&job))
		assert.Equal(t, 3, job.N)
	})

	t.Run("survives a new queue instance", func(t *testing.T) {
		client, _ := setupTestRedis(t)
		q1, err := NewRedisQueue(client, DefaultConfig("persist"))
		require.NoError(t, err)
		require.NoError(t, q1.Enqueue(ctx, mustMessage(t, 9)))
		require.NoError(t, q1.Close())

		q2, err := NewRedisQueue(client, DefaultConfig("persist"))
		require.NoError(t, err)
		items, err := q2.Dequeue(ctx, 1, time.Second)
		require.NoError(t, err)
		assert.Len(t, items, 1)
	})
}

func TestRedisDeadLetterQueue(t *testing.T) {
	ctx := context.Background()
	client, _ := setupTestRedis(t)

	dlq, err := NewRedisDeadLetterQueue(client, DefaultConfig("usage"))
	require.NoError(t, err)

	first := mustMessage(t, 1)
	second := mustMessage(t, 2)
	require.NoError(t, dlq.Add(ctx, first, errors.New("boom")))
	time.Sleep(time.Millisecond)
	require.NoError(t, dlq.Add(ctx, second, errors.New("bang")))

	items, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, first.ID, items[0].Message.ID)
	assert.Equal(t, "boom", items[0].Error)

	require.NoError(t, dlq.Remove(ctx, first.ID))
	assert.ErrorIs(t, dlq.Remove(ctx, first.ID), ErrItemNotFound)

	q, err := NewRedisQueue(client, DefaultConfig("usage"))
	require.NoError(t, err)
	require.NoError(t, Redrive(ctx, dlq, q, second.ID))

	length, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, length)

	items, err = dlq.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}
