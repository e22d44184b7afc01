package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWorkerConfig() *Config {
	config := DefaultConfig("test")
	config.BatchSize = 10
	config.BatchTimeout = 20 * time.Millisecond
	config.MaxRetries = 2
	config.RetryBackoff = time.Millisecond
	config.MaxBackoff = 5 * time.Millisecond
	return config
}

func TestWorker_ProcessBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("success on first attempt", func(t *testing.T) {
		config := testWorkerConfig()
		q := NewMemoryQueue(config)
		dlq := NewMemoryDeadLetterQueue()

		var handled int32
		w := NewWorker("test", q, dlq, func(ctx context.Context, msg *Message) error {
			atomic.AddInt32(&handled, 1)
			return nil
		}, config)

		for i := 0; i < 3; i++ {
			require.NoError(t, w.Enqueue(ctx, mustMessage(t, i)))
		}

		n, err := w.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.Equal(t, int32(3), atomic.LoadInt32(&handled))

		dead, err := dlq.List(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, dead)
	})

	t.Run("retries then succeeds", func(t *testing.T) {
		config := testWorkerConfig()
		q := NewMemoryQueue(config)
		dlq := NewMemoryDeadLetterQueue()

		var calls int32
		w := NewWorker("test", q, dlq, func(ctx context.Context, msg *Message) error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return errors.New("try again")
			}
			return nil
		}, config)

		require.NoError(t, w.Enqueue(ctx, mustMessage(t, 1)))
		_, err := w.ProcessBatch(ctx)
		require.NoError(t, err)

		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
		dead, _ := dlq.List(ctx, 0)
		assert.Empty(t, dead)
	})

	t.Run("exhausted retries go to the DLQ", func(t *testing.T) {
		config := testWorkerConfig()
		q := NewMemoryQueue(config)
		dlq := NewMemoryDeadLetterQueue()

		var calls int32
		w := NewWorker("test", q, dlq, func(ctx context.Context, msg *Message) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("store down")
		}, config)

		msg := mustMessage(t, 1)
		require.NoError(t, w.Enqueue(ctx, msg))
		_, err := w.ProcessBatch(ctx)
		require.NoError(t, err)

		assert.Equal(t, int32(config.MaxRetries+1), atomic.LoadInt32(&calls))
		dead, err := dlq.List(ctx, 0)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, msg.ID, dead[0].Message.ID)
		assert.Equal(t, config.MaxRetries+1, dead[0].Message.Attempts)
		assert.Equal(t, "store down", dead[0].Error)

		require.NoError(t, Redrive(ctx, dlq, q, msg.ID))
		length, _ := w.QueueLength(ctx)
		assert.Equal(t, 1, length)
	})

	t.Run("permanent errors skip retries", func(t *testing.T) {
		config := testWorkerConfig()
		q := NewMemoryQueue(config)
		dlq := NewMemoryDeadLetterQueue()

		var calls int32
		w := NewWorker("test", q, dlq, func(ctx context.Context, msg *Message) error {
			atomic.AddInt32(&calls, 1)
			return Permanent(errors.New("bad payload"))
		}, config)

		require.NoError(t, w.Enqueue(ctx, mustMessage(t, 1)))
		_, err := w.ProcessBatch(ctx)
		require.NoError(t, err)

		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
		dead, _ := dlq.List(ctx, 0)
		assert.Len(t, dead, 1)
	})

	t.Run("no dlq configured", func(t *testing.T) {
		config := testWorkerConfig()
		w := NewWorker("test", NewMemoryQueue(config), nil, func(ctx context.Context, msg *Message) error {
			return errors.New("store down")
		}, config)

		require.NoError(t, w.Enqueue(ctx, mustMessage(t, 1)))
		_, err := w.ProcessBatch(ctx)
		require.NoError(t, err)

		length, _ := w.QueueLength(ctx)
		assert.Equal(t, 0, length)
	})

	t.Run("cancellation requeues instead of parking", func(t *testing.T) {
		config := testWorkerConfig()
		config.RetryBackoff = time.Second
		config.MaxBackoff = time.Second
		q := NewMemoryQueue(config)
		dlq := NewMemoryDeadLetterQueue()

		runCtx, cancel := context.WithCancel(ctx)
		w := NewWorker("test", q, dlq, func(ctx context.Context, msg *Message) error {
			cancel()
			return errors.New("store down")
		}, config)

		msg := mustMessage(t, 1)
		err := w.processItem(runCtx, msg)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)

		length, err := q.Length(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, length)
		dead, _ := dlq.List(ctx, 0)
		assert.Empty(t, dead)

		requeued, err := q.Dequeue(ctx, 1, 10*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, requeued, 1)
		assert.Equal(t, msg.ID, requeued[0].ID)
		assert.Equal(t, 1, requeued[0].Attempts)
	})

	t.Run("parks with a cancelled context", func(t *testing.T) {
		config := testWorkerConfig()
		config.MaxRetries = 0
		q := NewMemoryQueue(config)
		dlq := &ctxCheckingDLQ{DeadLetterQueue: NewMemoryDeadLetterQueue()}

		runCtx, cancel := context.WithCancel(ctx)
		w := NewWorker("test", q, dlq, func(ctx context.Context, msg *Message) error {
			cancel()
			return errors.New("store down")
		}, config)

		assert.ErrorIs(t, w.processItem(runCtx, mustMessage(t, 1)), ErrMaxRetriesExceeded)
		dead, _ := dlq.List(ctx, 0)
		assert.Len(t, dead, 1)
	})
}

// ctxCheckingDLQ fails like a network-backed store would on a done context
type ctxCheckingDLQ struct {
	DeadLetterQueue
}

func (d *ctxCheckingDLQ) Add(ctx context.Context, msg *Message, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return d.DeadLetterQueue.Add(ctx, msg, err)
}

func TestWorker_StartStopDrains(t *testing.T) {
	config := testWorkerConfig()
	q := NewMemoryQueue(config)

	var handled int32
	w := NewWorker("test", q, nil, func(ctx context.Context, msg *Message) error {
		atomic.AddInt32(&handled, 1)
		return nil
	}, config)

	ctx := context.Background()
	w.Start(ctx)

	for i := 0; i < 25; i++ {
		require.NoError(t, w.Enqueue(ctx, mustMessage(t, i)))
	}

	require.NoError(t, w.Stop())
	assert.Equal(t, int32(25), atomic.LoadInt32(&handled))

	// Stop is idempotent
	require.NoError(t, w.Stop())
}

func TestWorker_StopWithoutStart(t *testing.T) {
	config := testWorkerConfig()
	w := NewWorker("test", NewMemoryQueue(config), nil, func(ctx context.Context, msg *Message) error {
		return nil
	}, config)

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a worker that was never started")
	}
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))

	base := errors.New("base")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
}
