package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"llm_access/internal/utils"
)

// Handler processes a single message. Returning an error wrapped with
// Permanent skips the remaining retries.
type Handler func(ctx context.Context, msg *Message) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Worker consumes a queue in batches, retrying failed messages with
// exponential backoff and parking them in the dead letter queue once
// MaxRetries is exhausted.
type Worker struct {
	name    string
	queue   Queue
	dlq     DeadLetterQueue
	handler Handler
	config  *Config
	logger  *utils.Logger

	startOnce   sync.Once
	stopOnce    sync.Once
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewWorker creates a worker; dlq may be nil
func NewWorker(name string, q Queue, dlq DeadLetterQueue, handler Handler, config *Config) *Worker {
	if config == nil {
		config = DefaultConfig(name)
	}

	return &Worker{
		name:        name,
		queue:       q,
		dlq:         dlq,
		handler:     handler,
		config:      config,
		logger:      utils.NewLogger(name + "-worker"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the worker goroutine
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		go w.run(ctx)
	})
}

// Stop signals the worker, waits for the current batch and drains what is
// left in the queue
func (w *Worker) Stop() error {
	started := true
	w.startOnce.Do(func() { started = false })

	w.stopOnce.Do(func() { close(w.stopChan) })
	if started {
		<-w.stoppedChan
	}
	return nil
}

// Enqueue adds a message to the worker's queue
func (w *Worker) Enqueue(ctx context.Context, msg *Message) error {
	return w.queue.Enqueue(ctx, msg)
}

// QueueLength returns the current queue length
func (w *Worker) QueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Worker stopping, draining queue")
			w.drain(ctx)
			return
		case <-ctx.Done():
			w.logger.Info("Worker context cancelled")
			return
		default:
			if _, err := w.ProcessBatch(ctx); err != nil {
				if errors.Is(err, ErrQueueClosed) || ctx.Err() != nil {
					return
				}
				w.logger.Error("Failed to dequeue", "error", err)
				utils.SleepContext(ctx, time.Second) // Back off on error
			}
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := w.processBatchWithTimeout(ctx, 10*time.Millisecond)
		if err != nil || n == 0 {
			return
		}
	}
}

// ProcessBatch dequeues and handles one batch, returning how many messages it took
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	return w.processBatchWithTimeout(ctx, w.config.BatchTimeout)
}

func (w *Worker) processBatchWithTimeout(ctx context.Context, timeout time.Duration) (int, error) {
	items, err := w.queue.Dequeue(ctx, w.config.BatchSize, timeout)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	w.logger.Debug("Processing batch", "count", len(items))

	for _, msg := range items {
		if err := w.processItem(ctx, msg); err != nil {
			w.logger.Error("Failed to process message", "id", msg.ID, "kind", msg.Kind, "error", err)
		}
	}
	return len(items), nil
}

// processItem handles a single message with retries. A message whose
// retries are cut short by cancellation goes back onto the queue; one that
// exhausts them is parked. Both writes outlive the cancelled context.
func (w *Worker) processItem(ctx context.Context, msg *Message) error {
	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := utils.ExponentialBackoff(w.config.RetryBackoff, w.config.MaxBackoff, attempt-1)
			w.logger.Debug("Retrying message", "id", msg.ID, "attempt", attempt, "backoff", backoff)
			if err := utils.SleepContext(ctx, backoff); err != nil {
				return w.requeue(ctx, msg, lastErr, err)
			}
		}

		msg.Attempts++
		err := w.handler(ctx, msg)
		if err == nil {
			return nil
		}
		lastErr = err
		if IsPermanent(err) {
			break
		}
		w.logger.Warn("Handler failed", "id", msg.ID, "attempt", attempt, "error", err)
	}

	if w.dlq != nil {
		if err := w.dlq.Add(context.WithoutCancel(ctx), msg, lastErr); err != nil {
			w.logger.Error("Failed to add to dead letter queue", "id", msg.ID, "error", err)
		} else {
			w.logger.Warn("Message moved to DLQ", "id", msg.ID, "kind", msg.Kind, "error", lastErr)
		}
	}

	return fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
}

func (w *Worker) requeue(ctx context.Context, msg *Message, lastErr, cause error) error {
	if err := w.queue.Enqueue(context.WithoutCancel(ctx), msg); err != nil {
		w.logger.Error("Failed to requeue interrupted message", "id", msg.ID, "error", err)
		return fmt.Errorf("failed to requeue message %s: %w", msg.ID, err)
	}
	w.logger.Info("Requeued interrupted message", "id", msg.ID, "kind", msg.Kind, "attempts", msg.Attempts)
	return fmt.Errorf("retry of message %s interrupted after %w: %w", msg.ID, lastErr, cause)
}
