package logging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"llm_access/internal/queue"
	"llm_access/internal/utils"
)

const ledgerMessageKind = "ledger_event"

// BatchWriter ships a batch of events and returns where it was written
type BatchWriter interface {
	WriteBatch(ctx context.Context, events []*LedgerEvent) (string, error)
}

// S3SinkConfig controls batching of the audit sink
type S3SinkConfig struct {
	FlushSize     int
	FlushInterval time.Duration
	MaxAttempts   int
}

// DefaultS3SinkConfig returns the default batching settings
func DefaultS3SinkConfig() S3SinkConfig {
	return S3SinkConfig{
		FlushSize:     100,
		FlushInterval: 30 * time.Second,
		MaxAttempts:   5,
	}
}

// S3Sink buffers ledger events in a queue and uploads them in batches.
// With a Redis queue the buffer survives restarts.
type S3Sink struct {
	queue         queue.Queue
	writer        BatchWriter
	flushSize     int
	flushInterval time.Duration
	maxAttempts   int
	logger        *utils.Logger

	cancel      context.CancelFunc
	stopOnce    sync.Once
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewS3Sink creates the sink and starts its flush loop
func NewS3Sink(ctx context.Context, cfg S3SinkConfig, writer BatchWriter, buffer queue.Queue) *S3Sink {
	defaults := DefaultS3SinkConfig()
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = defaults.FlushSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}

	s := &S3Sink{
		queue:         buffer,
		writer:        writer,
		flushSize:     cfg.FlushSize,
		flushInterval: cfg.FlushInterval,
		maxAttempts:   cfg.MaxAttempts,
		logger:        utils.NewLogger("s3-sink"),
		stopChan:      make(chan struct{}),
		stoppedChan:   make(chan struct{}),
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(runCtx)
	return s
}

// Enqueue buffers an event for the next batch
func (s *S3Sink) Enqueue(ev *LedgerEvent) error {
	msg, err := queue.NewMessage(ledgerMessageKind, ev)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := s.queue.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("failed to buffer ledger event: %w", err)
	}
	return nil
}

// Shutdown flushes buffered events and stops the loop
func (s *S3Sink) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.cancel() // interrupts a pending dequeue
	})

	select {
	case <-s.stoppedChan:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("s3 sink shutdown: %w", ctx.Err())
	}
}

func (s *S3Sink) run(ctx context.Context) {
	defer close(s.stoppedChan)

	var pending []*queue.Message
	var deadline time.Time

	for {
		select {
		case <-s.stopChan:
			s.drain(pending)
			return
		case <-ctx.Done():
			s.drain(pending)
			return
		default:
		}

		// the interval starts with the first buffered event
		wait := s.flushInterval
		if len(pending) > 0 {
			wait = time.Until(deadline)
		}
		if wait > 0 {
			msgs, err := s.queue.Dequeue(ctx, s.flushSize-len(pending), wait)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				s.logger.Error("Failed to read ledger buffer", "error", err)
				utils.SleepContext(ctx, s.flushInterval)
				continue
			}
			if len(pending) == 0 && len(msgs) > 0 {
				deadline = time.Now().Add(s.flushInterval)
			}
			pending = append(pending, msgs...)
			if len(pending) < s.flushSize && time.Now().Before(deadline) {
				continue
			}
		}

		if len(pending) == 0 {
			continue
		}
		if err := s.upload(ctx, pending); err != nil {
			s.logger.Error("Failed to flush ledger batch", "events", len(pending), "error", err)
			pending = nil
			utils.SleepContext(ctx, s.flushInterval)
			continue
		}
		pending = nil
	}
}

func (s *S3Sink) drain(pending []*queue.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for {
		if len(pending) < s.flushSize {
			msgs, err := s.queue.Dequeue(ctx, s.flushSize-len(pending), 10*time.Millisecond)
			if err != nil {
				s.logger.Error("Failed to read ledger buffer during shutdown", "error", err)
			}
			pending = append(pending, msgs...)
		}
		if len(pending) == 0 {
			return
		}
		if err := s.upload(ctx, pending); err != nil {
			s.logger.Error("Failed to flush ledger batch during shutdown", "error", err)
			return
		}
		pending = nil
	}
}

// upload writes one batch, putting it back on the queue when the write fails
func (s *S3Sink) upload(ctx context.Context, msgs []*queue.Message) error {
	events := make([]*LedgerEvent, 0, len(msgs))
	for _, msg := range msgs {
		var ev LedgerEvent
		if err := msg.Decode(&ev); err != nil {
			s.logger.Error("Dropping undecodable ledger event", "error", err)
			continue
		}
		events = append(events, &ev)
	}
	if len(events) == 0 {
		return nil
	}

	if _, err := s.writer.WriteBatch(ctx, events); err != nil {
		s.requeue(msgs)
		return err
	}
	return nil
}

func (s *S3Sink) requeue(msgs []*queue.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, msg := range msgs {
		msg.Attempts++
		if msg.Attempts >= s.maxAttempts {
			s.logger.Error("Dropping ledger event after repeated upload failures", "id", msg.ID, "attempts", msg.Attempts)
			continue
		}
		if err := s.queue.Enqueue(ctx, msg); err != nil {
			s.logger.Error("Failed to requeue ledger event", "id", msg.ID, "error", err)
		}
	}
}
