package usage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"llm_access/internal/models"
	"llm_access/internal/queue"
	"llm_access/internal/utils"
)

// RecordMessageKind tags usage records on the retry queue
const RecordMessageKind = "usage_record"

// RecordWorker retries usage records whose synchronous Record failed.
// Records that keep failing are parked in the dead letter queue.
type RecordWorker struct {
	*queue.Worker
	recorder *Recorder
	logger   *utils.Logger
}

// NewRecordWorker creates a usage retry worker
func NewRecordWorker(q queue.Queue, dlq queue.DeadLetterQueue, recorder *Recorder, config *queue.Config) *RecordWorker {
	if config == nil {
		config = queue.DefaultConfig("usage")
	}

	w := &RecordWorker{
		recorder: recorder,
		logger:   utils.NewLogger("usage-worker"),
	}
	w.Worker = queue.NewWorker("usage", q, dlq, w.handle, config)
	return w
}

// Enqueue schedules a record for recording
func (w *RecordWorker) Enqueue(ctx context.Context, rec *models.UsageRecord) error {
	// fix the id now so every retry targets the same row
	queued := *rec
	if queued.RecordID == "" {
		queued.RecordID = uuid.New().String()
	}
	if queued.Timestamp.IsZero() {
		queued.Timestamp = w.recorder.now()
	}

	msg, err := queue.NewMessage(RecordMessageKind, &queued)
	if err != nil {
		return err
	}
	if err := w.Worker.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("failed to enqueue usage record: %w", err)
	}
	return nil
}

func (w *RecordWorker) handle(ctx context.Context, msg *queue.Message) error {
	if msg.Kind != RecordMessageKind {
		return queue.Permanent(fmt.Errorf("unexpected message kind %q", msg.Kind))
	}

	var rec models.UsageRecord
	if err := msg.Decode(&rec); err != nil {
		return queue.Permanent(err)
	}

	stored, err := w.recorder.Record(ctx, &rec)
	if err != nil {
		if errors.Is(err, ErrInvalidRecord) {
			return queue.Permanent(err)
		}
		return err
	}

	w.logger.Debug("Queued usage record stored", "record_id", stored.RecordID, "attempts", msg.Attempts)
	return nil
}
