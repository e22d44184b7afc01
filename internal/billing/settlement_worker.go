package billing

import (
	"context"
	"errors"
	"fmt"

	"llm_access/internal/models"
	"llm_access/internal/queue"
	"llm_access/internal/storage"
	"llm_access/internal/utils"
)

// SettlementMessageKind tags settlement jobs on the queue
const SettlementMessageKind = "settlement"

// SettlementAction is the deferred engine call
type SettlementAction string

const (
	SettleFinalize SettlementAction = "finalize"
	SettleRelease  SettlementAction = "release"
)

// SettlementJob is a Finalize or Release that failed synchronously and is
// retried in the background. Usage, when set, is recorded after a
// successful finalize.
type SettlementJob struct {
	Action        SettlementAction    `json:"action"`
	ReservationID string              `json:"reservation_id"`
	ActualCost    models.Money        `json:"actual_cost"`
	Usage         *models.UsageRecord `json:"usage,omitempty"`
}

// UsageSink accepts usage records for durable recording
type UsageSink interface {
	Enqueue(ctx context.Context, rec *models.UsageRecord) error
}

// SettlementWorker retries deferred settlements until they succeed or are
// parked in the dead letter queue
type SettlementWorker struct {
	*queue.Worker
	engine *Engine
	usage  UsageSink
	logger *utils.Logger
}

// NewSettlementWorker creates a settlement worker; usage may be nil
func NewSettlementWorker(q queue.Queue, dlq queue.DeadLetterQueue, engine *Engine, usage UsageSink, config *queue.Config) *SettlementWorker {
	if config == nil {
		config = queue.DefaultConfig("settlement")
	}

	w := &SettlementWorker{
		engine: engine,
		usage:  usage,
		logger: utils.NewLogger("settlement"),
	}
	w.Worker = queue.NewWorker("settlement", q, dlq, w.handle, config)
	return w
}

// EnqueueJob schedules a settlement job
func (w *SettlementWorker) EnqueueJob(ctx context.Context, job *SettlementJob) error {
	msg, err := queue.NewMessage(SettlementMessageKind, job)
	if err != nil {
		return err
	}
	if err := w.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("failed to enqueue settlement job: %w", err)
	}
	w.logger.Debug("Settlement job queued", "action", job.Action, "reservation_id", job.ReservationID)
	return nil
}

func (w *SettlementWorker) handle(ctx context.Context, msg *queue.Message) error {
	if msg.Kind != SettlementMessageKind {
		return queue.Permanent(fmt.Errorf("unexpected message kind %q", msg.Kind))
	}

	var job SettlementJob
	if err := msg.Decode(&job); err != nil {
		return queue.Permanent(err)
	}

	switch job.Action {
	case SettleFinalize:
		if _, err := w.engine.Finalize(ctx, job.ReservationID, job.ActualCost); err != nil {
			return classify(err)
		}
		if job.Usage != nil && w.usage != nil {
			if err := w.usage.Enqueue(ctx, job.Usage); err != nil {
				// finalize is done; retrying it is a no-op so the handoff can be retried
				return err
			}
		}
		w.logger.Info("Deferred finalize applied", "reservation_id", job.ReservationID, "cost", job.ActualCost)
		return nil

	case SettleRelease:
		if err := w.engine.Release(ctx, job.ReservationID); err != nil {
			return classify(err)
		}
		w.logger.Info("Deferred release applied", "reservation_id", job.ReservationID)
		return nil

	default:
		return queue.Permanent(fmt.Errorf("unknown settlement action %q", job.Action))
	}
}

// classify marks outcomes no retry can change as permanent
func classify(err error) error {
	switch {
	case errors.Is(err, ErrReservationReleased),
		errors.Is(err, ErrReservationExpired),
		errors.Is(err, storage.ErrReservationNotFound),
		errors.Is(err, storage.ErrAccountNotFound),
		errors.Is(err, ErrNegativeCost):
		return queue.Permanent(err)
	}
	return err
}
