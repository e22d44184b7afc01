package billing

import (
	"context"
	"sync"
	"time"

	"llm_access/internal/storage"
	"llm_access/internal/utils"
)

const sweepBatchSize = 100

// Sweeper reclaims reservations whose holder never finalized or released them
type Sweeper struct {
	engine   *Engine
	db       *storage.DB
	interval time.Duration
	logger   *utils.Logger

	startOnce   sync.Once
	stopOnce    sync.Once
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewSweeper creates a sweeper that runs every interval
func NewSweeper(engine *Engine, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}

	return &Sweeper{
		engine:      engine,
		db:          engine.db,
		interval:    interval,
		logger:      utils.NewLogger("sweeper"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the background sweep loop
func (s *Sweeper) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.run(ctx)
	})
}

// Stop stops the sweep loop and waits for the current pass
func (s *Sweeper) Stop() {
	started := true
	s.startOnce.Do(func() { started = false })

	s.stopOnce.Do(func() { close(s.stopChan) })
	if started {
		<-s.stoppedChan
	}
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.stoppedChan)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("Sweep failed", "error", err)
			}
		}
	}
}

// RunOnce expires every overdue held reservation and returns how many it reclaimed
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	expired := 0

	for {
		batch, err := s.db.Reservations().ListExpired(ctx, s.engine.now(), sweepBatchSize)
		if err != nil {
			return expired, err
		}

		progressed := 0
		for _, res := range batch {
			ok, err := s.engine.Expire(ctx, res.ReservationID)
			if err != nil {
				s.logger.Error("Failed to expire reservation", "reservation_id", res.ReservationID, "error", err)
				continue
			}
			if ok {
				expired++
				progressed++
				s.logger.Info("Expired reservation",
					"reservation_id", res.ReservationID,
					"account_id", res.AccountID,
					"kind", res.Kind,
					"amount", res.AmountHeld,
				)
			}
		}

		// a short batch is the last one; a batch without progress would repeat forever
		if len(batch) < sweepBatchSize || progressed == 0 {
			break
		}
	}

	if expired > 0 {
		s.logger.Info("Sweep complete", "expired", expired)
	}
	return expired, nil
}
