package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/STRATINT/polwatch/internal/ingestion"
)

// BacklogProcessor is the part of the pipeline the backlog scheduler drives.
type BacklogProcessor interface {
	ProcessBacklog(ctx context.Context, req ingestion.BacklogRequest) (*ingestion.BacklogResult, error)
}

// BacklogScheduler sweeps pending envelopes on a fixed interval. Each sweep
// is given a deadline one interval away so a slow sweep hands its unstarted
// envelopes back instead of running into the next one.
type BacklogScheduler struct {
	processor BacklogProcessor
	logger    *slog.Logger
	stopChan  chan struct{}
	stopOnce  sync.Once
	interval  time.Duration
	now       func() time.Time
}

// NewBacklogScheduler creates a new backlog scheduler
func NewBacklogScheduler(processor BacklogProcessor, interval time.Duration, logger *slog.Logger) *BacklogScheduler {
	return &BacklogScheduler{
		processor: processor,
		logger:    logger,
		stopChan:  make(chan struct{}),
		interval:  interval,
		now:       time.Now,
	}
}

// Start begins the scheduler loop
func (s *BacklogScheduler) Start(ctx context.Context) {
	s.logger.Info("Starting backlog scheduler", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run once immediately on start
	s.runSweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.runSweep(ctx)
		case <-s.stopChan:
			s.logger.Info("Backlog scheduler stopped")
			return
		case <-ctx.Done():
			s.logger.Info("Backlog scheduler stopping due to context cancellation")
			return
		}
	}
}

// Stop stops the scheduler
func (s *BacklogScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

func (s *BacklogScheduler) runSweep(ctx context.Context) {
	result, err := s.processor.ProcessBacklog(ctx, ingestion.BacklogRequest{
		Deadline: s.now().Add(s.interval),
	})
	if err != nil {
		s.logger.Error("Scheduled backlog sweep failed", "error", err)
		return
	}
	if result.Processed == 0 {
		s.logger.Debug("Backlog empty")
		return
	}
	s.logger.Info("Scheduled backlog sweep finished",
		"processed", result.Processed,
		"saved", result.Saved,
		"failed", result.Failed,
		"released", result.Released,
	)
}
