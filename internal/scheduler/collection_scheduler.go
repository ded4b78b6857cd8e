package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/STRATINT/polwatch/internal/ingestion"
)

// ClusterCollector is the part of the pipeline the collection scheduler drives.
type ClusterCollector interface {
	CollectAllActiveClusters(ctx context.Context, req ingestion.CollectAllRequest) (*ingestion.AggregateResult, error)
}

// CollectionScheduler collects every active cluster on a fixed interval,
// starting after an initial delay.
type CollectionScheduler struct {
	collector    ClusterCollector
	logger       *slog.Logger
	stopChan     chan struct{}
	stopOnce     sync.Once
	startupDelay time.Duration
	interval     time.Duration
}

// NewCollectionScheduler creates a new collection scheduler
func NewCollectionScheduler(
	collector ClusterCollector,
	startupDelay time.Duration,
	interval time.Duration,
	logger *slog.Logger,
) *CollectionScheduler {
	return &CollectionScheduler{
		collector:    collector,
		logger:       logger,
		stopChan:     make(chan struct{}),
		startupDelay: startupDelay,
		interval:     interval,
	}
}

// Start blocks until Stop is called or ctx is done. Runs never overlap: a run
// that outlasts the interval delays the next tick.
func (s *CollectionScheduler) Start(ctx context.Context) {
	s.logger.Info("Starting collection scheduler",
		"startup_delay", s.startupDelay,
		"interval", s.interval,
	)

	if !wait(ctx, s.stopChan, s.startupDelay) {
		s.logger.Info("Collection scheduler stopped before first run")
		return
	}
	s.runCollection(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runCollection(ctx)
		case <-s.stopChan:
			s.logger.Info("Collection scheduler stopped")
			return
		case <-ctx.Done():
			s.logger.Info("Collection scheduler stopping due to context cancellation")
			return
		}
	}
}

// Stop stops the scheduler. It is safe to call more than once.
func (s *CollectionScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

func (s *CollectionScheduler) runCollection(ctx context.Context) {
	start := time.Now()
	result, err := s.collector.CollectAllActiveClusters(ctx, ingestion.CollectAllRequest{})
	if err != nil {
		s.logger.Error("Scheduled collection failed", "error", err)
		return
	}

	s.logger.Info("Scheduled collection finished",
		"clusters", result.Clusters,
		"posts_collected", result.PostsCollected,
		"errors", len(result.Errors),
		"duration", time.Since(start),
	)
}

// wait sleeps for d and reports whether the caller should continue.
func wait(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-stop:
			return false
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	}
}
