// Package scheduler drives periodic crawls of every due feed through a
// bounded worker pool, in the same ticker-plus-workers shape as the
// teacher's RSS scheduler, rebuilt around golang.org/x/sync/errgroup instead
// of a hand-rolled channel-and-WaitGroup pair.
package scheduler

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"archivist/internal/core"
	"archivist/internal/storage"
)

// Crawler is the subset of *orchestrator.Orchestrator the scheduler depends
// on, kept as an interface so tests can substitute a fake crawler.
type Crawler interface {
	Crawl(ctx context.Context, feedID int64) error
}

// Scheduler periodically crawls every feed whose next_check has passed.
type Scheduler struct {
	crawler Crawler
	store   *storage.Store
	logger  *core.Logger
	cfg     core.SchedulerConfig

	stop chan struct{}
	done chan struct{}
}

// New builds a Scheduler from its collaborators.
func New(crawler Crawler, store *storage.Store, logger *core.Logger, cfg core.SchedulerConfig) *Scheduler {
	return &Scheduler{
		crawler: crawler,
		store:   store,
		logger:  logger.ForFeature("scheduler"),
		cfg:     cfg,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start runs the scheduler loop until ctx is cancelled or Stop is called. It
// blocks the calling goroutine; callers that want an asynchronous scheduler
// should invoke it with `go`.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("starting scheduler", "interval", s.cfg.Interval, "workers", s.cfg.Workers)
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.RefreshAll(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler context cancelled")
			return
		case <-s.stop:
			s.logger.Info("scheduler stop signal received")
			return
		case <-ticker.C:
			s.RefreshAll(ctx)
		}
	}
}

// Stop signals the scheduler loop to exit and waits for it to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

// RefreshAll crawls every feed whose next_check has passed, through a
// worker pool bounded by cfg.Workers. Per-feed failures are logged, not
// propagated: one broken feed must never abort the cycle for the rest.
func (s *Scheduler) RefreshAll(ctx context.Context) {
	feedIDs, err := s.store.DueFeeds(ctx)
	if err != nil {
		s.logger.Error("failed to list due feeds", "error", err)
		return
	}
	if len(feedIDs) == 0 {
		s.logger.Info("no feeds due")
		return
	}

	s.logger.Info("refreshing due feeds", "count", len(feedIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)

	for _, feedID := range feedIDs {
		feedID := feedID
		g.Go(func() error {
			s.RefreshFeedByID(gctx, feedID)
			return nil
		})
	}

	// g.Wait only ever returns nil: RefreshFeedByID swallows its own errors
	// so one feed's failure can't cancel its siblings' in-flight crawls.
	_ = g.Wait()

	s.logger.Info("refresh cycle completed")
}

// RefreshFeedByID crawls a single feed immediately, outside the regular
// tick, and bumps its next_check forward regardless of outcome so a
// persistently broken feed doesn't busy-loop the scheduler.
func (s *Scheduler) RefreshFeedByID(ctx context.Context, feedID int64) {
	err := s.crawler.Crawl(ctx, feedID)
	if err != nil {
		s.logger.Error("crawl failed", "feed_id", feedID, "error", err)
	}

	if bumpErr := s.store.BumpNextCheck(ctx, feedID, s.cfg.DefaultFeedCheck); bumpErr != nil {
		s.logger.Error("failed to bump next_check", "feed_id", feedID, "error", bumpErr)
	}
}
