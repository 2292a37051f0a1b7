// Command archivist crawls syndication feeds and reconciles their archive
// history into a local SQLite store. With no arguments it runs the
// scheduler loop, periodically refreshing every feed whose next_check has
// passed. Given a feed URL, it performs one immediate crawl of that feed
// (registering it first if it isn't already known) and exits.
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"

	"archivist/internal/core"
	"archivist/internal/fetcher"
	"archivist/internal/orchestrator"
	"archivist/internal/scheduler"
	"archivist/internal/storage"
	"archivist/internal/strategy"
)

func main() {
	// Load .env file if it exists
	godotenv.Load()

	logger := core.NewLogger()

	cfg, err := core.LoadConfig()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	rawDB, err := sql.Open("sqlite", cfg.Database.Path)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer rawDB.Close()

	db := core.NewDatabase(rawDB, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := storage.NewManager(db, logger).Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	store := storage.New(db, logger)
	f := fetcher.New(cfg.Fetch, logger)
	orch := orchestrator.New(f, strategy.DefaultRegistry(), store, logger, cfg.Fetch, core.NewFeedLocks())

	if feedURL := firstArg(); feedURL != "" {
		runOnce(ctx, logger, store, orch, feedURL)
		return
	}

	sched := scheduler.New(orch, store, logger, cfg.Scheduler)
	sched.Start(ctx)
}

// runOnce registers feedURL if it's new, crawls it immediately, and exits.
func runOnce(ctx context.Context, logger *core.Logger, store *storage.Store, orch *orchestrator.Orchestrator, feedURL string) {
	feedID, err := resolveFeed(ctx, store, feedURL)
	if err != nil {
		logger.Error("failed to resolve feed", "url", feedURL, "error", err)
		os.Exit(1)
	}

	if err := orch.Crawl(ctx, feedID); err != nil {
		logger.Error("crawl failed", "feed_id", feedID, "url", feedURL, "error", err)
		os.Exit(1)
	}
}

// resolveFeed returns feedURL's existing feed id, or creates a new feed row
// if this is the first time archivist has seen it.
func resolveFeed(ctx context.Context, store *storage.Store, feedURL string) (int64, error) {
	feedID, err := store.CreateFeed(ctx, feedURL, nil)
	if err == nil {
		return feedID, nil
	}
	return store.FeedIDByURL(ctx, feedURL)
}

func firstArg() string {
	if len(os.Args) < 2 {
		return ""
	}
	return os.Args[1]
}
