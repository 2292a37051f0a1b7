// Package orchestrator drives one feed's crawl end to end: fetch the
// subscription document, normalize self/current redirects, run the
// reconciliation strategies, build the diff, and commit it.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"archivist/internal/core"
	"archivist/internal/diffengine"
	"archivist/internal/feeddoc"
	"archivist/internal/fetcher"
	"archivist/internal/model"
	"archivist/internal/storage"
	"archivist/internal/strategy"
)

// fetcherAdapter bridges *fetcher.Fetcher to strategy.Fetcher, translating
// the strategy package's transport-agnostic FetchOptions into the fetcher
// package's concrete retry/backoff Options.
type fetcherAdapter struct {
	f *fetcher.Fetcher
}

func (a fetcherAdapter) Fetch(ctx context.Context, url string, opts strategy.FetchOptions) (*feeddoc.Document, error) {
	return a.f.Fetch(ctx, url, fetcher.Options{Referer: opts.Referer, MaxStale: opts.MaxStale})
}

// Orchestrator owns the collaborators needed to crawl any feed.
type Orchestrator struct {
	fetcher  *fetcher.Fetcher
	registry *strategy.Registry
	store    *storage.Store
	logger   *core.Logger
	cfg      core.FetchConfig
	locks    *core.FeedLocks
}

// New builds an Orchestrator from its collaborators. locks serializes
// same-feed crawls within this process; pass core.NewFeedLocks() unless the
// caller already guarantees external per-feed serialization.
func New(f *fetcher.Fetcher, registry *strategy.Registry, store *storage.Store, logger *core.Logger, cfg core.FetchConfig, locks *core.FeedLocks) *Orchestrator {
	return &Orchestrator{
		fetcher:  f,
		registry: registry,
		store:    store,
		logger:   logger.ForFeature("orchestrator"),
		cfg:      cfg,
		locks:    locks,
	}
}

// Crawl fetches feedID's subscription document, reconciles it against the
// stored archive, and commits the result in one transaction. See
// SPEC_FULL.md section 4.7 for the algorithm this implements.
func (o *Orchestrator) Crawl(ctx context.Context, feedID int64) error {
	unlock := o.locks.Lock(feedID)
	defer unlock()

	crawlID := uuid.NewString()
	logger := o.logger.With("crawl_id", crawlID, "feed_id", feedID)

	feed, _, err := o.store.GetFeed(ctx, feedID)
	if err != nil {
		return fmt.Errorf("orchestrator: loading feed %d: %w", feedID, err)
	}

	logger.Info("starting crawl", "url", feed.URL)

	doc, err := o.fetchNormalized(ctx, feed.URL)
	if err != nil {
		return fmt.Errorf("orchestrator: fetching %s: %w", feed.URL, err)
	}

	diff := diffengine.New()

	subPage, subExists, err := o.store.SubscriptionPage(ctx, feedID)
	if err != nil {
		return fmt.Errorf("orchestrator: loading subscription page: %w", err)
	}
	if subExists {
		oldRows, err := o.store.PostsForPages(ctx, []int64{subPage.ID})
		if err != nil {
			return fmt.Errorf("orchestrator: loading subscription posts: %w", err)
		}
		for _, row := range oldRows {
			diff.OldPost(row.GUID, row.ID, row.PageID, row.Metadata)
		}
	}
	diff.NewPage(doc.Self(), subPage.ID, entriesToMetadata(doc.Entries()))

	oldPages, err := o.store.OldPagesForStrategy(ctx, feedID)
	if err != nil {
		return fmt.Errorf("orchestrator: loading archive pages: %w", err)
	}

	update, claimed, err := o.registry.Reconcile(ctx, fetcherAdapter{o.fetcher}, doc, oldPages)
	if err != nil {
		return fmt.Errorf("orchestrator: reconciling archive: %w", err)
	}
	if !claimed {
		return core.NewNoHistoryError(doc.Self())
	}

	storedPages, err := o.store.PagesAfter(ctx, feedID, 0)
	if err != nil {
		return fmt.Errorf("orchestrator: loading stored pages: %w", err)
	}
	idByURL := make(map[string]int64, len(storedPages))
	for _, p := range storedPages {
		idByURL[p.URL] = p.ID
	}

	// oldPages is oldest first: the first KeepExisting entries are the
	// untouched prefix, everything after them is being replaced.
	kept, replaced := oldPages[:update.KeepExisting], oldPages[update.KeepExisting:]

	for _, p := range kept {
		if id, ok := idByURL[p.URL]; ok {
			diff.Keep(id)
		}
	}

	if len(replaced) > 0 {
		// Load the posts on every old page we're about to replace so their
		// guids are candidates for matching against the incoming archive
		// pages (a post can migrate pages between crawls) rather than being
		// silently dropped.
		pageIDs := make([]int64, 0, len(replaced))
		for _, p := range replaced {
			if id, ok := idByURL[p.URL]; ok {
				pageIDs = append(pageIDs, id)
			}
		}
		rows, err := o.store.PostsForPages(ctx, pageIDs)
		if err != nil {
			return fmt.Errorf("orchestrator: loading replaced page posts: %w", err)
		}
		for _, row := range rows {
			diff.OldPost(row.GUID, row.ID, row.PageID, row.Metadata)
		}
	}

	// update.NewPages is oldest first; register newest to oldest so the
	// negative-rank staging in Apply lands the final idx in the right order.
	for i := len(update.NewPages) - 1; i >= 0; i-- {
		page := update.NewPages[i]
		pageID := idByURL[page.Self()] // 0 if this is a brand new page
		diff.NewPage(page.Self(), pageID, entriesToMetadata(page.Entries()))
	}

	if err := o.store.ApplyDiff(ctx, feedID, diff); err != nil {
		return fmt.Errorf("orchestrator: applying diff for feed %d: %w", feedID, err)
	}

	logger.Info("crawl completed", "new_pages", len(update.NewPages), "kept_pages", update.KeepExisting)
	return nil
}

// fetchNormalized fetches url and follows self/current redirects until the
// document's own URL is stable, bounded by cfg.MaxCurrentHops. See
// SPEC_FULL.md section 4.1.
func (o *Orchestrator) fetchNormalized(ctx context.Context, url string) (*feeddoc.Document, error) {
	for hop := 0; hop < o.cfg.MaxCurrentHops; hop++ {
		doc, err := o.fetcher.Fetch(ctx, url, fetcher.Options{})
		if err != nil {
			return nil, err
		}

		if self := doc.Self(); self != "" && self != url {
			url = self
			continue
		}

		current := doc.GetLink(feeddoc.RelCurrent)
		if current == "" {
			if doc.FeedType() == feeddoc.TypeArchive {
				return nil, core.NewArchiveWithoutCurrentError(url)
			}
			return doc, nil
		}
		if current != url {
			url = current
			continue
		}

		return doc, nil
	}
	return nil, fmt.Errorf("orchestrator: exceeded %d redirect hops resolving %s", o.cfg.MaxCurrentHops, url)
}

func entriesToMetadata(entries []feeddoc.Entry) map[string]model.PostMetadata {
	out := make(map[string]model.PostMetadata, len(entries))
	for _, e := range entries {
		meta := model.PostMetadata{Link: e.Link}
		if t, ok := e.PublishedAt(); ok {
			meta.Published = t
		}
		if t, ok := e.UpdatedAt(); ok {
			meta.Updated, meta.HasUpdated = t, true
		}
		if n, ok := e.SeasonNumber(); ok {
			meta.Season = &n
		}
		if n, ok := e.EpisodeNumber(); ok {
			meta.Episode = &n
		}
		out[e.ID] = meta
	}
	return out
}

