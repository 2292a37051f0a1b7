package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"archivist/internal/core"
	"archivist/internal/fetcher"
	"archivist/internal/storage"
	"archivist/internal/strategy"
)

func testFetchConfig() core.FetchConfig {
	return core.FetchConfig{
		UserAgent:         "archivist-test/1.0",
		Timeout:           5 * time.Second,
		MaxCurrentHops:    8,
		MaxRetries:        1,
		RetryInitialDelay: time.Millisecond,
	}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *storage.Store) {
	t.Helper()
	rawDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { rawDB.Close() })

	logger := core.NewLogger()
	db := core.NewDatabase(rawDB, logger)

	if err := storage.NewManager(db, logger).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	store := storage.New(db, logger)
	f := fetcher.New(testFetchConfig(), logger)
	orch := New(f, strategy.DefaultRegistry(), store, logger, testFetchConfig(), core.NewFeedLocks())
	return orch, store
}

func entryXML(id, published string) string {
	return `<entry><id>` + id + `</id><published>` + published + `</published></entry>`
}

func TestCrawlRFC5005InitialArchiveImport(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:fh="http://purl.org/syndication/history/1.0">
  <link rel="self" href="` + srv.URL + `/feed"/>
  <link rel="prev-archive" href="` + srv.URL + `/archive/1"/>
  ` + entryXML("sub-1", "2021-02-01T00:00:00Z") + `
</feed>`))
	})
	mux.HandleFunc("/archive/1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:fh="http://purl.org/syndication/history/1.0">
  <link rel="self" href="` + srv.URL + `/archive/1"/>
  <fh:archive/>
  ` + entryXML("archive-1", "2021-01-01T00:00:00Z") + `
</feed>`))
	})

	orch, store := newTestOrchestrator(t)
	ctx := context.Background()

	feedID, err := store.CreateFeed(ctx, srv.URL+"/feed", nil)
	if err != nil {
		t.Fatalf("CreateFeed: %v", err)
	}

	if err := orch.Crawl(ctx, feedID); err != nil {
		t.Fatalf("Crawl: %v", err)
	}

	subPage, ok, err := store.SubscriptionPage(ctx, feedID)
	if err != nil || !ok {
		t.Fatalf("SubscriptionPage: ok=%v err=%v", ok, err)
	}
	if subPage.URL != srv.URL+"/feed" {
		t.Fatalf("subPage.URL = %q", subPage.URL)
	}

	oldPages, err := store.OldPagesForStrategy(ctx, feedID)
	if err != nil {
		t.Fatalf("OldPagesForStrategy: %v", err)
	}
	if len(oldPages) != 1 || oldPages[0].URL != srv.URL+"/archive/1" {
		t.Fatalf("oldPages = %+v, want one archive/1 page", oldPages)
	}

	subPosts, err := store.PostsByPage(ctx, subPage.ID)
	if err != nil {
		t.Fatalf("PostsByPage(sub): %v", err)
	}
	if _, ok := subPosts["sub-1"]; !ok {
		t.Fatalf("subPosts = %+v, want sub-1", subPosts)
	}
}

func TestCrawlRFC5005ExtendsArchiveOnSecondCrawl(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	secondCrawl := false

	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		if !secondCrawl {
			w.Write([]byte(`<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:fh="http://purl.org/syndication/history/1.0">
  <link rel="self" href="` + srv.URL + `/feed"/>
  <link rel="prev-archive" href="` + srv.URL + `/archive/1"/>
  ` + entryXML("sub-1", "2021-02-01T00:00:00Z") + `
</feed>`))
			return
		}
		w.Write([]byte(`<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:fh="http://purl.org/syndication/history/1.0">
  <link rel="self" href="` + srv.URL + `/feed"/>
  <link rel="prev-archive" href="` + srv.URL + `/archive/2"/>
  ` + entryXML("sub-1", "2021-02-01T00:00:00Z") + entryXML("sub-2", "2021-03-01T00:00:00Z") + `
</feed>`))
	})
	mux.HandleFunc("/archive/1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:fh="http://purl.org/syndication/history/1.0">
  <link rel="self" href="` + srv.URL + `/archive/1"/>
  <fh:archive/>
  ` + entryXML("archive-1", "2021-01-01T00:00:00Z") + `
</feed>`))
	})
	mux.HandleFunc("/archive/2", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:fh="http://purl.org/syndication/history/1.0">
  <link rel="self" href="` + srv.URL + `/archive/2"/>
  <link rel="prev-archive" href="` + srv.URL + `/archive/1"/>
  <fh:archive/>
  ` + entryXML("archive-2", "2021-01-15T00:00:00Z") + `
</feed>`))
	})

	orch, store := newTestOrchestrator(t)
	ctx := context.Background()

	feedID, err := store.CreateFeed(ctx, srv.URL+"/feed", nil)
	if err != nil {
		t.Fatalf("CreateFeed: %v", err)
	}

	if err := orch.Crawl(ctx, feedID); err != nil {
		t.Fatalf("first Crawl: %v", err)
	}

	secondCrawl = true
	if err := orch.Crawl(ctx, feedID); err != nil {
		t.Fatalf("second Crawl: %v", err)
	}

	oldPages, err := store.OldPagesForStrategy(ctx, feedID)
	if err != nil {
		t.Fatalf("OldPagesForStrategy: %v", err)
	}
	if len(oldPages) != 2 {
		t.Fatalf("len(oldPages) = %d, want 2", len(oldPages))
	}
	// oldest first: the original archive page should still be the oldest,
	// the newly discovered one sits between it and the subscription.
	if oldPages[0].URL != srv.URL+"/archive/1" {
		t.Fatalf("oldPages[0].URL = %q, want archive/1 (oldest)", oldPages[0].URL)
	}
	if oldPages[1].URL != srv.URL+"/archive/2" {
		t.Fatalf("oldPages[1].URL = %q, want archive/2", oldPages[1].URL)
	}

	pages, err := store.PagesAfter(ctx, feedID, 0)
	if err != nil {
		t.Fatalf("PagesAfter: %v", err)
	}
	var archive1PageID int64
	for _, p := range pages {
		if p.URL == srv.URL+"/archive/1" {
			archive1PageID = p.ID
		}
	}
	archive1Posts, err := store.PostsByPage(ctx, archive1PageID)
	if err != nil {
		t.Fatalf("PostsByPage(archive1): %v", err)
	}
	if _, ok := archive1Posts["archive-1"]; !ok {
		t.Fatalf("archive1Posts = %+v, want archive-1 (untouched kept page)", archive1Posts)
	}

	subPage, _, err := store.SubscriptionPage(ctx, feedID)
	if err != nil {
		t.Fatalf("SubscriptionPage: %v", err)
	}
	subPosts, err := store.PostsByPage(ctx, subPage.ID)
	if err != nil {
		t.Fatalf("PostsByPage(sub): %v", err)
	}
	if _, ok := subPosts["sub-2"]; !ok {
		t.Fatalf("subPosts = %+v, want the newly added sub-2 entry", subPosts)
	}
}

func TestCrawlWordPressForwardWalkOnFirstCrawl(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	canonicalURL := srv.URL + "/feed?feed=atom&order=ASC&orderby=modified"
	page2URL := srv.URL + "/feed?feed=atom&order=ASC&orderby=modified&paged=2"

	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		paged := r.URL.Query().Get("paged")
		self := canonicalURL
		entry := entryXML("page1-post", "2021-01-01T00:00:00Z")
		switch paged {
		case "":
			if r.URL.Query().Get("feed") == "" {
				// the very first request: the plain subscription document.
				w.Write([]byte(`<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <link rel="self" href="` + srv.URL + `/feed"/>
  <generator uri="https://wordpress.org/">WordPress</generator>
  ` + entryXML("sub-1", "2021-01-01T00:00:00Z") + `
</feed>`))
				return
			}
		case "2":
			self = page2URL
			entry = entryXML("page2-post", "2021-02-01T00:00:00Z")
		default:
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <link rel="self" href="` + self + `"/>
  <generator uri="https://wordpress.org/">WordPress</generator>
  ` + entry + `
</feed>`))
	})

	orch, store := newTestOrchestrator(t)
	ctx := context.Background()

	feedID, err := store.CreateFeed(ctx, srv.URL+"/feed", nil)
	if err != nil {
		t.Fatalf("CreateFeed: %v", err)
	}

	if err := orch.Crawl(ctx, feedID); err != nil {
		t.Fatalf("Crawl: %v", err)
	}

	oldPages, err := store.OldPagesForStrategy(ctx, feedID)
	if err != nil {
		t.Fatalf("OldPagesForStrategy: %v", err)
	}
	if len(oldPages) != 2 {
		t.Fatalf("len(oldPages) = %d, want 2 (page 1 and page 2)", len(oldPages))
	}

	urls := map[string]bool{oldPages[0].URL: true, oldPages[1].URL: true}
	if !urls[canonicalURL] || !urls[page2URL] {
		t.Fatalf("oldPages = %+v, want canonical and page2 urls", oldPages)
	}
}

func TestCrawlFollowsCurrentLinkOnNonArchiveDocument(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		// a document that is neither <fh:complete/> nor <fh:archive/> but
		// still points elsewhere via rel="current": the redirect must be
		// followed regardless of the document's feed type.
		w.Write([]byte(`<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:fh="http://purl.org/syndication/history/1.0">
  <link rel="self" href="` + srv.URL + `/feed"/>
  <link rel="current" href="` + srv.URL + `/feed-v2"/>
  ` + entryXML("stale-1", "2021-01-01T00:00:00Z") + `
</feed>`))
	})
	mux.HandleFunc("/feed-v2", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:fh="http://purl.org/syndication/history/1.0">
  <link rel="self" href="` + srv.URL + `/feed-v2"/>
  <fh:complete/>
  ` + entryXML("current-1", "2021-02-01T00:00:00Z") + `
</feed>`))
	})

	orch, store := newTestOrchestrator(t)
	ctx := context.Background()

	feedID, err := store.CreateFeed(ctx, srv.URL+"/feed", nil)
	if err != nil {
		t.Fatalf("CreateFeed: %v", err)
	}
	if err := orch.Crawl(ctx, feedID); err != nil {
		t.Fatalf("Crawl: %v", err)
	}

	subPage, ok, err := store.SubscriptionPage(ctx, feedID)
	if err != nil || !ok {
		t.Fatalf("SubscriptionPage: ok=%v err=%v", ok, err)
	}
	if subPage.URL != srv.URL+"/feed-v2" {
		t.Fatalf("subPage.URL = %q, want the current-link target to have been followed", subPage.URL)
	}

	posts, err := store.PostsByPage(ctx, subPage.ID)
	if err != nil {
		t.Fatalf("PostsByPage: %v", err)
	}
	if _, ok := posts["current-1"]; !ok {
		t.Fatalf("posts = %+v, want current-1 from the followed document", posts)
	}
	if _, ok := posts["stale-1"]; ok {
		t.Fatalf("posts = %+v, want stale-1 from the un-followed document absent", posts)
	}
}

func TestCrawlReturnsNoHistoryErrorWhenNoStrategyClaims(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <link rel="self" href="` + srv.URL + `/feed"/>
  ` + entryXML("sub-1", "2021-01-01T00:00:00Z") + `
</feed>`))
	})

	orch, store := newTestOrchestrator(t)
	ctx := context.Background()

	feedID, err := store.CreateFeed(ctx, srv.URL+"/feed", nil)
	if err != nil {
		t.Fatalf("CreateFeed: %v", err)
	}

	err = orch.Crawl(ctx, feedID)
	var appErr *core.AppError
	if !errors.As(err, &appErr) || appErr.Code != core.ErrCodeNoHistory {
		t.Fatalf("err = %v, want a NO_HISTORY_FOUND AppError", err)
	}
}

func TestCrawlImportsCompleteFeedAsSinglePage(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:fh="http://purl.org/syndication/history/1.0">
  <link rel="self" href="` + srv.URL + `/feed"/>
  <fh:complete/>
  ` + entryXML("u-1", "2021-01-01T00:00:00Z") + entryXML("u-2", "2021-01-02T00:00:00Z") + `
</feed>`))
	})

	orch, store := newTestOrchestrator(t)
	ctx := context.Background()

	feedID, err := store.CreateFeed(ctx, srv.URL+"/feed", nil)
	if err != nil {
		t.Fatalf("CreateFeed: %v", err)
	}
	if err := orch.Crawl(ctx, feedID); err != nil {
		t.Fatalf("Crawl: %v", err)
	}

	oldPages, err := store.OldPagesForStrategy(ctx, feedID)
	if err != nil {
		t.Fatalf("OldPagesForStrategy: %v", err)
	}
	if len(oldPages) != 0 {
		t.Fatalf("oldPages = %+v, want none: a COMPLETE document has no archive to keep", oldPages)
	}

	subPage, ok, err := store.SubscriptionPage(ctx, feedID)
	if err != nil || !ok {
		t.Fatalf("SubscriptionPage: ok=%v err=%v", ok, err)
	}
	posts, err := store.PostsByPage(ctx, subPage.ID)
	if err != nil {
		t.Fatalf("PostsByPage: %v", err)
	}
	if _, ok := posts["u-1"]; !ok {
		t.Fatalf("posts = %+v, want u-1", posts)
	}
	if _, ok := posts["u-2"]; !ok {
		t.Fatalf("posts = %+v, want u-2", posts)
	}
}

func TestCrawlReplacesArchivePageWhoseURLChanged(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	secondCrawl := false

	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		target := srv.URL + "/archive/1"
		if secondCrawl {
			target = srv.URL + "/archive/1-bis"
		}
		w.Write([]byte(`<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:fh="http://purl.org/syndication/history/1.0">
  <link rel="self" href="` + srv.URL + `/feed"/>
  <link rel="prev-archive" href="` + target + `"/>
  ` + entryXML("sub-1", "2021-02-01T00:00:00Z") + `
</feed>`))
	})
	mux.HandleFunc("/archive/1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:fh="http://purl.org/syndication/history/1.0">
  <link rel="self" href="` + srv.URL + `/archive/1"/>
  <fh:archive/>
  ` + entryXML("archive-1", "2021-01-01T00:00:00Z") + `
</feed>`))
	})
	mux.HandleFunc("/archive/1-bis", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:fh="http://purl.org/syndication/history/1.0">
  <link rel="self" href="` + srv.URL + `/archive/1-bis"/>
  <fh:archive/>
  ` + entryXML("archive-1", "2021-01-01T00:00:00Z") + `
</feed>`))
	})

	orch, store := newTestOrchestrator(t)
	ctx := context.Background()

	feedID, err := store.CreateFeed(ctx, srv.URL+"/feed", nil)
	if err != nil {
		t.Fatalf("CreateFeed: %v", err)
	}
	if err := orch.Crawl(ctx, feedID); err != nil {
		t.Fatalf("first Crawl: %v", err)
	}

	secondCrawl = true
	if err := orch.Crawl(ctx, feedID); err != nil {
		t.Fatalf("second Crawl: %v", err)
	}

	oldPages, err := store.OldPagesForStrategy(ctx, feedID)
	if err != nil {
		t.Fatalf("OldPagesForStrategy: %v", err)
	}
	if len(oldPages) != 1 || oldPages[0].URL != srv.URL+"/archive/1-bis" {
		t.Fatalf("oldPages = %+v, want exactly one page at archive/1-bis", oldPages)
	}

	pages, err := store.PagesAfter(ctx, feedID, 0)
	if err != nil {
		t.Fatalf("PagesAfter: %v", err)
	}
	for _, p := range pages {
		if p.URL == srv.URL+"/archive/1" {
			t.Fatalf("stale archive/1 row still present: %+v", pages)
		}
	}
}

