package strategy

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"strconv"

	"archivist/internal/feeddoc"
	"archivist/internal/fetcher"
)

// WordPressStrategy synthesizes pagination from WordPress query parameters
// when a feed does not use RFC 5005 paging.
type WordPressStrategy struct{}

// Name implements Strategy.
func (s *WordPressStrategy) Name() string { return "wordpress" }

// Reconcile implements Strategy. See SPEC_FULL.md section 4.4. oldPages is
// ordered oldest first (per OldPage's own contract); the first entry is the
// page at the "page 1" position (the canonical, un-paged URL under forced
// order=ASC&orderby=modified), and the last entry is the archive page
// closest to the subscription boundary.
func (s *WordPressStrategy) Reconcile(ctx context.Context, f Fetcher, base *feeddoc.Document, oldPages []OldPage) (Update, error) {
	if !base.IsWordPressGenerated() {
		return Update{}, nil
	}

	canonicalURL, err := queryStringReplace(base.Self(), map[string]string{
		"feed":    "atom",
		"order":   "ASC",
		"orderby": "modified",
	})
	if err != nil {
		return Update{}, err
	}

	canonical, err := f.Fetch(ctx, canonicalURL, FetchOptions{})
	if err != nil {
		return Update{}, err
	}

	pageOneURL := canonical.Self()
	prefixMatches := allMatch(oldPages, func(i int) (string, bool) {
		u, err := nthPaginationURL(pageOneURL, i+1)
		return u, err == nil
	})

	var newPages []*feeddoc.Document
	keepExisting := 0
	resumeFromPage := 1

	if prefixMatches && len(oldPages) > 0 {
		keepExisting = len(oldPages)
		refreshed, _, err := refreshExistingPages(ctx, f, canonical, oldPages)
		if err != nil {
			return Update{}, err
		}
		// refreshed is already oldest-first (mirrors the forward walk).
		newPages = append(newPages, refreshed...)
		keepExisting -= len(refreshed)
		resumeFromPage = len(oldPages) + 1
	}

	for page := resumeFromPage; ; page++ {
		pageURL, err := nthPaginationURL(pageOneURL, page)
		if err != nil {
			return Update{}, err
		}
		doc, err := f.Fetch(ctx, pageURL, FetchOptions{})
		if err != nil {
			if errors.Is(err, fetcher.ErrNotFound) {
				break
			}
			return Update{}, err
		}
		newPages = append(newPages, doc)
	}

	return Update{Claimed: true, KeepExisting: keepExisting, NewPages: newPages}, nil
}

// refreshExistingPages re-fetches old pages from the oldest-but-one up to the
// one closest to the subscription boundary, stopping as soon as a page's
// last-updated fingerprint is unchanged from its last crawl (everything at
// and after that point stays). The oldest old page (position "page 1") is
// represented by the already-fetched canonical document, per the strategy:
// no extra fetch needed for it. Returned pages are oldest-first, mirroring
// the walk order; stopped reports whether the walk found a stable page
// (false means the entire history needs replacing).
func refreshExistingPages(ctx context.Context, f Fetcher, canonical *feeddoc.Document, oldPages []OldPage) (pages []*feeddoc.Document, stopped bool, err error) {
	if len(oldPages) == 0 {
		return nil, false, nil
	}

	oldest := oldPages[0]
	if stable(oldest, canonical) {
		return nil, true, nil
	}
	pages = append(pages, canonical)

	foundLater := true
	for i := 1; i < len(oldPages); i++ {
		old := oldPages[i]
		doc, ferr := f.Fetch(ctx, old.URL, FetchOptions{})
		if ferr != nil {
			if errors.Is(ferr, fetcher.ErrNotFound) {
				if foundLater {
					return nil, false, ferr
				}
				continue
			}
			return nil, false, ferr
		}
		foundLater = true
		if stable(old, doc) {
			return pages, true, nil
		}
		pages = append(pages, doc)
	}

	return pages, false, nil
}

func stable(old OldPage, fresh *feeddoc.Document) bool {
	if old.LastUpdated == nil {
		return false
	}
	entry, ok := fresh.LastUpdatedEntry()
	if !ok {
		return false
	}
	updated, ok := entry.UpdatedAt()
	if !ok {
		return false
	}
	return old.LastUpdated.Equal(LastUpdatedKey{Updated: updated, Link: entry.Link})
}

// allMatch reports whether urlAt(i) equals oldestFirst[i].URL for every
// position, i.e. whether the stored archive pages are exactly the expected
// paginated-URL prefix in their oldest-first order.
func allMatch(oldestFirst []OldPage, urlAt func(i int) (string, bool)) bool {
	for i, want := range oldestFirst {
		got, ok := urlAt(i)
		if !ok || got != want.URL {
			return false
		}
	}
	return true
}

func nthPaginationURL(base string, page int) (string, error) {
	if page == 1 {
		return base, nil
	}
	return queryStringReplace(base, map[string]string{"paged": strconv.Itoa(page)})
}

func queryStringReplace(rawURL string, overrides map[string]string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	q := u.Query()
	for k := range overrides {
		q.Del(k)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Set(k, overrides[k])
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}
