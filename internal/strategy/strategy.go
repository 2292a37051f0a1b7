// Package strategy implements the two archive-reconciliation strategies
// (RFC 5005 and WordPress-synthesized pagination) behind a single interface,
// tried in order by the orchestrator.
package strategy

import (
	"context"
	"time"

	"archivist/internal/feeddoc"
)

// LastUpdatedKey is the stable (updated, link) fingerprint of a page's most
// recently updated entry. For stored pages it is recomputed on each crawl
// from the updated and link columns of the page's stored posts, so later
// crawls can tell whether a re-fetched page actually changed without relying
// on volatile in-memory state.
type LastUpdatedKey struct {
	Updated time.Time
	Link    string
}

// Equal reports whether two fingerprints refer to the same entry state.
func (k LastUpdatedKey) Equal(other LastUpdatedKey) bool {
	return k.Updated.Equal(other.Updated) && k.Link == other.Link
}

// OldPage is the orchestrator's view of a previously-stored archive page,
// ordered oldest first, newest-but-subscription last.
type OldPage struct {
	URL string
	Idx int
	// LastUpdated is the fingerprint of this page's last-updated entry as of
	// its last crawl, or nil if the page has no entries carrying Updated.
	LastUpdated *LastUpdatedKey
}

// Update describes how a strategy wants the archive rewritten: retain the
// first KeepExisting old pages unchanged, and replace everything after them
// with NewPages (oldest first). NewPages never includes the subscription
// page itself; the orchestrator always registers that separately, the same
// way regardless of which strategy claimed the feed.
type Update struct {
	// Claimed reports whether this strategy recognizes the feed's archival
	// scheme at all. A strategy can claim a feed and still return zero
	// KeepExisting and no NewPages (e.g. a newly-COMPLETE feed with no
	// archive pages left); that is a confident answer, not a decline.
	Claimed      bool
	KeepExisting int
	NewPages     []*feeddoc.Document
}

// Fetcher is the subset of fetcher.Fetcher a strategy needs: fetch a single
// URL and get back a parsed document.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts FetchOptions) (*feeddoc.Document, error)
}

// FetchOptions mirrors fetcher.Options without strategy depending on the
// fetcher package's retry/backoff concerns.
type FetchOptions struct {
	Referer  string
	MaxStale bool
}

// Strategy reconciles a freshly-fetched subscription document against the
// previously stored archive pages. An Update with Claimed false means the
// strategy does not recognize this feed's archival scheme.
type Strategy interface {
	Name() string
	Reconcile(ctx context.Context, fetcher Fetcher, base *feeddoc.Document, oldPages []OldPage) (Update, error)
}

// Registry is the fixed, ordered list of strategies tried for every feed.
type Registry struct {
	strategies []Strategy
}

// NewRegistry builds a registry from strategies, tried in the given order.
func NewRegistry(strategies ...Strategy) *Registry {
	return &Registry{strategies: strategies}
}

// DefaultRegistry returns the registry used in production: RFC 5005 first,
// then WordPress-synthesized pagination.
func DefaultRegistry() *Registry {
	return NewRegistry(&RFC5005Strategy{}, &WordPressStrategy{})
}

// Reconcile tries each registered strategy in order and returns the first
// one that claims the feed. ok is false if no strategy recognized it.
func (r *Registry) Reconcile(ctx context.Context, fetcher Fetcher, base *feeddoc.Document, oldPages []OldPage) (Update, bool, error) {
	for _, s := range r.strategies {
		update, err := s.Reconcile(ctx, fetcher, base, oldPages)
		if err != nil {
			return Update{}, false, err
		}
		if update.Claimed {
			return update, true, nil
		}
	}
	return Update{}, false, nil
}
