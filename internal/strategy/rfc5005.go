package strategy

import (
	"context"

	"archivist/internal/feeddoc"
)

// RFC5005Strategy follows RFC 5005 prev-archive link chains.
type RFC5005Strategy struct{}

// Name implements Strategy.
func (s *RFC5005Strategy) Name() string { return "rfc5005" }

// Reconcile implements Strategy. See SPEC_FULL.md section 4.3 for the
// algorithm this mirrors.
func (s *RFC5005Strategy) Reconcile(ctx context.Context, fetcher Fetcher, base *feeddoc.Document, oldPages []OldPage) (Update, error) {
	if base.FeedType() == feeddoc.TypeComplete {
		// A COMPLETE document is a self-contained snapshot of the whole feed:
		// there is no archive left to keep or walk.
		return Update{Claimed: true, KeepExisting: 0, NewPages: nil}, nil
	}
	if base.FeedType() != feeddoc.TypeArchive && base.GetLink(feeddoc.RelPrevArchive) == "" {
		// No fh:complete flag and no prev-archive link at all: this document
		// doesn't use RFC 5005 paging, so another strategy should try.
		return Update{}, nil
	}

	// oldPages is ordered oldest first; a page's 1-indexed position in this
	// order is exactly how many oldest pages to retain if we walk back to it.
	existingPosition := make(map[string]int, len(oldPages))
	for i, p := range oldPages {
		existingPosition[p.URL] = i + 1
	}

	var newPages []*feeddoc.Document
	keepExisting := 0
	seen := make(map[string]bool)
	page := base

	for {
		// A prev-archive link back to the page being read is a cycle too.
		seen[page.Self()] = true
		prevArchive := page.GetLink(feeddoc.RelPrevArchive)
		if prevArchive == "" {
			break
		}
		if seen[prevArchive] {
			break
		}
		seen[prevArchive] = true

		if pos, ok := existingPosition[prevArchive]; ok {
			keepExisting = pos
			break
		}

		fetched, err := fetcher.Fetch(ctx, prevArchive, FetchOptions{MaxStale: true, Referer: page.Self()})
		if err != nil {
			return Update{}, err
		}
		newPages = append(newPages, fetched)
		page = fetched
	}

	reversed := make([]*feeddoc.Document, 0, len(newPages))
	for i := len(newPages) - 1; i >= 0; i-- {
		reversed = append(reversed, newPages[i])
	}

	return Update{Claimed: true, KeepExisting: keepExisting, NewPages: reversed}, nil
}
