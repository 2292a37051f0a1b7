// Package diffengine implements the two-phase reconciliation of a feed's
// (page, post) assignments between the previously stored state and a fresh
// crawl, plus the transactional apply that commits the result.
package diffengine

import (
	"context"
	"database/sql"

	"archivist/internal/model"
)

type oldPost struct {
	id       int64
	pageID   int64
	metadata model.PostMetadata
}

type newPost struct {
	pageURL  string
	pageID   int64 // 0 means "not yet known, resolved by page URL at Apply time"
	metadata model.PostMetadata
}

type updatedPost struct {
	postID   int64
	metadata model.PostMetadata
}

// Diff accumulates the reconciliation state for one feed's crawl. It is not
// safe for concurrent use; one Diff belongs to exactly one crawl.
type Diff struct {
	newPages []string // in NewPage call order: subscription first, then archive pages newest to oldest
	keptIDs  map[int64]bool
	oldPosts map[string]oldPost
	newPosts map[string]newPost
	matched  map[string]bool
	updated  map[string][]updatedPost // keyed by new page URL
}

// New creates an empty Diff.
func New() *Diff {
	return &Diff{
		keptIDs:  make(map[int64]bool),
		oldPosts: make(map[string]oldPost),
		newPosts: make(map[string]newPost),
		matched:  make(map[string]bool),
		updated:  make(map[string][]updatedPost),
	}
}

// Keep marks pageID as an untouched archive page: Apply will neither delete
// it nor update its posts. Its idx is still renumbered, contiguously after
// every restaged page and in the same relative order it already had, so that
// a newly discovered page can be inserted in front of it without colliding
// with its existing idx.
func (d *Diff) Keep(pageID int64) {
	d.keptIDs[pageID] = true
}

func (d *Diff) match(guid string, old oldPost, new newPost) {
	d.matched[guid] = true
	if old.pageID != new.pageID || !old.metadata.Equal(new.metadata) {
		d.updated[new.pageURL] = append(d.updated[new.pageURL], updatedPost{postID: old.id, metadata: new.metadata})
	}
}

// OldPost registers a post currently stored in the database. guid must not
// already have been registered by a prior OldPost call in this crawl.
func (d *Diff) OldPost(guid string, id, pageID int64, metadata model.PostMetadata) {
	old := oldPost{id: id, pageID: pageID, metadata: metadata}
	if np, ok := d.newPosts[guid]; ok {
		delete(d.newPosts, guid)
		d.match(guid, old, np)
		return
	}
	d.oldPosts[guid] = old
}

// NewPage registers a freshly fetched page and its posts. pageID is the
// existing page's database id if this page was already stored, or 0 if it is
// new (resolved to an id during Apply's negative-index staging). Callers
// must register pages in final-order: the subscription page first, then any
// replaced archive pages from newest to oldest.
func (d *Diff) NewPage(pageURL string, pageID int64, posts map[string]model.PostMetadata) {
	d.newPages = append(d.newPages, pageURL)

	for guid, metadata := range posts {
		if d.matched[guid] {
			continue
		}
		if _, exists := d.newPosts[guid]; exists {
			continue
		}
		np := newPost{pageURL: pageURL, pageID: pageID, metadata: metadata}
		if op, ok := d.oldPosts[guid]; ok {
			delete(d.oldPosts, guid)
			d.match(guid, op, np)
		} else {
			d.newPosts[guid] = np
		}
	}
}

// OrphanedOldPostIDs returns the database ids of posts that were stored but
// absent from the fresh crawl: they will be deleted by Apply.
func (d *Diff) OrphanedOldPostIDs() []int64 {
	ids := make([]int64, 0, len(d.oldPosts))
	for _, op := range d.oldPosts {
		ids = append(ids, op.id)
	}
	return ids
}

// Querier is the subset of *sql.Tx the Apply phase needs.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Apply commits the accumulated reconciliation for feedID inside tx. Every
// surviving page — restaged new pages and Kept pages alike — is given a
// negative idx first, then shifted back to its final non-negative value in
// one pass; this avoids (feed_id, idx) uniqueness violations that a direct
// renumbering would hit whenever a newly discovered page needs an idx a kept
// page still occupies. See SPEC_FULL.md section 4.6.
func (d *Diff) Apply(ctx context.Context, feedID int64, tx Querier) error {
	pageIDs, err := d.loadExistingPageIDs(ctx, feedID, tx)
	if err != nil {
		return err
	}

	if err := d.stageNewPages(ctx, feedID, tx, pageIDs); err != nil {
		return err
	}

	if err := d.stageKeptPages(ctx, feedID, tx); err != nil {
		return err
	}

	if err := d.applyUpdatedPosts(ctx, tx, pageIDs); err != nil {
		return err
	}

	if err := d.insertNewPosts(ctx, feedID, tx, pageIDs); err != nil {
		return err
	}

	if err := d.deleteOldPosts(ctx, tx); err != nil {
		return err
	}

	// Anything left with a non-negative idx wasn't restaged above and isn't
	// explicitly kept: it's an orphaned page from a prior crawl.
	if err := d.sweepOrphanedPages(ctx, feedID, tx); err != nil {
		return err
	}

	// New pages are ranked subscription-first then newest-to-oldest archive,
	// and kept pages are ranked right after in their own existing order;
	// shifting every negative rank back to zero-based gives the final,
	// collision-free idx for both groups in one statement.
	if _, err := tx.ExecContext(ctx,
		`UPDATE page SET idx = -idx - 1 WHERE feed_id = ? AND idx < 0`, feedID); err != nil {
		return err
	}

	return nil
}

func (d *Diff) loadExistingPageIDs(ctx context.Context, feedID int64, tx Querier) (map[string]int64, error) {
	query := `SELECT url, id FROM page WHERE feed_id = ?`
	args := []any{feedID}
	if len(d.keptIDs) > 0 {
		ids := make([]any, 0, len(d.keptIDs))
		for id := range d.keptIDs {
			ids = append(ids, id)
		}
		query += ` AND id NOT IN (` + placeholders(len(ids)) + `)`
		args = append(args, ids...)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pageIDs := make(map[string]int64)
	for rows.Next() {
		var url string
		var id int64
		if err := rows.Scan(&url, &id); err != nil {
			return nil, err
		}
		pageIDs[url] = id
	}
	return pageIDs, rows.Err()
}

func (d *Diff) sweepOrphanedPages(ctx context.Context, feedID int64, tx Querier) error {
	query := `DELETE FROM page WHERE feed_id = ? AND idx >= 0`
	args := []any{feedID}
	if len(d.keptIDs) > 0 {
		ids := make([]any, 0, len(d.keptIDs))
		for id := range d.keptIDs {
			ids = append(ids, id)
		}
		query += ` AND id NOT IN (` + placeholders(len(ids)) + `)`
		args = append(args, ids...)
	}
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func placeholders(n int) string {
	b := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

// stageNewPages assigns each page a negative idx by call rank so the new
// page set can coexist with the still-present old rows without violating
// the (feed_id, idx) unique constraint; Apply's final step turns rank back
// into the real idx.
func (d *Diff) stageNewPages(ctx context.Context, feedID int64, tx Querier, pageIDs map[string]int64) error {
	for rank, pageURL := range d.newPages {
		idx := -(rank + 1)
		if existingID, ok := pageIDs[pageURL]; ok {
			if _, err := tx.ExecContext(ctx, `UPDATE page SET idx = ? WHERE id = ?`, idx, existingID); err != nil {
				return err
			}
			continue
		}

		row := tx.QueryRowContext(ctx,
			`INSERT INTO page (feed_id, idx, url) VALUES (?, ?, ?) RETURNING id`, feedID, idx, pageURL)
		var newID int64
		if err := row.Scan(&newID); err != nil {
			return err
		}
		pageIDs[pageURL] = newID
	}
	return nil
}

// stageKeptPages assigns kept pages negative idx values ranked immediately
// after the restaged new pages (see stageNewPages), in their existing
// relative order — the page with the smallest current idx (the newest kept
// page) is ranked first. Apply's final renumbering step then places them
// contiguously right after the new pages, preserving that order without ever
// reusing an idx a new page also needs.
func (d *Diff) stageKeptPages(ctx context.Context, feedID int64, tx Querier) error {
	if len(d.keptIDs) == 0 {
		return nil
	}

	ids := make([]any, 0, len(d.keptIDs))
	for id := range d.keptIDs {
		ids = append(ids, id)
	}
	args := append([]any{feedID}, ids...)
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM page WHERE feed_id = ? AND id IN (`+placeholders(len(ids))+`) ORDER BY idx ASC`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	base := len(d.newPages)
	rank := 0
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return err
		}
		idx := -(base + rank + 1)
		if _, err := tx.ExecContext(ctx, `UPDATE page SET idx = ? WHERE id = ?`, idx, id); err != nil {
			return err
		}
		rank++
	}
	return rows.Err()
}

func (d *Diff) applyUpdatedPosts(ctx context.Context, tx Querier, pageIDs map[string]int64) error {
	for pageURL, posts := range d.updated {
		pageID, ok := pageIDs[pageURL]
		if !ok {
			return ErrUnresolvedPage{URL: pageURL}
		}
		for _, p := range posts {
			if _, err := tx.ExecContext(ctx,
				`UPDATE post SET page_id = ?, link = ?, published = ?, updated = ?, season = ?, episode = ? WHERE id = ?`,
				pageID, p.metadata.Link, p.metadata.Published, nullableUpdated(p.metadata), nullableInt(p.metadata.Season), nullableInt(p.metadata.Episode), p.postID,
			); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Diff) insertNewPosts(ctx context.Context, feedID int64, tx Querier, pageIDs map[string]int64) error {
	for guid, np := range d.newPosts {
		pageID, ok := pageIDs[np.pageURL]
		if !ok {
			return ErrUnresolvedPage{URL: np.pageURL}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO post (guid, page_id, feed_id, link, published, updated, season, episode) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			guid, pageID, feedID, np.metadata.Link, np.metadata.Published, nullableUpdated(np.metadata), nullableInt(np.metadata.Season), nullableInt(np.metadata.Episode),
		); err != nil {
			return err
		}
	}
	return nil
}

func (d *Diff) deleteOldPosts(ctx context.Context, tx Querier) error {
	for _, id := range d.OrphanedOldPostIDs() {
		if _, err := tx.ExecContext(ctx, `DELETE FROM post WHERE id = ?`, id); err != nil {
			return err
		}
	}
	return nil
}

func nullableUpdated(m model.PostMetadata) any {
	if !m.HasUpdated {
		return nil
	}
	return m.Updated
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// ErrUnresolvedPage indicates an internal invariant violation: a post
// reconciliation referenced a page URL that was never registered via NewPage.
type ErrUnresolvedPage struct {
	URL string
}

func (e ErrUnresolvedPage) Error() string {
	return "diffengine: unresolved page " + e.URL
}
