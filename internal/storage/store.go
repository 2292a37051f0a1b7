// Package storage persists the feed/page/post/proxy domain model and
// provides the per-feed reads the orchestrator needs before running a
// strategy, plus the transactional write path that commits a diffengine.Diff.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"archivist/internal/core"
	"archivist/internal/diffengine"
	"archivist/internal/model"
	"archivist/internal/strategy"
)

// ErrFeedNotFound is returned when a feed id has no matching row.
var ErrFeedNotFound = errors.New("storage: feed not found")

// Store is the persistence gateway for one database.
type Store struct {
	db     *core.Database
	logger *core.Logger
}

// New constructs a Store bound to db.
func New(db *core.Database, logger *core.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// GetFeed loads a feed by id, along with its proxy if one is assigned.
func (s *Store) GetFeed(ctx context.Context, feedID int64) (model.Feed, *model.Proxy, error) {
	row := s.db.QueryRowWithTimeout(ctx, `
		SELECT f.id, f.url, f.proxy_id, f.properties, f.next_check,
		       p.id, p.url, p.priority
		FROM feed f
		LEFT JOIN proxy p ON p.id = f.proxy_id
		WHERE f.id = ?`, feedID)

	var feed model.Feed
	var proxyID sql.NullInt64
	var pID sql.NullInt64
	var pURL sql.NullString
	var pPriority sql.NullInt64

	if err := row.Scan(&feed.ID, &feed.URL, &proxyID, &feed.Properties, &feed.NextCheck,
		&pID, &pURL, &pPriority); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Feed{}, nil, ErrFeedNotFound
		}
		return model.Feed{}, nil, core.NewDatabaseError("load feed", err)
	}

	if proxyID.Valid {
		id := proxyID.Int64
		feed.ProxyID = &id
	}

	var proxy *model.Proxy
	if pID.Valid {
		proxy = &model.Proxy{ID: pID.Int64, URL: pURL.String, Priority: int(pPriority.Int64)}
	}

	return feed, proxy, nil
}

// DueFeeds returns the ids of every feed whose next_check has passed.
func (s *Store) DueFeeds(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryWithTimeout(ctx, `SELECT id FROM feed WHERE next_check <= CURRENT_TIMESTAMP ORDER BY next_check`)
	if err != nil {
		return nil, core.NewDatabaseError("list due feeds", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, core.NewDatabaseError("scan due feed", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// BumpNextCheck sets feed.next_check to now+interval.
func (s *Store) BumpNextCheck(ctx context.Context, feedID int64, interval time.Duration) error {
	_, err := s.db.ExecWithTimeout(ctx,
		`UPDATE feed SET next_check = datetime(CURRENT_TIMESTAMP, '+' || ? || ' seconds') WHERE id = ?`,
		int64(interval.Seconds()), feedID)
	if err != nil {
		return core.NewDatabaseError("bump next_check", err)
	}
	return nil
}

// SubscriptionPage loads the feed's idx-0 page, if one has been stored yet.
func (s *Store) SubscriptionPage(ctx context.Context, feedID int64) (model.Page, bool, error) {
	row := s.db.QueryRowWithTimeout(ctx,
		`SELECT id, feed_id, idx, url FROM page WHERE feed_id = ? AND idx = 0`, feedID)

	var page model.Page
	if err := row.Scan(&page.ID, &page.FeedID, &page.Idx, &page.URL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Page{}, false, nil
		}
		return model.Page{}, false, core.NewDatabaseError("load subscription page", err)
	}
	return page, true, nil
}

// PageCount returns the number of pages currently stored for feedID.
func (s *Store) PageCount(ctx context.Context, feedID int64) (int, error) {
	var n int
	if err := s.db.QueryRowWithTimeout(ctx, `SELECT COUNT(*) FROM page WHERE feed_id = ?`, feedID).Scan(&n); err != nil {
		return 0, core.NewDatabaseError("count pages", err)
	}
	return n, nil
}

// PostsByPage loads every post attached to pageID, keyed by guid.
func (s *Store) PostsByPage(ctx context.Context, pageID int64) (map[string]model.PostMetadata, error) {
	rows, err := s.db.QueryWithTimeout(ctx,
		`SELECT guid, link, published, updated, season, episode FROM post WHERE page_id = ?`, pageID)
	if err != nil {
		return nil, core.NewDatabaseError("load page posts", err)
	}
	defer rows.Close()

	posts := make(map[string]model.PostMetadata)
	for rows.Next() {
		var guid string
		var meta model.PostMetadata
		var updated sql.NullTime
		var season, episode sql.NullInt64
		if err := rows.Scan(&guid, &meta.Link, &meta.Published, &updated, &season, &episode); err != nil {
			return nil, core.NewDatabaseError("scan page post", err)
		}
		if updated.Valid {
			meta.Updated = updated.Time
			meta.HasUpdated = true
		}
		if season.Valid {
			v := int(season.Int64)
			meta.Season = &v
		}
		if episode.Valid {
			v := int(episode.Int64)
			meta.Episode = &v
		}
		posts[guid] = meta
	}
	return posts, rows.Err()
}

// OldPostRow is a stored post along with identifying columns the diff engine
// needs to register it via diffengine.Diff.OldPost.
type OldPostRow struct {
	ID       int64
	PageID   int64
	GUID     string
	Metadata model.PostMetadata
}

// PostsForPages loads every post attached to any of pageIDs.
func (s *Store) PostsForPages(ctx context.Context, pageIDs []int64) ([]OldPostRow, error) {
	if len(pageIDs) == 0 {
		return nil, nil
	}

	query := `SELECT id, page_id, guid, link, published, updated, season, episode FROM post WHERE page_id IN (` + placeholders(len(pageIDs)) + `)`
	args := make([]any, len(pageIDs))
	for i, id := range pageIDs {
		args[i] = id
	}

	rows, err := s.db.QueryWithTimeout(ctx, query, args...)
	if err != nil {
		return nil, core.NewDatabaseError("load posts for pages", err)
	}
	defer rows.Close()

	var out []OldPostRow
	for rows.Next() {
		var r OldPostRow
		var updated sql.NullTime
		var season, episode sql.NullInt64
		if err := rows.Scan(&r.ID, &r.PageID, &r.GUID, &r.Metadata.Link, &r.Metadata.Published, &updated, &season, &episode); err != nil {
			return nil, core.NewDatabaseError("scan post for pages", err)
		}
		if updated.Valid {
			r.Metadata.Updated = updated.Time
			r.Metadata.HasUpdated = true
		}
		if season.Valid {
			v := int(season.Int64)
			r.Metadata.Season = &v
		}
		if episode.Valid {
			v := int(episode.Int64)
			r.Metadata.Episode = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PagesAfter loads every page with idx >= fromIdx, ordered oldest first
// (descending idx, since idx 0 is newest), for feedID.
func (s *Store) PagesAfter(ctx context.Context, feedID int64, fromIdx int) ([]model.Page, error) {
	rows, err := s.db.QueryWithTimeout(ctx,
		`SELECT id, feed_id, idx, url FROM page WHERE feed_id = ? AND idx >= ? ORDER BY idx DESC`, feedID, fromIdx)
	if err != nil {
		return nil, core.NewDatabaseError("load pages after idx", err)
	}
	defer rows.Close()

	var pages []model.Page
	for rows.Next() {
		var p model.Page
		if err := rows.Scan(&p.ID, &p.FeedID, &p.Idx, &p.URL); err != nil {
			return nil, core.NewDatabaseError("scan page", err)
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// OldPagesForStrategy loads every stored archive page (idx >= 1), oldest
// first, with each page's LastUpdated fingerprint computed from its
// currently-attached posts, for use as strategy.Reconcile's oldPages
// argument. The subscription page (idx 0) is excluded: strategies receive it
// separately as the freshly-fetched base document.
func (s *Store) OldPagesForStrategy(ctx context.Context, feedID int64) ([]strategy.OldPage, error) {
	// PagesAfter orders by idx descending, which for archive pages (larger
	// idx = older) is already oldest first, exactly what strategies want.
	pages, err := s.PagesAfter(ctx, feedID, 1)
	if err != nil {
		return nil, err
	}

	out := make([]strategy.OldPage, 0, len(pages))
	for _, p := range pages {
		posts, err := s.PostsByPage(ctx, p.ID)
		if err != nil {
			return nil, err
		}

		out = append(out, strategy.OldPage{
			URL:         p.URL,
			Idx:         p.Idx,
			LastUpdated: lastUpdatedFingerprint(posts),
		})
	}
	return out, nil
}

func lastUpdatedFingerprint(posts map[string]model.PostMetadata) *strategy.LastUpdatedKey {
	var best *strategy.LastUpdatedKey
	for _, meta := range posts {
		if !meta.HasUpdated {
			continue
		}
		if best == nil || meta.Updated.After(best.Updated) {
			key := strategy.LastUpdatedKey{Updated: meta.Updated, Link: meta.Link}
			best = &key
		}
	}
	return best
}

// ApplyDiff commits diff inside one BEGIN IMMEDIATE transaction held for the
// lifetime of the call, as required by the atomicity guarantee of the
// persistence layer, and to acquire the feed's write lock up front per
// SPEC_FULL.md section 5.
func (s *Store) ApplyDiff(ctx context.Context, feedID int64, diff *diffengine.Diff) error {
	return s.db.TransactionImmediate(ctx, func(conn *sql.Conn) error {
		return diff.Apply(ctx, feedID, conn)
	})
}

// CreateFeed inserts a new feed row and returns its id.
func (s *Store) CreateFeed(ctx context.Context, url string, proxyID *int64) (int64, error) {
	res, err := s.db.ExecWithTimeout(ctx,
		`INSERT INTO feed (url, proxy_id, properties) VALUES (?, ?, '{}')`, url, proxyID)
	if err != nil {
		return 0, core.NewDatabaseError("create feed", err)
	}
	return res.LastInsertId()
}

// FeedIDByURL returns the id of the feed subscribed at url.
func (s *Store) FeedIDByURL(ctx context.Context, url string) (int64, error) {
	var id int64
	row := s.db.QueryRowWithTimeout(ctx, `SELECT id FROM feed WHERE url = ?`, url)
	if err := row.Scan(&id); err != nil {
		return 0, core.NewDatabaseError("look up feed by url", err)
	}
	return id, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	out := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
