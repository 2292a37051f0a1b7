package storage

import (
	"context"

	"archivist/internal/core"
)

// Migrations returns the ordered set of schema migrations for the feed/page/
// post/proxy tables. There is a single migration: unlike the teacher's
// per-feature migration directories, this schema is small enough and stable
// enough to bootstrap in one step, and a real second migration would be added
// here the same way if the schema ever needs to grow.
func Migrations() []core.Migration {
	return []core.Migration{
		{
			Version:     1,
			Name:        "create_archive_tables",
			Description: "feed, page, post and proxy tables backing the archive reconciliation engine",
			UpSQL: `
				CREATE TABLE proxy (
					id       INTEGER PRIMARY KEY AUTOINCREMENT,
					url      TEXT NOT NULL UNIQUE,
					priority INTEGER NOT NULL DEFAULT 0
				);

				CREATE TABLE feed (
					id         INTEGER PRIMARY KEY AUTOINCREMENT,
					url        TEXT NOT NULL UNIQUE,
					proxy_id   INTEGER REFERENCES proxy(id) ON DELETE SET NULL,
					properties TEXT NOT NULL DEFAULT '{}',
					next_check TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				);

				CREATE TABLE page (
					id      INTEGER PRIMARY KEY AUTOINCREMENT,
					feed_id INTEGER NOT NULL REFERENCES feed(id) ON DELETE CASCADE,
					idx     INTEGER NOT NULL,
					url     TEXT NOT NULL,
					UNIQUE (feed_id, idx),
					UNIQUE (feed_id, url)
				);

				CREATE TABLE post (
					id        INTEGER PRIMARY KEY AUTOINCREMENT,
					feed_id   INTEGER NOT NULL REFERENCES feed(id) ON DELETE CASCADE,
					page_id   INTEGER NOT NULL REFERENCES page(id) ON DELETE RESTRICT,
					guid      TEXT NOT NULL,
					link      TEXT NOT NULL DEFAULT '',
					published TIMESTAMP NOT NULL,
					updated   TIMESTAMP,
					season    INTEGER,
					episode   INTEGER,
					UNIQUE (feed_id, guid)
				);

				CREATE INDEX idx_page_feed_id ON page(feed_id);
				CREATE INDEX idx_post_feed_id ON post(feed_id);
				CREATE INDEX idx_post_page_id ON post(page_id);
				CREATE INDEX idx_feed_next_check ON feed(next_check);
			`,
			DownSQL: `
				DROP INDEX IF EXISTS idx_feed_next_check;
				DROP INDEX IF EXISTS idx_post_page_id;
				DROP INDEX IF EXISTS idx_post_feed_id;
				DROP INDEX IF EXISTS idx_page_feed_id;
				DROP TABLE IF EXISTS post;
				DROP TABLE IF EXISTS page;
				DROP TABLE IF EXISTS feed;
				DROP TABLE IF EXISTS proxy;
			`,
		},
	}
}

// Manager bootstraps and applies the schema migrations using core's generic
// migration machinery, mirroring the teacher's per-feature migration manager.
type Manager struct {
	migrationService *core.MigrationService
	logger           *core.Logger
}

// NewManager constructs a Manager bound to db.
func NewManager(db *core.Database, logger *core.Logger) *Manager {
	return &Manager{
		migrationService: core.NewMigrationService(db, logger),
		logger:           logger,
	}
}

// Migrate initializes the migrations table and applies every migration not
// yet recorded as applied.
func (m *Manager) Migrate(ctx context.Context) error {
	if err := m.migrationService.InitMigrations(ctx); err != nil {
		return err
	}
	for _, migration := range Migrations() {
		if err := m.migrationService.ApplyMigration(ctx, migration); err != nil {
			return err
		}
	}
	return nil
}
