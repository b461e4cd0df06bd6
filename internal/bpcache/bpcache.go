// Package bpcache is a small sqlite-backed registry of downloaded
// buildpacks — path, source URL, resolved ref and download time — so a
// repeated staging run in the same buildpacks directory can tell whether
// a directory on disk is a buildpack this tool downloaded (and can
// therefore trust/clean up) versus one a caller dropped there by hand.
//
// Grounded on the teacher's boxer.go (sqlite + database/sql setup,
// WAL mode), generalized to use golang-migrate's iofs migration source
// instead of a single embedded schema.sql executed wholesale.
package bpcache

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Entry records one buildpack download.
type Entry struct {
	Name         string
	Path         string
	SourceURL    string
	ResolvedRef  string
	DownloadedAt time.Time
}

// Cache is a handle on the registry database.
type Cache struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at dbPath and
// brings its schema up to date.
func Open(dbPath string) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("bpcache: opening %s: %w", dbPath, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("bpcache: enabling WAL mode: %w", err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Cache{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("bpcache: loading migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("bpcache: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("bpcache: migration setup: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("bpcache: running migrations: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error { return c.db.Close() }

// Lookup reports whether path is a known download, and its recorded
// metadata if so.
func (c *Cache) Lookup(path string) (Entry, bool, error) {
	row := c.db.QueryRow(`SELECT name, path, source_url, resolved_ref, downloaded_at FROM buildpacks WHERE path = ?`, path)
	var e Entry
	var downloadedAt string
	if err := row.Scan(&e.Name, &e.Path, &e.SourceURL, &e.ResolvedRef, &downloadedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("bpcache: lookup %s: %w", path, err)
	}
	t, err := time.Parse(time.RFC3339, downloadedAt)
	if err != nil {
		return Entry{}, false, fmt.Errorf("bpcache: parsing downloaded_at for %s: %w", path, err)
	}
	e.DownloadedAt = t
	return e, true, nil
}

// Record upserts e into the registry.
func (c *Cache) Record(e Entry) error {
	_, err := c.db.Exec(
		`INSERT INTO buildpacks (name, path, source_url, resolved_ref, downloaded_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET name=excluded.name, source_url=excluded.source_url, resolved_ref=excluded.resolved_ref, downloaded_at=excluded.downloaded_at`,
		e.Name, e.Path, e.SourceURL, e.ResolvedRef, e.DownloadedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("bpcache: recording %s: %w", e.Path, err)
	}
	return nil
}

// Delete removes path's entry, if any.
func (c *Cache) Delete(path string) error {
	if _, err := c.db.Exec(`DELETE FROM buildpacks WHERE path = ?`, path); err != nil {
		return fmt.Errorf("bpcache: deleting %s: %w", path, err)
	}
	return nil
}

// Clear empties the registry entirely — used by every `--clean`, which
// also removes the downloaded buildpack directories.
func (c *Cache) Clear() error {
	if _, err := c.db.Exec(`DELETE FROM buildpacks`); err != nil {
		return fmt.Errorf("bpcache: clearing registry: %w", err)
	}
	return nil
}
