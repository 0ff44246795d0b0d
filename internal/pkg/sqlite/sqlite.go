// Package sqlite provides SQLite database connection utilities.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	// Registers the "sqlite" driver.
	_ "modernc.org/sqlite"
)

// Config contains SQLite connection configuration.
type Config struct {
	// Path is a file path or a sqlite:// / file: URL.
	Path        string
	BusyTimeout time.Duration
}

// Open opens the database, applies connection pragmas and verifies it responds.
// Writes are serialized through a single connection.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	slog.Info("opened sqlite database", "path", pathOf(cfg.Path))
	return db, nil
}

// DSN builds the driver data source name for cfg.
func DSN(cfg Config) (string, error) {
	path := pathOf(cfg.Path)
	if path == "" {
		return "", fmt.Errorf("sqlite: path is required")
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "foreign_keys(1)")

	return "file:" + path + "?" + params.Encode(), nil
}

// MigrateURL returns the golang-migrate database URL for cfg.
func MigrateURL(cfg Config) string {
	return "sqlite://" + pathOf(cfg.Path)
}

func pathOf(raw string) string {
	raw = strings.TrimPrefix(raw, "sqlite://")
	raw = strings.TrimPrefix(raw, "file:")
	if idx := strings.Index(raw, "?"); idx != -1 {
		raw = raw[:idx]
	}
	return raw
}
