package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema history is kept in code and replayed on startup. Version 1 is the
// original ledger; version 2 adds criteria tracking so reconfigured groups
// get a fresh item ledger instead of silently reusing stale update hashes.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS feed_groups (
			urls_hash BYTEA PRIMARY KEY,
			last_check TIMESTAMPTZ NOT NULL,
			last_seen TIMESTAMPTZ NOT NULL,
			last_update TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS feed_items (
			urls_hash BYTEA NOT NULL REFERENCES feed_groups (urls_hash) ON DELETE CASCADE,
			update_hash BYTEA NOT NULL,
			last_seen TIMESTAMPTZ NOT NULL,
			UNIQUE (urls_hash, update_hash)
		)`,
		`CREATE INDEX IF NOT EXISTS feed_items_urls_hash_idx ON feed_items (urls_hash)`,
		`CREATE TABLE IF NOT EXISTS failures (
			urls_hash BYTEA PRIMARY KEY,
			fail_count INT NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			fail_time TIMESTAMPTZ NOT NULL
		)`,
	},
	{
		// Existing groups get an empty criteria hash, which never matches a
		// real digest, so their first check after upgrade resets the ledger.
		`ALTER TABLE feed_groups ADD COLUMN IF NOT EXISTS criteria_hash BYTEA NOT NULL DEFAULT ''`,
	},
}

// Migrate brings the schema up to date. Each version runs in its own
// transaction and is recorded in schema_migrations, so a partially applied
// version rolls back whole.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	for i, stmts := range migrations {
		version := i + 1
		var applied bool
		err := db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`,
			version).Scan(&applied)
		if err != nil {
			return fmt.Errorf("failed to check migration %d: %w", version, err)
		}
		if applied {
			continue
		}

		if err := applyMigration(ctx, db, version, stmts); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, version int, stmts []string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration %d: %w", version, err)
	}
	defer tx.Rollback()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", version, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
		return fmt.Errorf("failed to record migration %d: %w", version, err)
	}
	return tx.Commit()
}
