// Package store is the Postgres ledger behind the dispatch pipeline. It
// tracks which feed groups exist, which items have already been mailed, and
// which groups keep failing. Multiple agent processes may share one database;
// the claim statement is the only coordination between them.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"html"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/yaf2m/internal/config"
)

// Status classifies the outcome of claiming a feed group for a check.
type Status string

const (
	// StatusNew means the group was inserted for the first time.
	StatusNew Status = "new"
	// StatusNewCriteria means the group existed but its update keys or
	// filter changed, so its seen-item ledger must be rebuilt.
	StatusNewCriteria Status = "new-criteria"
	// StatusUpdate means the group is due for a regular check.
	StatusUpdate Status = "update"
	// StatusWait means another process checked the group recently.
	StatusWait Status = "wait"
)

// DBTX is the subset of database/sql shared by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store wraps the database handle with the ledger queries.
type Store struct {
	db *sql.DB
}

// New returns a Store over the given database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Begin opens a transaction for one group check.
func (s *Store) Begin(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// The claim is a single statement so concurrent processes race on one row
// lock instead of a read-then-write window. `existing` snapshots the stored
// criteria before the upsert overwrites it; `(xmax = 0)` distinguishes an
// insert from an update of the conflicting row.
const claimQuery = `
WITH existing AS (
  SELECT criteria_hash FROM feed_groups WHERE urls_hash = $1
), claim AS (
  INSERT INTO feed_groups (urls_hash, criteria_hash, last_check, last_seen)
  VALUES ($1, $2, $3, $3)
  ON CONFLICT (urls_hash) DO UPDATE SET last_check = $3, criteria_hash = $2
  WHERE feed_groups.last_check < $4
  RETURNING (xmax = 0) AS inserted
)
SELECT CASE
  WHEN EXISTS (SELECT 1 FROM claim WHERE inserted) THEN 'new'
  WHEN EXISTS (SELECT 1 FROM claim)
   AND EXISTS (SELECT 1 FROM existing WHERE criteria_hash <> $2) THEN 'new-criteria'
  WHEN EXISTS (SELECT 1 FROM claim) THEN 'update'
  ELSE 'wait'
END AS status`

// ClaimGroup attempts to claim the group for a check. staleBefore is the
// newest last_check that still counts as due (now minus the group interval).
func (s *Store) ClaimGroup(ctx context.Context, tx DBTX, urlsHash, criteriaHash config.Hash, now, staleBefore time.Time) (Status, error) {
	var status string
	err := tx.QueryRowContext(ctx, claimQuery,
		urlsHash.Bytes(), criteriaHash.Bytes(), now, staleBefore).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("failed to claim feed group %s: %w", urlsHash, err)
	}
	return Status(status), nil
}

// TouchLastSeen marks the group as still configured so retention does not
// collect it. A no-op for groups not inserted yet.
func (s *Store) TouchLastSeen(ctx context.Context, urlsHash config.Hash, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE feed_groups SET last_seen = $2 WHERE urls_hash = $1`,
		urlsHash.Bytes(), now)
	if err != nil {
		return fmt.Errorf("failed to touch feed group %s: %w", urlsHash, err)
	}
	return nil
}

// IsGroupWaiting reports whether the group was checked after staleBefore,
// meaning a concurrent process already handled it.
func (s *Store) IsGroupWaiting(ctx context.Context, urlsHash config.Hash, staleBefore time.Time) (bool, error) {
	var waiting bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM feed_groups WHERE urls_hash = $1 AND last_check >= $2)`,
		urlsHash.Bytes(), staleBefore).Scan(&waiting)
	if err != nil {
		return false, fmt.Errorf("failed to check feed group %s: %w", urlsHash, err)
	}
	return waiting, nil
}

// UpsertItem records that the item was seen and returns true when the item
// is new for this group.
func (s *Store) UpsertItem(ctx context.Context, tx DBTX, urlsHash, updateHash config.Hash, now time.Time) (bool, error) {
	var inserted bool
	err := tx.QueryRowContext(ctx, `
INSERT INTO feed_items (urls_hash, update_hash, last_seen)
VALUES ($1, $2, $3)
ON CONFLICT (urls_hash, update_hash) DO UPDATE SET last_seen = $3
RETURNING (xmax = 0) AS inserted`,
		urlsHash.Bytes(), updateHash.Bytes(), now).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert item for %s: %w", urlsHash, err)
	}
	return inserted, nil
}

// ResetItems drops the group's seen-item ledger. Called when the group's
// criteria changed, since old update hashes no longer mean anything.
func (s *Store) ResetItems(ctx context.Context, tx DBTX, urlsHash config.Hash) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM feed_items WHERE urls_hash = $1`, urlsHash.Bytes())
	if err != nil {
		return fmt.Errorf("failed to reset items for %s: %w", urlsHash, err)
	}
	return nil
}

// SetLastUpdate records that mail went out for this group.
func (s *Store) SetLastUpdate(ctx context.Context, tx DBTX, urlsHash config.Hash, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE feed_groups SET last_update = $2 WHERE urls_hash = $1`,
		urlsHash.Bytes(), now)
	if err != nil {
		return fmt.Errorf("failed to set last update for %s: %w", urlsHash, err)
	}
	return nil
}

// Failure is one row of the failure ledger.
type Failure struct {
	URLsHash  config.Hash
	FailCount int
	Error     string
	FailTime  time.Time
}

// RecordFailure increments the group's failure count and stores the latest
// error. The message is HTML-escaped here because it ends up verbatim in the
// failure report mail body.
func (s *Store) RecordFailure(ctx context.Context, urlsHash config.Hash, errMsg string, now time.Time) error {
	stored := fmt.Sprintf("%s: %s", now.UTC().Format(time.RFC3339), html.EscapeString(errMsg))
	_, err := s.db.ExecContext(ctx, `
INSERT INTO failures (urls_hash, fail_count, error, fail_time)
VALUES ($1, 1, $2, $3)
ON CONFLICT (urls_hash) DO UPDATE
SET fail_count = failures.fail_count + 1, error = $2, fail_time = $3`,
		urlsHash.Bytes(), stored, now)
	if err != nil {
		return fmt.Errorf("failed to record failure for %s: %w", urlsHash, err)
	}
	return nil
}

// ClearFailure removes the group's failure row after a successful check.
// Runs inside the check transaction so a committed success can never leave a
// stale failure behind.
func (s *Store) ClearFailure(ctx context.Context, tx DBTX, urlsHash config.Hash) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM failures WHERE urls_hash = $1`, urlsHash.Bytes())
	if err != nil {
		return fmt.Errorf("failed to clear failure for %s: %w", urlsHash, err)
	}
	return nil
}

// FailingGroups returns groups that failed at least twice in a row. A single
// failure is usually a flaky endpoint and not worth a report.
func (s *Store) FailingGroups(ctx context.Context) ([]Failure, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT urls_hash, fail_count, error, fail_time
FROM failures WHERE fail_count >= 2 ORDER BY urls_hash`)
	if err != nil {
		return nil, fmt.Errorf("failed to query failing groups: %w", err)
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var (
			f   Failure
			raw []byte
		)
		if err := rows.Scan(&raw, &f.FailCount, &f.Error, &f.FailTime); err != nil {
			return nil, fmt.Errorf("failed to scan failure row: %w", err)
		}
		h, ok := config.HashFromBytes(raw)
		if !ok {
			return nil, fmt.Errorf("malformed urls_hash in failures table: %d bytes", len(raw))
		}
		f.URLsHash = h
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteOldItems drops items of the group not seen since cutoff. Runs inside
// the group's check transaction so it only fires after a successful check.
func (s *Store) DeleteOldItems(ctx context.Context, tx DBTX, urlsHash config.Hash, cutoff time.Time) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM feed_items WHERE urls_hash = $1 AND last_seen < $2`,
		urlsHash.Bytes(), cutoff)
	if err != nil {
		return fmt.Errorf("failed to delete old items for %s: %w", urlsHash, err)
	}
	return nil
}

// DeleteOldGroups drops groups gone from the configuration longer than the
// cutoff. Groups still configured are excluded so a long outage cannot
// collect a live group. Items follow via ON DELETE CASCADE.
func (s *Store) DeleteOldGroups(ctx context.Context, cutoff time.Time, live []config.Hash) (int64, error) {
	hashes := make(pq.ByteaArray, len(live))
	for i, h := range live {
		hashes[i] = h.Bytes()
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM feed_groups WHERE last_seen < $1 AND NOT (urls_hash = ANY($2))`,
		cutoff, hashes)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old feed groups: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteOldFailures drops failure rows not updated since cutoff.
func (s *Store) DeleteOldFailures(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM failures WHERE fail_time < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to delete old failures: %w", err)
	}
	return nil
}

// Cutoff returns now minus keepOld, saturating at the Unix epoch so an
// extreme retention setting cannot wrap into the future.
func Cutoff(now time.Time, keepOld time.Duration) time.Time {
	epoch := time.Unix(0, 0).UTC()
	cut := now.Add(-keepOld)
	if cut.Before(epoch) {
		return epoch
	}
	return cut
}
