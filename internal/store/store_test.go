package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/yaf2m/internal/config"
)

func setupTestStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return New(db), mock, func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	}
}

func testHash(seed string) config.Hash {
	return config.HashString(seed)
}

func TestClaimGroupStatuses(t *testing.T) {
	urls := testHash("urls")
	criteria := testHash("criteria")
	now := time.Now().UTC()
	staleBefore := now.Add(-time.Hour)

	for _, want := range []Status{StatusNew, StatusNewCriteria, StatusUpdate, StatusWait} {
		t.Run(string(want), func(t *testing.T) {
			st, mock, cleanup := setupTestStore(t)
			defer cleanup()

			mock.ExpectQuery("WITH existing AS").
				WithArgs(urls.Bytes(), criteria.Bytes(), now, staleBefore).
				WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(want)))

			got, err := st.ClaimGroup(context.Background(), st.db, urls, criteria, now, staleBefore)
			if err != nil {
				t.Fatalf("ClaimGroup failed: %v", err)
			}
			if got != want {
				t.Errorf("ClaimGroup = %q, want %q", got, want)
			}
		})
	}
}

func TestUpsertItem(t *testing.T) {
	urls := testHash("urls")
	update := testHash("item")
	now := time.Now().UTC()

	for _, inserted := range []bool{true, false} {
		st, mock, cleanup := setupTestStore(t)

		mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO feed_items")).
			WithArgs(urls.Bytes(), update.Bytes(), now).
			WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(inserted))

		got, err := st.UpsertItem(context.Background(), st.db, urls, update, now)
		if err != nil {
			t.Fatalf("UpsertItem failed: %v", err)
		}
		if got != inserted {
			t.Errorf("UpsertItem = %v, want %v", got, inserted)
		}
		cleanup()
	}
}

func TestRecordFailureEscapesError(t *testing.T) {
	st, mock, cleanup := setupTestStore(t)
	defer cleanup()

	urls := testHash("urls")
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	stored := "2026-01-02T03:04:05Z: fetch failed: &lt;nil&gt; body"

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO failures")).
		WithArgs(urls.Bytes(), stored, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := st.RecordFailure(context.Background(), urls, "fetch failed: <nil> body", now)
	if err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
}

func TestFailingGroups(t *testing.T) {
	st, mock, cleanup := setupTestStore(t)
	defer cleanup()

	a, b := testHash("a"), testHash("b")
	when := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"urls_hash", "fail_count", "error", "fail_time"}).
		AddRow(a.Bytes(), 3, "boom", when).
		AddRow(b.Bytes(), 2, "crash", when)

	mock.ExpectQuery("SELECT urls_hash, fail_count, error, fail_time").
		WillReturnRows(rows)

	failing, err := st.FailingGroups(context.Background())
	if err != nil {
		t.Fatalf("FailingGroups failed: %v", err)
	}
	if len(failing) != 2 {
		t.Fatalf("got %d failures, want 2", len(failing))
	}
	if failing[0].URLsHash != a || failing[0].FailCount != 3 || failing[0].Error != "boom" {
		t.Errorf("unexpected first failure: %+v", failing[0])
	}
}

func TestFailingGroupsRejectsMalformedHash(t *testing.T) {
	st, mock, cleanup := setupTestStore(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{"urls_hash", "fail_count", "error", "fail_time"}).
		AddRow([]byte{1, 2, 3}, 2, "boom", time.Now())
	mock.ExpectQuery("SELECT urls_hash, fail_count, error, fail_time").
		WillReturnRows(rows)

	if _, err := st.FailingGroups(context.Background()); err == nil {
		t.Error("expected error for malformed urls_hash")
	}
}

func TestDeleteOldGroupsExcludesLive(t *testing.T) {
	st, mock, cleanup := setupTestStore(t)
	defer cleanup()

	cutoff := time.Now().UTC().Add(-7 * 24 * time.Hour)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM feed_groups WHERE last_seen < $1 AND NOT (urls_hash = ANY($2))")).
		WithArgs(cutoff, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := st.DeleteOldGroups(context.Background(), cutoff, []config.Hash{testHash("a"), testHash("b")})
	if err != nil {
		t.Fatalf("DeleteOldGroups failed: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
}

func TestGroupRowMaintenance(t *testing.T) {
	st, mock, cleanup := setupTestStore(t)
	defer cleanup()

	urls := testHash("urls")
	now := time.Now().UTC()
	cutoff := now.Add(-24 * time.Hour)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE feed_groups SET last_seen = $2")).
		WithArgs(urls.Bytes(), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM feed_items WHERE urls_hash = $1")).
		WithArgs(urls.Bytes()).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE feed_groups SET last_update = $2")).
		WithArgs(urls.Bytes(), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM feed_items WHERE urls_hash = $1 AND last_seen < $2")).
		WithArgs(urls.Bytes(), cutoff).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM failures WHERE urls_hash = $1")).
		WithArgs(urls.Bytes()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM failures WHERE fail_time < $1")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	if err := st.TouchLastSeen(ctx, urls, now); err != nil {
		t.Errorf("TouchLastSeen failed: %v", err)
	}
	if err := st.ResetItems(ctx, st.db, urls); err != nil {
		t.Errorf("ResetItems failed: %v", err)
	}
	if err := st.SetLastUpdate(ctx, st.db, urls, now); err != nil {
		t.Errorf("SetLastUpdate failed: %v", err)
	}
	if err := st.DeleteOldItems(ctx, st.db, urls, cutoff); err != nil {
		t.Errorf("DeleteOldItems failed: %v", err)
	}
	if err := st.ClearFailure(ctx, st.db, urls); err != nil {
		t.Errorf("ClearFailure failed: %v", err)
	}
	if err := st.DeleteOldFailures(ctx, cutoff); err != nil {
		t.Errorf("DeleteOldFailures failed: %v", err)
	}
}

func TestIsGroupWaiting(t *testing.T) {
	st, mock, cleanup := setupTestStore(t)
	defer cleanup()

	urls := testHash("urls")
	staleBefore := time.Now().UTC().Add(-time.Hour)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(urls.Bytes(), staleBefore).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	waiting, err := st.IsGroupWaiting(context.Background(), urls, staleBefore)
	if err != nil {
		t.Fatalf("IsGroupWaiting failed: %v", err)
	}
	if !waiting {
		t.Error("expected waiting = true")
	}
}

func TestCutoffSaturatesAtEpoch(t *testing.T) {
	now := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)

	normal := Cutoff(now, 7*24*time.Hour)
	if want := now.Add(-7 * 24 * time.Hour); !normal.Equal(want) {
		t.Errorf("Cutoff = %v, want %v", normal, want)
	}

	extreme := Cutoff(now, 1<<62)
	if !extreme.Equal(time.Unix(0, 0).UTC()) {
		t.Errorf("extreme retention should clamp to epoch, got %v", extreme)
	}
}

func TestMigrateAppliesPendingVersions(t *testing.T) {
	st, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	// Version 1 already applied, version 2 pending.
	mock.ExpectQuery("SELECT EXISTS").WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT EXISTS").WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("ALTER TABLE feed_groups ADD COLUMN IF NOT EXISTS criteria_hash")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations")).
		WithArgs(2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := Migrate(context.Background(), st.db); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
}
