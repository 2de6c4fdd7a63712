package tracking

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func mustTime(t *testing.T, raw string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		t.Fatalf("parsing %q: %v", raw, err)
	}
	return ts
}

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return db, mock, func() { db.Close() }
}

func tokenFlagsRows(status string, opens, clicks, device bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"status", "track_opens", "track_clicks", "track_device"}).
		AddRow(status, opens, clicks, device)
}

func TestRecordOpenFirstEvent(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT status, track_opens").
		WithArgs("et_x").
		WillReturnRows(tokenFlagsRows(StatusActive, true, true, true))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO advisory_tracking_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE advisory_tracking_tokens").
		WithArgs("et_x", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := NewStore(db)
	err := store.RecordOpen(context.Background(), "et_x", RequestMeta{
		IP:        "203.0.113.9:5000",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0) Chrome/120.0",
	})
	if err != nil {
		t.Fatalf("RecordOpen() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRecordOpenDuplicateSkipsUniqueCounter(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT status, track_opens").
		WithArgs("et_x").
		WillReturnRows(tokenFlagsRows(StatusActive, true, true, true))

	mock.ExpectBegin()
	// The hashed insert conflicts with the earlier event in the bucket.
	mock.ExpectExec("INSERT INTO advisory_tracking_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	// The repeat is appended hashless and still bumps open_count, but
	// the unique increment is zero.
	mock.ExpectExec("INSERT INTO advisory_tracking_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE advisory_tracking_tokens").
		WithArgs("et_x", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := NewStore(db)
	if err := store.RecordOpen(context.Background(), "et_x", RequestMeta{}); err != nil {
		t.Fatalf("RecordOpen() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// Two identical opens can hit the store at the same instant, a mail
// client prefetch plus the render fetching the pixel. The loser of the
// index conflict must still land its event and its open_count bump
// instead of erroring out of the transaction.
func TestRecordOpenLosingConcurrentRaceStillCounts(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT status, track_opens").
		WithArgs("et_x").
		WillReturnRows(tokenFlagsRows(StatusActive, true, true, true))

	mock.ExpectBegin()
	// The winning writer committed first; this insert resolves the
	// conflict with zero rows rather than a unique violation.
	mock.ExpectExec("ON CONFLICT \\(event_hash\\)").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO advisory_tracking_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE advisory_tracking_tokens").
		WithArgs("et_x", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := NewStore(db)
	if err := store.RecordOpen(context.Background(), "et_x", RequestMeta{
		IP:        "203.0.113.9",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0) Chrome/120.0",
	}); err != nil {
		t.Fatalf("RecordOpen() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRecordOpenUnknownToken(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT status, track_opens").
		WithArgs("et_missing").
		WillReturnError(sql.ErrNoRows)

	store := NewStore(db)
	err := store.RecordOpen(context.Background(), "et_missing", RequestMeta{})
	if !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("error = %v, want ErrTokenNotFound", err)
	}
}

func TestRecordOpenInactiveToken(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT status, track_opens").
		WithArgs("et_x").
		WillReturnRows(tokenFlagsRows(StatusExpired, true, true, true))

	store := NewStore(db)
	err := store.RecordOpen(context.Background(), "et_x", RequestMeta{})
	if !errors.Is(err, ErrTokenInactive) {
		t.Errorf("error = %v, want ErrTokenInactive", err)
	}
}

func TestRecordOpenFlagOff(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT status, track_opens").
		WithArgs("et_x").
		WillReturnRows(tokenFlagsRows(StatusActive, false, true, true))

	store := NewStore(db)
	// Opens disabled for this send: no event, no error.
	if err := store.RecordOpen(context.Background(), "et_x", RequestMeta{}); err != nil {
		t.Fatalf("RecordOpen() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected writes: %v", err)
	}
}

func TestRecordClickStoresLink(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT status, track_opens").
		WithArgs("et_x").
		WillReturnRows(tokenFlagsRows(StatusActive, true, true, false))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO advisory_tracking_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE advisory_tracking_tokens").
		WithArgs("et_x", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := NewStore(db)
	err := store.RecordClick(context.Background(), "et_x", "https://example.com/patch", "link-1", RequestMeta{})
	if err != nil {
		t.Fatalf("RecordClick() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDisableUnknownToken(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE advisory_tracking_tokens SET status = 'disabled'").
		WithArgs("et_gone").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewStore(db)
	err := store.Disable(context.Background(), "et_gone")
	if !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("error = %v, want ErrTokenNotFound", err)
	}
}

func TestEventHashStableWithinHour(t *testing.T) {
	at := mustTime(t, "2026-08-31T10:15:00Z")
	later := mustTime(t, "2026-08-31T10:45:00Z")
	nextHour := mustTime(t, "2026-08-31T11:01:00Z")

	a := eventHash("et_x", EventOpen, "203.0.113.0", "ua", at)
	b := eventHash("et_x", EventOpen, "203.0.113.0", "ua", later)
	c := eventHash("et_x", EventOpen, "203.0.113.0", "ua", nextHour)

	if a != b {
		t.Error("hashes within the same hour bucket differ")
	}
	if a == c {
		t.Error("hashes across hour buckets collided")
	}
	if d := eventHash("et_x", EventClick, "203.0.113.0", "ua", at); d == a {
		t.Error("open and click hashes collided")
	}
}
