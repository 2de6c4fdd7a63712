package tracking

import (
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var errDummy = errors.New("database unavailable")

func TestSweeperStartStop(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	// Startup sweep runs all three passes once.
	mock.ExpectExec("UPDATE advisory_tracking_tokens SET status = 'expired'").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM advisory_tracking_events").
		WillReturnResult(sqlmock.NewResult(0, 10))
	mock.ExpectExec("DELETE FROM advisory_tracking_tokens").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewSweeper(db, time.Hour, DefaultRetention)
	s.Start()
	// Idempotent double start.
	s.Start()
	s.Stop()
	s.Stop()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSweeperContinuesAfterPassError(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE advisory_tracking_tokens SET status = 'expired'").
		WillReturnError(errDummy)
	// A failed expire pass must not stop the prune and purge passes.
	mock.ExpectExec("DELETE FROM advisory_tracking_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM advisory_tracking_tokens").
		WillReturnResult(sqlmock.NewResult(0, 0))

	s := NewSweeper(db, time.Hour, DefaultRetention)
	s.Start()
	s.Stop()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestNewSweeperDefaults(t *testing.T) {
	s := NewSweeper(nil, 0, 0)
	if s.interval != time.Hour {
		t.Errorf("interval = %v, want 1h", s.interval)
	}
	if s.horizon != DefaultRetention {
		t.Errorf("horizon = %v, want %v", s.horizon, DefaultRetention)
	}
}

func TestIntervalArg(t *testing.T) {
	if got := intervalArg(90 * 24 * time.Hour); got != "7776000 seconds" {
		t.Errorf("intervalArg = %q", got)
	}
}
