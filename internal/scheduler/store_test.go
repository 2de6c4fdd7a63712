package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return db, mock, func() { db.Close() }
}

func TestISTToUTC(t *testing.T) {
	// 14:30 IST wall clock is 09:00 UTC.
	ist := time.Date(2026, 9, 1, 14, 30, 0, 0, time.UTC)
	got := ISTToUTC(ist)
	want := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("ISTToUTC = %v, want %v", got, want)
	}

	// Midnight IST rolls back to the previous UTC day.
	ist = time.Date(2026, 9, 1, 0, 15, 0, 0, time.UTC)
	got = ISTToUTC(ist)
	want = time.Date(2026, 8, 31, 18, 45, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("ISTToUTC = %v, want %v", got, want)
	}
}

func TestCreateValidation(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()
	store := NewStore(db)
	future := time.Now().UTC().Add(time.Hour)

	tests := []struct {
		name  string
		email *ScheduledEmail
	}{
		{"missing advisory", &ScheduledEmail{
			Recipients: []string{"a@example.com"}, ScheduledAt: future}},
		{"no recipients", &ScheduledEmail{
			AdvisoryID: "adv-1", ScheduledAt: future}},
		{"past schedule", &ScheduledEmail{
			AdvisoryID: "adv-1", Recipients: []string{"a@example.com"},
			ScheduledAt: time.Now().UTC().Add(-time.Minute)}},
		{"exactly now is not future", &ScheduledEmail{
			AdvisoryID: "adv-1", Recipients: []string{"a@example.com"},
			ScheduledAt: time.Now().UTC().Add(-time.Millisecond)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.Create(context.Background(), tt.email); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestCreateInsertsPending(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO advisory_scheduled_emails").
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewStore(db)
	email := &ScheduledEmail{
		AdvisoryID:  "adv-1",
		Recipients:  []string{"a@example.com"},
		ScheduledAt: time.Now().UTC().Add(time.Hour),
	}
	if err := store.Create(context.Background(), email); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if email.ID == "" {
		t.Error("id was not minted")
	}
	if email.Status != StatusPending {
		t.Errorf("status = %q, want pending", email.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCancelPending(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("SET status = 'cancelled'").
		WithArgs("se-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewStore(db)
	if err := store.Cancel(context.Background(), "se-1"); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
}

func TestCancelAlreadySent(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("SET status = 'cancelled'").
		WithArgs("se-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	// The follow-up read distinguishes "missing" from "not pending".
	mock.ExpectQuery("FROM advisory_scheduled_emails WHERE id").
		WithArgs("se-1").
		WillReturnRows(scheduledEmailRows("se-1", StatusSent))

	store := NewStore(db)
	err := store.Cancel(context.Background(), "se-1")
	if !errors.Is(err, ErrNotCancellable) {
		t.Errorf("error = %v, want ErrNotCancellable", err)
	}
}

func TestCancelMissing(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("SET status = 'cancelled'").
		WithArgs("se-gone").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM advisory_scheduled_emails WHERE id").
		WithArgs("se-gone").
		WillReturnError(sql.ErrNoRows)

	store := NewStore(db)
	err := store.Cancel(context.Background(), "se-gone")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestClaimSkipsNonPending(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("SET retry_count = retry_count").
		WithArgs("se-1", 3).
		WillReturnResult(sqlmock.NewResult(0, 0))
	// A terminal row matches neither the claim nor the parking update.
	mock.ExpectExec("SET status = 'failed', error_message = 'retry limit reached'").
		WithArgs("se-1", 3).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewStore(db)
	_, claimed, err := store.Claim(context.Background(), "se-1", 3)
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if claimed {
		t.Error("claimed a non-pending email")
	}
}

func TestClaimParksExhaustedRetries(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	// retry_count has reached the budget: the claim misses and the row
	// is flipped to failed so the poller stops picking it up.
	mock.ExpectExec("SET retry_count = retry_count").
		WithArgs("se-1", 3).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SET status = 'failed', error_message = 'retry limit reached'").
		WithArgs("se-1", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewStore(db)
	_, claimed, err := store.Claim(context.Background(), "se-1", 3)
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if claimed {
		t.Error("claimed an email past its retry budget")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMarkSentRequiresPending(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("SET status = 'sent'").
		WithArgs("se-1", "msg-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewStore(db)
	if err := store.MarkSent(context.Background(), "se-1", "msg-1"); err == nil {
		t.Error("expected error marking a non-pending email sent")
	}
}

func TestApplyTransportStatusBounce(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	// A bounce may arrive after the transport accepted the message, so
	// both pending and sent rows reconcile to failed.
	mock.ExpectExec("SET status = 'failed'").
		WithArgs("msg-1", "transport reported bounced").
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewStore(db)
	if err := store.ApplyTransportStatus(context.Background(), "msg-1", "bounced"); err != nil {
		t.Fatalf("ApplyTransportStatus() error: %v", err)
	}
}

func TestApplyTransportStatusReplayIsNoop(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("SET status = 'sent'").
		WithArgs("msg-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewStore(db)
	// Already sent: zero rows affected, still no error.
	if err := store.ApplyTransportStatus(context.Background(), "msg-1", "delivered"); err != nil {
		t.Fatalf("replay should be a no-op, got: %v", err)
	}
}

func TestApplyTransportStatusUnknown(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)
	if err := store.ApplyTransportStatus(context.Background(), "msg-1", "teleported"); err == nil {
		t.Error("expected error for unknown transport status")
	}
}

func scheduledEmailRows(id, status string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "advisory_id", "recipients", "cc", "bcc",
		"subject", "custom_message", "campaign_id",
		"track_opens", "track_clicks", "track_device",
		"scheduled_at", "status", "retry_count",
		"error_message", "message_id", "sent_at",
		"created_by", "created_at", "updated_at",
	}).AddRow(id, "adv-1", pq.Array([]string{"a@example.com"}), pq.Array([]string{}), pq.Array([]string{}),
		"", "", "",
		true, true, true,
		now, status, 0,
		"", "", nil,
		"", now, now)
}
