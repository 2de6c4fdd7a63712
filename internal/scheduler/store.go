package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var (
	// ErrNotFound means no scheduled email exists with the given id.
	ErrNotFound = errors.New("scheduled email not found")
	// ErrNotCancellable means the email already left the pending state.
	ErrNotCancellable = errors.New("scheduled email is not pending")
)

// ListFilters narrows List results.
type ListFilters struct {
	Status     string
	AdvisoryID string
	Limit      int
}

// Store persists scheduled emails in PostgreSQL. All state transitions
// are compare-and-swap updates guarded on the current status, so two
// engine instances or a racing cancel can never double-apply one.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store on the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create validates and inserts a new pending scheduled email.
// ScheduledAt must already be in UTC and strictly in the future.
func (s *Store) Create(ctx context.Context, e *ScheduledEmail) error {
	if e.AdvisoryID == "" {
		return errors.New("advisory id is required")
	}
	if len(e.Recipients) == 0 {
		return errors.New("at least one recipient is required")
	}
	if !e.ScheduledAt.After(time.Now().UTC()) {
		return errors.New("scheduled time must be in the future")
	}

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	e.Status = StatusPending
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO advisory_scheduled_emails
			(id, advisory_id, recipients, cc, bcc, subject, custom_message, campaign_id,
			 track_opens, track_clicks, track_device,
			 scheduled_at, status, retry_count, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 0, $14, $15, $16)
	`, e.ID, e.AdvisoryID, pq.Array(e.Recipients), pq.Array(e.CC), pq.Array(e.BCC),
		e.Subject, e.CustomMessage, e.CampaignID,
		e.TrackOpens, e.TrackClicks, e.TrackDevice,
		e.ScheduledAt, e.Status, e.CreatedBy, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting scheduled email: %w", err)
	}
	return nil
}

const selectColumns = `
	id, advisory_id, recipients, cc, bcc,
	COALESCE(subject, ''), COALESCE(custom_message, ''), COALESCE(campaign_id, ''),
	track_opens, track_clicks, track_device,
	scheduled_at, status, retry_count,
	COALESCE(error_message, ''), COALESCE(message_id, ''), sent_at,
	COALESCE(created_by, ''), created_at, updated_at`

// Get loads one scheduled email by id.
func (s *Store) Get(ctx context.Context, id string) (*ScheduledEmail, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+` FROM advisory_scheduled_emails WHERE id = $1
	`, id)
	e, err := scanEmail(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

// List returns scheduled emails, newest first.
func (s *Store) List(ctx context.Context, f ListFilters) ([]*ScheduledEmail, error) {
	query := `SELECT ` + selectColumns + ` FROM advisory_scheduled_emails WHERE 1=1`
	var args []interface{}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.AdvisoryID != "" {
		args = append(args, f.AdvisoryID)
		query += fmt.Sprintf(" AND advisory_id = $%d", len(args))
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing scheduled emails: %w", err)
	}
	defer rows.Close()

	var out []*ScheduledEmail
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Due returns ids of pending emails whose scheduled time has passed,
// oldest first, bounded by limit.
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM advisory_scheduled_emails
		WHERE status = 'pending' AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("querying due emails: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Claim re-reads an email under the delivery lock and bumps its retry
// counter, but only while it is still pending and under the retry
// budget. A false return means another instance (or a cancel) got
// there first; the caller skips silently. A pending row past the
// budget is parked as failed so the poller stops picking it up.
func (s *Store) Claim(ctx context.Context, id string, maxRetries int) (*ScheduledEmail, bool, error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE advisory_scheduled_emails
		SET retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'pending' AND retry_count < $2
	`, id, maxRetries)
	if err != nil {
		return nil, false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err := s.db.ExecContext(ctx, `
			UPDATE advisory_scheduled_emails
			SET status = 'failed', error_message = 'retry limit reached', updated_at = NOW()
			WHERE id = $1 AND status = 'pending' AND retry_count >= $2
		`, id, maxRetries)
		return nil, false, err
	}
	e, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// Cancel flips a pending email to cancelled. Anything already sent,
// failed, or cancelled is rejected.
func (s *Store) Cancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE advisory_scheduled_emails
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotCancellable
	}
	return nil
}

// MarkSent records a successful delivery. Only a pending email can
// become sent.
func (s *Store) MarkSent(ctx context.Context, id, messageID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE advisory_scheduled_emails
		SET status = 'sent', message_id = $2, sent_at = NOW(), error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, messageID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("marking %s sent: email no longer pending", id)
	}
	return nil
}

// MarkFailed records a delivery failure. failed is terminal; the
// message is never retried afterwards.
func (s *Store) MarkFailed(ctx context.Context, id, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE advisory_scheduled_emails
		SET status = 'failed', error_message = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, errMsg)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("marking %s failed: email no longer pending", id)
	}
	return nil
}

// ApplyTransportStatus reconciles a transport webhook against the
// record found by message id. It is idempotent: replayed or stale
// notifications that match the current state are no-ops.
func (s *Store) ApplyTransportStatus(ctx context.Context, messageID, transportStatus string) error {
	var target string
	switch transportStatus {
	case "delivered", "sent":
		target = StatusSent
	case "bounced", "failed", "rejected":
		target = StatusFailed
	default:
		return fmt.Errorf("unknown transport status %q", transportStatus)
	}

	// sent -> failed is allowed: a bounce notification can arrive after
	// the transport accepted the message.
	var res sql.Result
	var err error
	if target == StatusFailed {
		res, err = s.db.ExecContext(ctx, `
			UPDATE advisory_scheduled_emails
			SET status = 'failed', error_message = $2, updated_at = NOW()
			WHERE message_id = $1 AND status IN ('pending', 'sent')
		`, messageID, "transport reported "+transportStatus)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE advisory_scheduled_emails
			SET status = 'sent', sent_at = COALESCE(sent_at, NOW()), updated_at = NOW()
			WHERE message_id = $1 AND status = 'pending'
		`, messageID)
	}
	if err != nil {
		return err
	}
	// Zero rows means the record is already in (or past) the target
	// state, or the message id is unknown. Both are fine for a webhook.
	_, _ = res.RowsAffected()
	return nil
}

func scanEmail(row interface{ Scan(...interface{}) error }) (*ScheduledEmail, error) {
	e := &ScheduledEmail{}
	err := row.Scan(&e.ID, &e.AdvisoryID,
		pq.Array(&e.Recipients), pq.Array(&e.CC), pq.Array(&e.BCC),
		&e.Subject, &e.CustomMessage, &e.CampaignID,
		&e.TrackOpens, &e.TrackClicks, &e.TrackDevice,
		&e.ScheduledAt, &e.Status, &e.RetryCount,
		&e.ErrorMessage, &e.MessageID, &e.SentAt,
		&e.CreatedBy, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}
