package tracking

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/inteldesk/advisory-mailer/internal/pkg/logger"
)

var (
	// ErrTokenNotFound means the tracking id does not resolve.
	ErrTokenNotFound = errors.New("tracking token not found")
	// ErrTokenInactive means the token exists but is expired or disabled.
	ErrTokenInactive = errors.New("tracking token not active")
)

// Store persists tokens and their append-only event log in PostgreSQL.
// Counter updates use single-statement increments, never
// read-modify-write, so concurrent ingestion requests cannot race.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store on the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateToken persists a freshly minted token with zeroed counters.
func (s *Store) CreateToken(ctx context.Context, tok *Token) error {
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = time.Now().UTC()
	}
	if tok.ExpiresAt.IsZero() {
		tok.ExpiresAt = tok.CreatedAt.Add(DefaultRetention)
	}
	if tok.Status == "" {
		tok.Status = StatusActive
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO advisory_tracking_tokens
			(tracking_id, advisory_id, recipient_email, sender_email, subject, campaign_id,
			 track_opens, track_clicks, track_device, track_location,
			 status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, tok.TrackingID, tok.AdvisoryID, tok.RecipientEmail, tok.SenderEmail, tok.Subject, tok.CampaignID,
		tok.Config.TrackOpens, tok.Config.TrackClicks, tok.Config.TrackDevice, tok.Config.TrackLocation,
		tok.Status, tok.CreatedAt, tok.ExpiresAt)
	if err != nil {
		return fmt.Errorf("inserting tracking token: %w", err)
	}
	return nil
}

// GetToken loads a token by tracking id.
func (s *Store) GetToken(ctx context.Context, trackingID string) (*Token, error) {
	tok := &Token{}
	err := s.db.QueryRowContext(ctx, `
		SELECT tracking_id, advisory_id, recipient_email, sender_email, subject, campaign_id,
			   track_opens, track_clicks, track_device, track_location,
			   open_count, click_count, unique_opens, unique_clicks,
			   first_open_at, last_open_at, first_click_at, last_click_at,
			   status, created_at, expires_at
		FROM advisory_tracking_tokens WHERE tracking_id = $1
	`, trackingID).Scan(
		&tok.TrackingID, &tok.AdvisoryID, &tok.RecipientEmail, &tok.SenderEmail, &tok.Subject, &tok.CampaignID,
		&tok.Config.TrackOpens, &tok.Config.TrackClicks, &tok.Config.TrackDevice, &tok.Config.TrackLocation,
		&tok.OpenCount, &tok.ClickCount, &tok.UniqueOpens, &tok.UniqueClicks,
		&tok.FirstOpenAt, &tok.LastOpenAt, &tok.FirstClickAt, &tok.LastClickAt,
		&tok.Status, &tok.CreatedAt, &tok.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	return tok, nil
}

const insertEventSQL = `
		INSERT INTO advisory_tracking_events
			(id, tracking_id, event_type, event_at, ip_address, user_agent, referer,
			 link_url, link_id, device_type, device_os, device_browser, device_version, event_hash)
		VALUES ($1, $2, $3, NOW(), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

// RecordOpen appends an open event and bumps the open counters.
func (s *Store) RecordOpen(ctx context.Context, trackingID string, meta RequestMeta) error {
	return s.recordEvent(ctx, trackingID, EventOpen, "", "", meta)
}

// RecordClick appends a click event and bumps the click counters.
func (s *Store) RecordClick(ctx context.Context, trackingID, linkURL, linkID string, meta RequestMeta) error {
	return s.recordEvent(ctx, trackingID, EventClick, linkURL, linkID, meta)
}

// recordEvent is the single write path for ingestion: one transaction
// holding the event append and the counter increment so the aggregate
// and the log can never diverge.
func (s *Store) recordEvent(ctx context.Context, trackingID string, kind EventKind, linkURL, linkID string, meta RequestMeta) error {
	var status string
	var trackOpens, trackClicks, trackDevice bool
	err := s.db.QueryRowContext(ctx, `
		SELECT status, track_opens, track_clicks, track_device
		FROM advisory_tracking_tokens WHERE tracking_id = $1
	`, trackingID).Scan(&status, &trackOpens, &trackClicks, &trackDevice)
	if err == sql.ErrNoRows {
		return ErrTokenNotFound
	}
	if err != nil {
		return err
	}
	if status != StatusActive {
		return ErrTokenInactive
	}
	if kind == EventOpen && !trackOpens {
		return nil
	}
	if kind == EventClick && !trackClicks {
		return nil
	}

	maskedIP := logger.MaskIP(meta.IP)
	dev := Device{Type: "Unknown", OS: "Unknown", Browser: "Unknown", Version: "Unknown"}
	if trackDevice {
		dev = ParseUserAgent(meta.UserAgent)
	}
	hash := eventHash(trackingID, kind, maskedIP, meta.UserAgent, time.Now().UTC())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// The partial unique index on event_hash arbitrates repeats: the
	// first event in the hour bucket lands with the hash and bumps the
	// unique counters. A repeat, including one racing this transaction,
	// conflicts and is appended again without a hash so only the totals
	// move.
	res, err := tx.ExecContext(ctx, insertEventSQL+`
		ON CONFLICT (event_hash) WHERE event_hash IS NOT NULL DO NOTHING
	`, uuid.New(), trackingID, string(kind), maskedIP, meta.UserAgent, meta.Referer,
		nullable(linkURL), nullable(linkID), dev.Type, dev.OS, dev.Browser, dev.Version,
		sql.NullString{String: hash, Valid: true})
	if err != nil {
		return fmt.Errorf("appending %s event: %w", kind, err)
	}

	uniqueInc := 1
	if n, _ := res.RowsAffected(); n == 0 {
		uniqueInc = 0
		_, err = tx.ExecContext(ctx, insertEventSQL,
			uuid.New(), trackingID, string(kind), maskedIP, meta.UserAgent, meta.Referer,
			nullable(linkURL), nullable(linkID), dev.Type, dev.OS, dev.Browser, dev.Version,
			sql.NullString{})
		if err != nil {
			return fmt.Errorf("appending repeat %s event: %w", kind, err)
		}
	}

	if kind == EventOpen {
		_, err = tx.ExecContext(ctx, `
			UPDATE advisory_tracking_tokens SET
				open_count    = open_count + 1,
				unique_opens  = unique_opens + $2,
				first_open_at = COALESCE(first_open_at, NOW()),
				last_open_at  = NOW()
			WHERE tracking_id = $1 AND status = 'active'
		`, trackingID, uniqueInc)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE advisory_tracking_tokens SET
				click_count    = click_count + 1,
				unique_clicks  = unique_clicks + $2,
				first_click_at = COALESCE(first_click_at, NOW()),
				last_click_at  = NOW()
			WHERE tracking_id = $1 AND status = 'active'
		`, trackingID, uniqueInc)
	}
	if err != nil {
		return fmt.Errorf("updating %s counters: %w", kind, err)
	}

	return tx.Commit()
}

// Events returns the event log for one token, most recent first.
func (s *Store) Events(ctx context.Context, trackingID string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tracking_id, event_type, event_at,
			   COALESCE(ip_address, ''), COALESCE(user_agent, ''), COALESCE(referer, ''),
			   COALESCE(link_url, ''), COALESCE(link_id, ''),
			   COALESCE(device_type, 'Unknown'), COALESCE(device_os, 'Unknown'),
			   COALESCE(device_browser, 'Unknown'), COALESCE(device_version, 'Unknown')
		FROM advisory_tracking_events
		WHERE tracking_id = $1
		ORDER BY event_at DESC
		LIMIT $2
	`, trackingID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var kind string
		if err := rows.Scan(&e.ID, &e.TrackingID, &kind, &e.Timestamp,
			&e.IPAddress, &e.UserAgent, &e.Referer, &e.LinkURL, &e.LinkID,
			&e.Device.Type, &e.Device.OS, &e.Device.Browser, &e.Device.Version); err != nil {
			return nil, err
		}
		e.Kind = EventKind(kind)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Disable turns a token off without deleting history. Used when a
// recipient asks to stop tracking.
func (s *Store) Disable(ctx context.Context, trackingID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE advisory_tracking_tokens SET status = 'disabled'
		WHERE tracking_id = $1 AND status = 'active'
	`, trackingID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// eventHash keys deduplication: same token, kind, masked IP, and user
// agent within the same clock hour collapse into one unique event.
func eventHash(trackingID string, kind EventKind, maskedIP, userAgent string, at time.Time) string {
	hour := at.Truncate(time.Hour).Unix()
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%s:%s:%s:%d", trackingID, kind, maskedIP, userAgent, hour)))
	return hex.EncodeToString(sum[:])
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
