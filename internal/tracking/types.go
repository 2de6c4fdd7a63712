// Package tracking implements per-recipient email engagement tracking:
// token issuance, open/click ingestion, on-demand analytics, and
// retention-based expiry.
package tracking

import "time"

// EventKind is the type of an engagement event.
type EventKind string

const (
	EventOpen  EventKind = "open"
	EventClick EventKind = "click"
)

// Token statuses. Only active tokens accept events.
const (
	StatusActive   = "active"
	StatusExpired  = "expired"
	StatusDisabled = "disabled"
)

// DefaultRetention is how long tokens and events live when no explicit
// retention is configured.
const DefaultRetention = 90 * 24 * time.Hour

// ConfigFlags controls what gets tracked for a single send.
type ConfigFlags struct {
	TrackOpens    bool `json:"trackOpens"`
	TrackClicks   bool `json:"trackClicks"`
	TrackDevice   bool `json:"trackDevice"`
	TrackLocation bool `json:"trackLocation"`
}

// DefaultConfigFlags matches what the admin UI pre-selects: opens,
// clicks, and device parsing on; location off.
func DefaultConfigFlags() ConfigFlags {
	return ConfigFlags{TrackOpens: true, TrackClicks: true, TrackDevice: true}
}

// Token is the aggregate tracking record for one email send. Counters
// are denormalized for O(1) dashboard reads; the event log is the
// precise source of truth.
type Token struct {
	TrackingID     string      `json:"trackingId"`
	AdvisoryID     string      `json:"advisoryId"`
	RecipientEmail string      `json:"recipientEmail"`
	SenderEmail    string      `json:"senderEmail"`
	Subject        string      `json:"subject"`
	CampaignID     string      `json:"campaignId,omitempty"`
	Config         ConfigFlags `json:"config"`

	OpenCount    int        `json:"openCount"`
	ClickCount   int        `json:"clickCount"`
	UniqueOpens  int        `json:"uniqueOpens"`
	UniqueClicks int        `json:"uniqueClicks"`
	FirstOpenAt  *time.Time `json:"firstOpenAt,omitempty"`
	LastOpenAt   *time.Time `json:"lastOpenAt,omitempty"`
	FirstClickAt *time.Time `json:"firstClickAt,omitempty"`
	LastClickAt  *time.Time `json:"lastClickAt,omitempty"`

	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Device is parsed from the user-agent string. Fields default to
// "Unknown" when the pattern is unrecognized.
type Device struct {
	Type    string `json:"type"`
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Version string `json:"version"`
}

// Event is one append-only log entry. Events are immutable once written.
type Event struct {
	ID         string    `json:"id"`
	TrackingID string    `json:"trackingId"`
	Kind       EventKind `json:"eventType"`
	Timestamp  time.Time `json:"timestamp"`

	// Request metadata. IPAddress is stored masked (last octet zeroed).
	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	Referer   string `json:"referer,omitempty"`
	Device    Device `json:"device"`

	// Click-only fields.
	LinkURL string `json:"linkUrl,omitempty"`
	LinkID  string `json:"linkId,omitempty"`

	// EventHash deduplicates repeats of the same open/click within an
	// hour bucket. Empty on duplicate rows so unique counters only move
	// once.
	EventHash string `json:"-"`
}

// RequestMeta carries the request-scoped metadata ingestion captures.
// IP should be the raw remote address; the store masks it before
// persisting.
type RequestMeta struct {
	IP        string
	UserAgent string
	Referer   string
}
