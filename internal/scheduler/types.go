// Package scheduler implements deferred advisory delivery: scheduled
// email records, the polling delivery engine, and the webhook
// reconciliation path.
package scheduler

import "time"

// Scheduled email statuses. pending is the only state the engine will
// pick up; sent, failed, and cancelled are terminal.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ScheduledEmail is one deferred advisory send.
type ScheduledEmail struct {
	ID         string `json:"id"`
	AdvisoryID string `json:"advisoryId"`

	Recipients []string `json:"recipients"`
	CC         []string `json:"cc,omitempty"`
	BCC        []string `json:"bcc,omitempty"`

	Subject       string `json:"subject,omitempty"`
	CustomMessage string `json:"customMessage,omitempty"`
	CampaignID    string `json:"campaignId,omitempty"`

	TrackOpens  bool `json:"trackOpens"`
	TrackClicks bool `json:"trackClicks"`
	TrackDevice bool `json:"trackDevice"`

	// ScheduledAt is stored in UTC. Inputs arrive as IST wall-clock
	// times and are converted before validation.
	ScheduledAt time.Time `json:"scheduledAt"`

	Status       string     `json:"status"`
	RetryCount   int        `json:"retryCount"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	MessageID    string     `json:"messageId,omitempty"`
	SentAt       *time.Time `json:"sentAt,omitempty"`

	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// istOffset is the fixed UTC+5:30 offset of Indian Standard Time.
// IST has no daylight saving, so a fixed offset is exact.
const istOffset = 5*time.Hour + 30*time.Minute

// ISTToUTC converts an IST wall-clock time to the UTC instant it
// denotes. Scheduling inputs arrive as naive IST timestamps.
func ISTToUTC(t time.Time) time.Time {
	return t.Add(-istOffset).UTC()
}
