package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/inteldesk/advisory-mailer/internal/advisory"
	"github.com/inteldesk/advisory-mailer/internal/pkg/httputil"
	"github.com/inteldesk/advisory-mailer/internal/pkg/logger"
	"github.com/inteldesk/advisory-mailer/internal/scheduler"
)

// scheduleRequest is the schedule-email payload. scheduledAt is an
// IST wall-clock time in RFC 3339 form without offset significance;
// it is converted to UTC before validation.
type scheduleRequest struct {
	AdvisoryID    string   `json:"advisoryId"`
	Recipients    []string `json:"recipients"`
	CC            []string `json:"cc"`
	BCC           []string `json:"bcc"`
	Subject       string   `json:"subject"`
	CustomMessage string   `json:"customMessage"`
	CampaignID    string   `json:"campaignId"`
	ScheduledAt   string   `json:"scheduledAt"`
	TrackOpens    *bool    `json:"trackOpens"`
	TrackClicks   *bool    `json:"trackClicks"`
	TrackDevice   *bool    `json:"trackDevice"`
}

// HandleScheduleEmail validates and enqueues a deferred send.
func (s *Server) HandleScheduleEmail(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.AdvisoryID == "" {
		httputil.BadRequest(w, "advisoryId is required")
		return
	}
	if len(req.Recipients) == 0 {
		httputil.BadRequest(w, "at least one recipient is required")
		return
	}

	wallClock, err := parseWallClock(req.ScheduledAt)
	if err != nil {
		httputil.BadRequest(w, "invalid scheduledAt: "+err.Error())
		return
	}

	// The advisory must exist before anything is enqueued.
	if _, err := s.advisories.Get(r.Context(), req.AdvisoryID); err != nil {
		if errors.Is(err, advisory.ErrNotFound) {
			httputil.NotFound(w, "advisory not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}

	email := &scheduler.ScheduledEmail{
		AdvisoryID:    req.AdvisoryID,
		Recipients:    req.Recipients,
		CC:            req.CC,
		BCC:           req.BCC,
		Subject:       req.Subject,
		CustomMessage: req.CustomMessage,
		CampaignID:    req.CampaignID,
		ScheduledAt:   scheduler.ISTToUTC(wallClock),
		TrackOpens:    boolOrDefault(req.TrackOpens, true),
		TrackClicks:   boolOrDefault(req.TrackClicks, true),
		TrackDevice:   boolOrDefault(req.TrackDevice, true),
	}
	if claims := RequestClaims(r); claims != nil {
		email.CreatedBy = claims.Email
	}

	if err := s.schedulerStore.Create(r.Context(), email); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	logger.Info("email scheduled", "email_id", email.ID, "advisory_id", email.AdvisoryID,
		"scheduled_at", email.ScheduledAt.Format(time.RFC3339))
	httputil.Created(w, email)
}

// HandleListScheduled returns scheduled emails, filterable by status
// and advisory.
func (s *Server) HandleListScheduled(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	emails, err := s.schedulerStore.List(r.Context(), scheduler.ListFilters{
		Status:     q.Get("status"),
		AdvisoryID: q.Get("advisoryId"),
	})
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, emails)
}

// HandleGetScheduled returns one scheduled email.
func (s *Server) HandleGetScheduled(w http.ResponseWriter, r *http.Request) {
	email, err := s.schedulerStore.Get(r.Context(), chi.URLParam(r, "emailID"))
	if errors.Is(err, scheduler.ErrNotFound) {
		httputil.NotFound(w, "scheduled email not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, email)
}

// HandleCancelScheduled cancels a pending email. Emails already sent,
// failed, or cancelled come back 409.
func (s *Server) HandleCancelScheduled(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "emailID")
	err := s.schedulerStore.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, scheduler.ErrNotFound):
		httputil.NotFound(w, "scheduled email not found")
	case errors.Is(err, scheduler.ErrNotCancellable):
		httputil.Conflict(w, "scheduled email is no longer pending")
	case err != nil:
		httputil.InternalError(w, err)
	default:
		logger.Info("email cancelled", "email_id", id)
		httputil.OK(w, map[string]string{"status": scheduler.StatusCancelled})
	}
}

// HandleSendNow delivers a pending email immediately, bypassing its
// scheduled time. The engine's lock and claim still apply.
func (s *Server) HandleSendNow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "emailID")

	email, err := s.schedulerStore.Get(r.Context(), id)
	if errors.Is(err, scheduler.ErrNotFound) {
		httputil.NotFound(w, "scheduled email not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if email.Status != scheduler.StatusPending {
		httputil.Conflict(w, "scheduled email is no longer pending")
		return
	}

	if err := s.engine.Deliver(r.Context(), id); err != nil {
		httputil.InternalError(w, err)
		return
	}

	// Re-read: Deliver records the outcome on the row.
	email, err = s.schedulerStore.Get(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, email)
}

// transportWebhook is the payload the mail transport posts back.
type transportWebhook struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// HandleTransportWebhook reconciles delivery state from transport
// notifications. Replays and unknown message ids are acknowledged
// without effect.
func (s *Server) HandleTransportWebhook(w http.ResponseWriter, r *http.Request) {
	var payload transportWebhook
	if !httputil.Decode(w, r, &payload) {
		return
	}
	if payload.MessageID == "" || payload.Status == "" {
		httputil.BadRequest(w, "messageId and status are required")
		return
	}

	if err := s.schedulerStore.ApplyTransportStatus(r.Context(), payload.MessageID, payload.Status); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.OK(w, map[string]string{"status": "accepted"})
}

// HandleListAdvisories returns the advisory catalog.
func (s *Server) HandleListAdvisories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := advisory.ListFilters{
		Severity: q.Get("severity"),
		Category: q.Get("category"),
	}
	if raw := q.Get("since"); raw != "" {
		t, err := parseDate(raw)
		if err != nil {
			httputil.BadRequest(w, "invalid since")
			return
		}
		f.Since = &t
	}
	advisories, err := s.advisories.List(r.Context(), f)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, advisories)
}

// HandleGetAdvisory returns one advisory.
func (s *Server) HandleGetAdvisory(w http.ResponseWriter, r *http.Request) {
	a, err := s.advisories.Get(r.Context(), chi.URLParam(r, "advisoryID"))
	if errors.Is(err, advisory.ErrNotFound) {
		httputil.NotFound(w, "advisory not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, a)
}

// parseWallClock accepts RFC 3339 (offset ignored, treated as wall
// clock) or "2006-01-02T15:04" form inputs.
func parseWallClock(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("scheduledAt is required")
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC), nil
		}
	}
	return time.Time{}, errors.New("unrecognized timestamp format")
}

func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
