package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/inteldesk/advisory-mailer/internal/pkg/httputil"
	"github.com/inteldesk/advisory-mailer/internal/tracking"
)

// parseFilters reads the shared analytics query parameters. Dates
// accept RFC 3339 or plain YYYY-MM-DD.
func parseFilters(r *http.Request) (tracking.Filters, error) {
	q := r.URL.Query()
	f := tracking.Filters{
		TrackingID:     q.Get("trackingId"),
		AdvisoryID:     q.Get("advisoryId"),
		CampaignID:     q.Get("campaignId"),
		RecipientEmail: q.Get("recipient"),
	}

	if raw := q.Get("dateFrom"); raw != "" {
		t, err := parseDate(raw)
		if err != nil {
			return f, errors.New("invalid dateFrom")
		}
		f.DateFrom = &t
	}
	if raw := q.Get("dateTo"); raw != "" {
		t, err := parseDate(raw)
		if err != nil {
			return f, errors.New("invalid dateTo")
		}
		// A bare date upper bound means end of that day.
		if len(raw) == len("2006-01-02") {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		f.DateTo = &t
	}
	return f, nil
}

func parseDate(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}

// HandleSummary returns aggregate engagement totals and rates.
func (s *Server) HandleSummary(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilters(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	summary, err := s.aggregator.Summary(r.Context(), f)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, summary)
}

// HandleTimeSeries returns bucketed engagement counts. groupBy
// defaults to day.
func (s *Server) HandleTimeSeries(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilters(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	groupBy := r.URL.Query().Get("groupBy")
	if groupBy == "" {
		groupBy = "day"
	}
	series, err := s.aggregator.TimeSeries(r.Context(), f, groupBy)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.OK(w, series)
}

// HandleTopTokens returns the engagement leaderboard.
func (s *Server) HandleTopTokens(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilters(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ranked, err := s.aggregator.TopTokens(r.Context(), f, limit)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, ranked)
}

// HandleDeviceBreakdown groups events by device, browser, and OS.
func (s *Server) HandleDeviceBreakdown(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilters(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	bd, err := s.aggregator.DeviceBreakdown(r.Context(), f)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, bd)
}

// HandleExport streams raw events as CSV (default) or JSON.
func (s *Server) HandleExport(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilters(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	events, err := s.aggregator.Export(r.Context(), f, limit, offset)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	if q.Get("format") == "json" {
		httputil.OK(w, events)
		return
	}

	rows := make([][]string, 0, len(events)+1)
	rows = append(rows, []string{"tracking_id", "advisory_id", "recipient", "event_type", "timestamp", "link_url", "device_type", "browser", "os"})
	for _, e := range events {
		rows = append(rows, []string{
			e.TrackingID, e.AdvisoryID, e.Recipient, e.Kind,
			e.Timestamp.UTC().Format(time.RFC3339),
			e.LinkURL, e.DeviceType, e.Browser, e.OS,
		})
	}
	httputil.CSV(w, "engagement-events.csv", rows)
}

// HandleTokenDetail returns one token's aggregate record plus its
// recent event log.
func (s *Server) HandleTokenDetail(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingID")

	tok, err := s.trackingStore.GetToken(r.Context(), trackingID)
	if errors.Is(err, tracking.ErrTokenNotFound) {
		httputil.NotFound(w, "tracking token not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.trackingStore.Events(r.Context(), trackingID, limit)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	httputil.OK(w, map[string]interface{}{
		"token":  tok,
		"events": events,
	})
}

// HandleTokenDisable turns off tracking for one token.
func (s *Server) HandleTokenDisable(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingID")
	err := s.trackingStore.Disable(r.Context(), trackingID)
	if errors.Is(err, tracking.ErrTokenNotFound) {
		httputil.NotFound(w, "tracking token not found or not active")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "disabled"})
}
