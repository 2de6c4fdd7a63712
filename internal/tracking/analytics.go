package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// Filters narrows analytics queries. Zero values mean "no filter".
type Filters struct {
	TrackingID     string
	AdvisoryID     string
	CampaignID     string
	RecipientEmail string
	DateFrom       *time.Time
	DateTo         *time.Time
}

// Summary holds the aggregate totals and derived rates over the
// filtered token set. Rates are pre-formatted to one decimal place;
// zero denominators yield "0.0" rather than an error.
type Summary struct {
	TotalEmails     int    `json:"totalEmails"`
	TotalOpens      int    `json:"totalOpens"`
	TotalClicks     int    `json:"totalClicks"`
	UniqueOpens     int    `json:"uniqueOpens"`
	UniqueClicks    int    `json:"uniqueClicks"`
	OpenRate        string `json:"openRate"`
	ClickRate       string `json:"clickRate"`
	ClickToOpenRate string `json:"clickToOpenRate"`
}

// TimeBucket is one point of the engagement time series.
type TimeBucket struct {
	Bucket time.Time `json:"bucket"`
	Emails int       `json:"emails"`
	Opens  int       `json:"opens"`
	Clicks int       `json:"clicks"`
}

// RankedToken is one row of the engagement leaderboard.
type RankedToken struct {
	TrackingID      string `json:"trackingId"`
	AdvisoryID      string `json:"advisoryId"`
	RecipientEmail  string `json:"recipientEmail"`
	Subject         string `json:"subject"`
	OpenCount       int    `json:"openCount"`
	ClickCount      int    `json:"clickCount"`
	EngagementScore int    `json:"engagementScore"`
}

// BreakdownEntry is one device/browser/OS bucket with its event count.
type BreakdownEntry struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// Breakdown groups matching events by parsed user-agent dimensions.
type Breakdown struct {
	DeviceTypes      []BreakdownEntry `json:"deviceTypes"`
	Browsers         []BreakdownEntry `json:"browsers"`
	OperatingSystems []BreakdownEntry `json:"operatingSystems"`
}

// Valid time-series bucket sizes.
var bucketSizes = map[string]string{
	"hour":  "hour",
	"day":   "day",
	"week":  "week",
	"month": "month",
}

// Aggregator computes analytics on demand by replaying the event store.
// There is no materialized analytics table: the event log joined to the
// token aggregates is the single source of truth.
type Aggregator struct {
	db *sql.DB
}

// NewAggregator creates an Aggregator on the given database handle.
func NewAggregator(db *sql.DB) *Aggregator {
	return &Aggregator{db: db}
}

// Summary computes totals and rates over the filtered tokens. An empty
// match yields a zeroed summary with "0.0" rates.
func (a *Aggregator) Summary(ctx context.Context, f Filters) (*Summary, error) {
	where, args := tokenFilterSQL(f, "")
	s := &Summary{}
	err := a.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			   COALESCE(SUM(open_count), 0), COALESCE(SUM(click_count), 0),
			   COALESCE(SUM(unique_opens), 0), COALESCE(SUM(unique_clicks), 0)
		FROM advisory_tracking_tokens
		`+where, args...).Scan(&s.TotalEmails, &s.TotalOpens, &s.TotalClicks, &s.UniqueOpens, &s.UniqueClicks)
	if err != nil {
		return nil, fmt.Errorf("aggregating summary: %w", err)
	}

	s.OpenRate = formatRate(s.UniqueOpens, s.TotalEmails)
	s.ClickRate = formatRate(s.UniqueClicks, s.TotalEmails)
	s.ClickToOpenRate = formatRate(s.UniqueClicks, s.UniqueOpens)
	return s, nil
}

// TimeSeries buckets emails sent, opens, and clicks by the requested
// granularity (hour, day, week, or month).
func (a *Aggregator) TimeSeries(ctx context.Context, f Filters, groupBy string) ([]TimeBucket, error) {
	bucket, ok := bucketSizes[groupBy]
	if !ok {
		return nil, fmt.Errorf("invalid groupBy %q (want hour, day, week, or month)", groupBy)
	}

	buckets := map[time.Time]*TimeBucket{}

	// Emails per bucket come from token creation times.
	where, args := tokenFilterSQL(f, "")
	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT DATE_TRUNC('%s', created_at) AS bucket, COUNT(*)
		FROM advisory_tracking_tokens
		%s
		GROUP BY 1
	`, bucket, where), args...)
	if err != nil {
		return nil, fmt.Errorf("bucketing emails: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ts time.Time
		var n int
		if err := rows.Scan(&ts, &n); err != nil {
			return nil, err
		}
		buckets[ts] = &TimeBucket{Bucket: ts, Emails: n}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Opens/clicks per bucket replay the event log.
	where, args = eventFilterSQL(f)
	rows, err = a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT DATE_TRUNC('%s', e.event_at) AS bucket,
			   SUM(CASE WHEN e.event_type = 'open' THEN 1 ELSE 0 END),
			   SUM(CASE WHEN e.event_type = 'click' THEN 1 ELSE 0 END)
		FROM advisory_tracking_events e
		JOIN advisory_tracking_tokens t ON t.tracking_id = e.tracking_id
		%s
		GROUP BY 1
	`, bucket, where), args...)
	if err != nil {
		return nil, fmt.Errorf("bucketing events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ts time.Time
		var opens, clicks int
		if err := rows.Scan(&ts, &opens, &clicks); err != nil {
			return nil, err
		}
		b, ok := buckets[ts]
		if !ok {
			b = &TimeBucket{Bucket: ts}
			buckets[ts] = b
		}
		b.Opens = opens
		b.Clicks = clicks
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]TimeBucket, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sortBuckets(out)
	return out, nil
}

// TopTokens ranks tokens by engagement score: a click is worth three
// opens.
func (a *Aggregator) TopTokens(ctx context.Context, f Filters, limit int) ([]RankedToken, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	where, args := tokenFilterSQL(f, "")
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT tracking_id, advisory_id, recipient_email, subject,
			   open_count, click_count,
			   open_count * 1 + click_count * 3 AS engagement_score
		FROM advisory_tracking_tokens
		%s
		ORDER BY engagement_score DESC, created_at DESC
		LIMIT $%d
	`, where, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("ranking tokens: %w", err)
	}
	defer rows.Close()

	ranked := []RankedToken{}
	for rows.Next() {
		var t RankedToken
		if err := rows.Scan(&t.TrackingID, &t.AdvisoryID, &t.RecipientEmail, &t.Subject,
			&t.OpenCount, &t.ClickCount, &t.EngagementScore); err != nil {
			return nil, err
		}
		ranked = append(ranked, t)
	}
	return ranked, rows.Err()
}

// DeviceBreakdown groups matching events by device type, browser, and
// OS.
func (a *Aggregator) DeviceBreakdown(ctx context.Context, f Filters) (*Breakdown, error) {
	bd := &Breakdown{
		DeviceTypes:      []BreakdownEntry{},
		Browsers:         []BreakdownEntry{},
		OperatingSystems: []BreakdownEntry{},
	}

	for _, dim := range []struct {
		column string
		dest   *[]BreakdownEntry
	}{
		{"device_type", &bd.DeviceTypes},
		{"device_browser", &bd.Browsers},
		{"device_os", &bd.OperatingSystems},
	} {
		where, args := eventFilterSQL(f)
		rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT COALESCE(e.%s, 'Unknown'), COUNT(*)
			FROM advisory_tracking_events e
			JOIN advisory_tracking_tokens t ON t.tracking_id = e.tracking_id
			%s
			GROUP BY 1
			ORDER BY 2 DESC
		`, dim.column, where), args...)
		if err != nil {
			return nil, fmt.Errorf("breaking down by %s: %w", dim.column, err)
		}
		for rows.Next() {
			var e BreakdownEntry
			if err := rows.Scan(&e.Value, &e.Count); err != nil {
				rows.Close()
				return nil, err
			}
			*dim.dest = append(*dim.dest, e)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return bd, nil
}

// ExportRow is one raw event for CSV/JSON export.
type ExportRow struct {
	TrackingID string    `json:"trackingId"`
	AdvisoryID string    `json:"advisoryId"`
	Recipient  string    `json:"recipientEmail"`
	Kind       string    `json:"eventType"`
	Timestamp  time.Time `json:"timestamp"`
	LinkURL    string    `json:"linkUrl,omitempty"`
	DeviceType string    `json:"deviceType"`
	Browser    string    `json:"browser"`
	OS         string    `json:"os"`
}

// Export returns raw matching events with a hard result cap so a large
// store cannot blow up memory; callers paginate with offset.
func (a *Aggregator) Export(ctx context.Context, f Filters, limit, offset int) ([]ExportRow, error) {
	if limit <= 0 || limit > 10000 {
		limit = 10000
	}
	if offset < 0 {
		offset = 0
	}
	where, args := eventFilterSQL(f)
	args = append(args, limit, offset)

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT e.tracking_id, t.advisory_id, t.recipient_email, e.event_type, e.event_at,
			   COALESCE(e.link_url, ''),
			   COALESCE(e.device_type, 'Unknown'), COALESCE(e.device_browser, 'Unknown'),
			   COALESCE(e.device_os, 'Unknown')
		FROM advisory_tracking_events e
		JOIN advisory_tracking_tokens t ON t.tracking_id = e.tracking_id
		%s
		ORDER BY e.event_at DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("exporting events: %w", err)
	}
	defer rows.Close()

	out := []ExportRow{}
	for rows.Next() {
		var row ExportRow
		if err := rows.Scan(&row.TrackingID, &row.AdvisoryID, &row.Recipient, &row.Kind, &row.Timestamp,
			&row.LinkURL, &row.DeviceType, &row.Browser, &row.OS); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// formatRate renders num/den as a percentage with one decimal place.
// Zero denominators yield "0.0" rather than a division error.
func formatRate(num, den int) string {
	if den == 0 {
		return "0.0"
	}
	return strconv.FormatFloat(float64(num)/float64(den)*100, 'f', 1, 64)
}

// tokenFilterSQL builds the WHERE clause for token-table queries.
// prefix qualifies columns when the query aliases the table.
func tokenFilterSQL(f Filters, prefix string) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, val interface{}) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf("%s%s $%d", prefix, cond, len(args)))
	}

	if f.TrackingID != "" {
		add("tracking_id =", f.TrackingID)
	}
	if f.AdvisoryID != "" {
		add("advisory_id =", f.AdvisoryID)
	}
	if f.CampaignID != "" {
		add("campaign_id =", f.CampaignID)
	}
	if f.RecipientEmail != "" {
		add("recipient_email =", f.RecipientEmail)
	}
	if f.DateFrom != nil {
		add("created_at >=", *f.DateFrom)
	}
	if f.DateTo != nil {
		add("created_at <=", *f.DateTo)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + joinAnd(conds), args
}

// eventFilterSQL builds the WHERE clause for event queries joined to
// tokens (alias e for events, t for tokens). Date filters apply to the
// event timestamp.
func eventFilterSQL(f Filters) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, val interface{}) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf("%s $%d", cond, len(args)))
	}

	if f.TrackingID != "" {
		add("e.tracking_id =", f.TrackingID)
	}
	if f.AdvisoryID != "" {
		add("t.advisory_id =", f.AdvisoryID)
	}
	if f.CampaignID != "" {
		add("t.campaign_id =", f.CampaignID)
	}
	if f.RecipientEmail != "" {
		add("t.recipient_email =", f.RecipientEmail)
	}
	if f.DateFrom != nil {
		add("e.event_at >=", *f.DateFrom)
	}
	if f.DateTo != nil {
		add("e.event_at <=", *f.DateTo)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + joinAnd(conds), args
}

func joinAnd(conds []string) string {
	out := conds[0]
	for _, c := range conds[1:] {
		out += " AND " + c
	}
	return out
}

func sortBuckets(buckets []TimeBucket) {
	// Insertion sort: the series is at most a few hundred buckets.
	for i := 1; i < len(buckets); i++ {
		for j := i; j > 0 && buckets[j].Bucket.Before(buckets[j-1].Bucket); j-- {
			buckets[j], buckets[j-1] = buckets[j-1], buckets[j]
		}
	}
}
