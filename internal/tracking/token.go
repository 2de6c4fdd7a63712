package tracking

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Issuer mints tracking tokens and instruments outgoing HTML with the
// pixel and rewritten links. It is invoked by the delivery engine at
// send-preparation time; a persistence failure here must never block
// the send itself (the engine falls back to an untracked copy).
type Issuer struct {
	store   *Store
	baseURL string
}

// NewIssuer creates an Issuer. baseURL is the public origin of the
// ingestion endpoints, without a trailing slash.
func NewIssuer(store *Store, baseURL string) *Issuer {
	return &Issuer{store: store, baseURL: strings.TrimRight(baseURL, "/")}
}

// IssueRequest describes one email send to instrument.
type IssueRequest struct {
	AdvisoryID     string
	RecipientEmail string
	SenderEmail    string
	Subject        string
	CampaignID     string
	Config         ConfigFlags
	HTML           string
}

// IssueResult is the minted identity plus the instrumented body.
type IssueResult struct {
	TrackingID string
	PixelURL   string
	HTML       string
}

// Issue mints a token unique within the event store, persists the
// aggregate record with zero counters, and returns the HTML with the
// pixel appended and every outbound hyperlink rewritten through the
// redirect endpoint (per the send's config flags).
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	trackingID := GenerateTrackingID(req.AdvisoryID, req.RecipientEmail)

	tok := &Token{
		TrackingID:     trackingID,
		AdvisoryID:     req.AdvisoryID,
		RecipientEmail: req.RecipientEmail,
		SenderEmail:    req.SenderEmail,
		Subject:        req.Subject,
		CampaignID:     req.CampaignID,
		Config:         req.Config,
	}
	if err := i.store.CreateToken(ctx, tok); err != nil {
		return nil, err
	}

	html := req.HTML
	if req.Config.TrackClicks {
		html = i.rewriteLinks(html, trackingID)
	}
	if req.Config.TrackOpens {
		html = injectPixel(html, i.PixelURL(trackingID))
	}

	return &IssueResult{
		TrackingID: trackingID,
		PixelURL:   i.PixelURL(trackingID),
		HTML:       html,
	}, nil
}

// PixelURL returns the open-tracking pixel source for a token.
func (i *Issuer) PixelURL(trackingID string) string {
	return fmt.Sprintf("%s/track/pixel?t=%s", i.baseURL, url.QueryEscape(trackingID))
}

// TrackedLink rewrites one destination through the redirect endpoint.
func (i *Issuer) TrackedLink(trackingID, originalURL, linkID string) string {
	u := fmt.Sprintf("%s/track/click?trackingId=%s&url=%s",
		i.baseURL, url.QueryEscape(trackingID), url.QueryEscape(originalURL))
	if linkID != "" {
		u += "&l=" + url.QueryEscape(linkID)
	}
	return u
}

var hrefRegex = regexp.MustCompile(`href="(https?://[^"]+)"`)

// rewriteLinks routes every absolute hyperlink through the click
// endpoint. Links already pointing at the tracker are left alone so a
// re-render can't double-wrap them.
func (i *Issuer) rewriteLinks(html, trackingID string) string {
	linkNum := 0
	return hrefRegex.ReplaceAllStringFunc(html, func(match string) string {
		original := hrefRegex.FindStringSubmatch(match)[1]
		if strings.Contains(original, "/track/click") {
			return match
		}
		linkNum++
		return `href="` + i.TrackedLink(trackingID, original, "link-"+strconv.Itoa(linkNum)) + `"`
	})
}

// injectPixel places the 1x1 image before </body> when present,
// otherwise at the end of the document.
func injectPixel(html, pixelURL string) string {
	img := fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:block;border:0;" />`, pixelURL)
	if idx := strings.LastIndex(strings.ToLower(html), "</body>"); idx >= 0 {
		return html[:idx] + img + html[idx:]
	}
	return html + img
}

// GenerateTrackingID mints an opaque identifier bound to an
// (advisory, recipient) pair: "et_" + 16 hex chars of a salted SHA-256
// + the creation time in base36. Collisions are ruled out by the
// random salt plus the unique index on tracking_id.
func GenerateTrackingID(advisoryID, recipientEmail string) string {
	salt := make([]byte, 8)
	rand.Read(salt)
	now := time.Now().UnixMilli()
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d:%s", advisoryID, recipientEmail, now, hex.EncodeToString(salt))))
	return fmt.Sprintf("et_%s_%s", hex.EncodeToString(sum[:])[:16], strconv.FormatInt(now, 36))
}
