package tracking

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
)

// 1x1 transparent PNG
var pixelPNG, _ = base64.StdEncoding.DecodeString(
	"iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII=")

// Handler serves the two public, unauthenticated ingestion endpoints.
// Both must answer successfully no matter what: a failed pixel shows a
// broken image in the mail client and a failed redirect breaks the
// recipient's navigation.
type Handler struct {
	rec Recorder
}

// NewHandler creates the ingestion handler.
func NewHandler(rec Recorder) *Handler {
	return &Handler{rec: rec}
}

// Routes returns the public tracking router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/track/pixel", h.HandlePixel)
	r.Get("/track/click", h.HandleClick)
	r.Get("/health", h.HandleHealth)
	return r
}

// HandlePixel serves the open-tracking pixel. The pixel always comes
// back 200 with cache-disabling headers, token or no token.
func (h *Handler) HandlePixel(w http.ResponseWriter, r *http.Request) {
	trackingID := r.URL.Query().Get("t")
	if trackingID != "" {
		h.rec.RecordOpen(r.Context(), trackingID, requestMeta(r))
	}
	servePixel(w)
}

// HandleClick records the click and 302s to the decoded destination.
// Tracking failures never block the redirect; only an undecodable or
// non-http(s) destination is rejected, with a 400.
func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	trackingID := q.Get("trackingId")
	rawURL := q.Get("url")

	dest, ok := decodeDestination(rawURL)
	if !ok {
		http.Error(w, "invalid url", http.StatusBadRequest)
		return
	}

	if trackingID != "" {
		h.rec.RecordClick(r.Context(), trackingID, dest, q.Get("l"), requestMeta(r))
	}

	http.Redirect(w, r, dest, http.StatusFound)
}

// HandleHealth is the load balancer probe.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// decodeDestination validates the url parameter. The query layer has
// already percent-decoded once; a "%" that survived means a malformed
// escape, and anything without an absolute http(s) target means the
// link was tampered with; refuse rather than redirect somewhere
// unsafe.
func decodeDestination(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	if strings.Contains(raw, "%") {
		decoded, err := url.QueryUnescape(raw)
		if err != nil {
			return "", false
		}
		raw = decoded
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if u.Host == "" {
		return "", false
	}
	return u.String(), true
}

func requestMeta(r *http.Request) RequestMeta {
	return RequestMeta{
		IP:        realIP(r),
		UserAgent: r.UserAgent(),
		Referer:   r.Referer(),
	}
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

func servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelPNG)
}
