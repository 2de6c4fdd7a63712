package tracking

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

// syncRecorder records calls synchronously for assertions.
type syncRecorder struct {
	opens  []string
	clicks []struct {
		trackingID, linkURL, linkID string
	}
}

func (r *syncRecorder) RecordOpen(_ context.Context, trackingID string, _ RequestMeta) {
	r.opens = append(r.opens, trackingID)
}

func (r *syncRecorder) RecordClick(_ context.Context, trackingID, linkURL, linkID string, _ RequestMeta) {
	r.clicks = append(r.clicks, struct{ trackingID, linkURL, linkID string }{trackingID, linkURL, linkID})
}

func TestHandlePixel(t *testing.T) {
	rec := &syncRecorder{}
	h := NewHandler(rec)

	req := httptest.NewRequest("GET", "/track/pixel?t=et_abc", nil)
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc == "" {
		t.Error("missing Cache-Control header")
	}
	if !bytes.Equal(w.Body.Bytes(), pixelPNG) {
		t.Error("body is not the pixel bytes")
	}
	if len(rec.opens) != 1 || rec.opens[0] != "et_abc" {
		t.Errorf("opens = %v, want [et_abc]", rec.opens)
	}
}

func TestHandlePixelWithoutToken(t *testing.T) {
	rec := &syncRecorder{}
	h := NewHandler(rec)

	req := httptest.NewRequest("GET", "/track/pixel", nil)
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)

	// No token still serves the pixel so mail clients never see a
	// broken image.
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if len(rec.opens) != 0 {
		t.Errorf("opens = %v, want none", rec.opens)
	}
}

func TestHandleClickRedirects(t *testing.T) {
	rec := &syncRecorder{}
	h := NewHandler(rec)

	dest := "https://vendor.example.com/patch?v=2"
	req := httptest.NewRequest("GET",
		"/track/click?trackingId=et_abc&url="+url.QueryEscape(dest)+"&l=link-1", nil)
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != dest {
		t.Errorf("Location = %q, want %q", loc, dest)
	}
	if len(rec.clicks) != 1 {
		t.Fatalf("clicks = %d, want 1", len(rec.clicks))
	}
	if rec.clicks[0].linkURL != dest || rec.clicks[0].linkID != "link-1" {
		t.Errorf("recorded click = %+v", rec.clicks[0])
	}
}

func TestHandleClickRejectsBadURL(t *testing.T) {
	rec := &syncRecorder{}
	h := NewHandler(rec)

	for _, raw := range []string{
		"",
		"javascript:alert(1)",
		"notaurl",
		"%zz%%",
	} {
		req := httptest.NewRequest("GET", "/track/click?trackingId=et_abc&url="+raw, nil)
		w := httptest.NewRecorder()
		h.Routes().ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("url=%q: status = %d, want 400", raw, w.Code)
		}
	}
	if len(rec.clicks) != 0 {
		t.Errorf("clicks recorded for rejected urls: %v", rec.clicks)
	}
}

func TestHandleClickWithoutTokenStillRedirects(t *testing.T) {
	rec := &syncRecorder{}
	h := NewHandler(rec)

	req := httptest.NewRequest("GET", "/track/click?url="+url.QueryEscape("https://example.com"), nil)
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusFound {
		t.Errorf("status = %d, want 302", w.Code)
	}
	if len(rec.clicks) != 0 {
		t.Errorf("click recorded without token")
	}
}

func TestRealIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	if got := realIP(req); got != "10.0.0.1:1234" {
		t.Errorf("realIP = %q, want RemoteAddr", got)
	}

	req.Header.Set("X-Real-Ip", "203.0.113.9")
	if got := realIP(req); got != "203.0.113.9" {
		t.Errorf("realIP = %q, want X-Real-Ip", got)
	}

	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	if got := realIP(req); got != "198.51.100.7" {
		t.Errorf("realIP = %q, want first XFF entry", got)
	}
}

func TestDecodeDestination(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"https://example.com/a", "https://example.com/a", true},
		{"https%3A%2F%2Fexample.com%2Fa", "https://example.com/a", true},
		{"ftp://example.com", "", false},
		{"", "", false},
		{"https://", "", false},
	}
	for _, tt := range tests {
		got, ok := decodeDestination(tt.raw)
		if ok != tt.ok || got != tt.want {
			t.Errorf("decodeDestination(%q) = (%q, %v), want (%q, %v)", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}
