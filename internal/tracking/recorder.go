package tracking

import (
	"context"
	"errors"
	"time"

	"github.com/inteldesk/advisory-mailer/internal/pkg/logger"
)

// Recorder is the write side the ingestion handlers talk to. It exists
// so the handlers never block on the store or fail because of it: the
// pixel and the redirect are the mandatory part, the write is
// best-effort.
type Recorder interface {
	RecordOpen(ctx context.Context, trackingID string, meta RequestMeta)
	RecordClick(ctx context.Context, trackingID, linkURL, linkID string, meta RequestMeta)
}

// AsyncRecorder writes events on a background goroutine with its own
// timeout, swallowing (but logging) every failure. Unknown or inactive
// tokens are routine (recipients forward emails, retention expires
// tokens) so they log at debug level only.
type AsyncRecorder struct {
	store   *Store
	timeout time.Duration
}

// NewAsyncRecorder creates the production recorder.
func NewAsyncRecorder(store *Store) *AsyncRecorder {
	return &AsyncRecorder{store: store, timeout: 5 * time.Second}
}

// RecordOpen appends an open event without ever surfacing a failure.
func (r *AsyncRecorder) RecordOpen(_ context.Context, trackingID string, meta RequestMeta) {
	go r.record("open", trackingID, func(ctx context.Context) error {
		return r.store.RecordOpen(ctx, trackingID, meta)
	})
}

// RecordClick appends a click event without ever surfacing a failure.
func (r *AsyncRecorder) RecordClick(_ context.Context, trackingID, linkURL, linkID string, meta RequestMeta) {
	go r.record("click", trackingID, func(ctx context.Context) error {
		return r.store.RecordClick(ctx, trackingID, linkURL, linkID, meta)
	})
}

func (r *AsyncRecorder) record(kind, trackingID string, fn func(context.Context) error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("tracking write panicked", "kind", kind, "panic", p)
		}
	}()

	// Detached from the request context: the response has already been
	// served by the time this runs.
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	err := fn(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrTokenNotFound), errors.Is(err, ErrTokenInactive):
		logger.Debug("tracking event dropped", "kind", kind, "tracking_id", trackingID, "reason", err.Error())
	default:
		logger.Error("tracking write failed", "kind", kind, "tracking_id", trackingID, "error", err.Error())
	}
}
