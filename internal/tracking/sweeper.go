package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"
)

// Sweeper enforces the retention horizon in the background: active
// tokens past their expiry flip to expired, events older than the
// horizon are deleted, and tokens expired longer than the horizon are
// purged outright.
type Sweeper struct {
	db       *sql.DB
	interval time.Duration
	horizon  time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewSweeper creates a Sweeper. interval is how often it runs; horizon
// is the retention window for events and dead tokens.
func NewSweeper(db *sql.DB, interval, horizon time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if horizon <= 0 {
		horizon = DefaultRetention
	}
	return &Sweeper{db: db, interval: interval, horizon: horizon}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	s.wg.Add(1)
	go s.run()

	log.Printf("[TrackingSweeper] Started (interval: %v, horizon: %v)", s.interval, s.horizon)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	s.cancel()
	s.wg.Wait()
	s.running = false

	log.Printf("[TrackingSweeper] Stopped")
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Sweep once at startup so a long-stopped deployment catches up
	// immediately.
	s.sweep()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep runs the three retention passes. Each pass is independent; a
// failure in one is logged and does not stop the others. An in-flight
// sweep always runs to completion; Stop waits for it.
func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if n, err := s.expireTokens(ctx); err != nil {
		log.Printf("[TrackingSweeper] Error expiring tokens: %v", err)
	} else if n > 0 {
		log.Printf("[TrackingSweeper] Expired %d tokens", n)
	}

	if n, err := s.pruneEvents(ctx); err != nil {
		log.Printf("[TrackingSweeper] Error pruning events: %v", err)
	} else if n > 0 {
		log.Printf("[TrackingSweeper] Pruned %d events", n)
	}

	if n, err := s.purgeTokens(ctx); err != nil {
		log.Printf("[TrackingSweeper] Error purging tokens: %v", err)
	} else if n > 0 {
		log.Printf("[TrackingSweeper] Purged %d tokens", n)
	}
}

// expireTokens flips active tokens whose expiry has passed. Expired
// tokens stop accepting events but keep their counters readable.
func (s *Sweeper) expireTokens(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE advisory_tracking_tokens SET status = 'expired'
		WHERE status = 'active' AND expires_at < NOW()
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// pruneEvents deletes event rows older than the retention horizon.
func (s *Sweeper) pruneEvents(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM advisory_tracking_events WHERE event_at < NOW() - $1::interval
	`, intervalArg(s.horizon))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// purgeTokens removes tokens that have been expired or disabled for a
// full retention window. Their events are already gone by then.
func (s *Sweeper) purgeTokens(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM advisory_tracking_tokens
		WHERE status IN ('expired', 'disabled') AND expires_at < NOW() - $1::interval
	`, intervalArg(s.horizon))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// intervalArg renders a duration in the form Postgres interval casts
// accept.
func intervalArg(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}
