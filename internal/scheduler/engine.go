package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/inteldesk/advisory-mailer/internal/advisory"
	"github.com/inteldesk/advisory-mailer/internal/mailer"
	"github.com/inteldesk/advisory-mailer/internal/pkg/distlock"
	"github.com/inteldesk/advisory-mailer/internal/tracking"
)

// AdvisoryCatalog resolves advisory ids to records.
type AdvisoryCatalog interface {
	Get(ctx context.Context, id string) (*advisory.Advisory, error)
}

// EmailRenderer turns an advisory into the outgoing HTML body.
type EmailRenderer interface {
	RenderEmail(a *advisory.Advisory, customMessage string) (string, error)
}

// TokenIssuer mints per-recipient tracking tokens and instruments the
// body.
type TokenIssuer interface {
	Issue(ctx context.Context, req tracking.IssueRequest) (*tracking.IssueResult, error)
}

// EngineConfig tunes the delivery engine.
type EngineConfig struct {
	// FromEmail is the sender recorded on tracking tokens.
	FromEmail    string
	PollInterval time.Duration
	SendTimeout  time.Duration
	LockTTL      time.Duration
	BatchSize    int
	// MaxRetries caps how often a pending email can be claimed before
	// it is parked as failed.
	MaxRetries int
}

// Engine polls for due scheduled emails and delivers them. Every
// delivery runs under a per-email distributed lock plus a
// compare-and-swap claim, so running multiple engine instances is
// safe.
type Engine struct {
	store      *Store
	advisories AdvisoryCatalog
	renderer   EmailRenderer
	issuer     TokenIssuer
	mail       mailer.Mailer

	redisClient *redis.Client
	db          *sql.DB
	cfg         EngineConfig

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewEngine wires the delivery engine. redisClient may be nil; locking
// then falls back to Postgres advisory locks.
func NewEngine(store *Store, advisories AdvisoryCatalog, renderer EmailRenderer, issuer TokenIssuer,
	mail mailer.Mailer, redisClient *redis.Client, db *sql.DB, cfg EngineConfig) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Engine{
		store:       store,
		advisories:  advisories,
		renderer:    renderer,
		issuer:      issuer,
		mail:        mail,
		redisClient: redisClient,
		db:          db,
		cfg:         cfg,
	}
}

// Start launches the polling loop.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.running = true

	e.wg.Add(1)
	go e.run()

	log.Printf("[DeliveryEngine] Started (poll interval: %v)", e.cfg.PollInterval)
}

// Stop halts polling and waits for in-flight deliveries to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}

	e.cancel()
	e.wg.Wait()
	e.running = false

	log.Printf("[DeliveryEngine] Stopped")
}

func (e *Engine) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.poll()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.poll()
		}
	}
}

func (e *Engine) poll() {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.PollInterval)
	defer cancel()

	ids, err := e.store.Due(ctx, time.Now().UTC(), e.cfg.BatchSize)
	if err != nil {
		log.Printf("[DeliveryEngine] Error querying due emails: %v", err)
		return
	}

	for _, id := range ids {
		select {
		case <-e.ctx.Done():
			return
		default:
		}
		if err := e.Deliver(ctx, id); err != nil {
			log.Printf("[DeliveryEngine] Error delivering %s: %v", id, err)
		}
	}
}

// Deliver attempts one scheduled email end to end. It is also the
// entry point for the send-now API path; the lock and claim make it
// safe against a concurrent poll of the same id.
func (e *Engine) Deliver(ctx context.Context, id string) error {
	lock := distlock.NewLock(e.redisClient, e.db, "advisory-mailer:send:"+id, e.cfg.LockTTL)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring delivery lock: %w", err)
	}
	if !ok {
		return nil
	}
	defer lock.Release(context.Background())

	email, claimed, err := e.store.Claim(ctx, id, e.cfg.MaxRetries)
	if err != nil {
		return fmt.Errorf("claiming email: %w", err)
	}
	if !claimed {
		// Cancelled, already sent, retries exhausted, or taken by
		// another instance.
		return nil
	}

	return e.process(ctx, lock, email)
}

func (e *Engine) process(ctx context.Context, lock distlock.DistLock, email *ScheduledEmail) error {
	adv, err := e.advisories.Get(ctx, email.AdvisoryID)
	if err != nil {
		if errors.Is(err, advisory.ErrNotFound) {
			return e.store.MarkFailed(ctx, email.ID, "advisory not found: "+email.AdvisoryID)
		}
		// Transient lookup error: leave pending for the next poll.
		return fmt.Errorf("loading advisory: %w", err)
	}

	subject := email.Subject
	if subject == "" {
		subject = adv.DefaultSubject()
	}

	html, err := e.renderer.RenderEmail(adv, email.CustomMessage)
	if err != nil {
		return e.store.MarkFailed(ctx, email.ID, "rendering email: "+err.Error())
	}

	flags := tracking.ConfigFlags{
		TrackOpens:  email.TrackOpens,
		TrackClicks: email.TrackClicks,
		TrackDevice: email.TrackDevice,
	}

	// One message per recipient so each gets its own tracking token.
	// CC and BCC ride on the first message only.
	var firstMessageID string
	for i, recipient := range email.Recipients {
		// A large recipient list can take longer than the lock TTL, so
		// push the expiry out between sends.
		if i > 0 {
			if err := lock.Extend(ctx, e.cfg.LockTTL); err != nil {
				log.Printf("[DeliveryEngine] Lock extend failed for %s: %v", email.ID, err)
			}
		}

		body := html
		if flags.TrackOpens || flags.TrackClicks {
			res, issueErr := e.issuer.Issue(ctx, tracking.IssueRequest{
				AdvisoryID:     email.AdvisoryID,
				RecipientEmail: recipient,
				SenderEmail:    e.cfg.FromEmail,
				Subject:        subject,
				CampaignID:     email.CampaignID,
				Config:         flags,
				HTML:           html,
			})
			if issueErr != nil {
				// Tracking is best-effort: send the untracked copy.
				log.Printf("[DeliveryEngine] Tracking issuance failed for %s: %v", email.ID, issueErr)
			} else {
				body = res.HTML
			}
		}

		msg := &mailer.Message{
			To:      []string{recipient},
			Subject: subject,
			HTML:    body,
		}
		if i == 0 {
			msg.CC = email.CC
			msg.BCC = email.BCC
		}

		sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
		res, sendErr := e.mail.Send(sendCtx, msg)
		cancel()
		if sendErr != nil {
			return e.store.MarkFailed(ctx, email.ID,
				fmt.Sprintf("sending to %s: %v", recipient, sendErr))
		}
		if firstMessageID == "" {
			firstMessageID = res.MessageID
		}
	}

	if err := e.store.MarkSent(ctx, email.ID, firstMessageID); err != nil {
		return err
	}

	log.Printf("[DeliveryEngine] Delivered %s (%d recipients)", email.ID, len(email.Recipients))
	return nil
}
