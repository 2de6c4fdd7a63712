// Command server runs the full advisory mailer: the public tracking
// endpoints, the admin API, the delivery engine, and the retention
// sweeper in one process.
package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/inteldesk/advisory-mailer/internal/advisory"
	"github.com/inteldesk/advisory-mailer/internal/api"
	"github.com/inteldesk/advisory-mailer/internal/config"
	"github.com/inteldesk/advisory-mailer/internal/mailer"
	"github.com/inteldesk/advisory-mailer/internal/scheduler"
	"github.com/inteldesk/advisory-mailer/internal/tracking"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	if err := db.Ping(); err != nil {
		log.Fatalf("pinging database: %v", err)
	}
	log.Println("Connected to database")

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Printf("Redis unavailable (%v), falling back to PG advisory locks", err)
			redisClient = nil
		} else {
			log.Println("Connected to Redis")
		}
	}

	trackingStore := tracking.NewStore(db)
	aggregator := tracking.NewAggregator(db)
	issuer := tracking.NewIssuer(trackingStore, cfg.Tracking.BaseURL)
	recorder := tracking.NewAsyncRecorder(trackingStore)
	ingestion := tracking.NewHandler(recorder)

	advisoryStore := advisory.NewStore(db)
	renderer := advisory.NewRenderer(advisory.NewTemplateService(), cfg.Tracking.BaseURL)

	sesMailer, err := mailer.NewSESMailer(context.Background(), cfg.Mailer)
	if err != nil {
		log.Fatalf("creating SES mailer: %v", err)
	}

	schedulerStore := scheduler.NewStore(db)
	engine := scheduler.NewEngine(schedulerStore, advisoryStore, renderer, issuer,
		sesMailer, redisClient, db, scheduler.EngineConfig{
			FromEmail:    cfg.Mailer.FromEmail,
			PollInterval: cfg.Scheduler.PollInterval(),
			SendTimeout:  cfg.Mailer.Timeout(),
			MaxRetries:   cfg.Scheduler.MaxRetries,
		})
	engine.Start()
	defer engine.Stop()

	sweeper := tracking.NewSweeper(db, cfg.Tracking.SweepInterval(), cfg.Tracking.RetentionHorizon())
	sweeper.Start()
	defer sweeper.Stop()

	var origins []string
	if raw := os.Getenv("CORS_ORIGINS"); raw != "" {
		origins = strings.Split(raw, ",")
	}
	server := api.NewServer(trackingStore, aggregator, advisoryStore, schedulerStore,
		engine, cfg.Auth.JWTSecret, origins)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server.Routes(ingestion),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("advisory mailer listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}
