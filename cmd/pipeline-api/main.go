package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

	"github.com/famplan/organizer/internal/app/calsync"
	"github.com/famplan/organizer/internal/app/events"
	"github.com/famplan/organizer/internal/app/household"
	"github.com/famplan/organizer/internal/app/notify"
	"github.com/famplan/organizer/internal/app/parse"
	"github.com/famplan/organizer/internal/app/pipeline"
	"github.com/famplan/organizer/internal/app/pipelineapi"
	"github.com/famplan/organizer/internal/contracts"
	"github.com/famplan/organizer/internal/messaging"
	"github.com/famplan/organizer/internal/platform/dbpool"
	"github.com/famplan/organizer/internal/platform/env"
	"github.com/famplan/organizer/internal/platform/logging"
	"github.com/famplan/organizer/internal/platform/metrics"
	"github.com/famplan/organizer/internal/platform/natsutil"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, closeLog := logging.New("pipeline-api", env.String("LOG_FILE", ""), logging.Level(env.String("LOG_LEVEL", "info")))
	defer func() { _ = closeLog() }()

	apiAddr := env.String("PIPELINE_API_ADDR", env.DefaultAPIAddr)
	clientOrigin := env.String("CLIENT_ORIGIN", "")
	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	jwtSecret := env.String("JWT_SECRET", "dev-insecure-change-me")
	parseTimeout := env.Duration("PARSE_TIMEOUT", env.DefaultParseTimeout)
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	pool, err := dbpool.New(runCtx, pgURL)
	if err != nil {
		fatal(logger, "postgres pool", err)
	}
	defer pool.Close()

	householdRepo := household.NewPostgresRepository(pool)
	eventsRepo := events.NewRepository(pool)
	inboxRepo := notify.NewPostgresRepository(pool)
	if err := waitForSchemas(runCtx, logger, pool, 30*time.Second,
		householdRepo.EnsureSchema, eventsRepo.EnsureSchema, inboxRepo.EnsureSchema); err != nil {
		fatal(logger, "schema readiness", err)
	}

	householdSvc := household.NewService(householdRepo, household.NewTokenManager(jwtSecret))
	eventsSvc := events.NewService(eventsRepo)

	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), 20*time.Second)
	if err != nil {
		fatal(logger, "nats connect", err)
	}
	defer client.Close()
	if err := messaging.EnsureStreams(client.JS); err != nil {
		fatal(logger, "jetstream streams", err)
	}

	model, err := parse.NewModel(parse.ModelConfig{
		Provider:   env.String("PARSE_PROVIDER", parse.ProviderAnthropic),
		Model:      env.String("PARSE_MODEL", "claude-sonnet-4-20250514"),
		APIKey:     env.String("PARSE_API_KEY", ""),
		OllamaHost: env.String("OLLAMA_HOST", ""),
	})
	if err != nil {
		fatal(logger, "parse model", err)
	}
	adapter := parse.NewAdapter(model, env.String("PARSE_MODEL", "claude-sonnet-4-20250514"))

	syncer := calsync.NewSyncer(
		env.String("CALDAV_URL", ""),
		env.String("CALDAV_USERNAME", ""),
		env.String("CALDAV_PASSWORD", ""),
	)
	if !syncer.Enabled() {
		logger.Info("calendar sync disabled, CALDAV_URL not set")
	}

	publisher := notify.NewPublisher(natsutil.JetStreamPublisher{JS: client.JS}.Publish)

	batch := &pipeline.BatchCreator{
		Create: func(ctx context.Context, commit pipeline.Commit, event contracts.ParsedEvent) (string, error) {
			stored, err := eventsSvc.Create(ctx, commit.HouseholdID, commit.Actor.UserID, commit.Actor.DisplayName, event)
			if err != nil {
				return "", err
			}
			return stored.EventID, nil
		},
		Sync: func(ctx context.Context, commit pipeline.Commit, created pipeline.CreatedEvent) (bool, error) {
			stored, err := eventsRepo.GetEventByID(ctx, created.ID)
			if err != nil {
				return false, err
			}
			return syncer.Sync(ctx, stored)
		},
		Notify: func(ctx context.Context, commit pipeline.Commit, created pipeline.CreatedEvent) error {
			_, err := publisher.EventCreated(
				commit.HouseholdID,
				created.ID,
				created.Event.Title,
				created.Event.StartTime,
				commit.Actor.UserID,
				commit.Actor.DisplayName,
				commit.Recipients,
			)
			return err
		},
		Logger: logger,
	}

	orch := pipeline.NewOrchestrator(adapter, batch, householdSvc, parseTimeout, logger)
	handler := pipelineapi.NewHandler(orch, householdSvc, eventsRepo, inboxRepo, clientOrigin)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := checkReadiness(r.Context(), pool, client.Conn); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.DefaultHandler())
	mux.Handle("/", handler.Router())

	server := &http.Server{
		Addr:              apiAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("pipeline API listening", "addr", apiAddr)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		fatal(logger, "http server", err)
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func waitForSchemas(ctx context.Context, logger *slog.Logger, pool *pgxpool.Pool, timeout time.Duration, ensure ...func(context.Context) error) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = pool.Ping(attemptCtx)
		for _, fn := range ensure {
			if lastErr != nil {
				break
			}
			lastErr = fn(attemptCtx)
		}
		cancel()

		if lastErr == nil {
			return nil
		}
		logger.Warn("waiting for postgres readiness", "error", lastErr)
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}

func checkReadiness(ctx context.Context, pool *pgxpool.Pool, conn *nats.Conn) error {
	if conn == nil {
		return errors.New("nats connection is nil")
	}
	if conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats is not connected: %s", conn.Status().String())
	}

	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if err := pool.Ping(checkCtx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}

func fatal(logger *slog.Logger, stage string, err error) {
	logger.Error(stage, "error", err)
	os.Exit(1)
}
