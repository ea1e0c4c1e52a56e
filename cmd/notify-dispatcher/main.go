package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

	"github.com/famplan/organizer/internal/app/notify"
	"github.com/famplan/organizer/internal/platform/dbpool"
	"github.com/famplan/organizer/internal/platform/env"
	"github.com/famplan/organizer/internal/platform/logging"
	"github.com/famplan/organizer/internal/platform/natsutil"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, closeLog := logging.New("notify-dispatcher", env.String("LOG_FILE", ""), logging.Level(env.String("LOG_LEVEL", "info")))
	defer func() { _ = closeLog() }()

	natsURL := env.String("NATS_URL", env.DefaultNATSURL)
	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)

	pool, err := dbpool.New(runCtx, pgURL)
	if err != nil {
		logger.Error("postgres pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	repository := notify.NewPostgresRepository(pool)
	if err := waitForPostgres(runCtx, logger, pool, repository, 30*time.Second); err != nil {
		logger.Error("postgres readiness", "error", err)
		os.Exit(1)
	}
	dispatcher := notify.NewDispatcher(repository)

	client, err := natsutil.ConnectJetStreamWithRetry(natsURL, 20*time.Second)
	if err != nil {
		logger.Error("nats connect", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	sub, err := client.JS.QueueSubscribe("fam.notice.>", "notify-dispatcher", func(msg *nats.Msg) {
		var streamSeq uint64
		if meta, metaErr := msg.Metadata(); metaErr == nil {
			streamSeq = meta.Sequence.Stream
		}

		insertCtx, cancel := context.WithTimeout(runCtx, 3*time.Second)
		defer cancel()
		if err := dispatcher.Handle(insertCtx, msg.Data, streamSeq); err != nil {
			if errors.Is(err, notify.ErrInvalidNoticePayload) {
				logger.Warn("discarding invalid notice payload", "subject", msg.Subject)
				_ = msg.Term()
				return
			}
			logger.Error("inbox write failed", "subject", msg.Subject, "error", err)
			_ = msg.Nak()
			return
		}

		_ = msg.Ack()
	}, nats.ManualAck())
	if err != nil {
		logger.Error("subscribe", "error", err)
		os.Exit(1)
	}

	logger.Info("notify dispatcher listening", "subject", sub.Subject)

	<-runCtx.Done()
	_ = sub.Drain()
}

func waitForPostgres(
	ctx context.Context,
	logger *slog.Logger,
	pool *pgxpool.Pool,
	repository *notify.PostgresRepository,
	timeout time.Duration,
) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = pool.Ping(attemptCtx)
		if lastErr == nil {
			lastErr = repository.EnsureSchema(attemptCtx)
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
