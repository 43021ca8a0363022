package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dbsentinel/internal/alert"
	"dbsentinel/internal/config"
	"dbsentinel/internal/lease"
	"dbsentinel/internal/queue"
	"dbsentinel/internal/store"
	"dbsentinel/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	key, err := cfg.EncryptionKeyBytes()
	if err != nil {
		logger.Error("invalid encryption key", slog.String("error", err.Error()))
		os.Exit(1)
	}

	st, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to db", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer st.Close()
	repo, err := store.NewRepository(st, key)
	if err != nil {
		logger.Error("failed to build repository", slog.String("error", err.Error()))
		os.Exit(1)
	}

	leaser, err := lease.New(ctx, lease.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Error("failed to connect to redis", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer leaser.Close()

	notifier, err := alert.NewNATSNotifier(cfg.NATSURL, cfg.Alert.Subject)
	if err != nil {
		logger.Error("failed to connect to nats", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer notifier.Close()
	dispatcher := alert.NewDispatcher(notifier, leaser, alert.Policy{
		Window:       time.Duration(cfg.Alert.CooldownSeconds) * time.Second,
		Recipients:   cfg.Alert.Recipients,
		OnNoBaseline: cfg.Alert.OnNoBaseline,
	}, logger)

	consumer, err := queue.NewConsumer(cfg.NATSURL, cfg.Stream, cfg.TaskSubject, cfg.Durable,
		time.Duration(cfg.AckWaitSeconds)*time.Second)
	if err != nil {
		logger.Error("failed to open work queue", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer consumer.Close()

	w := worker.New(repo, leaser, dispatcher, worker.Config{
		QueryTimeout:     time.Duration(cfg.QueryTimeoutSeconds) * time.Second,
		TaskTimeout:      time.Duration(cfg.TaskTimeoutSeconds) * time.Second,
		LeaseTTL:         time.Duration(cfg.LeaseTTLSeconds) * time.Second,
		MaxAttempts:      cfg.MaxAttempts,
		RetryBackoff:     time.Duration(cfg.RetryBackoffSeconds) * time.Second,
		BusyRequeueDelay: time.Duration(cfg.BusyRequeueSeconds) * time.Second,
		Lookback:         time.Duration(cfg.LookbackDays) * 24 * time.Hour,
	}, logger)

	if err := w.Run(ctx, consumer, cfg.Workers); err != nil {
		logger.Error("failed to start workers", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("execution workers running",
		slog.Int("workers", cfg.Workers),
		slog.String("subject", cfg.TaskSubject))

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown
	logger.Info("shutting down")
}
