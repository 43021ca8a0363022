package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"dbsentinel/internal/config"
	"dbsentinel/internal/queue"
	"dbsentinel/internal/store"
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

	publisher, err := queue.NewPublisher(cfg.NATSURL, cfg.Stream, cfg.TaskSubject)
	if err != nil {
		logger.Error("failed to open work queue", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer publisher.Close()

	dispatch := &dispatchServer{repo: repo, publisher: publisher, logger: logger}

	interval := time.Duration(cfg.ScheduleIntervalSeconds) * time.Second
	go dispatch.runScheduler(ctx, interval)

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", dispatch.handleHealth)
	router.Route("/api/tests/{testID}", func(r chi.Router) {
		r.Post("/trigger", dispatch.handleTrigger)
		r.Get("/executions", dispatch.handleExecutions)
	})

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
	go func() {
		logger.Info("dispatch server listening", slog.String("port", cfg.HTTPPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", slog.String("error", err.Error()))
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
}
