package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"bunnyhop/internal/config"
	"bunnyhop/internal/ingest"
	"bunnyhop/internal/metrics"
	"bunnyhop/internal/results"
	"bunnyhop/internal/storage"
	"bunnyhop/internal/strava"
	"bunnyhop/internal/syncer"
	"bunnyhop/internal/telemetry"
	"bunnyhop/internal/web"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "bunnyhop: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(".env")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.SessionSecret == "" {
		return errors.New("SESSION_SECRET is required")
	}

	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = zap.NewAtomicLevelAt(logLevel(cfg.LogLevel))
	logger, err := loggerConfig.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	event, err := config.LoadEventFile(cfg.EventConfigPath)
	if err != nil {
		return fmt.Errorf("load event: %w", err)
	}

	telemetryRuntime, err := telemetry.Setup(telemetry.Config{
		Enabled:     cfg.OTELEnabled,
		ServiceName: "bunnyhop",
		SampleRatio: cfg.OTELSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetryRuntime.Shutdown(shutdownCtx)
	}()

	registry := metrics.New()

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	if err := store.InitSchema(context.Background()); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	resultStore, closeResults, err := openResults(cfg, store, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = closeResults()
	}()

	stravaClient := &strava.Client{
		BaseURL:      cfg.StravaBaseURL,
		AuthBaseURL:  cfg.StravaAuthBaseURL,
		ClientID:     cfg.StravaClientID,
		ClientSecret: cfg.StravaClientSecret,
		HTTPClient:   &http.Client{Timeout: cfg.StravaTimeout},
		Retry:        strava.RetryPolicy{MaxAttempts: cfg.StravaMaxAttempts},
		Logger:       logger.Named("strava"),
		Observer:     registry,
	}

	syncService := &syncer.Service{
		Credentials: store,
		Tokens:      &strava.TokenManager{Refresher: stravaClient},
		Profiles:    stravaClient,
		Activities:  &ingest.WindowFetcher{Client: stravaClient, PageSize: cfg.StravaPageSize},
		Segments: &ingest.SegmentExtractor{
			Client:      stravaClient,
			Concurrency: cfg.SyncConcurrency,
			Logger:      logger.Named("ingest"),
		},
		Results: resultStore,
		Catalog: event.Segments,
		Window:  ingest.EventWindow(event.Date),
		Metrics: registry,
		Logger:  logger.Named("syncer"),
		Tracer:  telemetry.Tracer("bunnyhop/syncer"),
	}

	webServer, err := web.NewServer(web.Options{
		Sync:        syncService,
		OAuth:       stravaClient,
		Credentials: store,
		Event:       event,
		Sessions:    web.NewSessions(cfg.SessionSecret, 0),
		Strava: web.StravaConfig{
			ClientID:    cfg.StravaClientID,
			AuthBaseURL: cfg.StravaAuthBaseURL,
			RedirectURL: cfg.StravaRedirectURL,
		},
		SecureCookies:    strings.HasPrefix(cfg.BaseURL, "https://"),
		LeaderboardTTL:   cfg.LeaderboardTTL,
		LeaderboardStale: cfg.LeaderboardStale,
		Metrics:          registry,
		Logger:           logger.Named("web"),
	})
	if err != nil {
		return fmt.Errorf("build web server: %w", err)
	}

	// Syncs walk every activity of the day, so writes get more room than reads.
	server := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           webServer.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      2 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting",
			zap.String("addr", cfg.ServerAddr),
			zap.String("event", event.Name),
			zap.String("results_backend", cfg.ResultsBackend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
		close(serverErrCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErrCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func openResults(cfg config.Config, store *storage.Store, logger *zap.Logger) (results.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.ResultsBackend {
	case config.ResultsBackendSQLite:
		return store.Results(), noop, nil
	case config.ResultsBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		redisStore := results.NewRedisStore(client, results.RedisStoreConfig{
			Key:    cfg.RedisKey,
			Logger: logger.Named("results"),
		})
		return redisStore, redisStore.Close, nil
	default:
		return results.NewFileStore(cfg.ResultsPath), noop, nil
	}
}

func logLevel(raw string) zapcore.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
