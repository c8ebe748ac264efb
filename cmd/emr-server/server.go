package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/recordsync/internal/config"
	"github.com/ehr/recordsync/internal/domain/encounter"
	"github.com/ehr/recordsync/internal/domain/order"
	"github.com/ehr/recordsync/internal/domain/patient"
	"github.com/ehr/recordsync/internal/platform/auth"
	"github.com/ehr/recordsync/internal/platform/concurrency"
	"github.com/ehr/recordsync/internal/platform/coordinator"
	"github.com/ehr/recordsync/internal/platform/db"
	"github.com/ehr/recordsync/internal/platform/emr"
	"github.com/ehr/recordsync/internal/platform/events"
	"github.com/ehr/recordsync/internal/platform/idempotency"
	"github.com/ehr/recordsync/internal/platform/metrics"
	"github.com/ehr/recordsync/internal/platform/middleware"
	"github.com/ehr/recordsync/internal/platform/record"
	"github.com/ehr/recordsync/internal/platform/sequence"
	"github.com/ehr/recordsync/internal/platform/webhook"
)

// app is a fully wired server and the resources it must release.
type app struct {
	echo       *echo.Echo
	store      record.Store
	dispatcher *events.Dispatcher
	closers    []func() error
	logger     zerolog.Logger
}

func (a *app) shutdown(ctx context.Context) {
	if err := a.dispatcher.Close(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("event dispatcher did not drain")
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("close failed")
		}
	}
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		l := newLogger(nil)
		l.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.ResolvedStore()).Bool("fake_emr", cfg.UseFakeEMR()).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	a.shutdown(shutdownCtx)
	logger.Info().Msg("server stopped")
	return nil
}

// openStore opens the configured local store. Postgres is migrated on open.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (record.Store, error) {
	switch cfg.ResolvedStore() {
	case config.StoreMemory:
		logger.Warn().Msg("using in-memory record store, data is lost on restart")
		return record.NewMemoryStore(cfg.LockTimeout), nil
	case config.StoreSQLite:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
		return record.NewSQLiteStore(cfg.SQLitePath, cfg.LockTimeout)
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.LockTimeout)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		n, err := db.NewMigrator(pool, db.Migrations()).Up(ctx)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Int("applied", n).Msg("connected to database")
		return record.NewPostgresStore(pool, cfg.LockTimeout), nil
	}
}

func openAdapter(cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics) emr.Adapter {
	if cfg.UseFakeEMR() {
		logger.Warn().Msg("EMR_BASE_URL not set, using in-memory EMR")
		return emr.NewFake()
	}
	return emr.NewFHIRClient(emr.FHIRConfig{
		BaseURL: cfg.EMRBaseURL,
		Token:   cfg.EMRToken,
		Timeout: cfg.EMRTimeout,
	}, logger.With().Str("component", "emr").Logger(), m)
}

func openIdempotencyStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (idempotency.Store, func() error, error) {
	if cfg.RedisURL == "" {
		s := idempotency.NewMemoryStore(time.Minute)
		return s, func() error { s.Stop(); return nil }, nil
	}
	client, err := idempotency.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Msg("idempotency keys stored in redis")
	return idempotency.NewRedisStore(client, ""), client.Close, nil
}

func buildSinks(ctx context.Context, cfg *config.Config, logger zerolog.Logger) ([]events.NamedAuditSink, []events.NamedAlertSink, error) {
	audits := []events.NamedAuditSink{{Name: "log", Sink: events.LogAuditSink{Logger: logger}}}
	alerts := []events.NamedAlertSink{{Name: "log", Sink: events.LogAlertSink{Logger: logger}}}

	if cfg.AuditS3Bucket != "" {
		s3cfg := events.S3Config{
			Bucket:    cfg.AuditS3Bucket,
			Region:    cfg.AuditS3Region,
			Endpoint:  cfg.AuditS3Endpoint,
			PathStyle: cfg.AuditS3PathStyle,
		}
		client, err := events.NewS3Client(ctx, s3cfg)
		if err != nil {
			return nil, nil, err
		}
		sink, err := events.NewS3AuditSink(client, s3cfg)
		if err != nil {
			return nil, nil, err
		}
		audits = append(audits, events.NamedAuditSink{Name: "s3", Sink: sink})
	}

	if cfg.AlertWebhookURL != "" {
		sender, err := webhook.NewAlertSender(cfg.AlertWebhookURL, cfg.AlertWebhookSecret, logger)
		if err != nil {
			return nil, nil, err
		}
		alerts = append(alerts, events.NamedAlertSink{Name: "webhook", Sink: sender})
	}
	return audits, alerts, nil
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			for i := len(a.closers) - 1; i >= 0; i-- {
				_ = a.closers[i]()
			}
		}
	}()

	m := metrics.New()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	adapter := openAdapter(cfg, logger, m)

	idemStore, closeIdem, err := openIdempotencyStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeIdem)

	audits, alerts, err := buildSinks(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	dispatcher := events.NewDispatcher(events.DispatcherConfig{QueueSize: cfg.EventQueueSize},
		logger.With().Str("component", "events").Logger(), m, audits, alerts)
	dispatcher.Start(ctx)
	a.dispatcher = dispatcher

	guard := concurrency.NewGuard(store, logger, m)
	alloc := sequence.NewAllocator(store, logger)
	dual := coordinator.NewDualWriter(alloc, store, adapter, dispatcher, m, logger)
	wt := coordinator.NewWriteThrough(store, guard, adapter, dispatcher, m, logger)
	gate := idempotency.NewGate(idemStore, idempotency.Config{
		InFlightTTL: cfg.IdempotencyInFlightTTL,
		ResponseTTL: cfg.IdempotencyResponseTTL,
	}, logger, m)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.HTTPErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(m.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAud,
		SigningKey: []byte(cfg.AuthKey),
	}
	apiV1 := e.Group("/api/v1")
	if cfg.ResolvedAuthMode() == "development" {
		apiV1.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		apiV1.Use(auth.JWTMiddleware(jwtCfg))
	}
	apiV1.Use(middleware.AccessAudit(logger, dispatcher))
	apiV1.Use(idempotency.Middleware(gate, auth.Caller))

	patientSvc := patient.NewService(store, dual, wt, guard, dispatcher, nil, logger)
	patient.NewHandler(patientSvc).RegisterRoutes(apiV1)

	encounterSvc := encounter.NewService(store, alloc, guard, dispatcher, logger)
	encounter.NewHandler(encounterSvc).RegisterRoutes(apiV1)

	orderSvc := order.NewService(store, dual, guard, dispatcher, logger)
	order.NewHandler(orderSvc).RegisterRoutes(apiV1)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/emr", emrHealthHandler(adapter))
	e.GET("/health/db", db.HealthHandler(cfg.ResolvedStore(), store))
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	a.echo = e
	return a, nil
}

// emrHealthHandler reports whether the system of record is reachable.
func emrHealthHandler(adapter emr.Adapter) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()
		if err := adapter.Health(ctx); err != nil {
			msg := err.Error()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				msg = "health check timed out"
			}
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": msg})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	}
}
