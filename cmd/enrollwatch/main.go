package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	"github.com/ericfisherdev/enrollwatch/internal/adapter/driven/attemptlog"
	"github.com/ericfisherdev/enrollwatch/internal/adapter/driven/mail"
	"github.com/ericfisherdev/enrollwatch/internal/adapter/driven/provider"
	sqliteadapter "github.com/ericfisherdev/enrollwatch/internal/adapter/driven/sqlite"
	httphandler "github.com/ericfisherdev/enrollwatch/internal/adapter/driving/http"
	"github.com/ericfisherdev/enrollwatch/internal/application"
	"github.com/ericfisherdev/enrollwatch/internal/config"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on invalid values).
	cfg, err := config.Load(os.Getenv("ENROLLWATCH_CONFIG"))
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	logger.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"logs_dir", cfg.LogsDir,
		"provider", cfg.Provider.BaseURL,
		"max_retries", cfg.Retry.MaxRetries,
		"workers", cfg.Worker.Count,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database (dual reader/writer with WAL mode).
	db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()
	logger.Info("database opened", "path", db.Path())

	// 4. Run migrations on writer connection.
	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		return err
	}
	logger.Info("migrations complete")

	// 5. Wire driven adapters.
	tokenCache := sqliteadapter.NewTokenRepo(db)
	attemptQueue := sqliteadapter.NewAttemptRepo(db)

	attemptLog, err := attemptlog.NewFileLog(cfg.LogsDir)
	if err != nil {
		return err
	}

	providerClient := provider.NewClient(
		cfg.Provider.BaseURL,
		cfg.Provider.ClientID,
		cfg.Provider.ClientSecret,
		provider.Options{
			Timeout:           cfg.Provider.Timeout,
			RequestsPerSecond: cfg.Provider.RequestsPerSecond,
			HTTPRetries:       cfg.Provider.HTTPRetries,
			HTTPCache:         cfg.Provider.HTTPCache,
		},
		logger,
	)

	catalog, err := mail.LoadCatalog(cfg.CourseCatalogPath)
	if err != nil {
		return err
	}
	dispatcher, err := mail.NewDispatcher(
		mail.NewSMTPSender(cfg.Mail.SMTPAddr, cfg.Mail.Sender, cfg.Mail.Password, cfg.Mail.Timeout),
		mail.Config{
			From:           cfg.Mail.Sender,
			AdminEmail:     cfg.Mail.AdminEmail,
			MoodleURL:      cfg.Mail.MoodleURL,
			CourseImageURL: cfg.Mail.CourseImageURL,
			SendTimeout:    cfg.Mail.Timeout,
			SendAttempts:   cfg.Mail.SendAttempts,
			SendRetryDelay: cfg.Mail.SendRetryDelay,
		},
		catalog,
		logger,
	)
	if err != nil {
		return err
	}

	// 6. Metrics registry.
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := application.NewMetrics(reg)

	// 7. Application services.
	scheduler := application.NewRetryScheduler(
		tokenCache,
		providerClient,
		attemptQueue,
		dispatcher,
		attemptLog,
		application.RetryPolicy{
			MaxRetries:   cfg.Retry.MaxRetries,
			InitialDelay: cfg.Retry.InitialDelay,
			RetryDelay:   cfg.Retry.RetryDelay,
		},
		metrics,
		logger,
	)

	pool := application.NewWorkerPool(attemptQueue, scheduler, application.WorkerConfig{
		Count:        cfg.Worker.Count,
		PollInterval: cfg.Worker.PollInterval,
		StaleAfter:   cfg.Worker.StaleAfter,
	}, metrics, logger)

	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(ctx) }()

	healthSvc := application.NewHealthService(db, attemptQueue, metrics)

	// 8. HTTP server.
	apiHandler := httphandler.NewHandler(scheduler, attemptQueue, healthSvc, logger)
	handler := httphandler.NewServeMux(apiHandler, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}), logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	logger.Info("enrollwatch started",
		"listen_addr", cfg.ListenAddr,
		"poll_interval", cfg.Worker.PollInterval,
	)

	// 9. Wait for shutdown signal.
	<-ctx.Done()
	logger.Info("shutting down")

	// 10. Stop accepting requests, then let in-flight attempts finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	select {
	case err := <-poolDone:
		if err != nil {
			logger.Error("worker pool error", "error", err)
		}
	case <-time.After(cfg.MaxAttemptDuration()):
		logger.Warn("worker pool did not drain; unfinished attempts will be requeued on next start")
	}

	logger.Info("shutdown complete")
	return nil
}
