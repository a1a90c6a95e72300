package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rowanhq/brightside/internal"
	"github.com/rowanhq/brightside/internal/billing"
	"github.com/rowanhq/brightside/internal/breaker"
	"github.com/rowanhq/brightside/internal/clock"
	"github.com/rowanhq/brightside/internal/email"
	"github.com/rowanhq/brightside/internal/export"
	adminhandler "github.com/rowanhq/brightside/internal/handler/admin"
	paymenthandler "github.com/rowanhq/brightside/internal/handler/payments"
	"github.com/rowanhq/brightside/internal/middleware"
	"github.com/rowanhq/brightside/internal/outbox"
	"github.com/rowanhq/brightside/internal/payments"
	"github.com/rowanhq/brightside/internal/policy"
	"github.com/rowanhq/brightside/internal/repository"
	"github.com/rowanhq/brightside/internal/router"
	"github.com/rowanhq/brightside/internal/routes"
	"github.com/rowanhq/brightside/internal/schedule"
	"github.com/rowanhq/brightside/internal/telemetry"
)

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	defaultOrg, err := uuid.Parse(cfg.DefaultOrgID)
	if err != nil {
		return fmt.Errorf("failed to parse DEFAULT_ORG_ID: %w", err)
	}

	// Run migrations over database/sql
	logger.Info("Connecting to database...")
	sqlDB, err := sql.Open("postgres", cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer sqlDB.Close()

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	logger.Info("Running database migrations...")
	if err := internal.RunMigrations(sqlDB); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("Database migrations completed successfully")

	// Initialize pgx connection pool for the application
	pool, err := pgxpool.New(ctx, cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	queries := repository.New(pool)
	runner := repository.NewPoolRunner(pool)

	// Clock and business calendar
	clk := clock.NewSystem()
	cal, err := clock.NewCalendar(cfg.BusinessTimezone)
	if err != nil {
		return fmt.Errorf("failed to load business timezone: %w", err)
	}

	metrics := telemetry.NewOps(prometheus.DefaultRegisterer)

	// Scheduling engine
	policyCfg := policy.Config{
		DepositsEnabled:  cfg.Policy.DepositsEnabled,
		DepositPercent:   cfg.Policy.DepositPercent,
		Currency:         cfg.Policy.DepositCurrency,
		HighRiskPrefixes: cfg.Policy.HighRiskPrefixes,

		OverrunThresholdMinutes: cfg.Policy.OverrunThresholdMinutes,
	}
	scheduleSvc := schedule.NewService(runner, schedule.NewEngine(cal), cal, clk,
		policyCfg, int32(cfg.Email.MaxRetries), logger)

	// Payment reconciler
	provider := billing.NewStripeProvider(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret)
	if !provider.Configured() {
		logger.Warn("Stripe is not configured; checkout and webhook endpoints will refuse requests")
	}
	stripeBreaker := breaker.New("stripe", breaker.DefaultConfig, clk)
	paymentSvc := payments.NewService(runner, provider, stripeBreaker, clk, metrics, logger, payments.Config{
		SuccessURL:        cfg.Stripe.DepositSuccessURL,
		CancelURL:         cfg.Stripe.DepositCancelURL,
		InvoiceSuccessURL: cfg.Stripe.InvoiceSuccessURL,
		InvoiceCancelURL:  cfg.Stripe.InvoiceCancelURL,
		EmailMaxRetries:   int32(cfg.Email.MaxRetries),
	})

	// Outbox delivery adapters
	var sender email.Sender
	switch cfg.Email.Mode {
	case "smtp":
		sender = email.NewSMTPSender(email.SMTPConfig{
			Host:     cfg.Email.Host,
			Port:     int(cfg.Email.Port),
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
			FromName: cfg.Email.FromName,
		})
	case "postmark":
		sender = email.NewPostmarkSender(cfg.Email.PostmarkToken, cfg.Email.From)
	default:
		sender = email.NewLogSender(logger)
	}

	var exporter export.Exporter
	switch cfg.Export.Mode {
	case "webhook":
		exporter = export.NewWebhookExporter(cfg.Export.WebhookURL)
	case "nats":
		conn, err := nats.Connect(cfg.Export.NATSURL, nats.Name("brightside-export"))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer conn.Drain()
		exporter = export.NewNATSExporter(conn, cfg.Export.NATSSubject)
	default:
		exporter = export.NewLogExporter(logger)
	}

	worker := outbox.NewWorker(runner, queries, sender, exporter, clk, metrics, logger, outbox.WorkerConfig{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    int32(cfg.Outbox.BatchSize),
		BackoffBase:  time.Duration(cfg.Email.RetryBackoffSeconds) * time.Second,
	})
	replayer := outbox.NewReplayer(runner, exporter, clk, int32(cfg.Email.MaxRetries), logger)

	// Middleware
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig, clk)
	idempotency := middleware.NewIdempotency(runner, clk, middleware.DefaultIdempotencyTTL, logger)

	// Routers. The webhook stays on the unauthenticated base router: its
	// authenticity comes from the Stripe signature, and org context comes from
	// the event payload.
	r := router.New(
		router.Recovery(logger),
		middleware.RequestID(),
		router.Logger(logger),
	)

	if cfg.MetricsEnabled {
		r.Handle(http.MethodGet, "/metrics", promhttp.Handler())
	}
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	paymentDeps := routes.PaymentDeps{
		Handler:     paymenthandler.NewHandler(paymentSvc, logger),
		RateLimiter: rateLimiter,
	}
	routes.RegisterWebhookRoutes(r, paymentDeps)

	authed := r.Group(middleware.Identity(defaultOrg))
	routes.RegisterPaymentRoutes(authed, paymentDeps)
	routes.RegisterAdminRoutes(authed, routes.AdminDeps{
		Schedule:    adminhandler.NewScheduleHandler(scheduleSvc, logger),
		Outbox:      adminhandler.NewOutboxHandler(replayer, logger),
		Idempotency: idempotency,
		RateLimiter: rateLimiter,
	})

	// Start the outbox worker
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	// Start the HTTP server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "address", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	<-workerDone
	logger.Info("Shutdown complete")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
