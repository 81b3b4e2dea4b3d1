package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ticket-engine/config"
	"ticket-engine/internal/broker"
	"ticket-engine/internal/gateway"
	"ticket-engine/internal/handlers"
	"ticket-engine/internal/notify"
	"ticket-engine/internal/services"
	"ticket-engine/internal/store"
	"ticket-engine/monitoring"
	"ticket-engine/security"
	"ticket-engine/utils"
)

func Start() error {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.LoadConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if cfg.Environment == "development" {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	redisClient, err := utils.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	// Payment gateway
	gw := gateway.NewHTTPClient(&gateway.ClientConfig{
		BaseURL:    cfg.GatewayBaseURL,
		MerchantID: cfg.GatewayMerchantID,
		ClientID:   cfg.GatewayClientID,
		ClientKey:  cfg.GatewayClientKey,
		HMACKey:    cfg.GatewayHMACKey,
	})
	if cfg.GatewayBaseURL != "" {
		if err := gw.Start(ctx); err != nil {
			return err
		}
	} else {
		slog.Warn("gateway base url not configured, payment calls will fail")
	}

	// Notifications
	var notifier notify.Notifier = notify.Noop{}
	if cfg.PubNubPublishKey != "" && cfg.PubNubSubscribeKey != "" {
		notifier = notify.NewPubNub(&notify.Config{
			PublishKey:   cfg.PubNubPublishKey,
			SubscribeKey: cfg.PubNubSubscribeKey,
			UUID:         cfg.PubNubUUID,
		})
	}

	// Domain events
	var events broker.Publisher = broker.Noop{}
	if len(cfg.KafkaBrokers) > 0 {
		producer := broker.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		events = broker.NewEventPublisher(producer)
	}

	// Services
	expiry := services.NewExpiryScheduler(redisClient, cfg.SweepInterval)
	queueService := services.NewQueueService(db, expiry, notifier, events, redisClient, cfg.OfferTTL)
	expiry.SetHandler(queueService.ExpireOffer)

	ticketService := services.NewTicketService(db, queueService, notifier, events)

	phases := services.ReconcilePhases{
		BurstInterval:  cfg.ReconcileBurstInterval,
		BurstFor:       cfg.ReconcileBurstFor,
		SteadyInterval: cfg.ReconcileSteadyInterval,
		SteadyFor:      cfg.ReconcileSteadyFor,
		SlowInterval:   cfg.ReconcileSlowInterval,
		MaxAttempts:    cfg.ReconcileMaxAttempts,
		MaxElapsed:     cfg.ReconcileMaxElapsed,
	}
	reconciler := services.NewReconcileScheduler(db, gw, ticketService, events, phases, cfg.ReconcileWorkers)

	paymentService := services.NewPaymentService(db, gw, reconciler, cfg.Currency)

	monitoring.NewMonitor(db)

	// Background tasks: re-arm offer timers and resume pending payment
	// polls left over from the previous run, then start the loops.
	expiry.Start()
	if err := expiry.Restore(ctx); err != nil {
		slog.Error("offer timer restore failed", "error", err)
	}
	queueService.StartPositionUpdater()
	if err := reconciler.Resume(ctx); err != nil {
		slog.Error("payment reconciliation resume failed", "error", err)
	}

	// Handlers
	bookingHandler := handlers.NewBookingHandler(queueService, ticketService)
	paymentHandler := handlers.NewPaymentHandler(paymentService, reconciler, cfg.WebhookHMACKey)
	adminHandler := handlers.NewAdminHandler(queueService, ticketService, reconciler, db, cfg.AdminTokenHash)

	limiter := security.NewRateLimiter(redisClient, int64(cfg.RateLimitPerMinute))

	e := echo.New()

	api := e.Group("/api/v1", limiter.AntiBot(), limiter.Limit())

	// Booking endpoints
	api.POST("/events/:eventId/requests", bookingHandler.RequestTicket)
	api.GET("/events/:eventId/availability", bookingHandler.Availability)
	api.GET("/events/:eventId/tickets", bookingHandler.MyTickets)
	api.GET("/entries/:entryId/position", bookingHandler.Position)

	// Payment endpoints
	api.POST("/payments", paymentHandler.InitiatePayment)
	api.GET("/payments/:reference", paymentHandler.PaymentStatus)

	// The gateway signs webhooks; rate limiting would only drop them.
	e.POST("/api/v1/payments/webhook", paymentHandler.Webhook)

	// Admin endpoints
	admin := e.Group("/api/v1/admin", adminHandler.RequireToken())
	admin.POST("/events", adminHandler.CreateEvent)
	admin.POST("/events/:eventId/cancel", adminHandler.CancelEvent)
	admin.POST("/events/:eventId/process", adminHandler.ForceProcessQueue)
	admin.GET("/payments/flagged", adminHandler.FlaggedPayments)
	admin.POST("/payments/reconcile", adminHandler.ReconcileBatch)
	admin.POST("/payments/:reference/reconcile", adminHandler.Reconcile)
	admin.POST("/payments/:reference/void", adminHandler.VoidPayment)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.GET("/health", func(c echo.Context) error {
		if err := utils.RedisHealthCheck(redisClient); err != nil {
			return c.JSON(503, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
		return c.JSON(200, map[string]string{"status": "healthy"})
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: e,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}

	reconciler.Shutdown()
	queueService.Shutdown()
	expiry.Shutdown()

	return nil
}
