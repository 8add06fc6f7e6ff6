package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/whatsapp-concierge/cmd/mainconfig"
	"github.com/wolfman30/whatsapp-concierge/internal/api/router"
	"github.com/wolfman30/whatsapp-concierge/internal/app/bootstrap"
	appconfig "github.com/wolfman30/whatsapp-concierge/internal/config"
	"github.com/wolfman30/whatsapp-concierge/internal/conversation"
	"github.com/wolfman30/whatsapp-concierge/internal/http/handlers"
	"github.com/wolfman30/whatsapp-concierge/internal/ratelimit"
	"github.com/wolfman30/whatsapp-concierge/pkg/logging"
)

const (
	redeliveryInterval   = 30 * time.Second
	redeliveryVisibility = 2 * time.Minute
	claimPurgeInterval   = time.Hour
)

func main() {
	mainconfig.LoadDotEnv()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting whatsapp-concierge API server",
		"env", cfg.Env,
		"port", cfg.Port,
		"processing_mode", cfg.ProcessingMode,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) error {
	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return err
	}
	infra, err := bootstrap.BuildInfra(ctx, cfg, awsCfg, logger)
	if err != nil {
		return err
	}
	defer infra.Close()

	metricsHandler, m := setupMetrics()
	services, err := bootstrap.BuildConversationServices(ctx, cfg, infra, m, logger)
	if err != nil {
		return err
	}

	var queue *bootstrap.Queue
	if cfg.ProcessingMode == appconfig.ProcessingQueue {
		if queue, err = bootstrap.BuildQueue(cfg, infra); err != nil {
			return err
		}
	}
	dispatch, err := bootstrap.Dispatch(cfg, services.Engine, queue)
	if err != nil {
		return err
	}

	// An in-memory queue cannot be shared with a separate worker process.
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	var worker *conversation.Worker
	if queue != nil && queue.Memory != nil {
		worker = queue.NewWorker(services.Engine, logger, conversation.WithWorkerCount(cfg.WorkerCount))
		worker.Start(workerCtx)
		go bootstrap.RunRedelivery(workerCtx, queue.Memory, redeliveryInterval, redeliveryVisibility, logger)
		logger.Info("in-process conversation worker started", "workers", cfg.WorkerCount)
	}
	go bootstrap.RunClaimPurge(workerCtx, services.Claims, claimPurgeInterval, cfg.ClaimRetention, logger)

	routerCfg := &router.Config{
		Logger:             logger,
		MessagingHandler:   bootstrap.BuildWebhookHandler(cfg, infra, services.Tenants, dispatch, m, logger),
		ProcessHandler:     handlers.NewProcessHandler(services.Engine, logger),
		AdminConversations: handlers.NewAdminConversationsHandler(services.Handoff, logger, adminOptions(services)...),
		AdminAuthSecret:    cfg.AdminJWTSecret,
		InternalAPIKey:     cfg.InternalAPIKey,
		MetricsHandler:     metricsHandler,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}
	if infra.Redis != nil && cfg.WebhookRateLimit > 0 {
		routerCfg.WebhookLimiter = ratelimit.New(infra.Redis, "webhook-ip", cfg.WebhookRateLimit, time.Minute)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router.New(routerCfg),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      45 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	stopWorkers()
	if worker != nil {
		waitWorker(shutdownCtx, worker, logger)
	}
	return nil
}

// waitWorker blocks until in-flight jobs finish so the pool is still open
// while they run.
func waitWorker(deadline context.Context, worker *conversation.Worker, logger *logging.Logger) {
	done := make(chan struct{})
	go func() {
		worker.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-deadline.Done():
		logger.Error("conversation worker shutdown timed out", "error", deadline.Err())
	}
}

// setupMetrics builds a dedicated registry so /metrics only exposes this
// service's collectors plus the Go runtime ones.
func setupMetrics() (http.Handler, bootstrap.Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), bootstrap.NewMetrics(reg)
}

func adminOptions(services *bootstrap.Services) []handlers.AdminOption {
	if services.Audit == nil {
		return nil
	}
	return []handlers.AdminOption{handlers.WithAuditLog(services.Audit)}
}
