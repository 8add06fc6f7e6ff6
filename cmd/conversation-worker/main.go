package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/whatsapp-concierge/cmd/mainconfig"
	"github.com/wolfman30/whatsapp-concierge/internal/app/bootstrap"
	appconfig "github.com/wolfman30/whatsapp-concierge/internal/config"
	"github.com/wolfman30/whatsapp-concierge/internal/conversation"
	"github.com/wolfman30/whatsapp-concierge/pkg/logging"
)

func main() {
	mainconfig.LoadDotEnv()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.UseMemoryQueue {
		logger.Error("conversation worker needs SQS; the in-memory queue only runs inside the API process")
		os.Exit(1)
	}

	awsConfig, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	infra, err := bootstrap.BuildInfra(ctx, cfg, awsConfig, logger)
	if err != nil {
		logger.Error("failed to connect infrastructure", "error", err)
		os.Exit(1)
	}
	defer infra.Close()

	reg := prometheus.NewRegistry()
	services, err := bootstrap.BuildConversationServices(ctx, cfg, infra, bootstrap.NewMetrics(reg), logger)
	if err != nil {
		logger.Error("failed to build conversation engine", "error", err)
		os.Exit(1)
	}
	queue, err := bootstrap.BuildQueue(cfg, infra)
	if err != nil {
		logger.Error("failed to build queue", "error", err)
		os.Exit(1)
	}

	worker := queue.NewWorker(services.Engine, logger,
		conversation.WithWorkerCount(cfg.WorkerCount),
		conversation.WithProcessTimeout(cfg.AITimeout+30*time.Second),
	)
	worker.Start(ctx)
	logger.Info("conversation worker started", "workers", cfg.WorkerCount)

	metricsSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics listener stopped", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down conversation worker...")
	cancel()

	doneCtx, doneCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer doneCancel()
	_ = metricsSrv.Shutdown(doneCtx)

	waitCh := make(chan struct{})
	go func() {
		worker.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Info("conversation worker stopped")
	case <-doneCtx.Done():
		logger.Error("conversation worker shutdown timed out", "error", doneCtx.Err())
	}
}
