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
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/notifyhub/fanout-dispatch/internal/api"
	"github.com/notifyhub/fanout-dispatch/internal/config"
	"github.com/notifyhub/fanout-dispatch/internal/metrics"
	"github.com/notifyhub/fanout-dispatch/internal/service"
	"github.com/notifyhub/fanout-dispatch/internal/worker"
)

// queueSampleInterval is how often the queue depth gauges are refreshed.
const queueSampleInterval = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, worker pool and sweeper",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("port", "", "HTTP server port (overrides HTTP_PORT env var)")
	serveCmd.Flags().Bool("skip-migrate", false, "do not apply PostgreSQL migrations on startup")
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.HTTPPort, _ = cmd.Flags().GetString("port")
	}
	skipMigrate, _ := cmd.Flags().GetBool("skip-migrate")

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- backends ----
	d, err := buildDeps(ctx, cfg, logger, !skipMigrate)
	if err != nil {
		return err
	}
	defer d.close()
	logger.Info("backends ready",
		zap.String("store", cfg.StoreBackend),
		zap.String("directory", cfg.DirectoryBackend),
		zap.String("queue", cfg.QueueBackend),
		zap.Any("channels", d.senders.Channels()),
	)

	// ---- core dependencies ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	svc := service.NewNotificationService(d.repo, d.q, service.FanOutOptions{
		DeduplicateRecipients: cfg.DeduplicateRecipients,
		MaxRecipients:         cfg.MaxRecipients,
	}, m.FanOutHooks(), logger)

	proc := service.NewDeliveryProcessor(d.repo, d.dir, d.senders, service.ProcessorTimeouts{
		Resolve: cfg.ResolveTimeout,
		Send:    cfg.SendTimeout,
	}, m.ProcessorHooks(), logger)

	// ---- background workers ----
	// Context for all background goroutines; cancelled on shutdown signal.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	pool := worker.NewPool(cfg, d.q, proc, logger, m.WorkerHooks())
	pool.Start(workerCtx)

	sweeper := worker.NewSweepWorker(d.repo, d.q,
		cfg.SweepInterval, cfg.SweepStaleAfter, cfg.SweepBatchSize, cfg.SweepRatePerSec,
		logger, m.SweepHook())
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.Run(workerCtx)
	}()

	go sampleQueue(workerCtx, m, d, logger)

	// ---- HTTP server ----
	router := api.NewRouter(svc, d.q, reg, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.Int("workers", pool.Size()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// ---- graceful shutdown ----
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}

	// 1. Stop accepting new HTTP requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. Signal all workers to stop processing new queue items.
	cancelWorkers()

	// 3. Wait for in-flight workers to finish their current message.
	pool.Wait()
	<-sweepDone

	logger.Info("server stopped cleanly")
	return nil
}

// sampleQueue refreshes the queue depth gauges until ctx is cancelled.
func sampleQueue(ctx context.Context, m *metrics.Metrics, d *deps, logger *zap.Logger) {
	ticker := time.NewTicker(queueSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.ObserveQueue(ctx, d.q); err != nil && ctx.Err() == nil {
				logger.Warn("queue depth sample failed", zap.Error(err))
			}
		}
	}
}
