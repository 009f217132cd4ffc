package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/loomctl/pipelinecore/internal/lease"
	"github.com/loomctl/pipelinecore/internal/orchestrator"
	"github.com/loomctl/pipelinecore/internal/platform/config"
	"github.com/loomctl/pipelinecore/internal/platform/logger"
	"github.com/loomctl/pipelinecore/internal/platform/metrics"
	"github.com/loomctl/pipelinecore/internal/platform/tracing"
	"github.com/loomctl/pipelinecore/internal/queue"
	"github.com/loomctl/pipelinecore/internal/store"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Pipeline orchestrator: DAG compilation, scheduling, retries, and crash recovery",
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator process",
	RunE:  serve,
}

func serve(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing := tracing.Init(ctx, log, tracing.ServiceConfig{
		ServiceName: "pipelinecore",
		Component:   "orchestrator",
		Endpoint:    cfg.OtelExporterOTLPEndpoint,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	mc := metrics.New("orchestrator")

	rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		return fmt.Errorf("redis ping: %w", err)
	}
	pingCancel()

	st := store.NewWithClient(rdb, log)
	q := queue.New(rdb, log)
	leases := lease.New(st, log)

	orch := orchestrator.New(st, q, leases, log).WithMetrics(mc)

	metricsSrv := startMetricsServer(cfg.MetricsAddr, log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	stopDepthReporter := startQueueDepthReporter(ctx, q, mc, log)
	defer stopDepthReporter()

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator start: %w", err)
	}
	log.Info("orchestrator started", "redis_addr", cfg.RedisAddr, "metrics_addr", cfg.MetricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received, stopping orchestrator")

	orch.Stop()
	return nil
}

// startMetricsServer exposes the prometheus registry on /metrics for
// cfg.MetricsAddr, the way the pack's other services run a side metrics
// listener independent of the primary transport.
func startMetricsServer(addr string, log *logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server stopped", "error", err)
		}
	}()
	return srv
}

// startQueueDepthReporter polls the results queue's depth into the
// queue_depth gauge every 5 seconds. The results queue is the only queue name this process
// knows without reading pipeline definitions, so it is the only one
// reported from here; per-actor-queue depth is additionally reported by
// each worker process for the queues it actually drains.
func startQueueDepthReporter(ctx context.Context, q queueDepther, mc *metrics.Collector, log *logger.Logger) func() {
	stopCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				depth, err := q.Depth(ctx, queue.ResultsQueueName)
				if err != nil {
					log.Warn("queue depth poll failed", "queue", queue.ResultsQueueName, "error", err)
					continue
				}
				mc.SetQueueDepth(queue.ResultsQueueName, float64(depth))
			}
		}
	}()
	return func() { close(stopCh) }
}

type queueDepther interface {
	Depth(ctx context.Context, queueName string) (int64, error)
}
