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
	"github.com/loomctl/pipelinecore/internal/platform/config"
	"github.com/loomctl/pipelinecore/internal/platform/logger"
	"github.com/loomctl/pipelinecore/internal/platform/metrics"
	"github.com/loomctl/pipelinecore/internal/platform/tracing"
	"github.com/loomctl/pipelinecore/internal/queue"
	"github.com/loomctl/pipelinecore/internal/store"
	"github.com/loomctl/pipelinecore/internal/worker"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "Actor worker: drains actor queues and reports task outcomes",
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the worker process",
	RunE:  serve,
}

// echoActor is the one built-in actor this binary ships with: an identity
// passthrough useful for liveness probing a freshly deployed actor queue
// before any application actor is registered.
type echoActor struct{}

func (echoActor) Execute(_ context.Context, input any) (any, error) { return input, nil }

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
		Component:   "worker",
		Endpoint:    cfg.OtelExporterOTLPEndpoint,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	mc := metrics.New("worker")

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

	registry := worker.NewRegistry()
	if err := registry.Register("echo", echoActor{}); err != nil {
		return fmt.Errorf("register built-in echo actor: %w", err)
	}

	rt := worker.New(q, st, leases, registry, log).WithMetrics(mc)

	actorTypes := cfg.WorkerActorTypes
	if len(actorTypes) == 0 {
		actorTypes = []string{"echo"}
	}

	metricsSrv := startMetricsServer(cfg.MetricsAddr, log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	var stops []func()
	var depthStops []func()
	for _, actorType := range actorTypes {
		stop, err := rt.StartWorker(ctx, actorType, cfg.WorkerConcurrency)
		if err != nil {
			log.Warn("failed to start worker for actor type; skipping", "actor_type", actorType, "error", err)
			continue
		}
		stops = append(stops, stop)
		depthStops = append(depthStops, startQueueDepthReporter(ctx, q, mc, actorType, log))
		log.Info("worker started", "actor_type", actorType, "concurrency", cfg.WorkerConcurrency)
	}
	if len(stops) == 0 {
		return fmt.Errorf("no actor queues started: check WORKER_ACTOR_TYPES and actor registration")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received, stopping workers")

	for _, stop := range depthStops {
		stop()
	}
	for _, stop := range stops {
		stop()
	}
	return nil
}

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

// startQueueDepthReporter polls actorType's queue depth into the queue_depth
// gauge, labeled by this worker process's own view of its queues.
func startQueueDepthReporter(ctx context.Context, q queueDepther, mc *metrics.Collector, actorType string, log *logger.Logger) func() {
	stopCh := make(chan struct{})
	queueName := queue.ActorQueueName(actorType)
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
				depth, err := q.Depth(ctx, queueName)
				if err != nil {
					log.Warn("queue depth poll failed", "queue", queueName, "error", err)
					continue
				}
				mc.SetQueueDepth(queueName, float64(depth))
			}
		}
	}()
	return func() { close(stopCh) }
}

type queueDepther interface {
	Depth(ctx context.Context, queueName string) (int64, error)
}
