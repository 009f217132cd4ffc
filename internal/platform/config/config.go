// Package config centralizes process configuration for both binaries
// (cmd/orchestrator, cmd/worker) behind spf13/viper, with defaults mirroring
// the teacher's env-fallback style (internal/app/config.go's
// utils.GetEnv/GetEnvAsInt), now expressed through viper bindings instead of
// a hand-rolled os.Getenv wrapper.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every environment-bound knob either binary reads. Not every
// field is meaningful to both processes: WorkerConcurrency and
// WorkerActorTypes are read only by cmd/worker.
type Config struct {
	RedisAddr string
	RedisDB   int

	OrchestratorMinPollInterval time.Duration
	OrchestratorMaxPollInterval time.Duration

	WorkerConcurrency int
	WorkerActorTypes  []string

	LeaseDefaultTTL time.Duration

	LogMode string

	OtelExporterOTLPEndpoint string
	MetricsAddr              string
}

// Load reads configuration from environment variables (no config file
// lookup: both binaries are expected to run containerized, configured
// entirely through env), applying the defaults below for anything unset.
func Load() Config {
	v := viper.New()
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_db", 0)
	v.SetDefault("orchestrator_min_poll_interval", "100ms")
	v.SetDefault("orchestrator_max_poll_interval", "5s")
	v.SetDefault("worker_concurrency", 4)
	v.SetDefault("worker_actor_types", "")
	v.SetDefault("lease_default_ttl", "30s")
	v.SetDefault("log_mode", "prod")
	v.SetDefault("otel_exporter_otlp_endpoint", "")
	v.SetDefault("metrics_addr", ":9464")

	v.AutomaticEnv()
	bindEnv(v,
		"redis_addr", "redis_db",
		"orchestrator_min_poll_interval", "orchestrator_max_poll_interval",
		"worker_concurrency", "worker_actor_types",
		"lease_default_ttl", "log_mode",
		"otel_exporter_otlp_endpoint", "metrics_addr",
	)

	return Config{
		RedisAddr:                   v.GetString("redis_addr"),
		RedisDB:                     v.GetInt("redis_db"),
		OrchestratorMinPollInterval: v.GetDuration("orchestrator_min_poll_interval"),
		OrchestratorMaxPollInterval: v.GetDuration("orchestrator_max_poll_interval"),
		WorkerConcurrency:           v.GetInt("worker_concurrency"),
		WorkerActorTypes:            splitNonEmpty(v.GetString("worker_actor_types")),
		LeaseDefaultTTL:             v.GetDuration("lease_default_ttl"),
		LogMode:                     v.GetString("log_mode"),
		OtelExporterOTLPEndpoint:    v.GetString("otel_exporter_otlp_endpoint"),
		MetricsAddr:                 v.GetString("metrics_addr"),
	}
}

// bindEnv binds each viper key to its upper-cased env var name explicitly;
// AutomaticEnv alone only resolves keys once something has asked for them via
// a matching Get call with no separating underscore translation quirks, so
// spelling the bindings out keeps REDIS_ADDR, WORKER_CONCURRENCY, etc.
// resolvable exactly as documented.
func bindEnv(v *viper.Viper, keys ...string) {
	for _, k := range keys {
		_ = v.BindEnv(k, strings.ToUpper(k))
	}
}

func splitNonEmpty(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
