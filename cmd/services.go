package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/agentengine/internal/bus"
	"github.com/nextlevelbuilder/agentengine/internal/config"
	"github.com/nextlevelbuilder/agentengine/internal/engine"
	"github.com/nextlevelbuilder/agentengine/internal/providers"
	"github.com/nextlevelbuilder/agentengine/internal/store"
	"github.com/nextlevelbuilder/agentengine/internal/store/pg"
	"github.com/nextlevelbuilder/agentengine/internal/store/sqlite"
	"github.com/nextlevelbuilder/agentengine/internal/tracing"
)

// openStore selects PostgreSQL when database.url is set, SQLite otherwise.
func openStore(ctx context.Context, cfg *config.Config) (store.ActivityStore, error) {
	if cfg.Database.URL != "" {
		s, err := pg.Open(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		slog.Info("activity store opened", "backend", "postgres")
		return s, nil
	}
	s, err := sqlite.Open(cfg.Database.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return s, nil
}

// loadStore loads the config without requiring an API key and opens the
// store. Used by the read-only commands.
func loadStore(ctx context.Context) (*config.Config, store.ActivityStore, error) {
	cfg, err := config.LoadReadOnly(resolveConfigPath())
	if err != nil {
		return nil, nil, err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newInvoker(cfg *config.Config) providers.Invoker {
	return providers.NewLettaClient(providers.LettaConfig{
		APIKey:            cfg.Letta.APIKey,
		BaseURL:           cfg.Letta.BaseURL,
		Timeout:           cfg.LettaTimeout(),
		RequestsPerMinute: cfg.Letta.RequestsPerMinute,
	})
}

func setupTracing(ctx context.Context, cfg *config.Config) (tracing.ShutdownFunc, error) {
	return tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
		Headers:     cfg.Telemetry.Headers,
		Version:     Version,
	})
}

// newRedisForwarder connects to Redis when configured. The returned
// forwarder must be Run by the caller; nil means forwarding is off.
func newRedisForwarder(ctx context.Context, cfg *config.Config) (*bus.RedisForwarder, *redis.Client, error) {
	if cfg.Redis.URL == "" {
		return nil, nil, nil
	}
	client, err := bus.NewRedisClient(cfg.Redis.URL)
	if err != nil {
		return nil, nil, err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	slog.Info("forwarding engine events to redis", "channel", cfg.Redis.Channel)
	return bus.NewRedisForwarder(client, cfg.Redis.Channel, 0), client, nil
}

// engineFactory builds engines that share the process-wide collaborators,
// so a config reload can replace the engine without touching them.
type engineFactory struct {
	invoker providers.Invoker
	store   store.ActivityStore
	bus     *bus.Bus
	metrics *engine.Metrics
}

func (f *engineFactory) newEngine(cfg *config.Config) *engine.Engine {
	return engine.New(f.invoker, f.store,
		engine.WithInvocationTimeout(cfg.LettaTimeout()),
		engine.WithBus(f.bus),
		engine.WithMetrics(f.metrics),
		engine.WithCycleResume(cfg.ResumeCycleNumbers()),
	)
}

func retryingStore(st store.ActivityStore, cfg *config.Config) store.ActivityStore {
	rc := store.DefaultRetryConfig()
	rc.MaxRetries = cfg.StoreRetries()
	return store.WithRetry(st, rc)
}
