package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/agentengine/internal/bus"
	"github.com/nextlevelbuilder/agentengine/internal/config"
	"github.com/nextlevelbuilder/agentengine/internal/engine"
	apihttp "github.com/nextlevelbuilder/agentengine/internal/http"
)

type runOptions struct {
	agents  []string
	apiAddr string
	noAPI   bool
	watch   bool
}

func runCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the agent engine and the API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.agents, "agents", nil, "only run these agent IDs (comma separated)")
	cmd.Flags().StringVar(&opts.apiAddr, "api-addr", "", "API listen address (default from config)")
	cmd.Flags().BoolVar(&opts.noAPI, "no-api", false, "do not start the API server")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "restart the engine when the config file changes")
	return cmd
}

func apiCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Serve the read-only activity API without running agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, st, err := loadStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if addr == "" {
				addr = cfg.API.Addr
			}
			srv := apihttp.NewServer(st, nil, apiConfig(cfg, newRegistry()))
			return srv.ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func apiConfig(cfg *config.Config, reg prometheus.Gatherer) apihttp.Config {
	return apihttp.Config{
		Token:         cfg.API.Token,
		RateLimitRPM:  cfg.API.RateLimitRPM,
		StatsCacheTTL: cfg.StatsCacheTTL(),
		Gatherer:      reg,
	}
}

func runEngine(parent context.Context, opts runOptions) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	shutdownTracing, err := setupTracing(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("tracing shutdown", "error", err)
		}
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := newRegistry()
	events := bus.New()
	events.Subscribe("log", func(ev bus.Event) {
		slog.Debug("engine event", "event", ev.Name, "agent", ev.AgentID)
	})

	forwarder, redisClient, err := newRedisForwarder(ctx, cfg)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	factory := &engineFactory{
		invoker: newInvoker(cfg),
		store:   retryingStore(st, cfg),
		bus:     events,
		metrics: engine.MustNewMetrics(reg),
	}
	eng := factory.newEngine(cfg)
	if err := eng.Start(ctx, cfg.AgentDescriptors(), opts.agents); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if forwarder != nil {
		events.Subscribe("redis", forwarder.Handle)
		g.Go(func() error { return forwarder.Run(gctx) })
	}

	var srv *apihttp.Server
	if !opts.noAPI {
		srv = apihttp.NewServer(st, eng, apiConfig(cfg, reg))
		addr := opts.apiAddr
		if addr == "" {
			addr = cfg.API.Addr
		}
		g.Go(func() error { return srv.ListenAndServe(gctx, addr) })
	}

	reloads := make(chan *config.Config, 1)
	if opts.watch {
		w := config.NewWatcher(cfgPath)
		w.OnChange(func(c *config.Config) {
			// Keep only the newest pending config.
			select {
			case <-reloads:
			default:
			}
			reloads <- c
		})
		g.Go(func() error { return w.Run(gctx) })
	}

	g.Go(func() error {
		return superviseEngine(gctx, factory, eng, cfg, opts.agents, reloads, srv)
	})

	return g.Wait()
}

// superviseEngine owns the running engine: it shuts it down when ctx ends
// and replaces it when a new config arrives.
func superviseEngine(ctx context.Context, factory *engineFactory, eng *engine.Engine, cfg *config.Config,
	subset []string, reloads <-chan *config.Config, srv *apihttp.Server) error {
	done := eng.Done()
	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down agents", "timeout", cfg.ShutdownTimeout())
			stopEngine(eng, cfg.ShutdownTimeout())
			return nil

		case <-done:
			// Every task halted. Keep serving the API until a signal or reload.
			slog.Error("all agents halted, no cycles will run until the config changes")
			done = nil

		case next := <-reloads:
			slog.Info("config changed, restarting engine", "agents", len(next.Agents))
			if !stopEngine(eng, cfg.ShutdownTimeout()) {
				// A replacement would read the last cycle number before the
				// old loops record their in-flight cycles.
				slog.Warn("waiting for in-flight cycles before restarting")
				select {
				case <-eng.Done():
				case <-ctx.Done():
					return nil
				}
			}

			replacement := factory.newEngine(next)
			if err := replacement.Start(ctx, next.AgentDescriptors(), subset); err != nil {
				slog.Error("new config rejected, restarting previous agents", "error", err)
				replacement = factory.newEngine(cfg)
				if err := replacement.Start(ctx, cfg.AgentDescriptors(), subset); err != nil {
					return err
				}
			} else {
				cfg = next
			}
			eng = replacement
			done = eng.Done()
			if srv != nil {
				srv.SetEngine(eng)
			}
		}
	}
}

// stopEngine reports whether every loop exited within timeout.
func stopEngine(eng *engine.Engine, timeout time.Duration) bool {
	if pending := eng.Shutdown(timeout); len(pending) > 0 {
		slog.Warn("agents still running after shutdown timeout", "agents", pending, "timeout", timeout)
		return false
	}
	slog.Info("all agents stopped")
	return true
}
