package cmd

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nextlevelbuilder/agentengine/internal/bus"
	"github.com/nextlevelbuilder/agentengine/internal/config"
	"github.com/nextlevelbuilder/agentengine/internal/engine"
	"github.com/nextlevelbuilder/agentengine/internal/providers"
	"github.com/nextlevelbuilder/agentengine/internal/store"
	"github.com/nextlevelbuilder/agentengine/internal/store/sqlite"
)

func testFactory(t *testing.T) (*engineFactory, store.ActivityStore) {
	t.Helper()
	return testFactoryWith(t, providers.InvokerFunc(func(ctx context.Context, req providers.Request) (*providers.Response, error) {
		return &providers.Response{Text: "ok from " + req.AgentID}, nil
	}))
}

func testFactoryWith(t *testing.T, invoker providers.Invoker) (*engineFactory, store.ActivityStore) {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "activities.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return &engineFactory{
		invoker: invoker,
		store:   st,
		bus:     bus.New(),
		metrics: engine.MustNewMetrics(prometheus.NewRegistry()),
	}, st
}

func agentsConfig(ids ...string) *config.Config {
	cfg := &config.Config{Engine: config.EngineConfig{ShutdownTimeout: "2s"}}
	for _, id := range ids {
		cfg.Agents = append(cfg.Agents, config.AgentConfig{AgentID: id, CycleInterval: "1h"})
	}
	return cfg
}

func waitForCycle(t *testing.T, st store.ActivityStore, agentID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		recs, err := st.Query(context.Background(), store.Query{AgentID: agentID, Limit: 1})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(recs) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no cycle recorded for %s", agentID)
}

func TestSuperviseEngineReloadAndShutdown(t *testing.T) {
	factory, st := testFactory(t)
	cfg := agentsConfig("agent-a")

	eng := factory.newEngine(cfg)
	if err := eng.Start(context.Background(), cfg.AgentDescriptors(), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForCycle(t, st, "agent-a")

	ctx, cancel := context.WithCancel(context.Background())
	reloads := make(chan *config.Config, 1)
	errc := make(chan error, 1)
	go func() { errc <- superviseEngine(ctx, factory, eng, cfg, nil, reloads, nil) }()

	reloads <- agentsConfig("agent-b")
	waitForCycle(t, st, "agent-b")

	if eng.State() != engine.StateStopped {
		t.Errorf("replaced engine state = %s, want stopped", eng.State())
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("superviseEngine: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not exit")
	}
}

func TestSuperviseEngineRejectsBadReload(t *testing.T) {
	factory, st := testFactory(t)
	cfg := agentsConfig("agent-a")

	eng := factory.newEngine(cfg)
	if err := eng.Start(context.Background(), cfg.AgentDescriptors(), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForCycle(t, st, "agent-a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloads := make(chan *config.Config, 1)
	errc := make(chan error, 1)
	go func() { errc <- superviseEngine(ctx, factory, eng, cfg, []string{"agent-a"}, reloads, nil) }()

	// agent-a is gone from the new config, so the subset no longer matches
	// and the previous agents are restarted.
	reloads <- agentsConfig("agent-c")

	deadline := time.Now().Add(5 * time.Second)
	for {
		n, err := st.LastCycleNumber(context.Background(), "agent-a")
		if err != nil {
			t.Fatal(err)
		}
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("agent-a was not restarted (last cycle %d)", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n, _ := st.LastCycleNumber(context.Background(), "agent-c"); n != 0 {
		t.Errorf("agent-c ran %d cycles, want 0", n)
	}

	cancel()
	if err := <-errc; err != nil {
		t.Errorf("superviseEngine: %v", err)
	}
}

func TestSuperviseEngineReloadWaitsForInFlightCycle(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var calls atomic.Int32
	factory, st := testFactoryWith(t, providers.InvokerFunc(func(ctx context.Context, req providers.Request) (*providers.Response, error) {
		if calls.Add(1) == 1 {
			entered <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &providers.Response{Text: "ok"}, nil
	}))

	cfg := agentsConfig("agent-a")
	cfg.Engine.ShutdownTimeout = "20ms"
	eng := factory.newEngine(cfg)
	if err := eng.Start(context.Background(), cfg.AgentDescriptors(), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle never invoked")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloads := make(chan *config.Config, 1)
	errc := make(chan error, 1)
	go func() { errc <- superviseEngine(ctx, factory, eng, cfg, nil, reloads, nil) }()

	reloads <- agentsConfig("agent-a")

	// Shutdown times out while cycle 1 is still invoking; the replacement
	// must not start until the old loop has recorded it.
	time.Sleep(200 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("invocations before release = %d, want 1", n)
	}
	close(release)

	deadline := time.Now().Add(5 * time.Second)
	for {
		n, err := st.LastCycleNumber(context.Background(), "agent-a")
		if err != nil {
			t.Fatal(err)
		}
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("replacement engine did not run (last cycle %d)", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	recs, err := st.Query(context.Background(), store.Query{AgentID: "agent-a"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	seen := map[int]bool{}
	for _, r := range recs {
		if seen[r.CycleNumber] {
			t.Errorf("cycle %d recorded twice", r.CycleNumber)
		}
		seen[r.CycleNumber] = true
	}
	if !seen[1] || !seen[2] {
		t.Errorf("cycles = %v, want 1 and 2", seen)
	}

	cancel()
	if err := <-errc; err != nil {
		t.Errorf("superviseEngine: %v", err)
	}
}
