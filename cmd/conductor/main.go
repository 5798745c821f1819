// Command conductor is the composition root for the agent orchestration
// runtime: it wires config -> telemetry -> obs -> persistence -> queue ->
// pubsub -> state -> transport -> orchestrator, in that dependency order
// (spec §2), and serves the websocket transport over HTTP. Grounded on the
// dependency-ordered construction convention used by this module's
// components, trimmed to this runtime's component set (no TUI, no
// daemon/skill/pull subcommands).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lattice-run/conductor/internal/config"
	"github.com/lattice-run/conductor/internal/obs"
	"github.com/lattice-run/conductor/internal/orchestrator"
	"github.com/lattice-run/conductor/internal/persistence"
	"github.com/lattice-run/conductor/internal/pubsub"
	"github.com/lattice-run/conductor/internal/queue"
	"github.com/lattice-run/conductor/internal/ratelimit"
	"github.com/lattice-run/conductor/internal/state"
	"github.com/lattice-run/conductor/internal/telemetry"
	"github.com/lattice-run/conductor/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "conductor:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := obs.Init(ctx, cfg.Obs)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer provider.Shutdown(context.Background())

	metrics, err := obs.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	store, err := persistence.OpenSQLStore(cfg.Persistence.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	cache, err := persistence.NewTTLCache(cfg.Persistence.CacheSize)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}

	persist := persistence.NewPersistence(cache, store, func(ev persistence.StateEvent) {
		if ev.Type == persistence.StateEventError {
			logger.Error("persistence sync error", "error", ev.Err)
		}
	})
	stopReconciliation := persist.StartReconciliation(ctx, cfg.ReconciliationInterval(), logger)
	defer stopReconciliation()

	recovery := persistence.NewRecovery(cache, store, persistence.RecoveryConfig{
		MaxRetries: cfg.Persistence.RecoveryMaxRetries,
		RetryDelay: cfg.RecoveryRetryDelay(),
	}, func(ev persistence.MonitorEvent) {
		logger.Info("recovery event", "type", ev.Type, "agent", ev.AgentID, "source", ev.Source)
	})

	// The message queue and pub/sub router are shared capabilities that
	// concrete agents (registered at runtime via the orchestrator API)
	// depend on; the composition root only owns their lifecycle.
	q := queue.New(store, cfg.QueueRuntime())
	router := pubsub.New(cfg.PubSubRuntime(), logger)
	limiter := ratelimit.New(cfg.RateLimitRuntime())

	tr := transport.New(cfg.TransportRuntime(), logger, func(ev transport.Event) {
		switch ev.Type {
		case transport.EventConnection:
			metrics.ActiveConnections.Add(ctx, 1)
		case transport.EventClose:
			metrics.ActiveConnections.Add(ctx, -1)
		case transport.EventMessage:
			if err := router.Publish(ctx, string(ev.Message.Type), ev.Message); err != nil {
				logger.Warn("publish inbound message failed", "error", err)
			}
			if stats, err := q.GetStats(ctx); err == nil {
				metrics.QueueDepth.Add(ctx, int64(stats.QueueSize))
			}
		}
	})

	orch := orchestrator.New(logger, tr)
	if err := orch.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize orchestrator: %w", err)
	}

	for _, seed := range cfg.Agents {
		if err := seedAgentState(ctx, cache, store, seed); err != nil {
			logger.Warn("failed to seed agent state", "agent", seed.ID, "error", err)
		}
		if _, err := recovery.RecoverState(ctx, seed.ID); err != nil {
			logger.Warn("failed to recover agent state", "agent", seed.ID, "error", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if !limiter.AcquireToken() {
			metrics.RateLimitRejects.Add(ctx, 1)
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		tr.Accept(w, r)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: cfg.BindAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.BindAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// seedAgentState initializes an agent's state manager record on first boot,
// persisting it through both tiers so recovery has something to find. If
// a record already exists for this agent, it is left untouched.
func seedAgentState(ctx context.Context, cache persistence.Cache, store persistence.Store, seed config.AgentSeed) error {
	if _, ok, err := store.GetAgentState(ctx, seed.ID); err != nil {
		return err
	} else if ok {
		return nil
	}

	mgr := state.New(state.AgentState{
		Status:       state.StatusReady,
		IsAvailable:  true,
		Capabilities: seed.Capabilities,
		Priority:     seed.Priority,
	}, nil)
	snapshot := mgr.Snapshot()

	now := time.Now()
	payload, err := json.Marshal(map[string]any{
		"status":           snapshot.Status,
		"activeOperations": snapshot.ActiveOperations,
		"currentTask":      snapshot.CurrentTask,
		"lastError":        snapshot.LastError,
		"lastStatusChange": now.UnixMilli(),
		"lastHealthCheck":  now.UnixMilli(),
		"load":             snapshot.Load,
		"priority":         snapshot.Priority,
		"isAvailable":      snapshot.IsAvailable,
		"capabilities":     snapshot.Capabilities,
	})
	if err != nil {
		return fmt.Errorf("marshal seed state for %s: %w", seed.ID, err)
	}
	return persistence.NewPersistence(cache, store, nil).SaveState(ctx, seed.ID, string(payload))
}
