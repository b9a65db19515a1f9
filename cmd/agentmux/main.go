// Command agentmux runs the agent orchestration core: the supervisor for
// child CLI processes, the task graph and orchestrator, the inter-agent
// message bus with auto-delivery, and the kill switch.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentmux/agentmux/internal/agent/models"
	"github.com/agentmux/agentmux/internal/agent/state"
	"github.com/agentmux/agentmux/internal/agent/supervisor"
	"github.com/agentmux/agentmux/internal/agent/workspace"
	"github.com/agentmux/agentmux/internal/autodeliver"
	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/common/tracing"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/killswitch"
	"github.com/agentmux/agentmux/internal/messagebus"
	"github.com/agentmux/agentmux/internal/orchestrator"
	"github.com/agentmux/agentmux/internal/taskgraph"
)

func main() {
	if err := run(); err != nil {
		logger.Default().Error("agentmux exited", zap.Error(err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	logger.SetDefault(log)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(shutdownCtx)
	}()

	store, err := state.New(cfg.Store.StateDir, cfg.Store.EventsDir, log)
	if err != nil {
		return err
	}
	defer store.Close()

	// Kill switch: local file replica plus optional object-store replica for
	// cross-instance propagation.
	var remote killswitch.RemoteStore
	if cfg.KillSwitch.Bucket != "" {
		gcs, err := killswitch.NewGCSStore(ctx, cfg.KillSwitch.Bucket)
		if err != nil {
			log.Warn("kill switch remote replica unavailable",
				zap.String("bucket", cfg.KillSwitch.Bucket), zap.Error(err))
		} else {
			remote = gcs
		}
	}
	ksw, err := killswitch.New(cfg.KillSwitch.Dir, remote, log)
	if err != nil {
		return err
	}
	defer ksw.Stop()

	if ksw.LoadPersistedState(ctx) {
		log.Warn("kill switch active at boot; agent creation disabled",
			zap.String("reason", ksw.Record().Reason))
	} else if store.HasTombstone() {
		// The switch was deactivated since the emergency shutdown that wrote
		// the tombstone, so restoration may proceed.
		if err := store.ClearTombstone(); err != nil {
			log.Warn("tombstone clear failed", zap.Error(err))
		} else {
			log.Info("cleared emergency shutdown tombstone")
		}
	}

	var events bus.EventBus
	if cfg.Bus.NATSURL != "" {
		nb, err := bus.NewNATSEventBus(cfg.Bus.NATSURL, log)
		if err != nil {
			return err
		}
		events = nb
	} else {
		events = bus.NewMemoryEventBus(log)
	}
	defer events.Close()

	mbus := messagebus.New(log)

	prov := workspace.NewProvisioner(workspace.Config{
		RootDir:          cfg.Workspace.RootDir,
		SharedContextDir: cfg.Workspace.SharedContextDir,
		ReposDir:         cfg.Workspace.ReposDir,
		TokenTTL:         cfg.Workspace.TokenTTL,
		ServerPort:       cfg.Server.Port,
	}, log)
	defer prov.Stop()

	sup := supervisor.New(supervisor.Config{
		BinPath:            cfg.Agent.BinPath,
		DefaultModel:       cfg.Agent.DefaultModel,
		AllowedModels:      cfg.Agent.AllowedModels,
		MaxTurns:           cfg.Agent.MaxTurns,
		MaxAgents:          cfg.Agent.MaxAgents,
		MaxDepth:           cfg.Agent.MaxDepth,
		MaxChildren:        cfg.Agent.MaxChildren,
		SessionTTL:         cfg.Agent.SessionTTL,
		PausedTTL:          cfg.Agent.PausedTTL,
		EnableProcessSweep: true,
	}, store, ksw, prov, events, log)

	// A destroyed agent's mailbox entries go with it.
	cleanupSub, err := events.Subscribe(bus.SubjectAgentLifecycle+".destroying", func(_ context.Context, ev *bus.Event) error {
		if id, ok := ev.Data["agent_id"].(string); ok {
			mbus.CleanupForAgent(id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer cleanupSub.Unsubscribe()

	var graphStore taskgraph.Store
	if cfg.Store.DataDir != "" {
		ss, err := taskgraph.NewSQLiteStore(filepath.Join(cfg.Store.DataDir, "tasks.db"))
		if err != nil {
			return err
		}
		defer ss.Close()
		graphStore = ss
	}
	graph, err := taskgraph.New(graphStore, log)
	if err != nil {
		return err
	}

	orch := orchestrator.New(graph, mbus, sup.List, 0, log)
	deliverer := autodeliver.New(sup, mbus, ksw, cfg.Delivery.SettleDelay, cfg.Agent.MaxTurns, log)

	emergency := func(reason string) {
		deliverer.Stop()
		orch.Stop()
		sup.EmergencyDestroyAll(reason)
	}

	restored, err := sup.RestoreAgents()
	if err != nil {
		log.Error("agent restoration refused", zap.Error(err))
	} else if restored > 0 {
		log.Info("agents restored", zap.Int("count", restored))
	}

	sup.Start()
	prov.StartTokenRefresh(func() []string {
		agents := sup.List()
		ids := make([]string, 0, len(agents))
		for _, a := range agents {
			ids = append(ids, a.ID)
		}
		return ids
	})
	orch.Start()
	deliverer.Start()
	ksw.StartPoll(func(reason string) {
		log.Error("kill switch activated remotely", zap.String("reason", reason))
		emergency(reason)
	})

	log.Info("agentmux core running",
		zap.Int("port", cfg.Server.Port),
		zap.Int("max_agents", cfg.Agent.MaxAgents),
		zap.Bool("nats", cfg.Bus.NATSURL != ""),
		zap.Bool("task_persistence", graphStore != nil),
		zap.Int("restored", restored))

	var uncaught atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	g.Go(func() error {
		// After MaxUncaughtErrors error transitions the host shuts down and
		// lets the platform restart it with a clean slate.
		sub, err := events.Subscribe(bus.SubjectAgentLifecycle+"."+string(models.StatusError), func(_ context.Context, ev *bus.Event) error {
			n := uncaught.Add(1)
			log.Warn("agent entered error state",
				zap.Any("agent_id", ev.Data["agent_id"]),
				zap.Int64("error_count", n))
			if n >= int64(cfg.Server.MaxUncaughtErrors) {
				emergency("too many agent errors")
				stop()
			}
			return nil
		})
		if err != nil {
			return err
		}
		<-gctx.Done()
		return sub.Unsubscribe()
	})
	err = g.Wait()

	log.Info("shutting down")
	deliverer.Stop()
	orch.Stop()
	sup.Dispose()
	return err
}
