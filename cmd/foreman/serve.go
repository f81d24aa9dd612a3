package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/foreman/internal/config"
	"github.com/mtzanidakis/foreman/internal/coordinator"
	"github.com/mtzanidakis/foreman/internal/natsbus"
	"github.com/mtzanidakis/foreman/internal/notify"
	"github.com/mtzanidakis/foreman/internal/registry"
	"github.com/mtzanidakis/foreman/internal/scheduler"
	"github.com/mtzanidakis/foreman/internal/store"
	"github.com/mtzanidakis/foreman/internal/web"
	"github.com/mtzanidakis/foreman/internal/workspace"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator service",
	Long: `Start the coordinator with the configured agents, the scheduler, the
embedded NATS bus and the web API. SIGHUP reloads agents, workflows,
schedules and coordinator settings from the config file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func coordinatorOptions(cfg config.CoordinatorConfig) []coordinator.Option {
	return []coordinator.Option{
		coordinator.WithTimeout(cfg.ExecTimeout),
		coordinator.WithSerializedAgents(cfg.SerializeAgents),
		coordinator.WithMaxParallel(cfg.MaxParallel),
	}
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting foreman", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ws, err := workspace.New(cfg.Workspace.Root)
	if err != nil {
		return fmt.Errorf("init workspaces: %w", err)
	}
	slog.Info("workspaces initialized", "root", ws.Root())

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	if n, err := db.FailInterrupted(); err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	} else if n > 0 {
		slog.Warn("marked interrupted tasks as failed", "count", n)
	}
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	var bus *natsbus.Bus
	var pub notify.Publisher
	if cfg.NATS.Enabled {
		bus, err = natsbus.New(cfg.NATS)
		if err != nil {
			return fmt.Errorf("init nats: %w", err)
		}
		defer bus.Close()

		client, err := natsbus.NewClient(bus, "notify")
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		defer client.Close()
		pub = client
		slog.Info("nats started", "port", bus.Port())
	}

	notifier, err := notify.New(cfg.Notify, pub)
	if err != nil {
		return fmt.Errorf("init notifier: %w", err)
	}
	if cfg.NATS.Enabled && cfg.Notify.Backend != "nats" {
		// The web UI streams events from the bus regardless of the
		// configured backend.
		notifier = notify.Multi{notifier, notify.NewNATS(pub)}
	}

	opts := append(coordinatorOptions(cfg.Coordinator),
		coordinator.WithNotifier(notifier),
		coordinator.WithStore(db),
		coordinator.WithLogger(slog.Default()),
	)
	coord := coordinator.New(ws, opts...)

	// Agent registry
	reg := registry.New(coord, db, cfg)
	if err := reg.Sync(); err != nil {
		return fmt.Errorf("sync agent registry: %w", err)
	}
	slog.Info("agents registered", "count", len(coord.Agents()))

	// Scheduler
	sched := scheduler.New(db, coord, reg, bus, cfg.Scheduler)
	defer sched.Close()
	if err := sched.Sync(cfg.Schedules); err != nil {
		slog.Error("schedule sync incomplete", "error", err)
	}
	schedDone := make(chan struct{})
	go func() {
		sched.Start(ctx)
		close(schedDone)
	}()

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(coord, reg, sched, db, bus, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			cfg = reload(cfg, coord, reg, sched)
			continue
		}
		slog.Info("shutting down", "signal", sig)
		break
	}

	cancel()
	<-schedDone
	return nil
}

// reload applies the reloadable parts of the config file and returns the
// config now in effect. On a load error the old config stays.
func reload(old *config.Config, coord *coordinator.Coordinator, reg *registry.Registry, sched *scheduler.Scheduler) *config.Config {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("config reload failed", "error", err)
		return old
	}

	diff := config.Diff(old, cfg)
	for _, field := range diff.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}
	if !diff.HasChanges() {
		slog.Info("config reloaded, no changes")
		return cfg
	}

	if diff.CoordinatorChanged {
		coord.Reconfigure(coordinatorOptions(diff.NewCoordinator)...)
	}
	if err := reg.Apply(cfg, diff); err != nil {
		slog.Error("agent reload incomplete", "error", err)
	}
	if diff.SchedulesChanged {
		if err := sched.Sync(cfg.Schedules); err != nil {
			slog.Error("schedule sync incomplete", "error", err)
		}
		sched.UpdateConfig(cfg.Scheduler)
	}

	slog.Info("config reloaded",
		"agents_added", len(diff.AgentsAdded),
		"agents_removed", len(diff.AgentsRemoved),
		"agents_changed", len(diff.AgentsChanged),
		"workflows_changed", diff.WorkflowsChanged,
		"schedules_changed", diff.SchedulesChanged)
	return cfg
}
