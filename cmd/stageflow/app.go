package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/kingrea/stageflow/internal/agent"
	"github.com/kingrea/stageflow/internal/config"
	"github.com/kingrea/stageflow/internal/eventbridge"
	"github.com/kingrea/stageflow/internal/journal"
	"github.com/kingrea/stageflow/internal/logging"
	"github.com/kingrea/stageflow/internal/metrics"
	"github.com/kingrea/stageflow/internal/store/filestore"
	"github.com/kingrea/stageflow/internal/store/memstore"
	"github.com/kingrea/stageflow/internal/store/redisstore"
	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/engine"
)

const settlePollInterval = 100 * time.Millisecond

// app is the runtime shared by every command that drives the engine.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	agents   *agent.Registry
	store    engine.Store
	router   *eventbridge.Router
	journal  *journal.Journal
	engine   *engine.Engine
	registry *prometheus.Registry

	closers []func() error
}

type appOptions struct {
	// logToFile keeps logs off the terminal, e.g. while the watch view runs.
	logToFile bool
	metrics   bool
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

func openApp(cmd *cobra.Command, opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}

	logOpts := logging.Options{Level: cfg.Log.Level, NoColor: cfg.Log.NoColor, Output: cmd.ErrOrStderr()}
	if cfg.Log.File || opts.logToFile {
		logOpts.File = cfg.Layout().LogPath()
	}
	logger, logCloser, err := logging.New(logOpts)
	if err != nil {
		return nil, err
	}
	a.logger = logger
	a.closers = append(a.closers, logCloser.Close)

	if a.agents, err = cfg.Registry(); err != nil {
		a.Close()
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := a.openStore(); err != nil {
		a.Close()
		return nil, err
	}

	a.router = eventbridge.NewRouter(eventbridge.RouterWithLogger(logger))
	notifier := engine.MultiNotifier{a.router}
	if cfg.Log.Events {
		if a.journal, err = journal.New(cfg.Layout().EventsPath(), logger); err != nil {
			a.Close()
			return nil, err
		}
		notifier = append(notifier, a.journal)
	}
	executor := agent.NewMux(
		&agent.CommandExecutor{Logger: logger},
		agent.ExternalExecutor{Logger: logger},
	)
	engineOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithNotifier(notifier),
		engine.WithGlobalLimit(cfg.Engine.MaxParallel),
		engine.WithConflictRetries(cfg.Engine.ConflictRetries),
		engine.WithStoreRetry(cfg.Engine.StoreRetries, cfg.Engine.StoreBackoff),
	}
	if opts.metrics {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		recorder, err := metrics.NewRecorder(a.registry)
		if err != nil {
			a.Close()
			return nil, err
		}
		engineOpts = append(engineOpts, engine.WithMetrics(recorder))
	}
	eng, err := engine.New(a.agents, a.store, executor, engineOpts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = eng
	a.closers = append(a.closers, eng.Close)
	return a, nil
}

func (a *app) openStore() error {
	switch a.cfg.Store.Driver {
	case config.DriverMemory:
		a.store = memstore.New()
	case config.DriverFile:
		store, err := filestore.New(a.cfg.Layout())
		if err != nil {
			return err
		}
		a.store = store
	case config.DriverRedis:
		rc := a.cfg.Store.Redis
		client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		a.closers = append(a.closers, client.Close)
		a.store = redisstore.New(client, redisstore.WithPrefix(rc.Prefix), redisstore.WithTTL(rc.TTL))
	default:
		return fmt.Errorf("config: unsupported store driver %q", a.cfg.Store.Driver)
	}
	a.logger.Debug("store opened", "driver", a.cfg.Store.Driver)
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// settle waits until instance id no longer has work that this process runs:
// it is terminal, or every stage still in flight belongs to an external
// agent or waits at a gate.
func (a *app) settle(ctx context.Context, id string) (engine.Status, error) {
	ticker := time.NewTicker(settlePollInterval)
	defer ticker.Stop()
	for {
		status, err := a.engine.GetStatus(ctx, id)
		if err != nil {
			return engine.Status{}, err
		}
		if status.Status.IsTerminal() || !a.hasLocalWork(status) {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *app) hasLocalWork(status engine.Status) bool {
	open := make(map[string]bool, len(status.PendingApprovals))
	for _, p := range status.PendingApprovals {
		open[p.GateID] = true
	}
	for _, st := range status.Stages {
		if st.Status != workflow.StageRunning || st.Agent == "" || open[st.GateID] {
			continue
		}
		endpoint, err := a.agents.Resolve(st.Agent)
		if err != nil || endpoint.Kind == agent.KindCommand {
			return true
		}
	}
	return false
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
