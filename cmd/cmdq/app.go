package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/cmdq/internal/api"
	"github.com/mattjoyce/cmdq/internal/auth"
	"github.com/mattjoyce/cmdq/internal/catalog"
	"github.com/mattjoyce/cmdq/internal/config"
	"github.com/mattjoyce/cmdq/internal/dispatch"
	"github.com/mattjoyce/cmdq/internal/events"
	"github.com/mattjoyce/cmdq/internal/journal"
	"github.com/mattjoyce/cmdq/internal/lock"
	"github.com/mattjoyce/cmdq/internal/scheduler"
	"github.com/mattjoyce/cmdq/internal/state"
	"github.com/mattjoyce/cmdq/internal/storage"
	"github.com/mattjoyce/cmdq/internal/webhook"
)

// app is one fully wired dispatcher with its optional journal and API.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	lock       *lock.PIDLock
	db         *sql.DB
	journal    *journal.Store
	state      *state.Store
	registry   *prometheus.Registry
	hub        *events.Hub
	devices    *catalog.DeviceSet
	catalog    *catalog.Registry
	dispatcher *dispatch.Dispatcher
	api        *api.Server
	webhooks   *webhook.Server
	scheduler  *scheduler.Scheduler
}

// loadConfig loads the --config path, discovering one when the flag is
// unset. With allowDefaults, a missing config yields Defaults with the
// journal off.
func loadConfig(cmd *cobra.Command, allowDefaults bool) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		discovered, err := config.Discover()
		switch {
		case err == nil:
			path = discovered
			fmt.Fprintf(cmd.ErrOrStderr(), "Using discovered config: %s\n", path)
		case allowDefaults && errors.Is(err, config.ErrNoConfig):
			cfg := config.Defaults()
			cfg.Journal.Enabled = false
			return cfg, nil
		default:
			return nil, err
		}
	}
	return config.Load(path)
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{
		cfg:      cfg,
		logger:   logger.With("component", "main"),
		registry: prometheus.NewRegistry(),
		hub:      events.NewHub(cfg.Dispatcher.EventBuffer),
		catalog:  catalog.NewRegistry(),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a.devices, err = catalog.NewDeviceSet(cfg.Devices...)
	if err != nil {
		return nil, fmt.Errorf("devices: %w", err)
	}
	if err := catalog.RegisterDeviceCommands(a.catalog, a.devices); err != nil {
		return nil, err
	}

	opts := []dispatch.Option{
		dispatch.WithLogger(logger.With("component", "dispatch")),
		dispatch.WithHub(a.hub),
		dispatch.WithHistoryLimit(cfg.Dispatcher.HistoryLimit),
		dispatch.WithMetrics(dispatch.NewMetrics(a.registry)),
	}

	if cfg.Journal.Enabled {
		a.lock, err = lock.AcquirePIDLock(lock.PathFor(cfg.Journal.Path))
		if err != nil {
			return nil, fmt.Errorf("journal %s (another instance may be running): %w", cfg.Journal.Path, err)
		}
		a.db, err = storage.OpenSQLite(ctx, cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		a.journal = journal.New(a.db)
		opts = append(opts, dispatch.WithJournal(a.journal))
		a.logger.Info("journal opened", "path", cfg.Journal.Path)

		a.state = state.NewStore(a.db)
		saved, err := a.state.Load(ctx)
		if err != nil {
			return nil, err
		}
		if unknown := a.devices.Restore(saved); len(unknown) > 0 {
			a.logger.Warn("saved state for unconfigured devices ignored", "devices", unknown)
		}
	}

	a.dispatcher = dispatch.New(opts...)

	if cfg.API.Enabled {
		var jr api.JournalReader
		if a.journal != nil {
			jr = a.journal
		}
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
		}
		a.api = api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
			Tokens: tokens,
		}, a.dispatcher, a.catalog, a.hub, jr, a.registry, logger.With("component", "api"))
	}

	if cfg.Webhooks != nil {
		wc, err := webhook.FromGlobalConfig(cfg.Webhooks)
		if err != nil {
			return nil, err
		}
		a.webhooks = webhook.New(wc, a.dispatcher, a.catalog, logger.With("component", "webhook"))
	}

	if len(cfg.Schedules) > 0 {
		schedules, err := scheduler.FromConfig(cfg.Schedules)
		if err != nil {
			return nil, err
		}
		a.scheduler = scheduler.New(schedules, a.dispatcher, a.catalog, a.hub, cfg.Service.TickInterval, logger)
	}
	return a, nil
}

// saveDevices persists device states. Failures are logged, not returned,
// so shutdown still completes.
func (a *app) saveDevices(ctx context.Context) {
	if a.state == nil {
		return
	}
	if err := a.state.Save(context.WithoutCancel(ctx), a.devices.States()); err != nil {
		a.logger.Warn("failed to save device state", "error", err)
	}
}

func (a *app) Close() {
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.lock != nil {
		_ = a.lock.Release()
	}
}
