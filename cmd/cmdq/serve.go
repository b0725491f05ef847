package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/cmdq/internal/log"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher and HTTP API until interrupted",
		Long: `Runs the dispatcher until SIGINT or SIGTERM. On signal, new submissions
are refused, every queued command still executes, and then the process exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, false)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
			base := log.Get().With("service", cfg.Service.Name)
			base.Info("cmdq starting", "component", "main", "version", version)

			a, err := newApp(cmd.Context(), cfg, base)
			if err != nil {
				base.Error("startup failed", "component", "main", "error", err)
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

// listener is an HTTP front end that serves until its context is cancelled.
type listener interface {
	Start(ctx context.Context) error
}

func (a *app) listeners() map[string]listener {
	out := make(map[string]listener, 2)
	if a.api != nil {
		out["api"] = a.api
	}
	if a.webhooks != nil {
		out["webhook"] = a.webhooks
	}
	return out
}

// serve runs until ctx is cancelled or the dispatcher exits. Listeners stay
// up while the queue drains so clients can watch it finish.
func (a *app) serve(ctx context.Context) error {
	if err := a.dispatcher.Start(ctx); err != nil {
		return err
	}

	lctx, cancelListeners := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelListeners()

	listeners := a.listeners()
	errCh := make(chan error, len(listeners))
	var wg sync.WaitGroup
	for name, l := range listeners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Start(lctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	if a.scheduler != nil {
		a.scheduler.Start(ctx)
	}

	var runErr error
	select {
	case <-a.dispatcher.Done():
		runErr = a.dispatcher.Wait()
		if runErr != nil {
			a.logger.Error("dispatcher faulted", "error", runErr)
		}
	case runErr = <-errCh:
		// A listener died before shutdown was requested.
		a.logger.Error("listener failed", "error", runErr)
		a.dispatcher.Stop()
		_ = a.dispatcher.Wait()
	}

	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	cancelListeners()
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if runErr == nil {
			runErr = err
		}
	}

	a.saveDevices(ctx)

	stats := a.dispatcher.Stats()
	a.logger.Info("cmdq stopped",
		"succeeded", stats.Succeeded,
		"failed", stats.Failed,
		"undone", stats.Undone,
		"history_depth", stats.HistoryDepth,
	)
	return runErr
}
