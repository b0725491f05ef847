package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/cmdq/internal/log"
)

func newRunCmd() *cobra.Command {
	var undo int

	cmd := &cobra.Command{
		Use:   "run NAME[:DEVICE]...",
		Short: "Execute a batch of commands, then undo the newest N",
		Long: `Submits each command in order, drains the queue, then undoes the most
recent commands. Example:

  cmdq run device.on:lamp device.off:lamp --undo 1`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, true)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := log.SetupWriter(cmd.ErrOrStderr(), cfg.Service.LogLevel, cfg.Service.LogFormat)

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.runBatch(cmd, args, undo)
		},
	}
	cmd.Flags().IntVarP(&undo, "undo", "u", 0, "Number of commands to undo after the batch drains")
	return cmd
}

func (a *app) runBatch(cmd *cobra.Command, args []string, undo int) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if err := a.dispatcher.Start(ctx); err != nil {
		return err
	}
	defer a.saveDevices(ctx)

	submitErr := a.submitAll(args)
	a.dispatcher.Stop()
	if err := a.dispatcher.Wait(); err != nil {
		return err
	}
	if submitErr != nil {
		return submitErr
	}

	for i := 0; i < undo; i++ {
		e, err := a.dispatcher.Undo(ctx)
		if err != nil {
			if e == nil {
				fmt.Fprintln(out, "nothing left to undo")
				break
			}
			return err
		}
		fmt.Fprintf(out, "undone: %s\n", e.Description)
	}

	printHistory(out, a)
	return nil
}

// submitAll queues each arg in order and stops at the first bad one.
// Commands already queued still run.
func (a *app) submitAll(args []string) error {
	for _, arg := range args {
		name, raw := parseCommandArg(arg)
		c, err := a.catalog.Build(name, raw)
		if err != nil {
			return fmt.Errorf("%s: %w", arg, err)
		}
		if _, err := a.dispatcher.Submit(c); err != nil {
			return fmt.Errorf("%s: %w", arg, err)
		}
	}
	return nil
}

// parseCommandArg splits "device.on:lamp" into a name and device args.
func parseCommandArg(arg string) (string, json.RawMessage) {
	name, device, ok := strings.Cut(arg, ":")
	if !ok {
		return arg, nil
	}
	raw, _ := json.Marshal(map[string]string{"device": device})
	return name, raw
}

func printHistory(w io.Writer, a *app) {
	history := a.dispatcher.History()
	fmt.Fprintf(w, "history (%d, newest first):\n", len(history))
	for _, e := range history {
		fmt.Fprintf(w, "  %s  %-9s  %s\n", e.ID, e.Status, e.Description)
	}

	states := a.devices.States()
	fmt.Fprintln(w, "devices:")
	for _, name := range a.devices.Names() {
		state := "off"
		if states[name] {
			state = "on"
		}
		fmt.Fprintf(w, "  %s: %s\n", name, state)
	}
}
