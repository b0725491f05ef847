package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/cmdq/internal/inspect"
	"github.com/mattjoyce/cmdq/internal/journal"
	"github.com/mattjoyce/cmdq/internal/storage"
)

func newJournalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the execution journal",
	}
	cmd.AddCommand(newJournalVerifyCmd(), newJournalTailCmd(), newJournalShowCmd())
	return cmd
}

func openJournal(cmd *cobra.Command) (*journal.Store, func(), error) {
	cfg, err := loadConfig(cmd, false)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Journal.Enabled {
		return nil, nil, fmt.Errorf("journal is disabled in config")
	}
	db, err := storage.OpenSQLite(cmd.Context(), cfg.Journal.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open journal: %w", err)
	}
	return journal.New(db), func() { _ = db.Close() }, nil
}

func newJournalVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the journal hash chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openJournal(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := store.Verify(cmd.Context())
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "journal verification failed after %d records: %v\n", n, err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "journal ok: %d records\n", n)
			return nil
		},
	}
}

func newJournalTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the most recent journal records, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if n <= 0 {
				return fmt.Errorf("-n must be positive")
			}
			store, closeFn, err := openJournal(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			records, err := store.List(cmd.Context(), n)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i := len(records) - 1; i >= 0; i-- {
				r := records[i]
				line := fmt.Sprintf("%d\t%s\t%s\t%s\t%s", r.Seq, r.RecordedAt, r.Kind, r.CommandID, r.Description)
				if r.LastError != nil {
					line += "\terror=" + *r.LastError
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 20, "Number of records to show")
	return cmd
}

func newJournalShowCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show COMMAND_ID",
		Short: "Show every journal record for one command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openJournal(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			build := inspect.BuildReport
			if asJSON {
				build = inspect.BuildJSONReport
			}
			out, err := build(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), strings.TrimRight(out, "\n")+"\n")
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}
