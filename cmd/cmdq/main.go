package main

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cmdq",
		Short: "In-process command dispatcher with undo history",
		Long: `cmdq queues commands, executes them one at a time in submission order,
and keeps a history of completed commands that can be undone newest first.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to configuration file or directory")

	root.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newJournalCmd(),
		newConfigCmd(),
		newWatchCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			commit := gitCommit
			if commit == "unknown" {
				if info, ok := debug.ReadBuildInfo(); ok {
					for _, s := range info.Settings {
						if s.Key == "vcs.revision" {
							commit = s.Value
						}
					}
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cmdq %s (commit %s, built %s)\n", version, commit, buildDate)
		},
	}
}
