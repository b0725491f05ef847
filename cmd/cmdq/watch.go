package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/cmdq/internal/watch"
)

var errNoAPIKey = errors.New("API key required: use --api-key or CMDQ_API_KEY")

func newWatchCmd() *cobra.Command {
	var apiURL, apiKey string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a running server's commands and events in a terminal UI",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiKey == "" {
				apiKey = os.Getenv("CMDQ_API_KEY")
			}
			if apiKey == "" {
				return errNoAPIKey
			}

			p := tea.NewProgram(watch.New(strings.TrimRight(apiURL, "/"), apiKey),
				tea.WithAltScreen(),
				tea.WithContext(cmd.Context()),
			)
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("watch: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api-url", "http://127.0.0.1:8080", "cmdq API base URL")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API bearer token (default $CMDQ_API_KEY)")
	return cmd
}
