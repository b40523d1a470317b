package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/fixplan/internal/engine"
	"github.com/fyrsmithlabs/fixplan/internal/monitor"
)

// Stats implements monitor.Source over the API.
func (c *client) Stats(ctx context.Context) (*engine.Stats, error) {
	var st engine.Stats
	if err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func statsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count plans by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.client().Stats(cmd.Context())
			if err != nil {
				return err
			}
			if a.json {
				return printJSON(cmd.OutOrStdout(), st)
			}
			printStats(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func monitorCmd(a *app) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Live dashboard of review backlog, execution and outcomes",
		Long: `monitor polls the daemon's plan counts and shows the review backlog, plans in
flight, throughput and the success ratio of finished plans.

Press q to quit and r to refresh immediately.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m := monitor.NewModel(a.client(), a.server, interval)
			p := tea.NewProgram(m,
				tea.WithAltScreen(),
				tea.WithContext(cmd.Context()),
				tea.WithInput(cmd.InOrStdin()),
				tea.WithOutput(cmd.OutOrStdout()),
			)
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("monitor: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&interval, "interval", "i", 5*time.Second, "refresh interval")
	return cmd
}
