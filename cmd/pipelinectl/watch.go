package main

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/pipelined/internal/monitor"
)

func newWatchCmd(g *globals) *cobra.Command {
	var (
		interval   time.Duration
		exitOnDone bool
	)
	cmd := &cobra.Command{
		Use:   "watch <thread-id>",
		Short: "Open a live dashboard for a thread",
		Long: `Open a terminal dashboard that polls a thread's state and history.

Keys: r refreshes, q quits.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []monitor.Option
			if exitOnDone {
				opts = append(opts, monitor.WithExitOnDone())
			}
			model := monitor.NewModel(g.client(), args[0], interval, opts...)
			p := tea.NewProgram(model,
				tea.WithContext(cmd.Context()),
				tea.WithInput(cmd.InOrStdin()),
				tea.WithOutput(cmd.OutOrStdout()),
			)
			final, err := p.Run()
			if err != nil {
				return err
			}
			if m, ok := final.(monitor.Model); ok && m.Err() != nil {
				return m.Err()
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "polling interval")
	cmd.Flags().BoolVar(&exitOnDone, "exit-on-done", false, "exit once the run has finished")
	return cmd
}
