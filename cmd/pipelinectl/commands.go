package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/pipelined/internal/bundle"
	"github.com/fyrsmithlabs/pipelined/internal/events"
	"github.com/fyrsmithlabs/pipelined/internal/orchestrator"
	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
)

func newRunCmd(g *globals) *cobra.Command {
	var (
		req    orchestrator.Request
		asJSON bool
		outDir string
	)
	cmd := &cobra.Command{
		Use:   "run <ticket-id>",
		Short: "Run a ticket through the pipeline and print the result",
		Long: `Run a ticket through the pipeline and wait for it to finish.

Examples:
  # Full pipeline for a GitHub issue, context from its repository
  pipelinectl run acme/api#42

  # Requirements only, with an explicit description
  pipelinectl run T-7 --action extract-requirements --title "Rate limit login" \
    --description "Lock accounts after 5 failed attempts"

  # Print the whole bundle as JSON
  pipelinectl run acme/api#42 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.TicketID = args[0]
			b, err := g.client().Analyze(cmd.Context(), req)
			if err != nil {
				return err
			}
			if outDir != "" {
				if err := writeBundle(cmd.OutOrStdout(), b, outDir); err != nil {
					return err
				}
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), b)
			}
			printBundleSummary(cmd.OutOrStdout(), b)
			return nil
		},
	}
	requestFlags(cmd, &req)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full bundle as JSON")
	cmd.Flags().StringVarP(&outDir, "output", "o", "", "also write the bundle files into this directory")
	return cmd
}

func newBundleCmd(g *globals) *cobra.Command {
	var (
		req    orchestrator.Request
		outDir string
	)
	cmd := &cobra.Command{
		Use:   "bundle <ticket-id>",
		Short: "Run a ticket and write its output bundle to a directory",
		Long: `Run a ticket and write the output bundle files: requirements.json,
requirements.md, patch.diff, code_metadata.json, the test suite,
test_metadata.json, execution_summary.json and bundle.json.

Examples:
  pipelinectl bundle acme/api#42 --output ./out/acme-42`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.TicketID = args[0]
			if outDir == "" {
				outDir = "bundle-" + sanitizeDirName(args[0])
			}
			b, err := g.client().Analyze(cmd.Context(), req)
			if err != nil {
				return err
			}
			if err := writeBundle(cmd.OutOrStdout(), b, outDir); err != nil {
				return err
			}
			printBundleSummary(cmd.OutOrStdout(), b)
			return nil
		},
	}
	requestFlags(cmd, &req)
	cmd.Flags().StringVarP(&outDir, "output", "o", "", "output directory (default bundle-<ticket>)")
	return cmd
}

func newStreamCmd(g *globals) *cobra.Command {
	var req orchestrator.Request
	cmd := &cobra.Command{
		Use:   "stream <ticket-id>",
		Short: "Run a ticket and print its events as they happen",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.TicketID = args[0]
			out := cmd.OutOrStdout()
			return g.client().Stream(cmd.Context(), req, func(e events.Event) error {
				fmt.Fprintln(out, formatEvent(e))
				return nil
			})
		},
	}
	requestFlags(cmd, &req)
	return cmd
}

func newEventsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "events <thread-id>",
		Short: "Follow the events of a running thread",
		Long: `Follow the events of a thread started elsewhere. Requires the server to be
connected to NATS. Exits after the run finishes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return g.client().Events(cmd.Context(), args[0], func(e events.Event) error {
				fmt.Fprintln(out, formatEvent(e))
				return nil
			})
		},
	}
}

func newStateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "state <thread-id>",
		Short: "Print the latest checkpoint of a thread as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := g.client().GetState(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newHistoryCmd(g *globals) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history <thread-id>",
		Short: "List the checkpoints of a thread, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hist, err := g.client().GetHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), hist)
			}
			printHistory(cmd.OutOrStdout(), hist)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the checkpoints as JSON")
	return cmd
}

func newResumeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <thread-id>",
		Short: "Resume an interrupted thread from its last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := g.client().Resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printState(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func newDiagramCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "diagram",
		Short: "Print the workflow as a Mermaid flowchart",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := g.client().Diagram(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), d.Diagram)
			return nil
		},
	}
}

func newAgentsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the stage agents and their execution counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := g.client().Agents(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, a := range resp.Agents {
				fmt.Fprintf(out, "%s (%s): %s\n", a.Name, a.Stage, a.Description)
				for _, c := range a.Capabilities {
					fmt.Fprintf(out, "  - %s\n", c)
				}
			}
			fmt.Fprintln(out)

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STAGE\tAGENT\tMODE\tEXECUTIONS\tRETRIES\tFAILURES")
			for _, s := range resp.Stats {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n", s.Stage, s.Agent, s.CurrentMode, s.Executions, s.Retries, s.Failures)
			}
			return tw.Flush()
		},
	}
}

func newHealthCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check pipelined server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := g.client().Health(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", g.serverURL, err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Server Status: %s\n", h.Status)
			fmt.Fprintf(out, "Server URL: %s\n", g.serverURL)
			for name, status := range h.Services {
				fmt.Fprintf(out, "  %s: %s\n", name, status)
			}
			return nil
		},
	}
}

func writeBundle(w io.Writer, b *bundle.OutputBundle, dir string) error {
	paths, err := b.WriteDir(dir)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Fprintf(w, "wrote %s\n", p)
	}
	return nil
}

func printBundleSummary(w io.Writer, b *bundle.OutputBundle) {
	s := b.Summary
	fmt.Fprintf(w, "Bundle:      %s\n", b.BundleID)
	fmt.Fprintf(w, "Ticket:      %s\n", b.TicketID)
	fmt.Fprintf(w, "Thread:      %s\n", b.ThreadID)
	fmt.Fprintf(w, "Action:      %s\n", s.Action)
	fmt.Fprintf(w, "Status:      %s\n", s.FinalStatus)
	fmt.Fprintf(w, "Confidence:  %.2f\n", b.OverallConfidence)
	fmt.Fprintf(w, "Duration:    %s\n", (time.Duration(s.ExecutionTimeMS) * time.Millisecond).String())
	fmt.Fprintf(w, "Retries:     %d\n", s.Retries)
	if len(s.AgentsExecuted) > 0 {
		fmt.Fprintf(w, "Agents:      %s\n", strings.Join(s.AgentsExecuted, ", "))
	}
	if b.Artifact != nil {
		fmt.Fprintf(w, "Artifact:    %d items\n", b.Artifact.ItemCount())
	}
	if b.Verification != nil {
		fmt.Fprintf(w, "Tests:       %d\n", len(b.Verification.Tests))
	}
	for _, e := range s.Errors {
		fmt.Fprintf(w, "Error:       %s\n", e)
	}
}

func printState(w io.Writer, st *pipeline.State) {
	fmt.Fprintf(w, "Thread:      %s\n", st.ThreadID)
	fmt.Fprintf(w, "Ticket:      %s\n", st.TicketID)
	fmt.Fprintf(w, "Status:      %s\n", st.Status)
	fmt.Fprintf(w, "Phase:       %s\n", st.Phase)
	for _, stage := range pipeline.AllStages() {
		if c, ok := st.Confidence[stage]; ok {
			fmt.Fprintf(w, "  %-13s confidence %.2f  retries %d\n", stage, c, st.Retries[stage])
		}
	}
	for _, e := range st.Errors {
		fmt.Fprintf(w, "Error:       %s\n", e)
	}
}

func printHistory(w io.Writer, hist []*pipeline.State) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tPHASE\tSTATUS\tSTAGE\tRESULTS\tERRORS")
	for i, st := range hist {
		stage := string(st.CurrentStage)
		if stage == "" {
			stage = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\n", i, st.Phase, st.Status, stage, len(st.AgentResults), len(st.Errors))
	}
	_ = tw.Flush()
}

func formatEvent(e events.Event) string {
	var b strings.Builder
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	fmt.Fprintf(&b, "%s %-17s", ts.Local().Format("15:04:05"), e.Type)
	if e.Node != "" {
		fmt.Fprintf(&b, " %s", e.Node)
	}
	if e.Attempt > 0 {
		fmt.Fprintf(&b, " attempt=%d", e.Attempt)
	}
	if e.Mode != "" {
		fmt.Fprintf(&b, " mode=%s", e.Mode)
	}
	if e.Outcome != nil {
		fmt.Fprintf(&b, " success=%t confidence=%.2f", e.Outcome.Success, e.Outcome.Confidence)
	}
	if e.Error != "" {
		fmt.Fprintf(&b, " error=%q", e.Error)
	}
	return b.String()
}

func sanitizeDirName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '#', ':', ' ':
			return '-'
		}
		return r
	}, s)
}
