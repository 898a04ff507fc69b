package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/pipelined/internal/client"
	"github.com/fyrsmithlabs/pipelined/internal/orchestrator"
)

// globals holds the persistent flags.
type globals struct {
	serverURL string
	timeout   time.Duration
}

func (g *globals) client() *client.Client {
	return client.New(g.serverURL, client.WithHTTPClient(&http.Client{Timeout: g.timeout}))
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "pipelinectl",
		Short: "CLI for pipelined server operations",
		Long: `pipelinectl runs tickets through a pipelined server and inspects the
resulting threads: checkpoints, history, events and output bundles.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.serverURL, "server", "http://localhost:9090", "pipelined server URL")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", client.DefaultTimeout, "timeout for non-streaming requests")

	root.AddCommand(
		newRunCmd(g),
		newStreamCmd(g),
		newBundleCmd(g),
		newStateCmd(g),
		newHistoryCmd(g),
		newResumeCmd(g),
		newEventsCmd(g),
		newDiagramCmd(g),
		newAgentsCmd(g),
		newWatchCmd(g),
		newHealthCmd(g),
	)
	return root
}

// requestFlags binds the flags shared by commands that start a run.
func requestFlags(cmd *cobra.Command, req *orchestrator.Request) {
	f := cmd.Flags()
	f.StringVar(&req.ThreadID, "thread", "", "thread id to checkpoint under (generated when empty)")
	f.StringVar(&req.Title, "title", "", "ticket title (fetched from the ticket source when empty)")
	f.StringVar(&req.Description, "description", "", "ticket description")
	f.StringVar(&req.AcceptanceCriteria, "criteria", "", "acceptance criteria")
	f.StringVar(&req.Action, "action", "", "extract-requirements, generate-artifact, generate-verification or full-pipeline")
	f.StringVar(&req.Repository, "repo", "", "owner/repo or local path to pull context from")
	f.StringVar(&req.Language, "language", "", "target language")
	f.StringVar(&req.TestFramework, "test-framework", "", "test framework for generated tests")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
