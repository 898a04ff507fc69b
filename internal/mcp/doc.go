// Package mcp exposes the pipeline as Model Context Protocol tools.
//
// The server is built on github.com/modelcontextprotocol/go-sdk/mcp and is
// served over stdio by `pipelined --mcp`. Tools:
//
//	pipeline_run      run a ticket through the pipeline and return its bundle
//	pipeline_state    latest checkpoint of a thread
//	pipeline_history  every checkpoint of a thread, newest first
//	pipeline_resume   continue an interrupted thread
//	pipeline_diagram  Mermaid flowchart of the workflow graph
//
// Text results are passed through the secret redactor when one is configured.
package mcp
