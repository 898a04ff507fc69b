// Package logging builds the process logger for pipelined.
//
// Entries go through an encoder that masks credential fields by key and by
// value pattern. Levels below error may be sampled; errors never are. A
// trace level sits below debug for prompt bodies. When telemetry is on,
// entries are also sent to the OpenTelemetry log pipeline.
//
// Run identifiers travel in the context and are attached with For:
//
//	ctx = logging.WithThreadID(ctx, st.ThreadID)
//	logging.For(ctx, logger).Info("run finished")
//
// Logs go to stderr by default; stdout carries the MCP stdio transport.
package logging
