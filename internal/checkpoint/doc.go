// Package checkpoint stores pipeline state snapshots per execution thread.
//
// Every Save appends a deep copy of the state to the thread's history and
// makes it the latest snapshot. Reads return deep copies too, so callers can
// never alter what was stored. History is held in memory for the lifetime of
// the process.
package checkpoint
