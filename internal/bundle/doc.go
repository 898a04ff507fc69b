// Package bundle assembles the reviewable output of a finished run.
//
// An OutputBundle collects the requirement set, the generated artifact, the
// verification suite and an execution summary built from the run's ledgers.
// Files renders the bundle as the set of files a reviewer receives, and
// WriteDir writes them to disk.
package bundle
