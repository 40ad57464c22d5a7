// Package coordinator owns every pipeline run's traversal of the stage
// graph. It is the only writer of run state: it dispatches attempts over the
// message bus, keeps one deadline timer per in-flight attempt, absorbs
// transient worker failures with bounded backoff retries, consults the
// quality gate on evaluation verdicts, and rebuilds its in-memory view from
// the run store on startup.
//
// All transitions for one run are serialized behind a per-run lock plus the
// store's revision check, so a late response and a timeout-triggered retry
// can never both apply. Runs never coordinate with each other.
package coordinator
