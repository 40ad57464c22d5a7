// Package workers hosts the stage worker harness. A Handler turns one
// dispatch envelope into one response envelope; the Runner subscribes
// handlers to their stage topics and publishes whatever they return, so the
// coordinator only ever sees well-addressed responses. ExecWorker adapts an
// external command into a Handler by passing envelopes over stdin/stdout.
package workers
