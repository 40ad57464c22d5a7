// Package daemon assembles the long-running montage process: the run store,
// the in-process message bus, the coordinator, the worker harness, and the
// HTTP API the CLI talks to. A file lock enforces a single instance per
// state directory.
package daemon
