// Package main hosts the montage CLI entrypoint and command graph.
//
// The Cobra-based command tree translates terminal invocations into HTTP
// calls against the daemon's API: submitting assets, listing and inspecting
// runs, cancelling them, and checking daemon status. Configuration
// resolution happens once per invocation; subcommands only deal with user
// experience while the heavy lifting lives in the internal packages.
package main
