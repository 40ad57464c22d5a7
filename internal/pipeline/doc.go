// Package pipeline defines the fixed stage graph a run traverses and the
// message envelopes exchanged with stage workers. The coordinator and the
// run store both build on these types; neither workers nor transports may
// extend the graph at runtime.
package pipeline
