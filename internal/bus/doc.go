// Package bus is the asynchronous message channel between the coordinator
// and stage workers. Topics are addressed by stage name; delivery is ordered
// and at-least-once, so consumers must tolerate duplicates. The coordinator
// depends only on the Bus interface; Memory is the in-process
// implementation the daemon runs with.
package bus
