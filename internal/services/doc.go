// Package services holds the error taxonomy and context plumbing shared by
// the coordinator, the worker harness, and the daemon surface. Transient
// markers drive retry accounting; terminal markers end a run.
package services
