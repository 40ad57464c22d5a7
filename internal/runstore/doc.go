// Package runstore persists pipeline runs and their append-only stage
// outcome history in SQLite. It is the single source of truth: coordinator
// memory is a cache rebuilt from here after a restart. Run rows carry an
// optimistic revision; concurrent writers lose with ErrConflict and re-read.
package runstore
