package runstore

import "errors"

// ErrConflict reports that a run write carried a stale revision. The writer
// re-reads the run and re-applies its decision; the error never reaches a
// caller of the submission or query surface.
var ErrConflict = errors.New("run revision conflict")

// ErrSchemaMismatch indicates the database schema version doesn't match the
// expected version.
var ErrSchemaMismatch = errors.New("schema version mismatch")
