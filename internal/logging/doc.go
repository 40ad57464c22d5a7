// Package logging configures slog for montage: a human console handler, a
// JSON handler for files, standardized field keys, and helpers for deriving
// run/stage attributes from context.
package logging
