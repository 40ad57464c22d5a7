package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransient marks failures the dispatch manager may retry.
	ErrTransient = errors.New("transient failure")
	// ErrTimeout marks an attempt whose deadline elapsed without a reply.
	// It counts against the same retry budget as ErrTransient.
	ErrTimeout = errors.New("timeout")
	// ErrMalformed marks responses that identified an attempt but carried an
	// unusable payload. Never retried.
	ErrMalformed = errors.New("malformed response")
	// ErrValidation marks bad caller input on the submission surface.
	ErrValidation = errors.New("validation error")
	// ErrConfiguration marks unusable configuration discovered at startup.
	ErrConfiguration = errors.New("configuration error")
	// ErrNotFound marks lookups for runs the store does not know.
	ErrNotFound = errors.New("not found")
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Retryable reports whether an error belongs to the transient class the
// dispatch manager absorbs.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrTimeout)
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
