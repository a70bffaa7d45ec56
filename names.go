// Package lifecycle holds the pieces shared by every engine package: error codes and their
// transport mapping, the logging contract, and name normalization.
package lifecycle

import (
	"context"
	"errors"
	"strings"
)

// NormalizeName is the lookup form of state, event and definition names.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// SameName compares two display names under NormalizeName.
func SameName(a, b string) bool {
	return NormalizeName(a) == NormalizeName(b)
}

// IsCanceled reports whether err is a context cancellation or deadline error.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// CheckContext returns the context error when ctx is done.
func CheckContext(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
