// Package domain holds the error taxonomy shared across pipeline stages.
package domain

import (
	"errors"
	"fmt"
)

// Sentinel classes. Stages wrap these so the fabric layer can pick the right
// disposition: transient errors retry, malformed input dead-letters
// immediately, ledger conflicts retry once with a fresh snapshot.
var (
	ErrTransientIO    = errors.New("transient io")
	ErrMalformedInput = errors.New("malformed input")
	ErrLedgerConflict = errors.New("ledger conflict")
	ErrFatalConfig    = errors.New("fatal config")
)

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransientIO, err)
}

// Malformed wraps err as a non-retryable schema violation.
func Malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedInput, fmt.Sprintf(format, args...))
}

// IsRetryable reports whether a stage failure should be requeued. Malformed
// input never retries; everything else does, up to the fabric's max.
func IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, ErrMalformedInput)
}
