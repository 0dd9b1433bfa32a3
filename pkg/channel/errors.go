package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected rejects outbound operations while the adapter is
	// not in the connected state.
	ErrNotConnected = errors.New("channel: not connected")

	// ErrNotSupported marks a capability a platform does not offer
	// (edit, delete, attachments). Always typed, never a silent no-op.
	ErrNotSupported = errors.New("channel: not supported by platform")

	// ErrConflict marks a "another instance is polling" style failure
	// that retrying cannot fix; it needs operator intervention and is
	// surfaced distinctly from generic network errors.
	ErrConflict = errors.New("channel: conflicting consumer")
)

// NotSupported builds a typed capability-gap error for one operation.
func NotSupported(channel, op string) error {
	return fmt.Errorf("%s: %s %w", channel, op, ErrNotSupported)
}

// TerminalError wraps a credential or session failure that must not be
// retried: the adapter transitions to the error state and stays there.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string {
	return "terminal: " + e.Err.Error()
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// Terminal wraps err as non-retryable.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// IsTerminal reports whether err (anywhere in its chain) is terminal or a
// conflict, both of which stop the reconnect loop.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	var terminal *TerminalError
	return errors.As(err, &terminal) || errors.Is(err, ErrConflict)
}
