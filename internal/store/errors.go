package store

import (
	"errors"
	"fmt"
)

var (
	// ErrLockTimeout is returned when the store lock could not be acquired in time.
	ErrLockTimeout = errors.New("store lock acquisition timed out")
	// ErrCorrupt marks state files that could not be parsed.
	ErrCorrupt = errors.New("state file is corrupt")
	// ErrUnknownGeneration is returned by Restore for a sequence not in the index.
	ErrUnknownGeneration = errors.New("unknown backup generation")
)

// ErrorKind is a coarse-grained categorization for store errors.
type ErrorKind string

const (
	KindResource ErrorKind = "resource"
	KindCorrupt  ErrorKind = "corrupt"
	KindNotFound ErrorKind = "not_found"
)

// OpError wraps an underlying error with operation context and a kind.
type OpError struct {
	Op   string
	Kind ErrorKind
	Path string
	Err  error
}

func (e *OpError) Error() string {
	if e == nil {
		return "<nil>"
	}
	base := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Path != "" {
		base += fmt.Sprintf(" (path=%s)", e.Path)
	}
	if e.Err != nil {
		base += fmt.Sprintf(": %v", e.Err)
	}
	return base
}

func (e *OpError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsKind reports whether err is an *OpError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind == kind
	}
	return false
}
