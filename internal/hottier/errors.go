package hottier

import (
	"errors"
	"fmt"
)

// Kind categorizes hot-tier failures so callers can branch without matching
// on error strings.
type Kind string

const (
	KindConnectivity       Kind = "connectivity"
	KindNotFound           Kind = "not-found"
	KindCommandUnsupported Kind = "command-unsupported"
	KindIndexExists        Kind = "index-exists"
	KindLockContention     Kind = "lock-contention"
)

// Error is a typed hot-tier failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("hottier: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("hottier: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the Kind from an error chain, or "" when the error is not
// a hot-tier error.
func KindOf(err error) Kind {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	return ""
}

// IsNotFound reports whether err is a hot-tier miss.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsUnsupported reports whether err marks an operation the backing store
// cannot serve (fallback search/stream).
func IsUnsupported(err error) bool {
	return KindOf(err) == KindCommandUnsupported
}

// IsConnectivity reports whether err is a transport-level failure.
func IsConnectivity(err error) bool {
	return KindOf(err) == KindConnectivity
}
