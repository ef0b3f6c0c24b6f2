package core

import (
	"errors"
	"fmt"
)

// Kind is a semantic error category shared by every subsystem in this
// module. Callers switch on Kind rather than parsing messages.
type Kind string

const (
	KindConfig  Kind = "CONFIG"
	KindAssets  Kind = "ASSETS"
	KindStorage Kind = "STORAGE"
	KindSync    Kind = "SYNC"
	KindCrypto  Kind = "CRYPTO"
	KindMerkle  Kind = "MERKLE"
	KindProof   Kind = "PROOF"
	KindRelayer Kind = "RELAYER"
)

// Error is the typed error every public API in this module returns.
// Detail carries protocol-specific context (HTTP status, URL, a
// truncated response body) when available.
type Error struct {
	Code    Kind
	Message string
	Detail  map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// newErr builds an *Error with no detail.
func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Code: kind, Message: msg, Cause: cause}
}

// newErrf is the formatted variant of newErr.
func newErrf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Code: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// withDetail attaches protocol detail to an *Error and returns it for
// chaining at the call site.
func (e *Error) withDetail(d map[string]any) *Error {
	e.Detail = d
	return e
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
	} else {
		return false
	}
	return e.Code == kind
}

// isNotFound reports whether err represents a missing-record condition
// a storage adapter surfaced, regardless of which *Error wrapping it
// picked up along the way.
func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Sentinel conditions surfaced as *Error through the helpers above but
// also exposed as plain values so callers can errors.Is against them
// when no extra context is needed.
var (
	ErrNotFound       = fmt.Errorf("not found")
	ErrAlreadySyncing = fmt.Errorf("chain sync already in progress")
	ErrAborted        = fmt.Errorf("aborted")
)
