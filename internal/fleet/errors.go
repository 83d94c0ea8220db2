package fleet

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Kind classifies an error for retry decisions and exit codes.
type Kind string

const (
	KindConfiguration  Kind = "configuration"
	KindAuthentication Kind = "authentication"
	KindTransient      Kind = "transient"
	KindPermanent      Kind = "permanent"
	KindConflict       Kind = "conflict"
	KindUnknown        Kind = "unknown"
)

var (
	// ErrTimeout marks an operation that did not finish within its deadline.
	ErrTimeout = errors.New("operation timed out")
	// ErrCancelled marks an operation interrupted by run cancellation.
	ErrCancelled = errors.New("operation cancelled")
)

// Error is a classified error. Msg is safe to show in reports; Err carries
// the diagnostic chain and is only logged.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Msg)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// ConfigurationError reports bad input detected before any hypervisor mutation.
func ConfigurationError(op, msg string, err error) *Error {
	return newError(KindConfiguration, op, msg, err)
}

// AuthenticationError reports a bad vault passphrase or API token.
func AuthenticationError(op, msg string, err error) *Error {
	return newError(KindAuthentication, op, msg, err)
}

// TransientError reports a retryable failure.
func TransientError(op, msg string, err error) *Error {
	return newError(KindTransient, op, msg, err)
}

// PermanentError reports a failure that retrying will not fix.
func PermanentError(op, msg string, err error) *Error {
	return newError(KindPermanent, op, msg, err)
}

// ConflictError reports a clone onto an id that already exists.
func ConflictError(op, msg string, err error) *Error {
	return newError(KindConflict, op, msg, err)
}

// TimeoutError reports a poll that exceeded its deadline. It is transient.
func TimeoutError(op, msg string) *Error {
	return newError(KindTransient, op, msg, ErrTimeout)
}

// CancelledError reports an operation interrupted by run cancellation.
func CancelledError(op string) *Error {
	return newError(KindTransient, op, "interrupted by run cancellation", ErrCancelled)
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsTimeout reports whether err is a poll or request deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsCancelled reports whether err comes from run cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// IsFatal reports whether err must abort the whole run.
func IsFatal(err error) bool {
	k := KindOf(err)
	return k == KindConfiguration || k == KindAuthentication
}

// Describe returns the human readable part of err, without wrapped detail.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Op != "" {
			return fe.Op + ": " + fe.Msg
		}
		return fe.Msg
	}
	return err.Error()
}

// PartialFailureError is returned by batch operations in which at least one
// target did not succeed.
type PartialFailureError struct {
	Operation string
	FailedIDs []int
}

func (e *PartialFailureError) Error() string {
	ids := slices.Clone(e.FailedIDs)
	slices.Sort(ids)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return fmt.Sprintf("%s: %d target(s) did not succeed: %s", e.Operation, len(ids), strings.Join(parts, ","))
}
