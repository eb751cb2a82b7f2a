package crawl

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a failure for retry decisions.
type ErrorKind int

// Failure classes. Retryable errors feed the backoff path; auth and
// structural errors are terminal immediately.
const (
	KindRetryable ErrorKind = iota
	KindAuth
	KindStructural
	KindInfra
)

// Error is a classified failure carried between the agents, the provider
// clients, and the scheduler.
type Error struct {
	Kind ErrorKind
	Op   string
	Code int
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: kind=%d code=%d", e.Op, e.Kind, e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewRetryable wraps err as a transient failure.
func NewRetryable(op string, err error) *Error {
	return &Error{Kind: KindRetryable, Op: op, Err: err}
}

// NewAuth wraps err as an authentication/authorization failure.
func NewAuth(op string, code int, err error) *Error {
	return &Error{Kind: KindAuth, Op: op, Code: code, Err: err}
}

// NewStructural wraps err as a caller/validation failure that retrying
// cannot fix.
func NewStructural(op string, err error) *Error {
	return &Error{Kind: KindStructural, Op: op, Err: err}
}

// Retryable reports whether err should be fed back into a retry path.
// Context cancellation and classified auth/structural failures never are;
// network timeouts and unclassified errors are.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == KindRetryable || ce.Kind == KindInfra
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}
