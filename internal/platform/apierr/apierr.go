package apierr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind enumerates the failure classes surfaced by every subsystem. Handlers
// map kinds to HTTP statuses; adapters map transport failures to kinds.
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindNotFound            Kind = "not_found"
	KindTimeout             Kind = "timeout"
	KindTransientDependency Kind = "transient_dependency"
	KindPermanentDependency Kind = "permanent_dependency"
	KindDataIntegrity       Kind = "data_integrity"
)

type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "api error"
	}
	switch {
	case e.Message != "" && e.Cause != nil:
		return fmt.Sprintf("%s: %s (kind=%s): %v", e.Op, e.Message, e.Kind, e.Cause)
	case e.Message != "":
		return fmt.Sprintf("%s: %s (kind=%s)", e.Op, e.Message, e.Kind)
	case e.Cause != nil:
		return fmt.Sprintf("%s (kind=%s): %v", e.Op, e.Kind, e.Cause)
	default:
		return fmt.Sprintf("%s (kind=%s)", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func Wrap(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// KindOf classifies err. Context deadline and net timeouts map to
// KindTimeout; anything not already typed defaults to transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindTransientDependency
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindTransientDependency:
		return http.StatusServiceUnavailable
	case KindPermanentDependency:
		return http.StatusBadGateway
	case KindDataIntegrity:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether an operation that failed with err is worth
// retrying at the adapter level.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindTransientDependency:
		return true
	default:
		return false
	}
}
