package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	openai "github.com/sashabaranov/go-openai"
)

// TransientKind says why a call may succeed when retried.
type TransientKind string

const (
	KindTimeout     TransientKind = "timeout"
	KindConnection  TransientKind = "connection"
	KindUnavailable TransientKind = "unavailable"
)

// TransientError wraps timeouts, connection failures and overloaded backends.
type TransientError struct {
	Kind TransientKind
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s: %v", e.Kind, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// MalformedResponseError is returned when a completion cannot be turned into
// the expected JSON structure, even after repair.
type MalformedResponseError struct {
	Expected string
	Reason   string
	Raw      string
}

func (e *MalformedResponseError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("malformed response: expected %s: %s", e.Expected, e.Reason)
	}
	return fmt.Sprintf("malformed response: expected JSON %s (%d bytes)", e.Expected, len(e.Raw))
}

// ErrorClass returns a short label for metrics, logs and backoff decisions:
// timeout, connection, unavailable, malformed or other.
func ErrorClass(err error) string {
	var te *TransientError
	if errors.As(err, &te) {
		return string(te.Kind)
	}
	var me *MalformedResponseError
	if errors.As(err, &me) {
		return "malformed"
	}
	return "other"
}

// IsTransient reports whether err is worth retrying at the transport level.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// classify wraps transport-level failures in *TransientError.
func classify(err error) error {
	if err == nil || IsTransient(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Kind: KindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransientError{Kind: KindTimeout, Err: err}
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return &TransientError{Kind: KindConnection, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &TransientError{Kind: KindConnection, Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &TransientError{Kind: KindConnection, Err: err}
	}
	if status := httpStatus(err); status == http.StatusTooManyRequests || status >= 500 {
		return &TransientError{Kind: KindUnavailable, Err: err}
	}
	return err
}

func httpStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
