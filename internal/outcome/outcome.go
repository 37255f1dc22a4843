// Package outcome carries the result of a pipeline stage: a usable value, a
// degraded value with the reasons it was degraded, or a hard failure.
package outcome

import (
	"errors"
	"strings"
)

// Status is the coarse result of a stage.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// Outcome wraps a stage result.
type Outcome[T any] struct {
	Value   T
	Status  Status
	Reasons []string
	Err     error
}

// OK returns a successful outcome.
func OK[T any](v T) Outcome[T] {
	return Outcome[T]{Value: v, Status: StatusOK}
}

// Degraded returns a usable value produced by a fallback path. With no
// reasons it is a plain OK.
func Degraded[T any](v T, reasons ...string) Outcome[T] {
	if len(reasons) == 0 {
		return OK(v)
	}
	return Outcome[T]{Value: v, Status: StatusDegraded, Reasons: reasons}
}

// Failed returns a hard failure.
func Failed[T any](err error) Outcome[T] {
	if err == nil {
		err = errors.New("unknown failure")
	}
	return Outcome[T]{Status: StatusFailed, Err: err, Reasons: []string{err.Error()}}
}

// Failed reports whether the stage produced no usable value.
func (o Outcome[T]) Failed() bool {
	return o.Status == StatusFailed
}

// Reason joins the reasons for logging.
func (o Outcome[T]) Reason() string {
	return strings.Join(o.Reasons, "; ")
}

// Notes collects degradation reasons from a stage.
type Notes []string

// Add appends a reason if it is not empty.
func (n *Notes) Add(reason string) {
	if reason != "" {
		*n = append(*n, reason)
	}
}
