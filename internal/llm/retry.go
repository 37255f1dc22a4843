package llm

import (
	"context"
	"time"

	"github.com/pavelanni/examforge/internal/llm/repair"
)

// Policy is a call site's bounded retry policy.
type Policy struct {
	Attempts int
	// Backoff returns the sleep after a failed attempt. Nil means no sleep.
	Backoff func(attempt int, err error) time.Duration
}

// FixedBackoff sleeps d after every failed attempt.
func FixedBackoff(d time.Duration) func(int, error) time.Duration {
	return func(int, error) time.Duration { return d }
}

// ClassBackoff sleeps according to the error class.
func ClassBackoff(timeout, connection, other time.Duration) func(int, error) time.Duration {
	return func(_ int, err error) time.Duration {
		switch ErrorClass(err) {
		case string(KindTimeout):
			return timeout
		case string(KindConnection), string(KindUnavailable):
			return connection
		default:
			return other
		}
	}
}

// Retry calls fn up to p.Attempts times and returns the first success or the
// last error. It stops early when ctx is done.
func Retry[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var zero T
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := fn(ctx, attempt)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt == attempts || ctx.Err() != nil {
			break
		}
		if p.Backoff != nil {
			if err := Sleep(ctx, p.Backoff(attempt, err)); err != nil {
				break
			}
		}
	}
	return zero, lastErr
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// CompleteArray completes and repair-parses a JSON array.
func CompleteArray(ctx context.Context, c Completer, system, user string, p Params) ([]any, error) {
	raw, err := c.Complete(ctx, system, user, p)
	if err != nil {
		return nil, err
	}
	v, strategy, ok := repair.Array(raw)
	if !ok {
		repairsTotal.WithLabelValues("exhausted").Inc()
		return nil, &MalformedResponseError{Expected: "array", Raw: raw}
	}
	repairsTotal.WithLabelValues(strategy).Inc()
	return v, nil
}

// CompleteObject completes and repair-parses a JSON object.
func CompleteObject(ctx context.Context, c Completer, system, user string, p Params) (map[string]any, error) {
	raw, err := c.Complete(ctx, system, user, p)
	if err != nil {
		return nil, err
	}
	v, strategy, ok := repair.Object(raw)
	if !ok {
		repairsTotal.WithLabelValues("exhausted").Inc()
		return nil, &MalformedResponseError{Expected: "object", Raw: raw}
	}
	repairsTotal.WithLabelValues(strategy).Inc()
	return v, nil
}
