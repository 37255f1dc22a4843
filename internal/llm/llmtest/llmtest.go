// Package llmtest provides a scriptable llm.Completer for tests.
package llmtest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/pavelanni/examforge/internal/llm"
)

// Call is one recorded Complete invocation.
type Call struct {
	System string
	User   string
	Params llm.Params
}

// Stub answers Complete with Respond. It is safe for concurrent use.
type Stub struct {
	Respond func(call Call) (string, error)

	mu    sync.Mutex
	calls []Call
}

// Complete records the call and delegates to Respond.
func (s *Stub) Complete(ctx context.Context, system, user string, p llm.Params) (string, error) {
	call := Call{System: system, User: user, Params: p}
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.Respond == nil {
		return "", Unavailable
	}
	return s.Respond(call)
}

// Calls returns a copy of the recorded calls.
func (s *Stub) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsFor returns the recorded calls with the given purpose.
func (s *Stub) CallsFor(purpose string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Params.Purpose == purpose {
			out = append(out, c)
		}
	}
	return out
}

// Unavailable is the error returned by an unreachable backend.
var Unavailable = &llm.TransientError{Kind: llm.KindConnection, Err: errors.New("connection refused")}

// Reply always answers text.
func Reply(text string) *Stub {
	return &Stub{Respond: func(Call) (string, error) { return text, nil }}
}

// Unreachable fails every call with a connection error.
func Unreachable() *Stub {
	return &Stub{}
}

// ByPurpose answers by Params.Purpose; purposes without an entry are unreachable.
func ByPurpose(replies map[string]string) *Stub {
	return &Stub{Respond: func(c Call) (string, error) {
		if r, ok := replies[c.Params.Purpose]; ok {
			return r, nil
		}
		return "", Unavailable
	}}
}

// Matching answers with the reply of the first key contained in the user
// prompt; unmatched prompts are unreachable.
func Matching(replies map[string]string) *Stub {
	return &Stub{Respond: func(c Call) (string, error) {
		for k, r := range replies {
			if strings.Contains(c.User, k) {
				return r, nil
			}
		}
		return "", Unavailable
	}}
}
