// Package cancel provides a forest of cancellation tokens. Cancelling a node
// cancels every descendant before Cancel returns. Workers observe their token
// cooperatively through Token.Context or Token.Err.
package cancel

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Reason tells why a token was cancelled.
type Reason string

const (
	ReasonUserRequested   Reason = "user_requested"
	ReasonParentCancelled Reason = "parent_cancelled"
	ReasonTimeout         Reason = "timeout"
	ReasonError           Reason = "error"
	ReasonShutdown        Reason = "shutdown"
)

// Error is the cause of a cancelled token. It matches context.Canceled with
// errors.Is.
type Error struct {
	Reason  Reason
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("cancelled: %s", e.Reason)
	}
	return fmt.Sprintf("cancelled (%s): %s", e.Reason, e.Message)
}

// Is reports whether target is context.Canceled.
func (e *Error) Is(target error) bool { return target == context.Canceled }

// Token is the cancellation handle handed to a worker.
type Token struct {
	id     string
	cause  atomic.Pointer[Error]
	ctx    context.Context
	cancel context.CancelCauseFunc
}

func newToken(id string) *Token {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Token{id: id, ctx: ctx, cancel: cancel}
}

// ID returns the id the token was registered under.
func (t *Token) ID() string { return t.id }

// Cancelled reports whether the token has been cancelled.
func (t *Token) Cancelled() bool { return t.cause.Load() != nil }

// Reason returns the cancellation reason, empty while active.
func (t *Token) Reason() Reason {
	if e := t.cause.Load(); e != nil {
		return e.Reason
	}
	return ""
}

// Message returns the cancellation message, empty while active.
func (t *Token) Message() string {
	if e := t.cause.Load(); e != nil {
		return e.Message
	}
	return ""
}

// Err returns the *Error cause once cancelled, nil before.
func (t *Token) Err() error {
	if e := t.cause.Load(); e != nil {
		return e
	}
	return nil
}

// Context returns a context that is cancelled with the token. Its
// context.Cause is the *Error.
func (t *Token) Context() context.Context { return t.ctx }

// Done is shorthand for Context().Done().
func (t *Token) Done() <-chan struct{} { return t.ctx.Done() }

// mark records the cause. It returns false if the token was already cancelled.
func (t *Token) mark(e *Error) bool {
	return t.cause.CompareAndSwap(nil, e)
}

// release cancels the context with the recorded cause.
func (t *Token) release() {
	if e := t.cause.Load(); e != nil {
		t.cancel(e)
	}
}
