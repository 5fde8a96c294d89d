package ops

import "context"

// Token is a cancellation handle for one managed operation. The
// wrapped operation receives Token.Context and must treat its
// cancellation as an abort signal; the cause distinguishes a fired
// deadline from an external cancel.
type Token struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewToken creates a token derived from parent.
func NewToken(parent context.Context) *Token {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Cancel fires the token with the given cause. Subsequent calls are
// no-ops; the first cause wins.
func (t *Token) Cancel(cause error) {
	t.cancel(cause)
}

// Context returns the context the wrapped operation should honor.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Done returns a channel closed when the token fires.
func (t *Token) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Cancelled reports whether the token has fired.
func (t *Token) Cancelled() bool {
	select {
	case <-t.ctx.Done():
		return true
	default:
		return false
	}
}

// Cause returns why the token fired, or nil if it has not.
func (t *Token) Cause() error {
	if !t.Cancelled() {
		return nil
	}
	return context.Cause(t.ctx)
}
