// Package pdmlock implements the process-wide single-flight lock every
// Commands operation acquires before touching the radio or PodShadow
// (spec.md §5). It is ported from the `with pdmlock():` context manager
// used throughout _examples/original_source/podcomm/pdm.py, with one
// difference forced by the target language: Python's contextvars-based
// reentrancy tracks the calling coroutine implicitly, while Go has no
// notion of "the current goroutine's identity" to hang a counter off of.
// Reentrancy here is instead threaded explicitly through context.Context
// (e.g. setTempBasal passing its own ctx into the nested cancelTempBasal
// call), which is the idiomatic Go substitute for implicit call-stack
// state.
package pdmlock

import (
	"context"
	"sync"

	"pdmcore/errs"
)

type ctxKey struct{}

// Lock is the process-wide single-flight lock. Commands hold it for the
// duration of one logical operation; nested commands (setTempBasal
// invoking cancelTempBasal) reuse the same acquisition via context.
type Lock struct {
	mu sync.Mutex
}

// New returns an unlocked Lock.
func New() *Lock {
	return &Lock{}
}

// Acquire takes the lock for the scope of fn, blocking if another caller
// holds it. If ctx already carries this Lock's reentrancy token (i.e. fn
// is itself running inside an outer Acquire call on the same Lock), the
// lock is not re-taken and release happens only at the outermost scope —
// spec.md §5's "re-entrant ... release only at the outermost scope".
func (l *Lock) Acquire(ctx context.Context, fn func(ctx context.Context) error) error {
	if held, ok := ctx.Value(ctxKey{}).(*Lock); ok && held == l {
		return fn(ctx)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(context.WithValue(ctx, ctxKey{}, l))
}

// TryAcquire behaves like Acquire but returns PdmBusyError immediately
// instead of blocking when the lock is held by another caller and ctx
// does not already hold it reentrantly. Used by is_busy() and any
// configuration that prefers to fail fast over queueing (spec.md §8,
// property 5: "the second either blocks or raises PdmBusyError").
func (l *Lock) TryAcquire(ctx context.Context, fn func(ctx context.Context) error) error {
	if held, ok := ctx.Value(ctxKey{}).(*Lock); ok && held == l {
		return fn(ctx)
	}
	if !l.mu.TryLock() {
		return errs.NewPdmBusyError()
	}
	defer l.mu.Unlock()
	return fn(context.WithValue(ctx, ctxKey{}, l))
}
