// Package merge collapses concurrent callers of the same named operation into
// a single in-flight execution.
//
// A key is either idle, in flight (with waiting callers) or settled. Settled
// keys are forgotten as soon as every waiter has been handed the outcome, so a
// failed execution never poisons later calls: the next caller starts fresh.
package merge

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Group merges calls by key.
//
// The zero value is ready to use. A Group must not be copied after first use.
type Group struct {
	g singleflight.Group
}

// Do runs fn under key unless an execution for key is already in flight, in
// which case it waits for that execution and returns its outcome.
//
// shared reports whether the outcome was delivered to more than one caller.
func (g *Group) Do(key string, fn func() error) (shared bool, err error) {
	_, err, shared = g.g.Do(key, func() (any, error) {
		return nil, fn()
	})
	return shared, err
}

// DoContext is Do with a caller-side wait that honors ctx.
//
// Cancelling ctx releases only this caller; the merged execution keeps running
// for the remaining waiters. fn receives a context detached from the caller's
// cancellation so one impatient caller cannot abort work others depend on.
func (g *Group) DoContext(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	runCtx := context.WithoutCancel(ctx)
	ch := g.g.DoChan(key, func() (any, error) {
		return nil, fn(runCtx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Value runs fn under key and shares its typed result with concurrent callers.
func Value[T any](g *Group, key string, fn func() (T, error)) (T, error) {
	v, err, _ := g.g.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Forget drops any in-flight record for key. Callers already waiting still
// receive the outcome; the next call starts a new execution.
func (g *Group) Forget(key string) {
	g.g.Forget(key)
}
