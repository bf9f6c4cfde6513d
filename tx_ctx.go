package loom

import (
	"context"
	"sync"
)

type txKey struct{}

type hooksKey struct{}

// txHooks collects side effects that must only happen once the outermost
// transaction commits.
type txHooks struct {
	mu    sync.Mutex
	hooks []func()
}

func TxFromContext[T any](ctx context.Context) (T, bool) {
	tx, ok := ctx.Value(txKey{}).(T)

	return tx, ok
}

func withTx(ctx context.Context, tx any) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func inTx(ctx context.Context) bool {
	return ctx.Value(txKey{}) != nil
}

// AfterCommit defers fn until the surrounding transaction commits. Outside a
// transaction fn runs immediately. Hooks of a rolled back transaction are
// dropped.
func AfterCommit(ctx context.Context, fn func()) {
	hooks, ok := ctx.Value(hooksKey{}).(*txHooks)
	if !ok {
		fn()

		return
	}
	hooks.mu.Lock()
	hooks.hooks = append(hooks.hooks, fn)
	hooks.mu.Unlock()
}

// beginHooks attaches a fresh hook list unless ctx already carries one, in
// which case the caller is nested and must not flush.
func beginHooks(ctx context.Context) (context.Context, *txHooks, bool) {
	if hooks, ok := ctx.Value(hooksKey{}).(*txHooks); ok {
		return ctx, hooks, false
	}
	hooks := &txHooks{}

	return context.WithValue(ctx, hooksKey{}, hooks), hooks, true
}

func (h *txHooks) flush() {
	h.mu.Lock()
	hooks := h.hooks
	h.hooks = nil
	h.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// runInTx is the shared skeleton of every TxManager: join an outer
// transaction if present, otherwise begin, run fn, commit and flush hooks.
func runInTx(
	ctx context.Context,
	begin func(ctx context.Context) (txCtx context.Context, commit func() error, rollback func(), err error),
	fn func(ctx context.Context) error,
) error {
	if inTx(ctx) {
		return fn(ctx)
	}

	ctx, hooks, owner := beginHooks(ctx)
	txCtx, commit, rollback, err := begin(ctx)
	if err != nil {
		return err
	}

	if err := fn(txCtx); err != nil {
		rollback()

		return err
	}

	if err := commit(); err != nil {
		rollback()

		return err
	}

	if owner {
		hooks.flush()
	}

	return nil
}

// committedContext strips transaction state from ctx so hooks running after
// commit do not reuse a finished transaction.
func committedContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, txKey{}, nil)

	return context.WithValue(ctx, hooksKey{}, nil)
}

// hooksOnlyTxManager gives stores without transactions the after-commit
// semantics: hooks run once fn returns without error.
type hooksOnlyTxManager struct{}

type hooksOnlyTx struct{}

func (hooksOnlyTxManager) ReadCommitted(ctx context.Context, fn func(ctx context.Context) error) error {
	return runInTx(ctx, func(ctx context.Context) (context.Context, func() error, func(), error) {
		return withTx(ctx, hooksOnlyTx{}), func() error { return nil }, func() {}, nil
	}, fn)
}
