package loom

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAfterCommit_OutsideTransactionRunsNow(t *testing.T) {
	var ran bool
	AfterCommit(context.Background(), func() { ran = true })
	assert.True(t, ran)
}

func TestHooksOnlyTxManager(t *testing.T) {
	var tm hooksOnlyTxManager
	ctx := context.Background()

	var order []string
	err := tm.ReadCommitted(ctx, func(ctx context.Context) error {
		assert.True(t, inTx(ctx))
		AfterCommit(ctx, func() { order = append(order, "hook") })
		order = append(order, "body")

		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"body", "hook"}, order)

	errBoom := errors.New("boom")
	var dropped bool
	err = tm.ReadCommitted(ctx, func(ctx context.Context) error {
		AfterCommit(ctx, func() { dropped = true })

		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.False(t, dropped)
}

func TestCommittedContext(t *testing.T) {
	var tm hooksOnlyTxManager

	var hookCtx context.Context
	err := tm.ReadCommitted(context.Background(), func(ctx context.Context) error {
		AfterCommit(ctx, func() { hookCtx = committedContext(ctx) })

		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, hookCtx)
	assert.False(t, inTx(hookCtx))

	_, ok := TxFromContext[hooksOnlyTx](hookCtx)
	assert.False(t, ok)

	var ran bool
	AfterCommit(hookCtx, func() { ran = true })
	assert.True(t, ran)
}
