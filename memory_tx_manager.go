package loom

import (
	"context"
	"sync"
)

var _ TxManager = (*MemoryTxManager)(nil)

// MemoryTxManager serializes transactions over a MemoryStore and undoes every
// write of a transaction whose function fails.
type MemoryTxManager struct {
	mu    sync.Mutex
	store *MemoryStore
}

type memoryTx struct{}

func NewMemoryTxManager(store *MemoryStore) *MemoryTxManager {
	return &MemoryTxManager{store: store}
}

func (m *MemoryTxManager) ReadCommitted(ctx context.Context, fn func(ctx context.Context) error) error {
	return runInTx(ctx, m.begin, fn)
}

func (m *MemoryTxManager) begin(ctx context.Context) (context.Context, func() error, func(), error) {
	m.mu.Lock()
	snap := m.store.snapshot()

	var once sync.Once
	release := func() { once.Do(m.mu.Unlock) }

	commit := func() error {
		release()

		return nil
	}
	rollback := func() {
		m.store.restore(snap)
		release()
	}

	return withTx(ctx, memoryTx{}), commit, rollback, nil
}
