package loom

import (
	"context"
	"sync"
)

// RunLocker serializes mutations of one run across concurrent completions.
// Stores with row locks make it redundant; it is required for stores without
// them and for several engines sharing one store.
type RunLocker interface {
	Lock(ctx context.Context, runID string) (unlock func(), err error)
}

var _ RunLocker = (*MemoryRunLocker)(nil)

type MemoryRunLocker struct {
	mu    sync.Mutex
	locks map[string]*runLock
}

type runLock struct {
	ch   chan struct{}
	refs int
}

func NewMemoryRunLocker() *MemoryRunLocker {
	return &MemoryRunLocker{locks: make(map[string]*runLock)}
}

func (l *MemoryRunLocker) Lock(ctx context.Context, runID string) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[runID]
	if !ok {
		lock = &runLock{ch: make(chan struct{}, 1)}
		l.locks[runID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(runID, lock, false)

		return nil, ctx.Err()
	}

	var once sync.Once

	return func() {
		once.Do(func() { l.release(runID, lock, true) })
	}, nil
}

func (l *MemoryRunLocker) release(runID string, lock *runLock, held bool) {
	if held {
		<-lock.ch
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, runID)
	}
}
