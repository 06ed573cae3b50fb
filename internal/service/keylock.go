package service

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// keyLock serializes work per task id. Different ids never block each
// other and idle entries are dropped once their last holder unlocks.
type keyLock struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*keyLockEntry
}

type keyLockEntry struct {
	sem  chan struct{}
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{entries: make(map[uuid.UUID]*keyLockEntry)}
}

// Lock blocks until id is free or ctx is done. The returned func releases it.
func (k *keyLock) Lock(ctx context.Context, id uuid.UUID) (func(), error) {
	k.mu.Lock()
	e, ok := k.entries[id]
	if !ok {
		e = &keyLockEntry{sem: make(chan struct{}, 1)}
		k.entries[id] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		return func() {
			<-e.sem
			k.release(id, e)
		}, nil
	case <-ctx.Done():
		k.release(id, e)
		return nil, ctx.Err()
	}
}

func (k *keyLock) release(id uuid.UUID, e *keyLockEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, id)
	}
}

func (k *keyLock) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
