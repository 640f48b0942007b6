// Package lock provides per-conversation mutual exclusion and in-flight
// ingestion flags. Clean Architecture: Adapters implementing ports.Locker
// and ports.InflightTracker.
package lock

import (
	"context"
	"sync"

	"github.com/0xcro3dile/docchat-go/internal/domain/ports"
)

// LocalLocker serializes holders of the same key within one process.
// Entries are dropped once nobody holds or waits for them.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	slot chan struct{}
	refs int
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

// Acquire blocks until key is free or ctx is done.
func (l *LocalLocker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{slot: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.slot <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.slot
			l.unref(key, kl)
		})
	}, nil
}

func (l *LocalLocker) unref(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// size reports the number of live entries.
func (l *LocalLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// LocalInflight counts ingestions in progress per conversation.
type LocalInflight struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewLocalInflight creates an in-process tracker.
func NewLocalInflight() *LocalInflight {
	return &LocalInflight{counts: make(map[string]int)}
}

func (t *LocalInflight) Begin(ctx context.Context, conversationID string) (func(), error) {
	t.mu.Lock()
	t.counts[conversationID]++
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.counts[conversationID]--
			if t.counts[conversationID] <= 0 {
				delete(t.counts, conversationID)
			}
		})
	}, nil
}

func (t *LocalInflight) InFlight(ctx context.Context, conversationID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[conversationID] > 0, nil
}

var (
	_ ports.Locker          = (*LocalLocker)(nil)
	_ ports.InflightTracker = (*LocalInflight)(nil)
)
