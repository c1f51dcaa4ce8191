package service

import (
	"context"
	"sync"
)

// keyedMutex hands out one mutex per key and frees it when the last holder leaves.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

// Lock blocks until key is free or ctx is done.
func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.release(key, l)
		})
	}, nil
}

func (k *keyedMutex) release(key string, l *refLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// localTripLocker serializes trip writers inside one process.
type localTripLocker struct {
	keys *keyedMutex
}

// NewLocalTripLocker returns an in-process TripLocker.
func NewLocalTripLocker() TripLocker {
	return &localTripLocker{keys: newKeyedMutex()}
}

func (l *localTripLocker) Lock(ctx context.Context, tripID string) (func(), error) {
	return l.keys.Lock(ctx, "trip:"+tripID)
}

// chainLocker acquires several lockers in order and releases them in reverse.
type chainLocker []TripLocker

// ChainLockers combines lockers, typically in-process first then distributed.
func ChainLockers(lockers ...TripLocker) TripLocker {
	return chainLocker(lockers)
}

func (c chainLocker) Lock(ctx context.Context, tripID string) (func(), error) {
	unlocks := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, locker := range c {
		unlock, err := locker.Lock(ctx, tripID)
		if err != nil {
			releaseAll()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return releaseAll, nil
}
