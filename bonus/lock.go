package bonus

import (
	"context"
	"sync"
	"time"
)

// KeyedLock serializes work per customer key. Holders of different keys
// never wait on each other. Entries are dropped once nobody holds or waits
// for them, so the map only grows with concurrently active customers.
type KeyedLock struct {
	mu    sync.Mutex
	slots map[CustomerKey]*lockSlot
}

type lockSlot struct {
	ch   chan struct{} // buffered(1); a token in the channel means "held"
	refs int
}

func NewKeyedLock() *KeyedLock {
	return &KeyedLock{slots: make(map[CustomerKey]*lockSlot)}
}

// Acquire blocks until the key is free, ctx is done, or timeout elapses
// (timeout <= 0 waits on ctx only). On failure it returns a *ConflictError
// and the caller holds nothing. On success the returned func releases the key.
func (l *KeyedLock) Acquire(ctx context.Context, key CustomerKey, timeout time.Duration) (func(), error) {
	slot := l.ref(key)

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case slot.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-slot.ch
				l.unref(key)
			})
		}, nil
	case <-ctx.Done():
		l.unref(key)
		return nil, &ConflictError{CustomerKey: key, Err: ctx.Err()}
	case <-expired:
		l.unref(key)
		return nil, &ConflictError{CustomerKey: key, Err: context.DeadlineExceeded}
	}
}

func (l *KeyedLock) ref(key CustomerKey) *lockSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *KeyedLock) unref(key CustomerKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[key]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// active returns the number of keys currently tracked. Test hook.
func (l *KeyedLock) active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
