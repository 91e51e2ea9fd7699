package bonus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedLock_TimeoutIsConflict(t *testing.T) {
	l := NewKeyedLock()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "c-1", time.Second)
	require.NoError(t, err)
	defer release()

	_, err = l.Acquire(ctx, "c-1", 20*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
	assert.True(t, IsRetryable(err))

	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CustomerKey("c-1"), ce.CustomerKey)
}

func TestKeyedLock_CancelledContext(t *testing.T) {
	l := NewKeyedLock()

	release, err := l.Acquire(context.Background(), "c-1", 0)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx, "c-1", 0)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKeyedLock_DifferentKeysDoNotContend(t *testing.T) {
	l := NewKeyedLock()
	ctx := context.Background()

	ra, err := l.Acquire(ctx, "a", time.Second)
	require.NoError(t, err)
	defer ra()

	rb, err := l.Acquire(ctx, "b", 10*time.Millisecond)
	require.NoError(t, err, "a different key must be immediately available")
	rb()
}

func TestKeyedLock_ReleaseIsIdempotentAndEntriesAreDropped(t *testing.T) {
	l := NewKeyedLock()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "c-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, l.active())

	release()
	release()
	assert.Equal(t, 0, l.active())

	// Still usable after a double release.
	again, err := l.Acquire(ctx, "c-1", 10*time.Millisecond)
	require.NoError(t, err)
	again()
}

func TestKeyedLock_MutualExclusion(t *testing.T) {
	l := NewKeyedLock()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		inside  int
		maxSeen int
		mu      sync.Mutex
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, "hot", 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, l.active())
}
