package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex(0)
	ctx := context.Background()

	counter := 0
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(ctx, "txn_1")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
		}()
	}
	wg.Wait()

	assert.Equal(t, n, counter)
}

func TestKeyedMutex_ContextCancelledWhileWaiting(t *testing.T) {
	m := NewKeyedMutex(4)

	unlock, err := m.LockContext(context.Background(), "txn_1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = m.LockContext(ctx, "txn_1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyedMutex_TryLock(t *testing.T) {
	m := NewKeyedMutex(1)

	unlock, ok := m.TryLock("a")
	require.True(t, ok)

	// Single shard: every key shares the lock.
	_, ok = m.TryLock("b")
	assert.False(t, ok)

	unlock()
	unlock2, ok := m.TryLock("b")
	assert.True(t, ok)
	unlock2()
}
