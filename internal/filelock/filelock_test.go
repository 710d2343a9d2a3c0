package filelock

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "slate.lock")

	unlock, err := Acquire(context.Background(), path, time.Second, 10*time.Millisecond)
	require.NoError(t, err)

	t.Run("Held lock times out", func(t *testing.T) {
		start := time.Now()
		_, err := Acquire(context.Background(), path, 200*time.Millisecond, 20*time.Millisecond)
		require.ErrorIs(t, err, ErrTimeout)
		assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	})

	t.Run("Context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := Acquire(ctx, path, 5*time.Second, 10*time.Millisecond)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	require.NoError(t, unlock())

	unlock, err = Acquire(context.Background(), path, time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, unlock())
}

func TestAcquireWaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slate.lock")

	unlock, err := Acquire(context.Background(), path, time.Second, 10*time.Millisecond)
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		unlock()
	}()

	second, err := Acquire(context.Background(), path, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, second())
}

func TestAcquireMutualExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slate.lock")

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := Acquire(context.Background(), path, 5*time.Second, 5*time.Millisecond)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			assert.NoError(t, unlock())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}
