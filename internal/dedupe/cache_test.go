// ABOUTME: Tests for the idempotency cache.
// ABOUTME: Validates replay, TTL expiration, size limits, failure handling and concurrent callers.

package dedupe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_DoReplays(t *testing.T) {
	cache := New[string](5*time.Minute, 100)
	defer cache.Close()

	calls := 0
	fn := func() (string, error) {
		calls++
		return "created", nil
	}

	v, replayed, err := cache.Do(t.Context(), "key", fn)
	require.NoError(t, err)
	assert.Equal(t, "created", v)
	assert.False(t, replayed)

	v, replayed, err = cache.Do(t.Context(), "key", fn)
	require.NoError(t, err)
	assert.Equal(t, "created", v)
	assert.True(t, replayed)
	assert.Equal(t, 1, calls)

	got, ok := cache.Lookup("key")
	assert.True(t, ok)
	assert.Equal(t, "created", got)

	_, ok = cache.Lookup("other")
	assert.False(t, ok)
}

func TestCache_Expired(t *testing.T) {
	cache := New[int](10*time.Millisecond, 100)
	defer cache.Close()

	_, _, err := cache.Do(t.Context(), "key", func() (int, error) { return 1, nil })
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, ok := cache.Lookup("key")
	assert.False(t, ok)

	v, replayed, err := cache.Do(t.Context(), "key", func() (int, error) { return 2, nil })
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 2, v)
}

func TestCache_ErrorsAreNotRemembered(t *testing.T) {
	cache := New[int](5*time.Minute, 100)
	defer cache.Close()

	boom := errors.New("boom")
	_, _, err := cache.Do(t.Context(), "key", func() (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, cache.Len())

	v, replayed, err := cache.Do(t.Context(), "key", func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 7, v)
}

func TestCache_EvictsOldest(t *testing.T) {
	cache := New[int](5*time.Minute, 2)
	defer cache.Close()

	for i, key := range []string{"a", "b", "c"} {
		_, _, err := cache.Do(t.Context(), key, func() (int, error) { return i, nil })
		require.NoError(t, err)
	}

	assert.Equal(t, 2, cache.Len())
	_, ok := cache.Lookup("a")
	assert.False(t, ok)
	_, ok = cache.Lookup("c")
	assert.True(t, ok)
}

func TestCache_ConcurrentCallersShareOneExecution(t *testing.T) {
	cache := New[int](5*time.Minute, 100)
	defer cache.Close()

	var calls atomic.Int32
	release := make(chan struct{})
	fn := func() (int, error) {
		calls.Add(1)
		<-release
		return 42, nil
	}

	var (
		wg       sync.WaitGroup
		replays  atomic.Int32
		failures atomic.Int32
	)
	for range 10 {
		wg.Go(func() {
			v, replayed, err := cache.Do(context.Background(), "key", fn)
			if err != nil || v != 42 {
				failures.Add(1)
			}
			if replayed {
				replays.Add(1)
			}
		})
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(9), replays.Load())
	assert.Zero(t, failures.Load())
}

func TestCache_WaiterHonoursContext(t *testing.T) {
	cache := New[int](5*time.Minute, 100)
	defer cache.Close()

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	go func() {
		_, _, _ = cache.Do(context.Background(), "key", func() (int, error) {
			close(started)
			<-release
			return 1, nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	_, _, err := cache.Do(ctx, "key", func() (int, error) { return 2, nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	cache := New[int](time.Minute, 10)
	cache.Close()
	cache.Close()
}
