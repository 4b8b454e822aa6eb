package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateDoesNotLoseConcurrentWrites(t *testing.T) {
	v := NewValue(0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				v.Update(func(n int) int { return n + 1 })
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5000, v.Load())
	assert.Equal(t, uint64(5000), v.currentVersion())
}

func TestWatchEmitsCurrentThenLatest(t *testing.T) {
	v := NewValue("idle")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := v.Watch(ctx)
	assert.Equal(t, "idle", recv(t, ch))

	v.Store("running")
	assert.Equal(t, "running", recv(t, ch))

	// 连续写入只保证看到最后一个值
	v.Store("stopping")
	v.Store("idle")
	var last string
	require.Eventually(t, func() bool {
		select {
		case last = <-ch:
		default:
		}
		return last == "idle"
	}, time.Second, 5*time.Millisecond)
}

func TestWatchClosesOnCancel(t *testing.T) {
	v := NewValue(1)
	ctx, cancel := context.WithCancel(context.Background())
	ch := v.Watch(ctx)
	recv(t, ch)
	cancel()

	require.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}
