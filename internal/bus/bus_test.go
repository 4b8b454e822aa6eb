package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlowSubscriberLosesOnlyOldest(t *testing.T) {
	b := New[int](8)
	slow := b.Subscribe()

	for i := 0; i < 20; i++ {
		b.Publish(i)
	}

	got := slow.Drain(nil)
	assert.Equal(t, []int{12, 13, 14, 15, 16, 17, 18, 19}, got)
	assert.Equal(t, uint64(12), slow.Dropped())
}

func TestFastSubscriberUnaffectedBySlowOne(t *testing.T) {
	b := New[int](4)
	fast := b.Subscribe()
	slow := b.Subscribe()

	var seen []int
	for i := 0; i < 100; i++ {
		b.Publish(i)
		seen = fast.Drain(seen)
	}

	require.Len(t, seen, 100)
	for i, v := range seen {
		assert.Equal(t, i, v)
	}
	assert.Zero(t, fast.Dropped())

	assert.Equal(t, []int{96, 97, 98, 99}, slow.Drain(nil))
	assert.Equal(t, uint64(96), slow.Dropped())
}

func TestDeliveryOrderIsMonotonic(t *testing.T) {
	b := New[int](16)
	sub := b.Subscribe()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(i)
		}
		b.Close()
	}()

	last := -1
	for {
		v, err := sub.Next(ctx)
		if errors.Is(err, ErrClosed) {
			break
		}
		require.NoError(t, err)
		assert.Greater(t, v, last)
		last = v
	}
	assert.Equal(t, 999, last)
}

func TestSubscribeSeesOnlyLaterEvents(t *testing.T) {
	b := New[string](DefaultCapacity)
	b.Publish("before")
	sub := b.Subscribe()
	b.Publish("after")

	v, ok := sub.TryNext()
	require.True(t, ok)
	assert.Equal(t, "after", v)
	_, ok = sub.TryNext()
	assert.False(t, ok)
	assert.Equal(t, uint64(2), b.Published())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New[int](4)
	sub := b.Subscribe()
	assert.Equal(t, 1, b.Subscribers())

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, b.Subscribers())

	b.Publish(1)
	assert.Zero(t, sub.buffered())

	_, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReadyNotifiesOnPublish(t *testing.T) {
	b := New[int](4)
	sub := b.Subscribe()
	b.Publish(7)

	select {
	case <-sub.Ready():
	case <-time.After(time.Second):
		t.Fatal("no ready notification")
	}
	assert.Equal(t, []int{7}, sub.Drain(nil))
}

func TestNextHonoursContext(t *testing.T) {
	b := New[int](4)
	sub := b.Subscribe()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
