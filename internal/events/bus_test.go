package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(TopicStatus, 4)
	defer unsub()

	bus.Publish(TopicStatus, Status{Message: "hello"})

	select {
	case got := <-ch:
		require.Equal(t, "hello", got.(Status).Message)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestReplayLastToNewSubscriber(t *testing.T) {
	bus := NewBus()

	bus.Publish(TopicContext, "first")
	bus.Publish(TopicContext, "second")

	// A subscriber attaching after the publishes must immediately see the
	// most recent value.
	ch, unsub := bus.Subscribe(TopicContext, 1)
	defer unsub()

	select {
	case got := <-ch:
		require.Equal(t, "second", got)
	case <-time.After(time.Second):
		t.Fatal("replay not delivered")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	_, unsub := bus.Subscribe(TopicStatus, 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(TopicStatus, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(TopicFill, 1)
	unsub()

	_, open := <-ch
	require.False(t, open)

	// Publishing after unsubscribe must not panic.
	bus.Publish(TopicFill, "x")
}
