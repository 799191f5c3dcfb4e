package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch1, unsub1 := bus.Subscribe(4)
	ch2, unsub2 := bus.Subscribe(4)
	defer unsub1()
	defer unsub2()

	bus.Publish(Settlement{RequestID: 7, Success: true})

	ev := <-ch1
	assert.Equal(t, uint64(7), ev.RequestID)
	ev = <-ch2
	assert.True(t, ev.Success)
}

func TestUnsubscribeClosesChannelAndStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, unsub := bus.Subscribe(4)
	unsub()
	unsub() // idempotent

	_, ok := <-ch
	assert.False(t, ok)

	// Must not panic with no subscribers left.
	bus.Publish(Settlement{RequestID: 1})
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(Settlement{RequestID: 1})
	bus.Publish(Settlement{RequestID: 2}) // dropped, buffer full

	ev := <-ch
	assert.Equal(t, uint64(1), ev.RequestID)
	assert.Empty(t, ch)
}

func TestCloseClosesSubscribers(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.Subscribe(1)
	bus.Close()

	_, ok := <-ch
	require.False(t, ok)

	// Subscribe after close returns a closed channel.
	ch2, unsub := bus.Subscribe(1)
	unsub()
	_, ok = <-ch2
	assert.False(t, ok)
}
