package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	b := NewBus()
	a, cancelA := b.Subscribe(4)
	c, cancelC := b.Subscribe(4)
	defer cancelA()
	defer cancelC()

	b.Publish(Event{Kind: KindTick, Remaining: 10})

	require.Equal(t, KindTick, (<-a).Kind)
	require.Equal(t, 10, (<-c).Remaining)
}

func TestBusDropsWhenSubscriberIsFull(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(Event{Kind: KindTick, Remaining: 2})
	b.Publish(Event{Kind: KindTick, Remaining: 1})

	assert.Equal(t, 1, b.Dropped())
	assert.Equal(t, 2, (<-ch).Remaining)
}

func TestBusDropCountSurvivesUnsubscribe(t *testing.T) {
	b := NewBus()
	_, cancel := b.Subscribe(1)

	b.Publish(Event{Kind: KindTick, Remaining: 3})
	b.Publish(Event{Kind: KindTick, Remaining: 2})
	b.Publish(Event{Kind: KindTick, Remaining: 1})
	cancel()

	assert.Equal(t, 2, b.Dropped())

	_, cancel = b.Subscribe(1)
	defer cancel()
	b.Publish(Event{Kind: KindTick})
	b.Publish(Event{Kind: KindTick})
	assert.Equal(t, 3, b.Dropped())
}

func TestBusCancelAndClose(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok, "cancel closes the channel")

	other, _ := b.Subscribe(1)
	b.Close()
	_, ok = <-other
	assert.False(t, ok, "close closes remaining channels")

	late, _ := b.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok, "subscribing after close yields a closed channel")

	b.Publish(Event{Kind: KindTick})
}
