package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPublishRunsHandlersInRegistrationOrder(t *testing.T) {
	bus := NewBus()
	var order []string

	bus.SubscribeAll(func(Event) error { order = append(order, "all"); return nil })
	bus.Subscribe(MapChanged, func(Event) error { order = append(order, "typed-1"); return nil })
	bus.Subscribe(MapChanged, func(Event) error { order = append(order, "typed-2"); return nil })
	bus.Subscribe(ChatMessage, func(Event) error { order = append(order, "other"); return nil })

	bus.Publish(New(MapChanged, MapChangedPayload{Map: "de_inferno"}))

	assert.Equal(t, []string{"typed-1", "typed-2", "all"}, order)
}

func TestFailingHandlersAreIsolated(t *testing.T) {
	bus := NewBus()
	var delivered []Kind

	bus.Subscribe(MapChanged, func(Event) error { return errors.New("boom") })
	bus.Subscribe(MapChanged, func(Event) error { panic("handler exploded") })
	bus.Subscribe(MapChanged, func(e Event) error { delivered = append(delivered, e.Kind); return nil })
	bus.SubscribeAll(func(e Event) error { delivered = append(delivered, e.Kind); return nil })

	require.NotPanics(t, func() { bus.Publish(New(MapChanged, nil)) })
	assert.Equal(t, []Kind{MapChanged, MapChanged}, delivered)
}

func TestNestedPublishDoesNotDeadlock(t *testing.T) {
	bus := NewBus()
	var got []Kind

	bus.Subscribe(PlayerConnected, func(Event) error {
		bus.Publish(New(PlayerCountChanged, PlayerCountChangedPayload{Count: 1}))
		return nil
	})
	bus.SubscribeAll(func(e Event) error { got = append(got, e.Kind); return nil })

	bus.Publish(New(PlayerConnected, nil))

	assert.Equal(t, []Kind{PlayerCountChanged, PlayerConnected}, got)
}

func TestSubscriptionCloseIsIdempotentAndSafeInsideHandler(t *testing.T) {
	bus := NewBus()
	calls := 0

	var sub *Subscription
	sub = bus.Subscribe(HibernationStarted, func(Event) error {
		calls++
		sub.Close()
		return nil
	})

	bus.Publish(New(HibernationStarted, nil))
	bus.Publish(New(HibernationStarted, nil))
	sub.Close()

	assert.Equal(t, 1, calls)
}

func TestStreamDropsWhenFullAndClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, sub := bus.Stream(2)

	for i := 0; i < 5; i++ {
		bus.Publish(New(PlayerCountChanged, PlayerCountChangedPayload{Count: i}))
	}
	sub.Close()

	var counts []int
	for e := range ch {
		counts = append(counts, e.Payload.(PlayerCountChangedPayload).Count)
	}
	assert.Equal(t, []int{0, 1}, counts)

	require.NotPanics(t, func() { bus.Publish(New(ServerExited, nil)) })
}

func TestDataJSON(t *testing.T) {
	assert.Equal(t, "{}", New(ServerExited, nil).DataJSON())
	assert.JSONEq(t, `{"map":"de_nuke"}`, New(MapChanged, MapChangedPayload{Map: "de_nuke"}).DataJSON())
}

func TestKinds(t *testing.T) {
	kinds := Kinds()

	assert.Len(t, kinds, 16)
	assert.True(t, ChatMessage.Valid())
	assert.False(t, Kind("Nope").Valid())
}
