package legacysync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventBusDispatchOrder(t *testing.T) {
	bus := newEventBus()
	var order []string

	bus.subscribe(EventStored, func(Event) { order = append(order, "first") })
	bus.subscribe(EventStored, func(Event) { order = append(order, "second") })
	bus.subscribe(EventDeleted, func(Event) { order = append(order, "other-kind") })

	bus.emit(Event{Kind: EventStored})
	require.Equal(t, []string{"first", "second"}, order)
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := newEventBus()
	var calls int

	id := bus.subscribe(EventStored, func(Event) { calls++ })
	bus.emit(Event{Kind: EventStored})
	bus.unsubscribe(EventStored, id)
	bus.emit(Event{Kind: EventStored})

	require.Equal(t, 1, calls)

	// unsubscribing twice is harmless
	bus.unsubscribe(EventStored, id)
}

func TestEventBusNoReplay(t *testing.T) {
	bus := newEventBus()
	bus.emit(Event{Kind: EventStored})

	var calls int
	bus.subscribe(EventStored, func(Event) { calls++ })
	require.Zero(t, calls, "a late subscriber never sees past events")
}

func TestNetworkMonitorEdgeTriggered(t *testing.T) {
	monitor := newNetworkMonitor(false)
	var onlines, offlines int
	monitor.onOnline = func() { onlines++ }
	monitor.onOffline = func() { offlines++ }

	require.False(t, monitor.Online())

	monitor.SetOnline(true)
	monitor.SetOnline(true) // same state, no edge
	require.True(t, monitor.Online())
	require.Equal(t, 1, onlines)

	monitor.SetOnline(false)
	monitor.SetOnline(false)
	require.Equal(t, 1, offlines)
	require.Equal(t, 1, onlines)
}
