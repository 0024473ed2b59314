package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/storefront-sync/logging"
)

func fixedClock() time.Time { return time.UnixMilli(1_700_000_000_000) }

func TestBus_FanOutInSubscriptionOrder(t *testing.T) {
	bus := NewBus(WithClock(fixedClock), WithLogger(logging.Discard()))

	var got []string
	bus.Subscribe(func(ev Event) { got = append(got, "a:"+string(ev.Kind)) })
	bus.Subscribe(func(ev Event) { got = append(got, "b:"+string(ev.Kind)) })

	bus.Publish(Queued{OperationID: "op-1", Key: "cart_1"})

	assert.Equal(t, []string{"a:queued", "b:queued"}, got)
}

func TestBus_EventCarriesKindAndTime(t *testing.T) {
	bus := NewBus(WithClock(fixedClock))

	var ev Event
	bus.Subscribe(func(e Event) { ev = e })
	bus.Publish(Network{Online: true})

	assert.Equal(t, KindNetwork, ev.Kind)
	assert.Equal(t, fixedClock(), ev.Time)
	assert.Equal(t, Network{Online: true}, ev.Payload)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	calls := 0
	unsubscribe := bus.Subscribe(func(Event) { calls++ })
	bus.Publish(CacheCleared{})
	unsubscribe()
	unsubscribe()
	bus.Publish(CacheCleared{})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.Len())
}

func TestBus_PanickingListenerIsIsolated(t *testing.T) {
	bus := NewBus(WithLogger(logging.Discard()))

	delivered := 0
	bus.Subscribe(func(Event) { panic("bad listener") })
	bus.Subscribe(func(Event) { delivered++ })

	require.NotPanics(t, func() { bus.Publish(SyncStarted{Pending: 1}) })
	assert.Equal(t, 1, delivered)
}

func TestBus_SubscribeKinds(t *testing.T) {
	bus := NewBus()

	var kinds []Kind
	bus.SubscribeKinds(func(ev Event) { kinds = append(kinds, ev.Kind) }, KindSyncFailed, KindRollback)

	bus.Publish(Queued{})
	bus.Publish(SyncFailed{})
	bus.Publish(SyncSuccess{})
	bus.Publish(Rollback{})

	assert.Equal(t, []Kind{KindSyncFailed, KindRollback}, kinds)
}

func TestEvent_MarshalJSON(t *testing.T) {
	ev := Event{
		Kind:    KindSyncFailed,
		Time:    fixedClock(),
		Payload: SyncFailed{OperationID: "op-1", Key: "p1", Retries: 3, Err: errors.New("timeout")},
	}

	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "sync_failed", decoded["event"])
	assert.Equal(t, "timeout", decoded["error"])
	assert.EqualValues(t, fixedClock().UnixMilli(), decoded["timestamp"])
	data := decoded["data"].(map[string]any)
	assert.Equal(t, "op-1", data["operationId"])
	assert.EqualValues(t, 3, data["retries"])
	assert.Equal(t, "p1", ev.Key())
}
