package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/storefront-sync/events"
)

type recorder struct{ payloads []events.Payload }

func (r *recorder) Publish(p events.Payload) { r.payloads = append(r.payloads, p) }

func (r *recorder) kinds() []events.Kind {
	out := make([]events.Kind, len(r.payloads))
	for i, p := range r.payloads {
		out[i] = p.Kind()
	}
	return out
}

func steppingClock() func() time.Time {
	t := time.Unix(1_700_000_000, 0)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestStore_ApplyOptimisticMerges(t *testing.T) {
	rec := &recorder{}
	s := New(rec, WithClock(steppingClock()))

	s.Confirm("p1", Document{"price": 10, "name": "mug"})
	e := s.ApplyOptimistic("p1", Document{"price": 12})

	assert.Equal(t, Document{"price": 12, "name": "mug"}, e.Data)
	assert.True(t, e.Optimistic)
	assert.False(t, e.Synced)

	last := rec.payloads[len(rec.payloads)-1].(events.CacheUpdated)
	assert.Equal(t, ReasonOptimistic, last.Reason)
}

func TestStore_ConfirmReplaces(t *testing.T) {
	s := New(nil)

	s.ApplyOptimistic("cart_1", Document{"qty": 2, "note": "gift"})
	e := s.Confirm("cart_1", Document{"qty": 5})

	assert.Equal(t, Document{"qty": 5}, e.Data)
	assert.False(t, e.Optimistic)
	assert.True(t, e.Synced)
}

func TestStore_ConfirmIsIdempotent(t *testing.T) {
	rec := &recorder{}
	s := New(rec, WithClock(steppingClock()))

	first := s.Confirm("p1", Document{"price": 10})
	second := s.Confirm("p1", Document{"price": 10})

	assert.Equal(t, first, second)
	got, ok := s.Read("p1")
	require.True(t, ok)
	assert.Equal(t, first, got)
	assert.Len(t, rec.payloads, 1)
}

func TestStore_ReadReturnsCopy(t *testing.T) {
	s := New(nil)
	s.Confirm("p1", Document{"tags": []any{"a"}, "dims": map[string]any{"w": 1}})

	e, _ := s.Read("p1")
	e.Data["price"] = 99
	e.Data["dims"].(map[string]any)["w"] = 2

	again, _ := s.Read("p1")
	assert.NotContains(t, again.Data, "price")
	assert.Equal(t, 1, again.Data["dims"].(map[string]any)["w"])
}

func TestStore_InvalidateAndClear(t *testing.T) {
	rec := &recorder{}
	s := New(rec)

	s.Confirm("a", Document{"x": 1})
	s.Confirm("b", Document{"x": 2})

	assert.True(t, s.Invalidate("a"))
	assert.False(t, s.Invalidate("a"))
	_, ok := s.Read("a")
	assert.False(t, ok)
	assert.Equal(t, []string{"b"}, s.Keys())

	s.Clear()
	assert.Equal(t, 0, s.Len())

	assert.Equal(t, []events.Kind{
		events.KindCacheUpdated,
		events.KindCacheUpdated,
		events.KindCacheInvalidated,
		events.KindCacheInvalidated,
		events.KindCacheCleared,
	}, rec.kinds())
	assert.Equal(t, events.CacheCleared{Count: 1}, rec.payloads[4])
}

func TestStore_Restore(t *testing.T) {
	s := New(nil)
	before := s.Confirm("p1", Document{"price": 10})

	s.ApplyOptimistic("p1", Document{"price": 12})
	s.Restore("p1", before, true)

	got, _ := s.Read("p1")
	assert.Equal(t, before, got)

	s.ApplyOptimistic("new", Document{"x": 1})
	s.Restore("new", Entry{}, false)
	_, ok := s.Read("new")
	assert.False(t, ok)
}

func TestNormalize(t *testing.T) {
	n, err := Normalize(Document{"qty": 7, "nested": map[string]any{"n": int64(2)}})
	require.NoError(t, err)
	assert.Equal(t, Document{"qty": float64(7), "nested": map[string]any{"n": float64(2)}}, n)
}
