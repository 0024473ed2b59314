package events

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Listener receives events synchronously on the publishing goroutine.
type Listener func(Event)

// Publisher is the narrow interface components use to emit events.
type Publisher interface {
	Publish(p Payload)
}

// Bus fans events out to every subscriber. It keeps no history: an event
// published with no subscribers is dropped.
type Bus struct {
	mu        sync.RWMutex
	listeners []subscription
	nextID    uint64

	logger *slog.Logger
	now    func() time.Time
}

type subscription struct {
	id uint64
	fn Listener
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger sets the logger used to report listener panics.
func WithLogger(l *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

// WithClock overrides the time source used to stamp events.
func WithClock(now func() time.Time) BusOption {
	return func(b *Bus) { b.now = now }
}

// NewBus creates an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers fn and returns a function that removes it. The returned
// function is safe to call more than once.
func (b *Bus) Subscribe(fn Listener) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

// SubscribeKinds registers fn for the given kinds only.
func (b *Bus) SubscribeKinds(fn Listener, kinds ...Kind) (unsubscribe func()) {
	want := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		want[k] = struct{}{}
	}
	return b.Subscribe(func(ev Event) {
		if _, ok := want[ev.Kind]; ok {
			fn(ev)
		}
	})
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.listeners {
		if s.id == id {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Len reports the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Publish stamps p and delivers it to every subscriber in subscription order.
// A panicking subscriber is logged and skipped.
func (b *Bus) Publish(p Payload) {
	ev := Event{Kind: p.Kind(), Time: b.now(), Payload: p}

	b.mu.RLock()
	snapshot := make([]subscription, len(b.listeners))
	copy(snapshot, b.listeners)
	b.mu.RUnlock()

	for _, s := range snapshot {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Sync event listener panicked",
				"event", string(ev.Kind),
				"listener_id", s.id,
				"panic", fmt.Sprint(r))
		}
	}()
	s.fn(ev)
}
