package events

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Codec encodes and decodes the payload of one event kind. The journal uses
// it to persist events and read them back as typed payloads.
type Codec interface {
	// Kind returns the event kind this codec handles
	Kind() Kind
	// Encode converts a payload to JSON
	Encode(Payload) (json.RawMessage, error)
	// Decode converts JSON back to the typed payload
	Decode(json.RawMessage) (Payload, error)
}

// JSONCodec is a Codec for payload type T using encoding/json. Error fields
// tagged json:"-" are not carried; callers keep the error text alongside.
type JSONCodec[T Payload] struct{}

func (JSONCodec[T]) Kind() Kind {
	var zero T
	return zero.Kind()
}

func (c JSONCodec[T]) Encode(p Payload) (json.RawMessage, error) {
	if _, ok := p.(T); !ok {
		return nil, fmt.Errorf("codec %s: unexpected payload %T", c.Kind(), p)
	}
	return json.Marshal(p)
}

func (c JSONCodec[T]) Decode(raw json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("codec %s: %w", c.Kind(), err)
	}
	return v, nil
}

// Registry manages codec registration and lookup with thread safety.
type Registry struct {
	mu     sync.RWMutex
	codecs map[Kind]Codec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[Kind]Codec)}
}

// Register adds a codec under its Kind, replacing any previous one.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[c.Kind()] = c
}

// Get retrieves the codec for kind.
func (r *Registry) Get(kind Kind) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[kind]
	return c, ok
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.codecs))
	for kind := range r.codecs {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Encode encodes p with the codec registered for its kind.
func (r *Registry) Encode(p Payload) (json.RawMessage, error) {
	c, ok := r.Get(p.Kind())
	if !ok {
		return nil, fmt.Errorf("no codec registered for %s", p.Kind())
	}
	return c.Encode(p)
}

// Decode decodes raw with the codec registered for kind.
func (r *Registry) Decode(kind Kind, raw json.RawMessage) (Payload, error) {
	c, ok := r.Get(kind)
	if !ok {
		return nil, fmt.Errorf("no codec registered for %s", kind)
	}
	return c.Decode(raw)
}

// DefaultRegistry holds a codec for every event kind in this package.
var DefaultRegistry = newDefaultRegistry()

func newDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, c := range []Codec{
		JSONCodec[Queued]{},
		JSONCodec[OptimisticUpdate]{},
		JSONCodec[CacheUpdated]{},
		JSONCodec[CacheInvalidated]{},
		JSONCodec[CacheCleared]{},
		JSONCodec[SyncStarted]{},
		JSONCodec[SyncSuccess]{},
		JSONCodec[SyncFailed]{},
		JSONCodec[SyncCompleted]{},
		JSONCodec[RetryScheduled]{},
		JSONCodec[Rollback]{},
		JSONCodec[ConflictResolved]{},
		JSONCodec[ConflictManual]{},
		JSONCodec[ConflictFailed]{},
		JSONCodec[RefreshStarted]{},
		JSONCodec[RefreshCompleted]{},
		JSONCodec[RefreshFailed]{},
		JSONCodec[Network]{},
		JSONCodec[ConsistencyIssues]{},
	} {
		r.Register(c)
	}
	return r
}
