// Package events defines the typed lifecycle notifications emitted by the
// sync engine and the bus that fans them out to subscribers.
//
// Every notification is an Event whose Payload is one of the variant types in
// this file. Subscribers switch on the concrete payload type:
//
//	bus.Subscribe(func(ev events.Event) {
//		switch p := ev.Payload.(type) {
//		case events.SyncFailed:
//			log.Printf("op %s failed: %v", p.OperationID, p.Err)
//		case events.ConflictManual:
//			queueForReview(p)
//		}
//	})
package events

import (
	"encoding/json"
	"time"
)

// Kind names an event. The string values are stable and used on the wire.
type Kind string

const (
	KindQueued            Kind = "queued"
	KindOptimisticUpdate  Kind = "optimistic_update"
	KindCacheUpdated      Kind = "cache_updated"
	KindCacheInvalidated  Kind = "cache_invalidated"
	KindCacheCleared      Kind = "cache_cleared"
	KindSyncStarted       Kind = "sync_started"
	KindSyncSuccess       Kind = "sync_success"
	KindSyncFailed        Kind = "sync_failed"
	KindSyncCompleted     Kind = "sync_completed"
	KindRetryScheduled    Kind = "retry_scheduled"
	KindRollback          Kind = "rollback"
	KindConflictResolved  Kind = "conflict_resolved"
	KindConflictManual    Kind = "conflict_manual"
	KindConflictFailed    Kind = "conflict_failed"
	KindRefreshStarted    Kind = "refresh_started"
	KindRefreshCompleted  Kind = "refresh_completed"
	KindRefreshFailed     Kind = "refresh_failed"
	KindNetwork           Kind = "network"
	KindConsistencyIssues Kind = "consistency_issues"
)

// Payload is implemented by every event variant.
type Payload interface {
	Kind() Kind
}

// Event is a single notification delivered to subscribers.
type Event struct {
	Kind    Kind
	Time    time.Time
	Payload Payload
}

// Keyed is implemented by payloads that concern a single cache key.
type Keyed interface {
	EntityKey() string
}

// Failure is implemented by payloads that carry an error.
type Failure interface {
	Cause() error
}

// Key returns the cache key the event concerns, or "".
func (e Event) Key() string {
	if k, ok := e.Payload.(Keyed); ok {
		return k.EntityKey()
	}
	return ""
}

type wireEvent struct {
	Event     Kind    `json:"event"`
	Data      Payload `json:"data"`
	Error     string  `json:"error,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

// MarshalJSON renders the event as {event, data, timestamp}. Errors carried
// by the payload are flattened into an "error" string.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		Event:     e.Kind,
		Data:      e.Payload,
		Timestamp: e.Time.UnixMilli(),
	}
	if f, ok := e.Payload.(Failure); ok && f.Cause() != nil {
		w.Error = f.Cause().Error()
	}
	return json.Marshal(w)
}

// Inconsistency describes one difference found by a consistency check.
type Inconsistency struct {
	Type   string `json:"type"`
	Local  any    `json:"local,omitempty"`
	Server any    `json:"server,omitempty"`
}

// Inconsistency types.
const (
	DataMismatch      = "data_mismatch"
	TimestampConflict = "timestamp_conflict"
)

type Queued struct {
	OperationID string `json:"operationId"`
	Key         string `json:"key"`
}

type OptimisticUpdate struct {
	OperationID string         `json:"operationId"`
	Key         string         `json:"key"`
	Data        map[string]any `json:"data"`
}

// CacheUpdated is emitted by the cache store on every write.
type CacheUpdated struct {
	Key        string         `json:"key"`
	Data       map[string]any `json:"data"`
	Optimistic bool           `json:"optimistic"`
	Synced     bool           `json:"synced"`
	Reason     string         `json:"reason"`
}

type CacheInvalidated struct {
	Key string `json:"key"`
}

type CacheCleared struct {
	Count int `json:"count"`
}

type SyncStarted struct {
	Pending int `json:"pending"`
}

type SyncSuccess struct {
	OperationID string         `json:"operationId"`
	Key         string         `json:"key"`
	Data        map[string]any `json:"data"`
	Attempts    int            `json:"attempts"`
}

type SyncFailed struct {
	OperationID string `json:"operationId"`
	Key         string `json:"key"`
	Retries     int    `json:"retries"`
	Err         error  `json:"-"`
}

type SyncCompleted struct {
	Remaining int `json:"remaining"`
}

type RetryScheduled struct {
	OperationID string        `json:"operationId"`
	Key         string        `json:"key"`
	Retry       int           `json:"retry"`
	Delay       time.Duration `json:"delay"`
	Err         error         `json:"-"`
}

type Rollback struct {
	OperationID string `json:"operationId"`
	Key         string `json:"key"`
	Err         error  `json:"-"`
}

type ConflictResolved struct {
	OperationID string         `json:"operationId"`
	Key         string         `json:"key"`
	Strategy    string         `json:"strategy"`
	Data        map[string]any `json:"data"`
}

// ConflictManual asks a human to choose a resolution. ServerData is the
// server's payload at the time of the conflict.
type ConflictManual struct {
	OperationID string         `json:"operationId"`
	Key         string         `json:"key"`
	LocalData   map[string]any `json:"localData"`
	ServerData  map[string]any `json:"serverData"`
	Err         error          `json:"-"`
}

type ConflictFailed struct {
	OperationID string `json:"operationId"`
	Key         string `json:"key"`
	Err         error  `json:"-"`
}

type RefreshStarted struct {
	Key string `json:"key"`
}

type RefreshCompleted struct {
	Key  string         `json:"key"`
	Data map[string]any `json:"data"`
}

type RefreshFailed struct {
	Key string `json:"key"`
	Err error  `json:"-"`
}

type Network struct {
	Online bool `json:"online"`
}

type ConsistencyIssues struct {
	Key             string          `json:"key"`
	Inconsistencies []Inconsistency `json:"inconsistencies"`
}

func (Queued) Kind() Kind            { return KindQueued }
func (OptimisticUpdate) Kind() Kind  { return KindOptimisticUpdate }
func (CacheUpdated) Kind() Kind      { return KindCacheUpdated }
func (CacheInvalidated) Kind() Kind  { return KindCacheInvalidated }
func (CacheCleared) Kind() Kind      { return KindCacheCleared }
func (SyncStarted) Kind() Kind       { return KindSyncStarted }
func (SyncSuccess) Kind() Kind       { return KindSyncSuccess }
func (SyncFailed) Kind() Kind        { return KindSyncFailed }
func (SyncCompleted) Kind() Kind     { return KindSyncCompleted }
func (RetryScheduled) Kind() Kind    { return KindRetryScheduled }
func (Rollback) Kind() Kind          { return KindRollback }
func (ConflictResolved) Kind() Kind  { return KindConflictResolved }
func (ConflictManual) Kind() Kind    { return KindConflictManual }
func (ConflictFailed) Kind() Kind    { return KindConflictFailed }
func (RefreshStarted) Kind() Kind    { return KindRefreshStarted }
func (RefreshCompleted) Kind() Kind  { return KindRefreshCompleted }
func (RefreshFailed) Kind() Kind     { return KindRefreshFailed }
func (Network) Kind() Kind           { return KindNetwork }
func (ConsistencyIssues) Kind() Kind { return KindConsistencyIssues }

func (p Queued) EntityKey() string            { return p.Key }
func (p OptimisticUpdate) EntityKey() string  { return p.Key }
func (p CacheUpdated) EntityKey() string      { return p.Key }
func (p CacheInvalidated) EntityKey() string  { return p.Key }
func (p SyncSuccess) EntityKey() string       { return p.Key }
func (p SyncFailed) EntityKey() string        { return p.Key }
func (p RetryScheduled) EntityKey() string    { return p.Key }
func (p Rollback) EntityKey() string          { return p.Key }
func (p ConflictResolved) EntityKey() string  { return p.Key }
func (p ConflictManual) EntityKey() string    { return p.Key }
func (p ConflictFailed) EntityKey() string    { return p.Key }
func (p RefreshStarted) EntityKey() string    { return p.Key }
func (p RefreshCompleted) EntityKey() string  { return p.Key }
func (p RefreshFailed) EntityKey() string     { return p.Key }
func (p ConsistencyIssues) EntityKey() string { return p.Key }

func (p SyncFailed) Cause() error     { return p.Err }
func (p RetryScheduled) Cause() error { return p.Err }
func (p Rollback) Cause() error       { return p.Err }
func (p ConflictManual) Cause() error { return p.Err }
func (p ConflictFailed) Cause() error { return p.Err }
func (p RefreshFailed) Cause() error  { return p.Err }
