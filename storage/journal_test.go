package storage

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/storefront-sync/events"
	"github.com/c0deZ3R0/storefront-sync/logging"
)

func TestEncodeRow(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_123)
	row, err := EncodeRow(events.DefaultRegistry, events.Event{
		Kind:    events.KindSyncFailed,
		Time:    at,
		Payload: events.SyncFailed{OperationID: "op-1", Key: "cart_1", Retries: 3, Err: errors.New("gateway timeout")},
	})
	require.NoError(t, err)

	assert.Equal(t, "sync_failed", row.Kind)
	assert.Equal(t, "cart_1", row.Key)
	assert.JSONEq(t, `{"operationId":"op-1","key":"cart_1","retries":3}`, row.Data)
	assert.Equal(t, "gateway timeout", row.Error)
	assert.Equal(t, at.UnixMilli(), row.At)
}

func TestEncodeRow_UnknownKind(t *testing.T) {
	_, err := EncodeRow(events.NewRegistry(), events.Event{Kind: events.KindNetwork, Payload: events.Network{}})
	assert.Error(t, err)
}

func TestDecodeRecord(t *testing.T) {
	data := sql.NullString{String: `{"operationId":"op-1","key":"cart_1","retries":3}`, Valid: true}
	r := DecodeRecord(events.DefaultRegistry, logging.Discard(), 7, "sync_failed", "cart_1", data, "boom", 1000)

	assert.EqualValues(t, 7, r.Seq)
	assert.Equal(t, events.KindSyncFailed, r.Kind)
	assert.Equal(t, "boom", r.Error)
	assert.Equal(t, time.UnixMilli(1000).UTC(), r.Time)
	p, ok := r.Payload.(events.SyncFailed)
	require.True(t, ok, "payload %T", r.Payload)
	assert.Equal(t, 3, p.Retries)
}

func TestDecodeRecord_UnknownKindKeepsRaw(t *testing.T) {
	data := sql.NullString{String: `{"x":1}`, Valid: true}
	r := DecodeRecord(events.DefaultRegistry, logging.Discard(), 1, "custom", "", data, "", 0)
	assert.Nil(t, r.Payload)
	assert.JSONEq(t, `{"x":1}`, string(r.Raw))
}

func TestValidIdentifier(t *testing.T) {
	assert.True(t, ValidIdentifier("sync_events"))
	assert.True(t, ValidIdentifier("Events2"))
	assert.False(t, ValidIdentifier(""))
	assert.False(t, ValidIdentifier("events; DROP TABLE x"))
	assert.False(t, ValidIdentifier("a-b"))
}
