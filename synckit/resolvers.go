package synckit

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/c0deZ3R0/storefront-sync/cache"
	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
)

// TimestampField is the payload field LastWriteWins and the consistency
// check compare.
const TimestampField = "_timestamp"

var (
	// ServerWins confirms the server's payload. It is the default resolver.
	ServerWins ConflictResolver = ResolverFunc(func(_ context.Context, _ *PendingOperation, c *syncErrors.ConflictError) (Resolution, error) {
		return Resolution{Strategy: StrategyServerWins, Data: cache.Clone(c.ServerData)}, nil
	})

	// ClientWins re-sends the local payload with the force flag set.
	ClientWins ConflictResolver = ResolverFunc(func(context.Context, *PendingOperation, *syncErrors.ConflictError) (Resolution, error) {
		return Resolution{Strategy: StrategyClientWins}, nil
	})

	// Merge lays the local payload over the server's and re-sends the result.
	Merge ConflictResolver = ResolverFunc(func(_ context.Context, op *PendingOperation, c *syncErrors.ConflictError) (Resolution, error) {
		return Resolution{Strategy: StrategyMerge, Data: cache.Merge(c.ServerData, op.Data)}, nil
	})

	// Manual defers every conflict to a human decision.
	Manual ConflictResolver = ResolverFunc(func(context.Context, *PendingOperation, *syncErrors.ConflictError) (Resolution, error) {
		return Resolution{Strategy: StrategyManual}, nil
	})

	// LastWriteWins compares the _timestamp fields: a strictly newer local
	// payload wins, anything else keeps the server's.
	LastWriteWins ConflictResolver = ResolverFunc(func(_ context.Context, op *PendingOperation, c *syncErrors.ConflictError) (Resolution, error) {
		local, lok := timestampOf(op.Data)
		remote, rok := timestampOf(c.ServerData)
		if lok && (!rok || local > remote) {
			return Resolution{Strategy: StrategyClientWins}, nil
		}
		return Resolution{Strategy: StrategyServerWins, Data: cache.Clone(c.ServerData)}, nil
	})
)

// timestampOf reads the _timestamp field as a number. Numbers are taken as
// is; RFC 3339 strings are converted to Unix milliseconds.
func timestampOf(d cache.Document) (float64, bool) {
	v, ok := d[TimestampField]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case time.Time:
		return float64(t.UnixMilli()), true
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return float64(ts.UnixMilli()), true
		}
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}
