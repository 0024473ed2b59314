package synckit

import (
	"reflect"

	"github.com/c0deZ3R0/storefront-sync/cache"
	"github.com/c0deZ3R0/storefront-sync/events"
)

// ConsistencyReport is the result of comparing a local payload with the
// server's.
type ConsistencyReport struct {
	Key             string                 `json:"key"`
	Consistent      bool                   `json:"consistent"`
	Inconsistencies []events.Inconsistency `json:"inconsistencies"`
}

// ValidateConsistency compares local and server payloads for key and emits
// consistency_issues when they differ. It never touches the cache.
func (e *Engine) ValidateConsistency(key string, local, server cache.Document) ConsistencyReport {
	report := CheckConsistency(key, local, server)
	if !report.Consistent {
		e.logger.Warn("Consistency check found differences", "key", key, "issues", len(report.Inconsistencies))
		e.bus.Publish(events.ConsistencyIssues{Key: key, Inconsistencies: report.Inconsistencies})
	}
	return report
}

// CheckConsistency compares the payloads without publishing. Fields other
// than _timestamp are compared structurally after a JSON round trip, so
// numeric types do not cause spurious mismatches. _timestamp is compared on
// its own when both sides carry it.
func CheckConsistency(key string, local, server cache.Document) ConsistencyReport {
	report := ConsistencyReport{Key: key, Inconsistencies: []events.Inconsistency{}}

	if !reflect.DeepEqual(withoutTimestamp(local), withoutTimestamp(server)) {
		report.Inconsistencies = append(report.Inconsistencies, events.Inconsistency{
			Type:   events.DataMismatch,
			Local:  cache.Clone(local),
			Server: cache.Clone(server),
		})
	}

	lt, lok := timestampOf(local)
	st, sok := timestampOf(server)
	if lok && sok && lt != st {
		report.Inconsistencies = append(report.Inconsistencies, events.Inconsistency{
			Type:   events.TimestampConflict,
			Local:  local[TimestampField],
			Server: server[TimestampField],
		})
	}

	report.Consistent = len(report.Inconsistencies) == 0
	return report
}

func withoutTimestamp(d cache.Document) cache.Document {
	out := cache.Clone(d)
	delete(out, TimestampField)
	if normalized, err := cache.Normalize(out); err == nil {
		return normalized
	}
	return out
}
