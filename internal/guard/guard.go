// Package guard implements the loop-prevention contract shared by every
// cross-store write path: a value is only propagated when it actually
// differs from what the other side already holds. Change capture applies it
// before enqueueing toward the replica; the primary write path applies it
// before accepting a replica-originated row. Both directions staying quiet
// on equal values is what makes the bidirectional topology converge.
package guard

import "encoding/json"

// ShouldPropagate reports whether next differs from prior on any field
// present in next. A nil prior (no previous row) always propagates. Fields
// present in prior but absent from next are ignored: next carries only the
// synced columns and must not be penalized for columns it does not speak for.
func ShouldPropagate(prior, next map[string]any) bool {
	if prior == nil {
		return true
	}
	for field, nextValue := range next {
		priorValue, ok := prior[field]
		if !ok {
			return true
		}
		if !equalValue(priorValue, nextValue) {
			return true
		}
	}
	return false
}

// Project returns a copy of payload restricted to the given fields. Absent
// fields are omitted rather than set to nil, so a projected payload never
// claims knowledge of a column the source row did not carry. An empty field
// list means the payload is passed through whole.
func Project(payload map[string]any, fields []string) map[string]any {
	if payload == nil {
		return nil
	}
	if len(fields) == 0 {
		projected := make(map[string]any, len(payload))
		for field, value := range payload {
			projected[field] = value
		}
		return projected
	}
	projected := make(map[string]any, len(fields))
	for _, field := range fields {
		if value, ok := payload[field]; ok {
			projected[field] = value
		}
	}
	return projected
}

// equalValue compares two payload values structurally. Payloads cross JSON
// boundaries in both directions, so values are normalized through a JSON
// round-trip before comparison: int64(12) from a database row and
// float64(12) from a decoded webhook body are the same value.
func equalValue(a, b any) bool {
	normalizedA, okA := normalize(a)
	normalizedB, okB := normalize(b)
	if !okA || !okB {
		return false
	}
	return string(normalizedA) == string(normalizedB)
}

func normalize(value any) ([]byte, bool) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, false
	}
	var decoded any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return nil, false
	}
	canonical, err := json.Marshal(decoded)
	if err != nil {
		return nil, false
	}
	return canonical, true
}
