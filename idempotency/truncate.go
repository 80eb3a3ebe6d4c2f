package idempotency

import (
	"encoding/json"
	"unicode/utf8"
)

// TruncationMarker is appended to string fields cut by the response size
// policy so consumers can tell a shortened value from a complete one.
const TruncationMarker = "...[truncated]"

// auxiliaryFields are dropped first when a response exceeds the size ceiling;
// they carry diagnostics, not the operation result.
var auxiliaryFields = []string{"metadata", "debug", "trace", "raw", "auxiliary", "details"}

// truncateResponse shrinks response until its JSON form fits within limit.
// Auxiliary fields go first, then long strings are cut with an explicit
// marker. A large-but-valid result is degraded, never dropped. Truncation
// works on a deep copy: the caller's response object is never touched.
func truncateResponse(response interface{}, limit int) (interface{}, bool) {
	if fits(response, limit) {
		return response, false
	}

	m, ok := response.(map[string]interface{})
	if !ok {
		// Non-mapping responses: only strings can be shrunk meaningfully.
		if s, isString := response.(string); isString {
			return truncateString(s, limit), true
		}
		return map[string]interface{}{
			"truncated": true,
			"note":      TruncationMarker,
		}, true
	}

	out := copyValue(m).(map[string]interface{})

	for _, field := range auxiliaryFields {
		if _, present := out[field]; !present {
			continue
		}
		delete(out, field)
		if fits(out, limit) {
			return out, true
		}
	}

	// Halve the string cap until the payload fits or the floor is reached.
	for capLen := 1024; capLen >= 64; capLen /= 2 {
		truncateStrings(out, capLen)
		if fits(out, limit) {
			return out, true
		}
	}

	return out, true
}

func fits(v interface{}, limit int) bool {
	data, err := json.Marshal(v)
	if err != nil {
		// Unmarshalable responses fail later at storage time; size policy
		// has nothing to measure.
		return true
	}
	return len(data) <= limit
}

// copyValue clones maps and slices recursively so in-place truncation cannot
// reach containers the caller still holds.
func copyValue(v interface{}) interface{} {
	switch value := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(value))
		for k, item := range value {
			out[k] = copyValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(value))
		for i, item := range value {
			out[i] = copyValue(item)
		}
		return out
	default:
		return value
	}
}

func truncateStrings(m map[string]interface{}, capLen int) {
	for k, v := range m {
		switch value := v.(type) {
		case string:
			if len(value) > capLen {
				m[k] = truncateString(value, capLen)
			}
		case map[string]interface{}:
			truncateStrings(value, capLen)
		case []interface{}:
			for i, item := range value {
				if s, ok := item.(string); ok && len(s) > capLen {
					value[i] = truncateString(s, capLen)
				}
			}
		}
	}
}

func truncateString(s string, capLen int) string {
	if capLen <= len(TruncationMarker) {
		capLen = len(TruncationMarker) + 16
	}
	if len(s) <= capLen {
		return s
	}
	// Back off to a rune boundary so the cut never leaves invalid UTF-8.
	cut := capLen - len(TruncationMarker)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + TruncationMarker
}
