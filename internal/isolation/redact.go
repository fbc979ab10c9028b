// ABOUTME: Response redaction for sensitive-looking fields.
// ABOUTME: Walks arbitrary payloads and replaces credential fields with a fixed marker.

package isolation

import (
	"encoding/json"
	"strings"
)

// RedactedMarker replaces the value of any sensitive field in a response.
const RedactedMarker = "[REDACTED]"

var sensitiveFields = map[string]struct{}{
	"password": {},
	"token":    {},
	"secret":   {},
	"key":      {},
	"apikey":   {},
}

func isSensitiveField(name string) bool {
	_, ok := sensitiveFields[strings.ToLower(name)]
	return ok
}

// redactData normalizes a payload through JSON so that struct-typed values
// and typed slices are walked as plain maps, then redacts sensitive fields.
// Servers return arbitrary Go types; without the normalization a struct field
// named "apiKey" would slip through the map walk untouched.
func redactData(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return redactValue(v)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return redactValue(v)
	}
	return redactValue(generic)
}

// redactValue returns a copy of v with sensitive fields replaced. Maps and
// slices are walked recursively; everything else passes through untouched.
func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if isSensitiveField(k) {
				out[k] = RedactedMarker
				continue
			}
			out[k] = redactValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = redactValue(inner)
		}
		return out
	default:
		return v
	}
}
