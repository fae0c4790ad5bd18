package realtime

import (
	"encoding/json"
	"strings"
)

// payloadFields is the fallback chain for extracting a string value out of an
// event payload. Different backend versions wrap the same value under
// different keys, so extraction tries each in order.
var payloadFields = []string{"code", "qr", "value", "data", "payload"}

// ExtractString pulls a string out of a raw event payload. A bare JSON
// string wins; otherwise the known wrapper fields are tried in order. An
// unrecognized shape yields the empty string rather than an error, because a
// malformed event must never break the dispatch loop.
func ExtractString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var bare string
	if err := json.Unmarshal(raw, &bare); err == nil {
		return strings.TrimSpace(bare)
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return ""
	}
	for _, field := range payloadFields {
		inner, ok := wrapper[field]
		if !ok {
			continue
		}
		var value string
		if err := json.Unmarshal(inner, &value); err == nil && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
