package gate

import "encoding/json"

// toText renders data as the string a regex/word_count gate operates over:
// pass strings through verbatim, re-marshal everything else.
func toText(data any) string {
	if s, ok := data.(string); ok {
		return s
	}
	b, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	return string(b)
}

// ExtractAuto parses raw as JSON when possible, falling back to the raw
// string (the gated() "auto" extraction mode, spec §4.5).
func ExtractAuto(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}
