package enrich

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DecodePayload parses a raw JSON object keeping numbers as json.Number so
// large identifiers survive intact.
func DecodePayload(payload []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: payload is not an object", ErrMalformed)
	}
	return fields, nil
}

// firstString returns the first non-empty value among keys, rendered as a string
func firstString(fields map[string]any, keys []string) string {
	for _, k := range keys {
		if s := asString(fields[k]); s != "" {
			return s
		}
	}
	return ""
}

// firstInt returns the first value among keys that parses as a number
func firstInt(fields map[string]any, keys []string) (int64, bool) {
	for _, k := range keys {
		if n, ok := asInt(fields[k]); ok {
			return n, true
		}
	}
	return 0, false
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

func asInt(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		if f, err := t.Float64(); err == nil {
			return int64(f), true
		}
	case float64:
		return int64(t), true
	case int:
		return int64(t), true
	case int64:
		return t, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int64(f), true
		}
	}
	return 0, false
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(t))
		return b
	case json.Number:
		n, _ := t.Int64()
		return n != 0
	case float64:
		return t != 0
	}
	return false
}

// displayString flattens any JSON value into the string shown in the ledger
func displayString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string, json.Number, float64, int, int64, bool:
		return asString(t)
	case map[string]any:
		if name := asString(t["name"]); name != "" {
			return name
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// rawJSON re-encodes a field for storage as a history blob. String values
// that already hold JSON are kept as-is.
func rawJSON(v any) json.RawMessage {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" || !json.Valid([]byte(s)) {
			return nil
		}
		return json.RawMessage(s)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

const (
	// values below this are epoch seconds
	secondsCeiling = 1e10
	// seconds between 0001-01-01 and 1970-01-01; at or above this (and below
	// millisecondFloor) a value counts from the Gregorian year zero
	gregorianFloor   = 62135596800
	millisecondFloor = 1e11
	// seconds between year 0 and the Unix epoch
	gregorianOffset = 62167219200
)

// NormalizeEpoch converts a seconds, milliseconds or Gregorian-seconds
// timestamp into UTC epoch seconds.
func NormalizeEpoch(v int64) int64 {
	switch {
	case v <= 0:
		return 0
	case v < secondsCeiling:
		return v
	case v >= gregorianFloor && v < millisecondFloor:
		return v - gregorianOffset
	default:
		return v / 1000
	}
}

var timeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"}

// ExtractTimestamp returns the first non-empty, parseable timestamp among
// candidates, normalized to UTC epoch seconds.
func ExtractTimestamp(fields map[string]any, candidates []string) (int64, bool) {
	for _, k := range candidates {
		v, ok := fields[k]
		if !ok || v == nil {
			continue
		}
		if n, ok := asInt(v); ok {
			if ts := NormalizeEpoch(n); ts > 0 {
				return ts, true
			}
			continue
		}
		if s, ok := v.(string); ok {
			for _, layout := range timeLayouts {
				if t, err := time.ParseInLocation(layout, strings.TrimSpace(s), time.UTC); err == nil {
					return t.Unix(), true
				}
			}
		}
	}
	return 0, false
}

func epochField(fields map[string]any, keys []string) int64 {
	ts, _ := ExtractTimestamp(fields, keys)
	return ts
}
