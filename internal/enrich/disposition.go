package enrich

import (
	"encoding/json"
	"strings"
)

// SubDispositions splits a sub-disposition value into its two display
// levels. The object shape is {name, subdisposition: {key, value} | {name}};
// a plain string is taken as the first level.
func SubDispositions(v any) (string, string) {
	switch t := v.(type) {
	case nil:
		return "", ""
	case map[string]any:
		return subFromObject(t)
	case string:
		s := strings.TrimSpace(t)
		if strings.HasPrefix(s, "{") {
			var obj map[string]any
			if err := json.Unmarshal([]byte(s), &obj); err == nil {
				return subFromObject(obj)
			}
		}
		return s, ""
	}
	return displayString(v), ""
}

func subFromObject(obj map[string]any) (string, string) {
	first := asString(obj["name"])
	nested, ok := obj["subdisposition"].(map[string]any)
	if !ok {
		return first, ""
	}
	if key := asString(nested["key"]); key != "" {
		return first, key + " = " + displayString(nested["value"])
	}
	return first, asString(nested["name"])
}
