package expressions

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Interpolate substitutes every {{name}} occurrence in template with the
// corresponding value from inputs. Placeholders whose name is not present in
// inputs are left verbatim, so partially-templated endpoints remain visible
// in execution records instead of silently collapsing.
func Interpolate(template string, inputs map[string]any) string {
	if !strings.Contains(template, "{{") {
		return template
	}

	var result strings.Builder
	result.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "{{")
		if idx == -1 {
			result.WriteString(template[i:])
			break
		}

		result.WriteString(template[i : i+idx])
		start := i + idx + 2 // skip "{{"

		end := strings.Index(template[start:], "}}")
		if end == -1 {
			// Unclosed marker: keep the rest verbatim.
			result.WriteString(template[i+idx:])
			break
		}
		end += start

		name := strings.TrimSpace(template[start:end])
		val, ok := inputs[name]
		if name == "" || !ok {
			result.WriteString(template[i+idx : end+2])
		} else {
			result.WriteString(stringifyValue(val))
		}

		i = end + 2 // skip "}}"
	}

	return result.String()
}

// stringifyValue converts a resolved input value into its inline string form.
// Strings embed without quotes; complex types are JSON-encoded.
func stringifyValue(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
