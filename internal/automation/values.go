package automation

import (
	"strconv"
	"strings"
)

// NullValue is the sentinel substituted for an empty pattern expansion
// outside condition context. Conditions treat it as "undefined".
const NullValue = "_NULL_"

// truthyStrings are the property states that compare as boolean true when a
// rule matches a boolean value against a plain word.
var truthyStrings = map[string]struct{}{
	"detected": {},
	"low":      {},
	"occupied": {},
	"on":       {},
	"open":     {},
	"wet":      {},
}

// CoerceBool maps a match word onto the boolean it stands for.
func CoerceBool(word string) bool {
	_, ok := truthyStrings[word]
	return ok
}

// Coerce converts an expanded string into its typed value: "true"/"false"
// become bool, parseable numbers become float64, everything else stays a
// string.
func Coerce(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}

	if number, err := strconv.ParseFloat(s, 64); err == nil {
		return number
	}

	return s
}

// Number converts a loosely typed value to float64. Strings parse
// numerically; booleans map to 0/1; nil and non-numeric strings report false.
func Number(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		number, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return number, true
	default:
		return 0, false
	}
}

// Equal compares two loosely typed values. Values of different dynamic
// types still compare equal when both convert to the same number, matching
// how JSON payload values meet rule literals of a different type.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb
		}
	}

	an, aok := Number(a)
	bn, bok := Number(b)
	if aok && bok {
		return an == bn
	}

	return String(a) == String(b)
}

// String renders a loosely typed value the way patterns and MQTT payloads
// spell it. Lists join with commas.
func String(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, String(item))
		}
		return strings.Join(parts, ",")
	default:
		return ""
	}
}

// pair extracts the ordered numeric bounds of a two-element "between" list.
func pair(value any) (min, max float64, ok bool) {
	list, isList := value.([]any)
	if !isList || len(list) < 2 {
		return 0, 0, false
	}

	a, aok := Number(list[0])
	b, bok := Number(list[1])
	if !aok || !bok {
		return 0, 0, false
	}

	if a > b {
		a, b = b, a
	}
	return a, b, true
}
