// Package pattern replaces the {{…}} and [[…]] placeholders automations
// embed in strings. Lookups reach the live system through the Source
// interface owned by the controller; the expander itself holds no state.
package pattern

import (
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/basket/homerules/internal/automation"
	"github.com/basket/homerules/internal/devices"
	"github.com/basket/homerules/internal/expression"
)

// Source resolves the live values placeholders refer to.
type Source interface {
	FindDevice(endpoint string) (*devices.Device, bool)
	TopicPayload(topic string) ([]byte, bool)
	State(name string) (any, bool)
	Sunrise() time.Time
	Sunset() time.Time
	Now() time.Time
}

// Meta is the per-run substitution context: the firing trigger's name,
// endpoint and property, and the last shell action's captured output.
type Meta map[string]string

const (
	defaultColorTemperatureMin = 153
	defaultColorTemperatureMax = 500
)

var (
	calculateRe = regexp.MustCompile(`\[\[([^\]]*)\]\]`)
	replaceRe   = regexp.MustCompile(`\{\{[^{}]*\}\}`)
	indexRe     = regexp.MustCompile(`\[(\d+)\]`)
)

// Expander performs placeholder substitution against a Source.
type Expander struct {
	source Source
}

func New(source Source) *Expander {
	return &Expander{source: source}
}

// Expand substitutes every placeholder in the input and coerces the result
// to its typed value. In condition context an empty expansion stays empty
// instead of becoming the null sentinel.
func (e *Expander) Expand(input string, meta Meta, condition bool) any {
	return automation.Coerce(e.ExpandString(input, meta, condition))
}

// ExpandString is Expand without the final type coercion.
func (e *Expander) ExpandString(input string, meta Meta, condition bool) string {
	// Strings handed to a shell skip expression evaluation, so scripts can
	// use [[ … ]] test syntax.
	if !strings.HasPrefix(input, "#!") {
		for {
			loc := calculateRe.FindStringSubmatchIndex(input)
			if loc == nil {
				break
			}

			inner := e.ExpandString(input[loc[2]:loc[3]], meta, condition)
			number := expression.Evaluate(inner)
			input = input[:loc[0]] + expression.Format(number) + input[loc[1]:]
		}
	}

	for {
		loc := replaceRe.FindStringIndex(input)
		if loc == nil {
			break
		}

		item := strings.TrimSpace(input[loc[0]+2 : loc[1]-2])
		value := e.resolve(item, meta)

		if value == "" && !condition {
			value = automation.NullValue
		}

		input = input[:loc[0]] + value + input[loc[1]:]
	}

	return input
}

// resolve evaluates the contents of one {{…}} placeholder.
func (e *Expander) resolve(item string, meta Meta) string {
	tokens := strings.Split(item, "|")
	for i := range tokens {
		tokens[i] = strings.TrimSpace(tokens[i])
	}

	switch tokens[0] {
	case "colorTemperature":
		return e.colorTemperature(token(tokens, 1), token(tokens, 2))

	case "file":
		data, err := os.ReadFile(token(tokens, 1))
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(data))

	case "mqtt":
		payload, ok := e.source.TopicPayload(token(tokens, 1))
		if !ok {
			return ""
		}
		path := token(tokens, 2)
		if path == "" {
			return string(payload)
		}
		value, ok := Lookup(payload, path)
		if !ok {
			return ""
		}
		return automation.String(value)

	case "property":
		value := e.deviceProperty(token(tokens, 1), token(tokens, 2))
		if value == "" {
			return token(tokens, 3)
		}
		return value

	case "shellOutput":
		return meta["shellOutput"]

	case "state":
		value, ok := e.source.State(token(tokens, 1))
		if !ok {
			return ""
		}
		return automation.String(value)

	case "sunrise":
		return e.formatTime(e.source.Sunrise(), token(tokens, 1))

	case "sunset":
		return e.formatTime(e.source.Sunset(), token(tokens, 1))

	case "timestamp":
		return e.formatTime(e.source.Now(), token(tokens, 1))

	case "triggerName":
		return meta["triggerName"]

	case "triggerProperty":
		return e.triggerProperty(meta)
	}

	return inlineConditional(item)
}

func token(tokens []string, index int) string {
	if index >= len(tokens) {
		return ""
	}
	return tokens[index]
}

// colorTemperature interpolates between min and max by the sun's position:
// coldest at solar noon, warmest at sunrise and sunset.
func (e *Expander) colorTemperature(minToken, maxToken string) string {
	min, _ := strconv.Atoi(minToken)
	max, _ := strconv.Atoi(maxToken)
	if min == 0 {
		min = defaultColorTemperatureMin
	}
	if max == 0 {
		max = defaultColorTemperatureMax
	}

	now := e.source.Now()
	sunrise := minutesInto(e.source.Sunrise())
	sunset := minutesInto(e.source.Sunset())
	if sunset <= sunrise {
		return strconv.Itoa(max)
	}

	position := 1 - math.Sin(math.Pi*float64(minutesInto(now)-sunrise)/float64(sunset-sunrise))
	if position >= 1 {
		return strconv.Itoa(max)
	}
	return strconv.Itoa(int(math.Round(float64(min) + float64(max-min)*position)))
}

func minutesInto(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// deviceProperty resolves a "property|endpoint|prop[ id]|default" lookup.
// A trailing integer in the property token overrides the endpoint index;
// when the device lacks the endpoint, the property retries on endpoint 0
// with an "_<id>" suffix.
func (e *Expander) deviceProperty(endpoint, propertySpec string) string {
	device, ok := e.source.FindDevice(endpoint)
	if !ok {
		return ""
	}

	fields := strings.Fields(propertySpec)
	if len(fields) == 0 {
		return ""
	}

	endpointID := 0
	if last, err := strconv.Atoi(fields[len(fields)-1]); err == nil && last != 0 {
		endpointID = last
		fields = fields[:len(fields)-1]
	}
	if endpointID == 0 {
		endpointID = devices.EndpointID(endpoint)
	}

	property := strings.Join(fields, "")

	if _, ok := device.Properties[endpointID]; !ok {
		property += "_" + strconv.Itoa(endpointID)
		endpointID = 0
	}

	for key, value := range device.Properties[endpointID] {
		if strings.EqualFold(key, property) {
			return automation.String(value)
		}
	}

	return ""
}

func (e *Expander) triggerProperty(meta Meta) string {
	endpoint := meta["triggerEndpoint"]
	property := meta["triggerProperty"]
	if property == "" {
		return ""
	}

	device, ok := e.source.FindDevice(endpoint)
	if !ok {
		return ""
	}

	value, ok := device.Property(devices.EndpointID(endpoint), property)
	if !ok {
		return ""
	}
	return automation.String(value)
}

// formatTime renders a time per the placeholder's format token; an empty
// token means Unix seconds.
func (e *Expander) formatTime(t time.Time, layout string) string {
	if layout == "" {
		return strconv.FormatInt(t.Unix(), 10)
	}
	return t.Format(layout)
}

// inlineConditional reduces an "A if X OP Y else B" chain. The chain
// re-evaluates while its shape holds, so alternatives can themselves be
// conditionals. Single-quoted tokens keep their whitespace.
func inlineConditional(item string) string {
	list := splitQuoted(item)

	for len(list) >= 7 && list[1] == "if" && list[5] == "else" {
		check := false

		switch list[3] {
		case "is":
			switch list[4] {
			case "defined":
				check = list[2] != automation.NullValue
			case "undefined":
				check = list[2] == automation.NullValue
			}
		case "==":
			check = list[2] == list[4]
		case "!=":
			check = list[2] != list[4]
		case ">":
			check = toFloat(list[2]) > toFloat(list[4])
		case ">=":
			check = toFloat(list[2]) >= toFloat(list[4])
		case "<":
			check = toFloat(list[2]) < toFloat(list[4])
		case "<=":
			check = toFloat(list[2]) <= toFloat(list[4])
		}

		if check {
			list = list[:1]
		} else {
			list = list[6:]
		}
	}

	return strings.Join(list, " ")
}

func toFloat(s string) float64 {
	value, _ := strconv.ParseFloat(s, 64)
	return value
}

// splitQuoted splits on whitespace outside single quotes and strips the
// quotes from quoted tokens.
func splitQuoted(s string) []string {
	var tokens []string
	var current strings.Builder
	quoted := false

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for _, r := range s {
		switch {
		case r == '\'':
			quoted = !quoted
		case !quoted && (r == ' ' || r == '\t'):
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()

	return tokens
}

// Lookup extracts a dot-path value ("a.b[2].c") from a JSON payload.
func Lookup(payload []byte, path string) (any, bool) {
	result := gjson.GetBytes(payload, indexRe.ReplaceAllString(path, ".$1"))
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}

// Topics lists the MQTT topics a string's {{mqtt|…}} placeholders refer
// to, so the rule store can subscribe to them lazily.
func Topics(input string) []string {
	var topics []string

	for _, match := range replaceRe.FindAllString(input, -1) {
		tokens := strings.Split(match[2:len(match)-2], "|")
		if len(tokens) >= 2 && strings.TrimSpace(tokens[0]) == "mqtt" {
			if topic := strings.TrimSpace(tokens[1]); topic != "" {
				topics = append(topics, topic)
			}
		}
	}

	return topics
}
