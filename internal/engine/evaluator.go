package engine

import (
	"time"

	"github.com/basket/homerules/internal/automation"
	"github.com/basket/homerules/internal/devices"
	"github.com/basket/homerules/internal/pattern"
)

// Evaluator walks condition trees against the live system state reachable
// through a pattern.Source.
type Evaluator struct {
	source   pattern.Source
	expander *pattern.Expander
}

func NewEvaluator(source pattern.Source, expander *pattern.Expander) *Evaluator {
	return &Evaluator{source: source, expander: expander}
}

// Check evaluates a condition list under the given node operator. It counts
// matching children and folds the count per the operator, so a NOT node
// passes exactly when zero children match.
func (e *Evaluator) Check(op automation.ConditionKind, conditions []automation.Condition, meta pattern.Meta) bool {
	now := e.source.Now()
	matched := 0

	for _, item := range conditions {
		if !item.IsActive() {
			continue
		}
		if e.matches(item, meta, now) {
			matched++
		}
	}

	return automation.Combine(op, matched, len(conditions))
}

func (e *Evaluator) matches(item automation.Condition, meta pattern.Meta, now time.Time) bool {
	switch condition := item.(type) {
	case *automation.PropertyCondition:
		endpoint := condition.Endpoint
		property := condition.Property
		if endpoint == "triggerEndpoint" {
			endpoint = meta["triggerEndpoint"]
		}
		if property == "triggerProperty" {
			property = meta["triggerProperty"]
		}

		device, ok := e.source.FindDevice(endpoint)
		if !ok {
			return false
		}

		value, _ := device.Property(devices.EndpointID(endpoint), property)
		return automation.MatchValue(value, e.expandMatch(condition.Value, meta), condition.Statement)

	case *automation.MqttCondition:
		payload, ok := e.source.TopicPayload(condition.Topic)
		if !ok {
			payload = nil
		}

		var value any
		if condition.Property != "" {
			value, _ = pattern.Lookup(payload, condition.Property)
		} else if payload != nil {
			value = automation.Coerce(string(payload))
		}

		return automation.MatchValue(value, e.expandMatch(condition.Value, meta), condition.Statement)

	case *automation.StateCondition:
		value, _ := e.source.State(condition.Name)
		return automation.MatchValue(value, e.expandMatch(condition.Value, meta), condition.Statement)

	case *automation.DateCondition:
		return condition.MatchDate(now)

	case *automation.TimeCondition:
		minute := now.Hour()*60 + now.Minute()
		return condition.MatchTime(minute, minutesInto(e.source.Sunrise()), minutesInto(e.source.Sunset()))

	case *automation.WeekCondition:
		return condition.MatchWeek(isoWeekday(now))

	case *automation.PatternCondition:
		value := e.expander.Expand(condition.Pattern, meta, false)
		return automation.MatchValue(value, e.expandMatch(condition.Value, meta), condition.Statement)

	case *automation.NestedCondition:
		return e.Check(condition.Op, condition.Children, meta)
	}

	return false
}

// expandMatch pattern-expands string match values; everything else passes
// through untouched.
func (e *Evaluator) expandMatch(value any, meta pattern.Meta) any {
	if s, ok := value.(string); ok {
		return e.expander.Expand(s, meta, false)
	}
	return value
}

func minutesInto(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// isoWeekday maps Go's Sunday-based weekday onto ISO numbering (Mon=1..Sun=7).
func isoWeekday(t time.Time) int {
	day := int(t.Weekday())
	if day == 0 {
		return 7
	}
	return day
}
