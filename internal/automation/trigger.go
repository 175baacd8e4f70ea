package automation

import "strings"

// TriggerKind discriminates the trigger variants.
type TriggerKind int

const (
	TriggerProperty TriggerKind = iota
	TriggerMqtt
	TriggerTelegram
	TriggerTime
	TriggerInterval
	TriggerStartup
)

var triggerKindNames = map[TriggerKind]string{
	TriggerProperty: "property",
	TriggerMqtt:     "mqtt",
	TriggerTelegram: "telegram",
	TriggerTime:     "time",
	TriggerInterval: "interval",
	TriggerStartup:  "startup",
}

func (k TriggerKind) String() string {
	return triggerKindNames[k]
}

// ParseTriggerKind resolves a symbolic trigger type name.
func ParseTriggerKind(name string) (TriggerKind, bool) {
	for kind, n := range triggerKindNames {
		if n == name {
			return kind, true
		}
	}
	return 0, false
}

// TriggerStatement is the comparator attached to property and mqtt triggers.
type TriggerStatement int

const (
	TriggerEquals TriggerStatement = iota
	TriggerAbove
	TriggerBelow
	TriggerBetween
	TriggerChanges
	TriggerUpdates
)

var triggerStatementNames = map[TriggerStatement]string{
	TriggerEquals:  "equals",
	TriggerAbove:   "above",
	TriggerBelow:   "below",
	TriggerBetween: "between",
	TriggerChanges: "changes",
	TriggerUpdates: "updates",
}

func (s TriggerStatement) String() string {
	return triggerStatementNames[s]
}

// TriggerStatements lists every statement in serialization probe order.
var TriggerStatements = []TriggerStatement{
	TriggerEquals, TriggerAbove, TriggerBelow, TriggerBetween, TriggerChanges, TriggerUpdates,
}

// TriggerMeta carries the fields every trigger variant shares.
type TriggerMeta struct {
	Name   string
	Active bool
}

func (m *TriggerMeta) Common() *TriggerMeta {
	return m
}

// Trigger is the tagged variant over all trigger kinds.
type Trigger interface {
	Kind() TriggerKind
	Common() *TriggerMeta
}

// PropertyTrigger fires on device property transitions.
type PropertyTrigger struct {
	TriggerMeta
	Endpoint  string
	Property  string
	Statement TriggerStatement
	Value     any
	Force     bool
}

func (t *PropertyTrigger) Kind() TriggerKind { return TriggerProperty }

// Match reports whether the old→new transition fires this trigger.
func (t *PropertyTrigger) Match(oldValue, newValue any) bool {
	return MatchTransition(t.Statement, oldValue, newValue, t.Value, t.Force)
}

// MqttTrigger fires on raw topic payload transitions, optionally narrowed
// to a dot-path field of a JSON payload.
type MqttTrigger struct {
	TriggerMeta
	Topic     string
	Property  string // dot-path into the JSON payload; empty compares the whole payload, type-coerced
	Statement TriggerStatement
	Value     any
	Force     bool
}

func (t *MqttTrigger) Kind() TriggerKind { return TriggerMqtt }

// TelegramTrigger fires on an inbound chat message.
type TelegramTrigger struct {
	TriggerMeta
	Message     string
	DefaultChat int64
	Chats       []int64
}

func (t *TelegramTrigger) Kind() TriggerKind { return TriggerTelegram }

// Match compares the message case-insensitively and checks chat membership.
// An empty chat list admits only the configured default chat.
func (t *TelegramTrigger) Match(message string, chat int64) bool {
	if !strings.EqualFold(t.Message, message) {
		return false
	}

	if len(t.Chats) == 0 {
		return chat == t.DefaultChat
	}

	for _, allowed := range t.Chats {
		if chat == allowed {
			return true
		}
	}
	return false
}

// TimeTrigger fires when the wall clock reaches a time-of-day spec.
type TimeTrigger struct {
	TriggerMeta
	Spec string // "HH:MM", "sunrise±N" or "sunset±N"
}

func (t *TimeTrigger) Kind() TriggerKind { return TriggerTime }

// IntervalTrigger fires every Interval minutes, phase-shifted by Offset
// minutes from midnight.
type IntervalTrigger struct {
	TriggerMeta
	Interval int
	Offset   int
}

func (t *IntervalTrigger) Kind() TriggerKind { return TriggerInterval }

// Match takes the current minute of the day.
func (t *IntervalTrigger) Match(minuteOfDay int) bool {
	if t.Interval <= 0 {
		return false
	}
	return minuteOfDay >= t.Offset && (minuteOfDay-t.Offset)%t.Interval == 0
}

// StartupTrigger fires once, after the initial subscription batch settles.
type StartupTrigger struct {
	TriggerMeta
}

func (t *StartupTrigger) Kind() TriggerKind { return TriggerStartup }

// MatchTransition decides whether an observed old→new value transition
// fires a trigger with the given statement, threshold and force flag.
func MatchTransition(statement TriggerStatement, oldValue, newValue, value any, force bool) bool {
	if statement == TriggerEquals {
		if _, isBool := newValue.(bool); isBool {
			if word, isString := value.(string); isString {
				check := CoerceBool(word)
				return !Equal(oldValue, check) && Equal(newValue, check)
			}
		}
	}

	switch statement {
	case TriggerEquals:
		return !Equal(oldValue, value) && Equal(newValue, value)

	case TriggerAbove:
		threshold, _ := Number(value)
		current, _ := Number(newValue)
		if current < threshold {
			return false
		}
		if force {
			return !Equal(oldValue, newValue)
		}
		previous, known := Number(oldValue)
		return oldValue == nil || !known || previous < threshold

	case TriggerBelow:
		threshold, _ := Number(value)
		current, _ := Number(newValue)
		if current > threshold {
			return false
		}
		if force {
			return !Equal(oldValue, newValue)
		}
		previous, known := Number(oldValue)
		return oldValue == nil || !known || previous > threshold

	case TriggerBetween:
		min, max, ok := pair(value)
		if !ok {
			return false
		}
		current, _ := Number(newValue)
		if current < min || current > max {
			return false
		}
		if force {
			return !Equal(oldValue, newValue)
		}
		previous, _ := Number(oldValue)
		return oldValue == nil || previous < min || previous > max

	case TriggerChanges:
		previous, _ := Number(oldValue)
		current, _ := Number(newValue)
		change, _ := Number(value)
		return previous != current && (current <= previous-change || current >= previous+change)

	case TriggerUpdates:
		return !Equal(oldValue, newValue)
	}

	return false
}
