package store

import (
	"strings"

	"github.com/google/uuid"

	"github.com/basket/homerules/internal/automation"
	"github.com/basket/homerules/internal/pattern"
)

const defaultShellTimeoutSeconds = 30

// Parser turns rule JSON (decoded into generic maps) into automation
// values. Items with missing required fields are dropped; malformed enum
// names drop the item or fall back per field. Every MQTT topic a rule
// references is reported through OnSubscription so the controller can
// subscribe lazily.
type Parser struct {
	TelegramChat   int64
	OnSubscription func(topic string)
}

// Parse builds an automation from its JSON object. A nil result means the
// data was incomplete: no name, no usable trigger or no usable action.
// When add is set (or the incoming UUID is empty) a fresh UUID is assigned.
func (p *Parser) Parse(obj map[string]any, add bool) *automation.Automation {
	id := strings.TrimSpace(str(obj, "uuid"))
	if add || id == "" {
		id = uuid.NewString()
	}

	a := &automation.Automation{
		UUID:          id,
		Name:          strings.TrimSpace(str(obj, "name")),
		Note:          str(obj, "note"),
		Active:        booleanDefault(obj, "active", true),
		Log:           boolean(obj, "log"),
		Mode:          parseMode(obj),
		Debounce:      int64(number(obj, "debounce")),
		LastTriggered: int64(number(obj, "lastTriggered")),
	}

	a.Triggers = p.parseTriggers(list(obj, "triggers"))
	a.Conditions = p.parseConditions(list(obj, "conditions"))

	seen := make(map[string]struct{})
	a.Actions = p.parseActions(list(obj, "actions"), nil, add, seen)

	if a.Name == "" || len(a.Triggers) == 0 || len(a.Actions.Items) == 0 {
		return nil
	}

	return a
}

// parseMode honours the legacy boolean "restart" field over the symbolic
// mode name; unknown names fall back to single.
func parseMode(obj map[string]any) automation.Mode {
	if boolean(obj, "restart") {
		return automation.ModeRestart
	}
	return automation.ParseMode(str(obj, "mode"))
}

func (p *Parser) parseTriggers(items []any) []automation.Trigger {
	var triggers []automation.Trigger

	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}

		kind, ok := automation.ParseTriggerKind(str(obj, "type"))
		if !ok {
			continue
		}

		var trigger automation.Trigger

		switch kind {
		case automation.TriggerProperty:
			endpoint := strings.TrimSpace(str(obj, "endpoint"))
			property := strings.TrimSpace(str(obj, "property"))
			if endpoint == "" || property == "" {
				continue
			}
			statement, value, ok := probeTriggerStatement(obj)
			if !ok {
				continue
			}
			trigger = &automation.PropertyTrigger{
				Endpoint:  endpoint,
				Property:  property,
				Statement: statement,
				Value:     value,
				Force:     boolean(obj, "force"),
			}

		case automation.TriggerMqtt:
			topic := strings.TrimSpace(str(obj, "topic"))
			if topic == "" || topic == "#" {
				continue
			}
			statement, value, ok := probeTriggerStatement(obj)
			if !ok {
				continue
			}
			trigger = &automation.MqttTrigger{
				Topic:     topic,
				Property:  strings.TrimSpace(str(obj, "property")),
				Statement: statement,
				Value:     value,
				Force:     boolean(obj, "force"),
			}
			p.subscribe(topic)

		case automation.TriggerTelegram:
			message := strings.TrimSpace(str(obj, "message"))
			if message == "" {
				continue
			}
			trigger = &automation.TelegramTrigger{
				Message:     message,
				DefaultChat: p.TelegramChat,
				Chats:       chatList(obj, "chats"),
			}

		case automation.TriggerTime:
			trigger = &automation.TimeTrigger{Spec: automation.String(obj["time"])}

		case automation.TriggerInterval:
			trigger = &automation.IntervalTrigger{
				Interval: int(number(obj, "interval")),
				Offset:   int(number(obj, "offset")),
			}

		case automation.TriggerStartup:
			trigger = &automation.StartupTrigger{}
		}

		if trigger == nil {
			continue
		}

		meta := trigger.Common()
		meta.Name = strings.TrimSpace(str(obj, "name"))
		meta.Active = booleanDefault(obj, "active", true)
		triggers = append(triggers, trigger)
	}

	return triggers
}

func (p *Parser) parseConditions(items []any) []automation.Condition {
	var conditions []automation.Condition

	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}

		kind, ok := automation.ParseConditionKind(str(obj, "type"))
		if !ok {
			continue
		}

		active := booleanDefault(obj, "active", true)
		var condition automation.Condition

		switch kind {
		case automation.ConditionProperty:
			endpoint := strings.TrimSpace(str(obj, "endpoint"))
			property := strings.TrimSpace(str(obj, "property"))
			if endpoint == "" || property == "" {
				continue
			}
			statement, value, ok := probeConditionStatement(obj)
			if !ok {
				continue
			}
			condition = &automation.PropertyCondition{
				Active: active, Endpoint: endpoint, Property: property,
				Statement: statement, Value: value,
			}
			p.scanPatterns(value)

		case automation.ConditionMqtt:
			topic := strings.TrimSpace(str(obj, "topic"))
			if topic == "" {
				continue
			}
			statement, value, ok := probeConditionStatement(obj)
			if !ok {
				continue
			}
			condition = &automation.MqttCondition{
				Active: active, Topic: topic,
				Property:  strings.TrimSpace(str(obj, "property")),
				Statement: statement, Value: value,
			}
			p.scanPatterns(value)
			p.subscribe(topic)

		case automation.ConditionState:
			name := strings.TrimSpace(str(obj, "name"))
			if name == "" {
				continue
			}
			statement, value, ok := probeConditionStatement(obj)
			if !ok {
				continue
			}
			condition = &automation.StateCondition{
				Active: active, Name: name, Statement: statement, Value: value,
			}
			p.scanPatterns(value)

		case automation.ConditionDate:
			statement, value, ok := probeConditionStatement(obj)
			if !ok {
				continue
			}
			condition = &automation.DateCondition{Active: active, Statement: statement, Value: value}

		case automation.ConditionTime:
			statement, value, ok := probeConditionStatement(obj)
			if !ok {
				continue
			}
			condition = &automation.TimeCondition{Active: active, Statement: statement, Value: value}

		case automation.ConditionWeek:
			days, ok := obj["days"]
			if !ok {
				continue
			}
			condition = &automation.WeekCondition{Active: active, Days: days}

		case automation.ConditionPattern:
			patternString := strings.TrimSpace(str(obj, "pattern"))
			if patternString == "" {
				continue
			}
			statement, value, ok := probeConditionStatement(obj)
			if !ok {
				continue
			}
			condition = &automation.PatternCondition{
				Active: active, Pattern: patternString, Statement: statement, Value: value,
			}
			p.scanPatterns(patternString)
			p.scanPatterns(value)

		case automation.ConditionAnd, automation.ConditionOr, automation.ConditionNot:
			condition = &automation.NestedCondition{
				Op:       kind,
				Children: p.parseConditions(list(obj, "conditions")),
			}
		}

		if condition != nil {
			conditions = append(conditions, condition)
		}
	}

	return conditions
}

func (p *Parser) parseActions(items []any, parent *automation.ActionList, add bool, seen map[string]struct{}) *automation.ActionList {
	result := &automation.ActionList{Parent: parent}

	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}

		kind, ok := automation.ParseActionKind(str(obj, "type"))
		if !ok {
			continue
		}

		id := strings.TrimSpace(str(obj, "uuid"))
		if _, dup := seen[id]; add || id == "" || dup {
			id = uuid.NewString()
		}
		seen[id] = struct{}{}

		var action automation.Action

		switch kind {
		case automation.ActionProperty:
			endpoint := strings.TrimSpace(str(obj, "endpoint"))
			property := strings.TrimSpace(str(obj, "property"))
			if endpoint == "" || property == "" {
				continue
			}
			statement, value, ok := probeActionStatement(obj)
			if !ok {
				continue
			}
			action = &automation.PropertyAction{
				Endpoint: endpoint, Property: property, Statement: statement, Value: value,
			}
			p.scanPatterns(value)

		case automation.ActionMqtt:
			topic := strings.TrimSpace(str(obj, "topic"))
			message := strings.TrimSpace(str(obj, "message"))
			if topic == "" || message == "" {
				continue
			}
			action = &automation.MqttAction{Topic: topic, Message: message, Retain: boolean(obj, "retain")}
			p.scanPatterns(message)

		case automation.ActionState:
			name := strings.TrimSpace(str(obj, "name"))
			if name == "" {
				continue
			}
			action = &automation.StateAction{Name: name, Value: obj["value"]}
			p.scanPatterns(obj["value"])

		case automation.ActionTelegram:
			message := strings.TrimSpace(str(obj, "message"))
			file := strings.TrimSpace(str(obj, "file"))
			if message == "" && file == "" {
				continue
			}
			action = &automation.TelegramAction{
				Message:  message,
				File:     file,
				Keyboard: strings.TrimSpace(str(obj, "keyboard")),
				Thread:   int64(number(obj, "thread")),
				Silent:   boolean(obj, "silent"),
				Remove:   boolean(obj, "remove"),
				Update:   boolean(obj, "update"),
				Chats:    chatList(obj, "chats"),
			}
			p.scanPatterns(message)

		case automation.ActionShell:
			command := strings.TrimSpace(str(obj, "command"))
			if command == "" {
				continue
			}
			timeout := int(number(obj, "timeout"))
			if timeout == 0 {
				timeout = defaultShellTimeoutSeconds
			}
			action = &automation.ShellAction{Command: command, Timeout: timeout}
			p.scanPatterns(command)

		case automation.ActionCondition:
			op, ok := automation.ParseConditionKind(str(obj, "conditionType"))
			if !ok || !op.Nested() {
				op = automation.ConditionAnd
			}
			conditionAction := &automation.ConditionAction{
				Op:         op,
				HideElse:   boolean(obj, "hideElse"),
				Conditions: p.parseConditions(list(obj, "conditions")),
			}
			conditionAction.Then = p.parseActions(list(obj, "then"), result, add, seen)
			conditionAction.Else = p.parseActions(list(obj, "else"), result, add, seen)
			action = conditionAction

		case automation.ActionDelay:
			value, ok := obj["delay"]
			if !ok {
				continue
			}
			action = &automation.DelayAction{Value: value}

		case automation.ActionExit:
			action = &automation.ExitAction{}
		}

		if action == nil {
			continue
		}

		meta := action.Common()
		meta.UUID = id
		meta.TriggerName = strings.TrimSpace(str(obj, "triggerName"))
		if kind == automation.ActionCondition {
			meta.Active = true
		} else {
			meta.Active = booleanDefault(obj, "active", true)
		}

		result.Items = append(result.Items, action)
	}

	return result
}

// scanPatterns reports the MQTT topics referenced by {{mqtt|…}}
// placeholders inside a rule string.
func (p *Parser) scanPatterns(value any) {
	s, ok := value.(string)
	if !ok {
		return
	}
	for _, topic := range pattern.Topics(s) {
		p.subscribe(topic)
	}
}

func (p *Parser) subscribe(topic string) {
	if p.OnSubscription != nil {
		p.OnSubscription(topic)
	}
}

// probeTriggerStatement finds the first statement enum name present as a
// JSON key and returns its value.
func probeTriggerStatement(obj map[string]any) (automation.TriggerStatement, any, bool) {
	for _, statement := range automation.TriggerStatements {
		if value, ok := obj[statement.String()]; ok {
			return statement, value, true
		}
	}
	return 0, nil, false
}

func probeConditionStatement(obj map[string]any) (automation.ConditionStatement, any, bool) {
	for _, statement := range automation.ConditionStatements {
		if value, ok := obj[statement.String()]; ok {
			return statement, value, true
		}
	}
	return 0, nil, false
}

func probeActionStatement(obj map[string]any) (automation.ActionStatement, any, bool) {
	for _, statement := range automation.ActionStatements {
		if value, ok := obj[statement.String()]; ok {
			return statement, value, true
		}
	}
	return 0, nil, false
}

func str(obj map[string]any, key string) string {
	value, _ := obj[key].(string)
	return value
}

func boolean(obj map[string]any, key string) bool {
	value, _ := obj[key].(bool)
	return value
}

func booleanDefault(obj map[string]any, key string, fallback bool) bool {
	value, ok := obj[key].(bool)
	if !ok {
		return fallback
	}
	return value
}

func number(obj map[string]any, key string) float64 {
	value, _ := automation.Number(obj[key])
	return value
}

func list(obj map[string]any, key string) []any {
	value, _ := obj[key].([]any)
	return value
}

func chatList(obj map[string]any, key string) []int64 {
	var chats []int64
	for _, item := range list(obj, key) {
		if chat, ok := automation.Number(item); ok {
			chats = append(chats, int64(chat))
		}
	}
	return chats
}
