package store

import (
	"github.com/basket/homerules/internal/automation"
)

// Serialize renders an automation back to its JSON object form. Optional
// fields are omitted when zero so a parse/serialize round trip is stable.
func Serialize(a *automation.Automation) map[string]any {
	obj := map[string]any{
		"mode":   a.Mode.String(),
		"uuid":   a.UUID,
		"name":   a.Name,
		"active": a.Active,
		"log":    a.Log,
	}

	if a.Note != "" {
		obj["note"] = a.Note
	}
	if a.Debounce != 0 {
		obj["debounce"] = a.Debounce
	}
	if a.LastTriggered != 0 {
		obj["lastTriggered"] = a.LastTriggered
	}

	if len(a.Triggers) > 0 {
		obj["triggers"] = serializeTriggers(a.Triggers)
	}
	if len(a.Conditions) > 0 {
		obj["conditions"] = serializeConditions(a.Conditions)
	}
	if a.Actions != nil && len(a.Actions.Items) > 0 {
		obj["actions"] = serializeActions(a.Actions)
	}

	return obj
}

func serializeTriggers(triggers []automation.Trigger) []any {
	items := make([]any, 0, len(triggers))

	for _, trigger := range triggers {
		meta := trigger.Common()
		item := map[string]any{
			"type":   trigger.Kind().String(),
			"active": meta.Active,
		}

		switch t := trigger.(type) {
		case *automation.PropertyTrigger:
			item["endpoint"] = t.Endpoint
			item["property"] = t.Property
			item[t.Statement.String()] = t.Value
			if t.Force {
				item["force"] = true
			}

		case *automation.MqttTrigger:
			item["topic"] = t.Topic
			item[t.Statement.String()] = t.Value
			if t.Property != "" {
				item["property"] = t.Property
			}
			if t.Force {
				item["force"] = true
			}

		case *automation.TelegramTrigger:
			item["message"] = t.Message
			if len(t.Chats) > 0 {
				item["chats"] = chatValues(t.Chats)
			}

		case *automation.TimeTrigger:
			item["time"] = t.Spec

		case *automation.IntervalTrigger:
			item["interval"] = t.Interval
			item["offset"] = t.Offset
		}

		if meta.Name != "" {
			item["name"] = meta.Name
		}

		items = append(items, item)
	}

	return items
}

func serializeConditions(conditions []automation.Condition) []any {
	items := make([]any, 0, len(conditions))

	for _, condition := range conditions {
		item := map[string]any{"type": condition.Kind().String()}
		nested := false

		switch c := condition.(type) {
		case *automation.PropertyCondition:
			item["endpoint"] = c.Endpoint
			item["property"] = c.Property
			item[c.Statement.String()] = c.Value

		case *automation.MqttCondition:
			item["topic"] = c.Topic
			item[c.Statement.String()] = c.Value
			if c.Property != "" {
				item["property"] = c.Property
			}

		case *automation.StateCondition:
			item["name"] = c.Name
			item[c.Statement.String()] = c.Value

		case *automation.DateCondition:
			item[c.Statement.String()] = c.Value

		case *automation.TimeCondition:
			item[c.Statement.String()] = c.Value

		case *automation.WeekCondition:
			item["days"] = c.Days

		case *automation.PatternCondition:
			item["pattern"] = c.Pattern
			item[c.Statement.String()] = c.Value

		case *automation.NestedCondition:
			item["conditions"] = serializeConditions(c.Children)
			nested = true
		}

		if !nested {
			item["active"] = condition.IsActive()
		}

		items = append(items, item)
	}

	return items
}

func serializeActions(actions *automation.ActionList) []any {
	items := make([]any, 0, len(actions.Items))

	for _, action := range actions.Items {
		meta := action.Common()
		item := map[string]any{
			"type": action.Kind().String(),
			"uuid": meta.UUID,
		}

		switch a := action.(type) {
		case *automation.PropertyAction:
			item["endpoint"] = a.Endpoint
			item["property"] = a.Property
			item[a.Statement.String()] = a.Value

		case *automation.MqttAction:
			item["topic"] = a.Topic
			item["message"] = a.Message
			item["retain"] = a.Retain

		case *automation.StateAction:
			item["name"] = a.Name
			if a.Value != nil {
				item["value"] = a.Value
			}

		case *automation.TelegramAction:
			if a.Message != "" {
				item["message"] = a.Message
			}
			if a.File != "" {
				item["file"] = a.File
			}
			if a.Keyboard != "" {
				item["keyboard"] = a.Keyboard
			}
			if a.Thread != 0 {
				item["thread"] = a.Thread
			}
			if a.Silent {
				item["silent"] = true
			}
			if a.Remove {
				item["remove"] = true
			}
			if a.Update {
				item["update"] = true
			}
			if len(a.Chats) > 0 {
				item["chats"] = chatValues(a.Chats)
			}

		case *automation.ShellAction:
			item["command"] = a.Command
			item["timeout"] = a.Timeout

		case *automation.ConditionAction:
			item["conditionType"] = a.Op.String()
			item["hideElse"] = a.HideElse
			item["conditions"] = serializeConditions(a.Conditions)
			item["then"] = serializeActions(a.Then)
			item["else"] = serializeActions(a.Else)

		case *automation.DelayAction:
			item["delay"] = a.Value
		}

		if meta.TriggerName != "" {
			item["triggerName"] = meta.TriggerName
		}
		if action.Kind() != automation.ActionCondition {
			item["active"] = meta.Active
		}

		items = append(items, item)
	}

	return items
}

func chatValues(chats []int64) []any {
	values := make([]any, 0, len(chats))
	for _, chat := range chats {
		values = append(values, chat)
	}
	return values
}
