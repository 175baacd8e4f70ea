package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/basket/homerules/internal/automation"
	"github.com/basket/homerules/internal/bus"
)

func ruleJSON(t *testing.T, raw string) map[string]any {
	t.Helper()
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		t.Fatalf("bad fixture: %v", err)
	}
	return obj
}

const sampleRule = `{
	"uuid": "aaaa-bbbb",
	"name": "night light",
	"note": "hallway",
	"active": true,
	"log": false,
	"mode": "restart",
	"debounce": 5000,
	"triggers": [
		{"type": "property", "endpoint": "zigbee/motion", "property": "occupancy", "equals": true, "name": "motion"},
		{"type": "mqtt", "topic": "external/feed", "property": "v", "above": 10},
		{"type": "time", "time": "sunset+30"},
		{"type": "interval", "interval": 15, "offset": 3},
		{"type": "startup"}
	],
	"conditions": [
		{"type": "time", "between": ["22:00", "06:00"], "active": true},
		{"type": "NOT", "conditions": [
			{"type": "state", "name": "vacation", "equals": true, "active": true}
		]}
	],
	"actions": [
		{"type": "property", "uuid": "act-1", "endpoint": "zigbee/lamp", "property": "state", "value": "on", "active": true},
		{"type": "condition", "uuid": "act-2", "conditionType": "AND", "hideElse": false,
			"conditions": [{"type": "week", "days": [6, 7], "active": true}],
			"then": [{"type": "mqtt", "uuid": "act-3", "topic": "t", "message": "weekend", "retain": false, "active": true}],
			"else": [{"type": "delay", "uuid": "act-4", "delay": 10, "active": true}]},
		{"type": "telegram", "uuid": "act-5", "message": "lights on", "silent": true, "active": true},
		{"type": "shell", "uuid": "act-6", "command": "echo hi", "timeout": 5, "active": true},
		{"type": "exit", "uuid": "act-7", "active": true}
	]
}`

func TestParseCompleteRule(t *testing.T) {
	parser := &Parser{TelegramChat: 42}
	a := parser.Parse(ruleJSON(t, sampleRule), false)
	if a == nil {
		t.Fatal("valid rule rejected")
	}

	if a.UUID != "aaaa-bbbb" || a.Name != "night light" || a.Mode != automation.ModeRestart {
		t.Errorf("header fields: %+v", a)
	}
	if a.Debounce != 5000 {
		t.Errorf("debounce = %d", a.Debounce)
	}
	if len(a.Triggers) != 5 {
		t.Fatalf("triggers = %d, want 5", len(a.Triggers))
	}
	if len(a.Conditions) != 2 {
		t.Fatalf("conditions = %d, want 2", len(a.Conditions))
	}
	if len(a.Actions.Items) != 5 {
		t.Fatalf("actions = %d, want 5", len(a.Actions.Items))
	}

	property := a.Triggers[0].(*automation.PropertyTrigger)
	if property.Statement != automation.TriggerEquals || property.Value != true || property.Name != "motion" {
		t.Errorf("property trigger: %+v", property)
	}

	nested := a.Conditions[1].(*automation.NestedCondition)
	if nested.Op != automation.ConditionNot || len(nested.Children) != 1 {
		t.Errorf("nested condition: %+v", nested)
	}

	conditionAction := a.Actions.Items[1].(*automation.ConditionAction)
	if conditionAction.Then.Parent != a.Actions || conditionAction.Else.Parent != a.Actions {
		t.Error("branch lists not linked to their parent")
	}
	if !conditionAction.Active {
		t.Error("condition action must always be active")
	}

	shell := a.Actions.Items[3].(*automation.ShellAction)
	if shell.Timeout != 5 {
		t.Errorf("shell timeout = %d", shell.Timeout)
	}
}

func TestParseRejectsIncompleteRules(t *testing.T) {
	parser := &Parser{}

	tests := []struct {
		name string
		raw  string
	}{
		{"missing name", `{"triggers": [{"type": "startup"}], "actions": [{"type": "exit"}]}`},
		{"no triggers", `{"name": "x", "actions": [{"type": "exit"}]}`},
		{"no actions", `{"name": "x", "triggers": [{"type": "startup"}]}`},
		{"triggers all invalid", `{"name": "x",
			"triggers": [{"type": "property", "endpoint": "", "property": "p", "equals": 1}],
			"actions": [{"type": "exit"}]}`},
		{"wildcard mqtt topic", `{"name": "x",
			"triggers": [{"type": "mqtt", "topic": "#", "equals": 1}],
			"actions": [{"type": "exit"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if a := parser.Parse(ruleJSON(t, tt.raw), false); a != nil {
				t.Errorf("incomplete rule accepted: %+v", a)
			}
		})
	}
}

func TestParseAssignsUUIDs(t *testing.T) {
	parser := &Parser{}

	raw := `{"name": "x", "triggers": [{"type": "startup"}],
		"actions": [
			{"type": "exit", "uuid": "dup"},
			{"type": "exit", "uuid": "dup"},
			{"type": "exit"}
		]}`

	a := parser.Parse(ruleJSON(t, raw), false)
	if a == nil {
		t.Fatal("rule rejected")
	}

	seen := make(map[string]bool)
	for _, action := range a.Actions.Items {
		id := action.Common().UUID
		if id == "" || seen[id] {
			t.Errorf("duplicate or empty action uuid %q", id)
		}
		seen[id] = true
	}
	if a.Actions.Items[0].Common().UUID != "dup" {
		t.Error("first occurrence should keep its uuid")
	}

	// An add-parse reassigns the automation UUID too.
	added := parser.Parse(ruleJSON(t, `{"uuid": "keep", "name": "x",
		"triggers": [{"type": "startup"}], "actions": [{"type": "exit"}]}`), true)
	if added.UUID == "keep" || added.UUID == "" {
		t.Errorf("add-parse uuid = %q", added.UUID)
	}
}

func TestParseEmitsSubscriptions(t *testing.T) {
	var topics []string
	parser := &Parser{OnSubscription: func(topic string) { topics = append(topics, topic) }}

	raw := `{"name": "x",
		"triggers": [{"type": "mqtt", "topic": "feed/a", "updates": true}],
		"conditions": [{"type": "mqtt", "topic": "feed/b", "equals": 1}],
		"actions": [{"type": "mqtt", "topic": "out", "message": "v={{mqtt|feed/c|x}}"}]}`

	if parser.Parse(ruleJSON(t, raw), false) == nil {
		t.Fatal("rule rejected")
	}

	want := []string{"feed/a", "feed/b", "feed/c"}
	if !reflect.DeepEqual(topics, want) {
		t.Errorf("subscriptions = %v, want %v", topics, want)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	parser := &Parser{TelegramChat: 42}

	first := parser.Parse(ruleJSON(t, sampleRule), false)
	if first == nil {
		t.Fatal("rule rejected")
	}

	serialized := Serialize(first)
	second := parser.Parse(serialized, false)
	if second == nil {
		t.Fatal("serialized rule rejected on re-parse")
	}

	if !reflect.DeepEqual(normalize(t, Serialize(second)), normalize(t, serialized)) {
		t.Errorf("round trip diverged:\nfirst:  %v\nsecond: %v", serialized, Serialize(second))
	}
}

// normalize pushes a serialized rule through JSON so numeric types compare
// by value rather than by Go type.
func normalize(t *testing.T, obj map[string]any) map[string]any {
	t.Helper()
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(Config{
		Path:       filepath.Join(t.TempDir(), "database.json"),
		WriteDelay: 50 * time.Millisecond,
		Version:    "1.0.0",
		Bus:        bus.New(nil),
	})
}

func TestStoreLoadSaveCycle(t *testing.T) {
	s := newTestStore(t)

	a := s.Parse(ruleJSON(t, sampleRule), false)
	if a == nil {
		t.Fatal("rule rejected")
	}
	s.Append(a)
	s.SetState("mode", "home")
	s.SetMessage("act-5", 42, 1001)
	s.SetMessage("unknown-action", 42, 1002)

	s.mu.Lock()
	s.durable = true
	s.mu.Unlock()
	s.Flush()

	reloaded := New(Config{Path: s.path, Version: "1.0.0"})
	if err := reloaded.Load(); err != nil {
		t.Fatal(err)
	}

	if got, _ := reloaded.ByUUID("aaaa-bbbb"); got == nil || got.Name != "night light" {
		t.Fatalf("reloaded automation missing: %v", got)
	}
	if value, ok := reloaded.State("mode"); !ok || value != "home" {
		t.Errorf("state = %v, %v", value, ok)
	}
	if id, ok := reloaded.Message("act-5", 42); !ok || id != 1001 {
		t.Errorf("telegram message id = %v, %v", id, ok)
	}
	if _, ok := reloaded.Message("unknown-action", 42); ok {
		t.Error("stale message entry survived reload")
	}
}

func TestStoreDebouncedWrite(t *testing.T) {
	s := newTestStore(t)
	a := s.Parse(ruleJSON(t, sampleRule), false)
	s.Append(a)

	s.Schedule(true)
	s.Schedule(true) // coalesces into one write

	if _, err := os.Stat(s.path); !os.IsNotExist(err) {
		t.Fatal("file written before the debounce delay")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(s.path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("debounced write never happened")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStoreNonDurableFlushSkipsFile(t *testing.T) {
	s := newTestStore(t)
	s.Append(s.Parse(ruleJSON(t, sampleRule), false))

	statusSub := s.bus.Subscribe(bus.TopicStatusUpdated)
	s.Flush()

	select {
	case event := <-statusSub.Ch():
		status := event.Payload.(bus.StatusUpdatedEvent)
		var doc document
		if err := json.Unmarshal(status.Document, &doc); err != nil {
			t.Fatalf("status document invalid: %v", err)
		}
		if len(doc.Automations) != 1 || doc.Version != "1.0.0" {
			t.Errorf("status document: %+v", doc)
		}
		if doc.Messages != nil {
			t.Error("status document leaked the message map")
		}
	default:
		t.Fatal("no status event published")
	}

	if _, err := os.Stat(s.path); !os.IsNotExist(err) {
		t.Error("non-durable flush wrote the file")
	}
}

func TestSetStateChangeDetection(t *testing.T) {
	s := newTestStore(t)

	if !s.SetState("a", 1.0) {
		t.Error("first write reported unchanged")
	}
	if s.SetState("a", 1.0) {
		t.Error("identical write reported changed")
	}
	if !s.SetState("a", 2.0) {
		t.Error("update reported unchanged")
	}
	if !s.SetState("a", nil) {
		t.Error("delete reported unchanged")
	}
	if s.SetState("a", nil) {
		t.Error("deleting a missing entry reported changed")
	}
}

func TestStoreReplaceAndRemove(t *testing.T) {
	s := newTestStore(t)
	a := s.Parse(ruleJSON(t, sampleRule), false)
	s.Append(a)

	replacement := s.Parse(ruleJSON(t, `{"uuid": "aaaa-bbbb", "name": "renamed",
		"triggers": [{"type": "startup"}], "actions": [{"type": "exit"}]}`), false)

	_, index := s.ByUUID("aaaa-bbbb")
	s.ReplaceAt(index, replacement)

	if got := s.ByName("renamed"); got == nil {
		t.Fatal("replacement not visible")
	}

	s.RemoveAt(index)
	if got, _ := s.ByUUID("aaaa-bbbb"); got != nil {
		t.Error("automation survived removal")
	}
}
