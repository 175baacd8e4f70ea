package automation

import "testing"

func TestMatchTransition(t *testing.T) {
	tests := []struct {
		name      string
		statement TriggerStatement
		oldValue  any
		newValue  any
		value     any
		force     bool
		want      bool
	}{
		{"equals fires on transition", TriggerEquals, false, true, true, false, true},
		{"equals quiet when already equal", TriggerEquals, true, true, true, false, false},
		{"equals quiet on mismatch", TriggerEquals, false, false, true, false, false},
		{"equals numeric string meets number", TriggerEquals, "10", 20.0, 20.0, false, true},
		{"equals bool against truthy word", TriggerEquals, false, true, "occupied", false, true},
		{"equals bool against unknown word", TriggerEquals, true, false, "vacant", false, true},
		{"equals bool word quiet when unchanged", TriggerEquals, true, true, "on", false, false},

		{"above crosses threshold", TriggerAbove, 10.0, 25.0, 20.0, false, true},
		{"above stays above", TriggerAbove, 25.0, 30.0, 20.0, false, false},
		{"above from undefined", TriggerAbove, nil, 25.0, 20.0, false, true},
		{"above below threshold", TriggerAbove, 10.0, 15.0, 20.0, false, false},
		{"above exact threshold fires", TriggerAbove, 10.0, 20.0, 20.0, false, true},
		{"above force refires on any change", TriggerAbove, 25.0, 30.0, 20.0, true, true},
		{"above force quiet when unchanged", TriggerAbove, 30.0, 30.0, 20.0, true, false},

		{"below crosses threshold", TriggerBelow, 30.0, 15.0, 20.0, false, true},
		{"below stays below", TriggerBelow, 15.0, 10.0, 20.0, false, false},
		{"below from undefined", TriggerBelow, nil, 15.0, 20.0, false, true},

		{"between enters range", TriggerBetween, 5.0, 12.0, []any{10.0, 20.0}, false, true},
		{"between already inside", TriggerBetween, 12.0, 15.0, []any{10.0, 20.0}, false, false},
		{"between outside", TriggerBetween, 5.0, 25.0, []any{10.0, 20.0}, false, false},
		{"between reversed bounds", TriggerBetween, 5.0, 12.0, []any{20.0, 10.0}, false, true},
		{"between from undefined", TriggerBetween, nil, 15.0, []any{10.0, 20.0}, false, true},
		{"between force refires inside", TriggerBetween, 12.0, 15.0, []any{10.0, 20.0}, true, true},

		{"changes big enough delta", TriggerChanges, 20.0, 25.0, 5.0, false, true},
		{"changes small delta", TriggerChanges, 20.0, 23.0, 5.0, false, false},
		{"changes downward", TriggerChanges, 20.0, 14.0, 5.0, false, true},
		{"changes no delta", TriggerChanges, 20.0, 20.0, 5.0, false, false},

		{"updates on change", TriggerUpdates, "a", "b", nil, false, true},
		{"updates quiet when same", TriggerUpdates, "a", "a", nil, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MatchTransition(tt.statement, tt.oldValue, tt.newValue, tt.value, tt.force)
			if got != tt.want {
				t.Errorf("MatchTransition(%v, %v, %v, %v, force=%v) = %v, want %v",
					tt.statement, tt.oldValue, tt.newValue, tt.value, tt.force, got, tt.want)
			}
		})
	}
}

func TestTelegramTriggerMatch(t *testing.T) {
	trigger := &TelegramTrigger{Message: "Lights Off", DefaultChat: 100, Chats: nil}

	if !trigger.Match("lights off", 100) {
		t.Error("case-insensitive match against default chat failed")
	}
	if trigger.Match("lights off", 200) {
		t.Error("unlisted chat accepted with empty chat list")
	}

	trigger.Chats = []int64{200, 300}
	if trigger.Match("lights off", 100) {
		t.Error("default chat accepted although chat list is set")
	}
	if !trigger.Match("LIGHTS OFF", 300) {
		t.Error("listed chat rejected")
	}
	if trigger.Match("other", 300) {
		t.Error("different message matched")
	}
}

func TestIntervalTriggerMatch(t *testing.T) {
	trigger := &IntervalTrigger{Interval: 15, Offset: 3}

	for _, minute := range []int{3, 18, 33, 48, 63} {
		if !trigger.Match(minute) {
			t.Errorf("minute %d: expected fire", minute)
		}
	}
	for _, minute := range []int{0, 15, 30, 45, 60} {
		if trigger.Match(minute) {
			t.Errorf("minute %d: unexpected fire", minute)
		}
	}

	if (&IntervalTrigger{Interval: 0}).Match(10) {
		t.Error("zero interval fired")
	}
	if (&IntervalTrigger{Interval: 15, Offset: 3}).Match(2) {
		t.Error("fired before offset")
	}
}
