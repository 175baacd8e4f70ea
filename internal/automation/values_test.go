package automation

import "testing"

func TestCoerce(t *testing.T) {
	tests := []struct {
		input string
		want  any
	}{
		{"true", true},
		{"false", false},
		{"42", 42.0},
		{"-3.5", -3.5},
		{"on", "on"},
		{"", ""},
		{"12abc", "12abc"},
	}

	for _, tt := range tests {
		if got := Coerce(tt.input); got != tt.want {
			t.Errorf("Coerce(%q) = %v (%T), want %v (%T)", tt.input, got, got, tt.want, tt.want)
		}
	}
}

func TestEqual(t *testing.T) {
	tests := []struct {
		a, b any
		want bool
	}{
		{nil, nil, true},
		{nil, "x", false},
		{true, true, true},
		{true, false, false},
		{20.0, "20", true},
		{20.0, "20.0", true},
		{"on", "on", true},
		{"on", "off", false},
		{1.0, true, true}, // both convert numerically
	}

	for _, tt := range tests {
		if got := Equal(tt.a, tt.b); got != tt.want {
			t.Errorf("Equal(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		value any
		want  string
	}{
		{nil, ""},
		{"x", "x"},
		{true, "true"},
		{false, "false"},
		{1.5, "1.5"},
		{20.0, "20"},
		{[]any{1.0, "a", true}, "1,a,true"},
	}

	for _, tt := range tests {
		if got := String(tt.value); got != tt.want {
			t.Errorf("String(%v) = %q, want %q", tt.value, got, tt.want)
		}
	}
}

func TestPropertyActionApply(t *testing.T) {
	tests := []struct {
		name      string
		statement ActionStatement
		oldValue  any
		operand   any
		want      any
	}{
		{"set", SetValue, 10.0, 50.0, 50.0},
		{"increase", Increase, 10.0, 5.0, 15.0},
		{"decrease", Decrease, 10.0, 5.0, 5.0},
		{"increase numeric strings", Increase, "10", "5", 15.0},
		{"increase unknown current counts as zero", Increase, nil, 10.0, 10.0},
		{"decrease unknown current counts as zero", Decrease, nil, 10.0, -10.0},
		{"decrease non-numeric current keeps sign", Decrease, "low", 5.0, -5.0},
		{"increase non-numeric operand falls back", Increase, 10.0, "high", "high"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action := &PropertyAction{Statement: tt.statement}
			if got := action.Apply(tt.oldValue, tt.operand); got != tt.want {
				t.Errorf("Apply(%v, %v) = %v, want %v", tt.oldValue, tt.operand, got, tt.want)
			}
		})
	}
}

func TestDebounced(t *testing.T) {
	a := &Automation{Debounce: 5000, LastTriggered: 10_000}

	if !a.Debounced(12_000) {
		t.Error("firing inside the window not debounced")
	}
	if a.Debounced(15_000) {
		t.Error("firing at the window edge debounced")
	}

	a.Debounce = 0
	if a.Debounced(10_001) {
		t.Error("zero debounce suppressed a firing")
	}
}
