package suntime

import (
	"testing"
	"time"
)

func TestParseSpec(t *testing.T) {
	const (
		sunriseMinute = 6*60 + 30  // 06:30
		sunsetMinute  = 20*60 + 15 // 20:15
	)

	tests := []struct {
		spec string
		want int
		ok   bool
	}{
		{"07:30", 7*60 + 30, true},
		{"00:00", 0, true},
		{"23:59", 23*60 + 59, true},
		{"sunrise", sunriseMinute, true},
		{"sunset", sunsetMinute, true},
		{"sunrise+30", sunriseMinute + 30, true},
		{"sunrise-15", sunriseMinute - 15, true},
		{"sunset-60", sunsetMinute - 60, true},
		{"sunset+300", (sunsetMinute + 300) % MinutesPerDay, true},
		{" Sunrise + 10 ", 0, false}, // inner whitespace is not a valid offset
		{"SUNSET", sunsetMinute, true},
		{"25:00", 0, false},
		{"junk", 0, false},
		{"", 0, false},
		{"sunrise+abc", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, ok := ParseSpec(tt.spec, sunriseMinute, sunsetMinute)
			if ok != tt.ok || (ok && got != tt.want) {
				t.Errorf("ParseSpec(%q) = (%d, %v), want (%d, %v)", tt.spec, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestUpdateComputesDaylight(t *testing.T) {
	// Greenwich on the March equinox: sunrise and sunset straddle local noon.
	sun := New(51.48, 0)
	sun.Update(time.Date(2024, time.March, 20, 12, 0, 0, 0, time.UTC))

	if sun.Sunrise().IsZero() || sun.Sunset().IsZero() {
		t.Fatal("sun times not computed")
	}
	if !sun.Sunrise().Before(sun.Sunset()) {
		t.Errorf("sunrise %v not before sunset %v", sun.Sunrise(), sun.Sunset())
	}

	rise, set := sun.SunriseMinute(), sun.SunsetMinute()
	if rise < 5*60 || rise > 7*60+30 {
		t.Errorf("equinox sunrise minute %d outside expected window", rise)
	}
	if set < 17*60 || set > 19*60+30 {
		t.Errorf("equinox sunset minute %d outside expected window", set)
	}
}
