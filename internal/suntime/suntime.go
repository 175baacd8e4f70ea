// Package suntime computes local sunrise and sunset for a configured
// location and parses time-of-day specs that may be anchored to either,
// like "07:30", "sunrise+30" or "sunset-15".
package suntime

import (
	"strconv"
	"strings"
	"time"

	"github.com/nathan-osman/go-sunrise"
)

// MinutesPerDay is the modulus for minute-of-day arithmetic.
const MinutesPerDay = 24 * 60

// Sun holds the sun times for one calendar day at a fixed location.
// Update recomputes them; the controller calls it at startup and on every
// date change.
type Sun struct {
	latitude  float64
	longitude float64
	sunrise   time.Time
	sunset    time.Time
}

func New(latitude, longitude float64) *Sun {
	return &Sun{latitude: latitude, longitude: longitude}
}

// Update recomputes sunrise and sunset for the date of the given time,
// expressed in that time's location.
func (s *Sun) Update(date time.Time) {
	rise, set := sunrise.SunriseSunset(s.latitude, s.longitude, date.Year(), date.Month(), date.Day())
	s.sunrise = rise.In(date.Location())
	s.sunset = set.In(date.Location())
}

func (s *Sun) Sunrise() time.Time {
	return s.sunrise
}

func (s *Sun) Sunset() time.Time {
	return s.sunset
}

// SunriseMinute returns sunrise as minutes since local midnight.
func (s *Sun) SunriseMinute() int {
	return s.sunrise.Hour()*60 + s.sunrise.Minute()
}

// SunsetMinute returns sunset as minutes since local midnight.
func (s *Sun) SunsetMinute() int {
	return s.sunset.Hour()*60 + s.sunset.Minute()
}

// FromSpec resolves a time-of-day spec against this day's sun times.
func (s *Sun) FromSpec(spec string) (int, bool) {
	return ParseSpec(spec, s.SunriseMinute(), s.SunsetMinute())
}

// ParseSpec parses a time-of-day spec into minutes since midnight. Literal
// "HH:MM" values pass through; "sunrise" and "sunset" resolve against the
// supplied minutes and accept a signed minute offset suffix. The result is
// normalized into [0, MinutesPerDay).
func ParseSpec(spec string, sunriseMinute, sunsetMinute int) (int, bool) {
	spec = strings.TrimSpace(strings.ToLower(spec))

	switch {
	case strings.HasPrefix(spec, "sunrise"):
		offset, ok := parseOffset(strings.TrimPrefix(spec, "sunrise"))
		if !ok {
			return 0, false
		}
		return normalize(sunriseMinute + offset), true

	case strings.HasPrefix(spec, "sunset"):
		offset, ok := parseOffset(strings.TrimPrefix(spec, "sunset"))
		if !ok {
			return 0, false
		}
		return normalize(sunsetMinute + offset), true
	}

	parsed, err := time.Parse("15:04", spec)
	if err != nil {
		return 0, false
	}

	return parsed.Hour()*60 + parsed.Minute(), true
}

func parseOffset(suffix string) (int, bool) {
	suffix = strings.TrimSpace(suffix)
	if suffix == "" {
		return 0, true
	}

	offset, err := strconv.Atoi(suffix)
	if err != nil {
		return 0, false
	}

	return offset, true
}

func normalize(minute int) int {
	minute %= MinutesPerDay
	if minute < 0 {
		minute += MinutesPerDay
	}
	return minute
}
