// Package units converts storm motion and scan times for display.
// Track forecasts are stored in km/h.
package units

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Speed unit names accepted on the command line.
const (
	KMH = "kmh"
	MPS = "mps"
	MPH = "mph"
	KT  = "kt"
)

// ValidUnits lists every accepted speed unit.
var ValidUnits = []string{KMH, MPS, MPH, KT}

var perKmh = map[string]float64{
	KMH: 1,
	MPS: 1 / 3.6,
	MPH: 1 / 1.609344,
	KT:  1 / 1.852,
}

// IsValid reports whether unit is a known speed unit.
func IsValid(unit string) bool {
	_, ok := perKmh[unit]
	return ok
}

// ValidUnitsString returns the accepted units for error messages.
func ValidUnitsString() string { return strings.Join(ValidUnits, ", ") }

// ConvertSpeed converts a speed in km/h to unit. Unknown units return
// the input unchanged.
func ConvertSpeed(kmh float64, unit string) float64 {
	f, ok := perKmh[unit]
	if !ok {
		return kmh
	}
	return kmh * f
}

// Location resolves a tz database name; the empty string means UTC.
func Location(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}

// FormatTime renders t in loc for archive listings.
func FormatTime(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02 15:04:05 MST")
}

// Heading converts an eastward/northward velocity to degrees clockwise
// from north in [0, 360). A zero vector has heading 0.
func Heading(vx, vy float64) float64 {
	if vx == 0 && vy == 0 {
		return 0
	}
	h := math.Atan2(vx, vy) * 180 / math.Pi
	if h < 0 {
		h += 360
	}
	return h
}
