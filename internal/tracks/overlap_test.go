package tracks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/stormtrack/internal/clump"
)

func TestFootprintMergesPlanes(t *testing.T) {
	runs := []clump.Run{
		{Plane: 0, Row: 2, Start: 0, Len: 3},
		{Plane: 1, Row: 2, Start: 2, Len: 4},
		{Plane: 1, Row: 2, Start: 9, Len: 1},
		{Plane: 0, Row: 1, Start: 5, Len: 2},
		{Plane: 2, Row: 1, Start: 7, Len: 1},
	}
	want := []Span{
		{Row: 1, Start: 5, Len: 3},
		{Row: 2, Start: 0, Len: 6},
		{Row: 2, Start: 9, Len: 1},
	}
	assert.Equal(t, want, Footprint(runs))
	assert.Empty(t, Footprint(nil))
}

func TestFootprintOverlapShiftsByForecast(t *testing.T) {
	prev := []Forecast{{Storm: storm(2, 2, 25, block(0, 0, 5, 5)...), DXKm: 10}}
	cur := []StormInfo{
		storm(2, 2, 25, block(0, 0, 5, 5)...),
		storm(12, 2, 25, block(10, 0, 5, 5)...),
	}
	got := FootprintOverlap{MinFraction: 0.3}.Find(flatGrid, prev, cur)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Cur)
	assert.InDelta(t, 25, got[0].AreaKm2, 1e-9)
	assert.InDelta(t, 2, got[0].Fraction, 1e-9)

	// A sliver below the fraction is not reported.
	cur = []StormInfo{storm(8, 2, 100, block(4, 0, 20, 5)...)}
	prev[0].DXKm = 0
	got = FootprintOverlap{MinFraction: 0.3}.Find(flatGrid, prev, cur)
	assert.Empty(t, got)

	assert.Empty(t, FootprintOverlap{}.Find(flatGrid, prev, cur))
}
