package clump

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/stormtrack/internal/grid"
)

const missing = -999

func newVolume(nx, ny, nz int) *grid.Volume {
	g := grid.Geometry{NX: nx, NY: ny, NZ: nz, DX: 1, DY: 1, DZ: 1, Proj: grid.ProjFlat}
	return grid.NewVolume(g, time.Unix(1_700_000_000, 0), missing)
}

// paint sets every cell in rows of the given plane from a picture; '.'
// leaves the cell missing, digits map to value = digit*10.
func paint(v *grid.Volume, z int, rows ...string) {
	for y, row := range rows {
		for x, ch := range row {
			if ch >= '0' && ch <= '9' {
				v.Set(x, y, z, float32(ch-'0')*10)
			}
		}
	}
}

func TestFindRuns_FullGridScenario(t *testing.T) {
	t.Parallel()

	v := newVolume(3, 3, 1)
	paint(v, 0, "555", "555", "555")

	runs := FindRuns(v, 40)
	require.Len(t, runs, 3)
	for y, r := range runs {
		assert.Equal(t, Run{Plane: 0, Row: y, Start: 0, Len: 3}, r)
	}

	clumps := Label(runs, 1)
	require.Len(t, clumps, 1)
	assert.Equal(t, 9, clumps[0].NPoints)
	assert.Equal(t, 1, clumps[0].ID)

	cg := NewGeometry(clumps[0], v.Geom)
	split := NewDualThreshold(DualThresholdParams{Threshold: 45, MinOverlap: 1}).Split(cg, v)
	require.Len(t, split, 1)
	assert.Same(t, cg, split[0])
}

func TestFindRuns_ThresholdAndMissing(t *testing.T) {
	t.Parallel()

	v := newVolume(6, 1, 1)
	paint(v, 0, "45.534")

	runs := FindRuns(v, 40)
	assert.Equal(t, []Run{
		{Row: 0, Start: 0, Len: 2},
		{Row: 0, Start: 3, Len: 1},
		{Row: 0, Start: 5, Len: 1},
	}, runs)
}

func TestLabel_EmptyAndSingle(t *testing.T) {
	t.Parallel()

	assert.Empty(t, Label(nil, 1))

	v := newVolume(4, 4, 2)
	assert.Empty(t, Label(FindRuns(v, 0), 1))

	v.Set(2, 3, 1, 50)
	clumps := Label(FindRuns(v, 40), 1)
	require.Len(t, clumps, 1)
	assert.Equal(t, 1, clumps[0].NPoints)
}

func TestLabel_OverlapRule(t *testing.T) {
	t.Parallel()

	diagonal := newVolume(4, 2, 1)
	paint(diagonal, 0,
		"55..",
		"..55",
	)
	gapped := newVolume(5, 2, 1)
	paint(gapped, 0,
		"55...",
		"...55",
	)
	wide := newVolume(4, 2, 1)
	paint(wide, 0,
		"555.",
		".555",
	)

	tests := []struct {
		name       string
		vol        *grid.Volume
		minOverlap int
		want       int
	}{
		{"diagonal touch needs zero overlap", diagonal, 1, 2},
		{"diagonal touch joins at zero", diagonal, 0, 1},
		{"one column gap rejected at zero", gapped, 0, 2},
		{"one column gap joins at minus one", gapped, -1, 1},
		{"two shared columns satisfy two", wide, 2, 1},
		{"two shared columns fail three", wide, 3, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Label(FindRuns(tt.vol, 40), tt.minOverlap)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestLabel_ConnectsPlanes(t *testing.T) {
	t.Parallel()

	v := newVolume(3, 3, 2)
	paint(v, 0, "5..", "...", "..5")
	paint(v, 1, "5..", "555", "..5")

	clumps := Label(FindRuns(v, 40), 1)
	require.Len(t, clumps, 1)
	assert.Equal(t, 7, clumps[0].NPoints)
}

func TestLabel_UnsortedInput(t *testing.T) {
	t.Parallel()

	runs := []Run{
		{Plane: 0, Row: 1, Start: 0, Len: 2},
		{Plane: 0, Row: 0, Start: 5, Len: 1},
		{Plane: 0, Row: 0, Start: 0, Len: 2},
	}
	clumps := Label(runs, 1)
	require.Len(t, clumps, 2)
	assert.Equal(t, 4, clumps[0].NPoints, "clump ids follow the first run in sorted order")
	assert.Equal(t, Run{Plane: 0, Row: 0, Start: 0, Len: 2}, clumps[0].Runs[0])
}

func TestLabel_EveryActiveCellInExactlyOneClump(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(7, 11))
	for trial := 0; trial < 25; trial++ {
		v := newVolume(12, 9, 3)
		for i := range v.Values {
			switch rng.IntN(4) {
			case 0:
				// leave missing
			default:
				v.Values[i] = float32(rng.IntN(70))
			}
		}
		const threshold = 35
		minOverlap := rng.IntN(4) - 1

		owner := map[[3]int]int{}
		for _, c := range Label(FindRuns(v, threshold), minOverlap) {
			n := 0
			for _, r := range c.Runs {
				for x := r.Start; x <= r.End(); x++ {
					key := [3]int{x, r.Row, r.Plane}
					_, dup := owner[key]
					require.False(t, dup, "cell %v in two clumps", key)
					owner[key] = c.ID
					val, ok := v.At(x, r.Row, r.Plane)
					require.True(t, ok)
					require.GreaterOrEqual(t, val, float32(threshold))
					n++
				}
			}
			assert.Equal(t, c.NPoints, n)
		}
		for z := 0; z < 3; z++ {
			for y := 0; y < 9; y++ {
				for x := 0; x < 12; x++ {
					if val, ok := v.At(x, y, z); ok && val >= threshold {
						_, found := owner[[3]int{x, y, z}]
						assert.True(t, found, "active cell (%d,%d,%d) unlabelled", x, y, z)
					}
				}
			}
		}
	}
}

func TestNewGeometry(t *testing.T) {
	t.Parallel()

	v := newVolume(6, 5, 2)
	v.Geom.DX, v.Geom.DY, v.Geom.DZ = 2, 1, 0.5
	paint(v, 0, "......", "..55..", "..555.")
	paint(v, 1, "......", "...5..")

	clumps := Label(FindRuns(v, 40), 1)
	require.Len(t, clumps, 1)
	cg := NewGeometry(clumps[0], v.Geom)

	assert.Equal(t, Box{MinX: 2, MinY: 1, MinZ: 0, MaxX: 4, MaxY: 2, MaxZ: 1}, cg.Box)
	assert.Equal(t, 6, cg.NPoints)
	assert.InDelta(t, 6*2*1*0.5, cg.VolumeKm3, 1e-9)
	assert.InDelta(t, 5*2*1, cg.ProjAreaKm2, 1e-9, "the raised cell sits over an existing column")
	assert.Contains(t, cg.LocalRuns, Run{Plane: 1, Row: 0, Start: 1, Len: 1})

	mask := cg.Mask()
	assert.True(t, mask.At(1, 0, 1))
	assert.False(t, mask.At(0, 0, 1))

	count := 0
	cg.EachCell(func(x, y, z int) {
		_, ok := v.At(x, y, z)
		assert.True(t, ok)
		count++
	})
	assert.Equal(t, 6, count)
}
