package props

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/stormtrack/internal/clump"
	"github.com/banshee-data/stormtrack/internal/config"
	"github.com/banshee-data/stormtrack/internal/grid"
)

func testContext(g grid.Geometry) *Context {
	return NewContext(config.DefaultParams().Props, config.DefaultParams().Identify, g, time.Unix(1_700_000_000, 0))
}

func block(t *testing.T, nx, ny, nz int, fill func(v *grid.Volume)) (*grid.Volume, *clump.Geometry) {
	t.Helper()
	g := grid.Geometry{NX: nx, NY: ny, NZ: nz, DX: 1, DY: 1, DZ: 1, MinZ: 1, Proj: grid.ProjFlat}
	v := grid.NewVolume(g, time.Unix(1_700_000_000, 0), -999)
	fill(v)
	clumps := clump.Label(clump.FindRuns(v, 35), 1)
	require.Len(t, clumps, 1)
	return v, clump.NewGeometry(clumps[0], g)
}

func TestStandard_Block(t *testing.T) {
	t.Parallel()

	v, cg := block(t, 10, 10, 3, func(v *grid.Volume) {
		for z := 0; z < 2; z++ {
			for y := 2; y < 6; y++ {
				for x := 3; x < 5; x++ {
					v.Set(x, y, z, 50)
				}
			}
		}
		v.Set(3, 2, 1, 60)
	})

	p, err := Standard{}.Compute(testContext(v.Geom), cg, v)
	require.NoError(t, err)

	assert.InDelta(t, 3.5, p.CentroidX, 1e-9)
	assert.InDelta(t, 3.5, p.CentroidY, 1e-9)
	assert.InDelta(t, 1.5, p.CentroidZ, 1e-9)
	assert.InDelta(t, 16, p.VolumeKm3, 1e-9)
	assert.InDelta(t, 8, p.AreaKm2, 1e-9)
	assert.Equal(t, 60.0, p.MaxDBZ)
	assert.Equal(t, 2.0, p.HtMaxDBZKm)
	assert.Equal(t, 1.0, p.BaseKm)
	assert.Equal(t, 2.0, p.TopKm)
	assert.True(t, p.HailPresent, "60 dBZ exceeds the default hail threshold")
	assert.Greater(t, p.MassKt, 0.0)
	assert.Greater(t, p.PrecipFlux, 0.0)
	assert.InDelta(t, 100, sum(p.DBZHist), 1e-9)

	// A 2x4 footprint is elongated north-south.
	assert.Greater(t, p.MajorRadiusKm, p.MinorRadiusKm)
	assert.InDelta(t, 0, math.Min(p.OrientDeg, 180-p.OrientDeg), 1e-6)
	assert.InDelta(t, p.AreaKm2, math.Pi*p.MajorRadiusKm*p.MinorRadiusKm, 1e-6)
}

func TestStandard_DegenerateFootprintIsCircle(t *testing.T) {
	t.Parallel()

	v, cg := block(t, 8, 3, 1, func(v *grid.Volume) {
		for x := 1; x < 6; x++ {
			v.Set(x, 1, 0, 40)
		}
	})
	p, err := Standard{}.Compute(testContext(v.Geom), cg, v)
	require.NoError(t, err)

	r := math.Sqrt(5 / math.Pi)
	assert.InDelta(t, r, p.MajorRadiusKm, 1e-9)
	assert.InDelta(t, r, p.MinorRadiusKm, 1e-9)
	assert.Equal(t, 0.0, p.OrientDeg)
}

func TestStandard_AboveHighThreshold(t *testing.T) {
	t.Parallel()

	v, cg := block(t, 4, 4, 1, func(v *grid.Volume) {
		v.Set(1, 1, 0, 40)
		v.Set(2, 1, 0, 95)
	})
	_, err := Standard{}.Compute(testContext(v.Geom), cg, v)
	assert.ErrorIs(t, err, ErrAboveHighThreshold)
}

func TestCodec_RoundTrip(t *testing.T) {
	t.Parallel()

	in := Props{
		CentroidX: 12.5, CentroidY: -3.25, VolumeKm3: 140, AreaKm2: 40,
		MaxDBZ: 57, HailPresent: true, OrientDeg: 33, DBZHist: []float64{50, 30, 20},
	}
	b, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(b)
	require.NoError(t, err)
	if diff := cmp.Diff(in, out, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_Garbage(t *testing.T) {
	t.Parallel()
	_, err := Decode([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}

func sum(xs []float64) float64 {
	s := 0.0
	for _, x := range xs {
		s += x
	}
	return s
}
