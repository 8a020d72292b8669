// Package testutil provides shared test fixtures: synthetic radar
// volumes and temporary archive paths.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/stormtrack/internal/grid"
)

// Missing is the missing-value sentinel used by fixture volumes.
const Missing float32 = -999

// Epoch is the time of scan 0 in fixture sequences.
var Epoch = time.Date(2024, 5, 17, 21, 0, 0, 0, time.UTC)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// FlatGrid returns a flat grid of 1 km cells with cell (0,0,0) at the
// origin and 1 km planes from 1 km up.
func FlatGrid(nx, ny, nz int) grid.Geometry {
	return grid.Geometry{
		NX: nx, NY: ny, NZ: nz,
		DX: 1, DY: 1, DZ: 1,
		MinZ:   1,
		UnitsX: "km", UnitsY: "km", UnitsZ: "km",
	}
}

// Blob describes a circular storm cell that fills planes [0, Top).
type Blob struct {
	X, Y   float64 // centre, grid coordinates
	Radius float64 // km
	Peak   float32 // dBZ at the centre
	Edge   float32 // dBZ at the radius
	Top    int
}

// Volume builds a volume at t with the given blobs over a background of
// `background` dBZ. Where blobs overlap the larger value wins.
func Volume(g grid.Geometry, t time.Time, background float32, blobs ...Blob) *grid.Volume {
	v := grid.NewVolume(g, t, Missing)
	for z := 0; z < g.NZ; z++ {
		for y := 0; y < g.NY; y++ {
			for x := 0; x < g.NX; x++ {
				v.Set(x, y, z, background)
			}
		}
	}
	for _, b := range blobs {
		top := b.Top
		if top <= 0 || top > g.NZ {
			top = g.NZ
		}
		for y := 0; y < g.NY; y++ {
			for x := 0; x < g.NX; x++ {
				d := g.DistanceKm(g.X(float64(x)), g.Y(float64(y)), g.X(b.X), g.Y(b.Y))
				if d > b.Radius {
					continue
				}
				val := b.Peak
				if b.Radius > 0 {
					val = b.Peak - float32(d/b.Radius)*(b.Peak-b.Edge)
				}
				for z := 0; z < top; z++ {
					if cur, _ := v.At(x, y, z); val > cur {
						v.Set(x, y, z, val)
					}
				}
			}
		}
	}
	return v
}

// Sequence returns n volumes spaced by step, with each blob moving by
// (vx, vy) grid cells per volume.
func Sequence(g grid.Geometry, n int, step time.Duration, vx, vy float64, blobs ...Blob) []*grid.Volume {
	out := make([]*grid.Volume, n)
	for i := 0; i < n; i++ {
		moved := make([]Blob, len(blobs))
		for k, b := range blobs {
			b.X += vx * float64(i)
			b.Y += vy * float64(i)
			moved[k] = b
		}
		out[i] = Volume(g, Epoch.Add(time.Duration(i)*step), 0, moved...)
	}
	return out
}

// ArchiveBase returns a base path for archives inside a fresh temp dir.
func ArchiveBase(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name)
}
