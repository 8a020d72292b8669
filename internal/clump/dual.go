package clump

import (
	"math/rand/v2"
	"slices"

	"github.com/banshee-data/stormtrack/internal/grid"
)

// DualThresholdParams configures the dual-threshold splitter. Areas are
// projected areas in km2; fractions are relative to the outer clump's
// projected area.
type DualThresholdParams struct {
	Threshold           float32
	MinFractionAllParts float64
	MinFractionEachPart float64
	MinAreaEachPart     float64
	MinOverlap          int
	Seed                uint64
}

// DualThreshold splits a clump by relabelling it at a stricter threshold
// and growing the qualifying fragments back out over the rest of the
// clump.
type DualThreshold struct {
	Params DualThresholdParams
}

// NewDualThreshold returns a dual-threshold splitter.
func NewDualThreshold(p DualThresholdParams) *DualThreshold {
	return &DualThreshold{Params: p}
}

type cell struct{ x, y, z int }

var (
	faceNeighbours = []cell{{-1, 0, 0}, {1, 0, 0}, {0, -1, 0}, {0, 1, 0}, {0, 0, -1}, {0, 0, 1}}
	allNeighbours  = func() []cell {
		var n []cell
		for dz := -1; dz <= 1; dz++ {
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if dx != 0 || dy != 0 || dz != 0 {
						n = append(n, cell{dx, dy, dz})
					}
				}
			}
		}
		return n
	}()
)

// Split implements Splitter. The returned geometries partition the input
// clump's cells exactly when more than one fragment qualifies.
func (d *DualThreshold) Split(cg *Geometry, f grid.Field) []*Geometry {
	p := d.Params
	unchanged := []*Geometry{cg}
	if cg.NPoints == 0 || cg.ProjAreaKm2 <= 0 {
		return unchanged
	}
	b := cg.Box
	nx, ny, nz := b.Dims()
	inClump := cg.Mask()

	value := func(c cell) float32 {
		v, _ := f.At(c.x+b.MinX, c.y+b.MinY, c.z+b.MinZ)
		return v
	}

	// Fragments at the fine threshold.
	fine := grid.NewDense3[bool](nx, ny, nz)
	for _, r := range cg.LocalRuns {
		for x := r.Start; x <= r.End(); x++ {
			if v, ok := f.At(x+b.MinX, r.Row+b.MinY, r.Plane+b.MinZ); ok && v >= p.Threshold {
				fine.Set(x, r.Row, r.Plane, true)
			}
		}
	}
	fragments := Label(FindMaskRuns(fine), p.MinOverlap)

	var qualifying []Clump
	var sumFraction float64
	for _, frag := range fragments {
		// Area is measured in global coordinates so lat/lon rows are sized correctly.
		global := frag
		global.Runs = shiftRuns(frag.Runs, b)
		area := NewGeometry(global, cg.Grid).ProjAreaKm2
		frac := area / cg.ProjAreaKm2
		if area >= p.MinAreaEachPart && frac >= p.MinFractionEachPart {
			qualifying = append(qualifying, frag)
			sumFraction += frac
		}
	}
	if len(qualifying) < 2 || sumFraction < p.MinFractionAllParts {
		return unchanged
	}

	// owner: 0 unclaimed clump cell, k > 0 fragment k, -1 outside clump.
	owner := grid.NewDense3[int](nx, ny, nz)
	sizes := make([]int, len(qualifying)+1)
	var unclaimed []cell
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				if !inClump.At(x, y, z) {
					owner.Set(x, y, z, -1)
				}
			}
		}
	}
	for k, frag := range qualifying {
		for _, r := range frag.Runs {
			for x := r.Start; x <= r.End(); x++ {
				owner.Set(x, r.Row, r.Plane, k+1)
			}
		}
		sizes[k+1] = frag.NPoints
	}
	for _, r := range cg.LocalRuns {
		for x := r.Start; x <= r.End(); x++ {
			if owner.At(x, r.Row, r.Plane) == 0 {
				unclaimed = append(unclaimed, cell{x, r.Row, r.Plane})
			}
		}
	}

	rng := rand.New(rand.NewPCG(p.Seed, uint64(cg.NPoints)))
	rng.Shuffle(len(unclaimed), func(i, j int) { unclaimed[i], unclaimed[j] = unclaimed[j], unclaimed[i] })

	grow := func(neighbours []cell) {
		for changed := true; changed && len(unclaimed) > 0; {
			changed = false
			remaining := unclaimed[:0]
			for _, c := range unclaimed {
				best, bestVal := 0, float32(0)
				for _, n := range neighbours {
					q := cell{c.x + n.x, c.y + n.y, c.z + n.z}
					if !owner.In(q.x, q.y, q.z) {
						continue
					}
					k := owner.At(q.x, q.y, q.z)
					if k <= 0 {
						continue
					}
					if v := value(q); best == 0 || v > bestVal {
						best, bestVal = k, v
					}
				}
				if best == 0 {
					remaining = append(remaining, c)
					continue
				}
				owner.Set(c.x, c.y, c.z, best)
				sizes[best]++
				changed = true
			}
			unclaimed = remaining
		}
	}
	grow(faceNeighbours)
	grow(allNeighbours)

	if len(unclaimed) > 0 {
		// Only reachable across negative-overlap gaps; keep the partition lossless.
		largest := 1
		for k := 2; k < len(sizes); k++ {
			if sizes[k] > sizes[largest] {
				largest = k
			}
		}
		for _, c := range unclaimed {
			owner.Set(c.x, c.y, c.z, largest)
		}
	}

	var out []*Geometry
	mask := grid.NewDense3[bool](nx, ny, nz)
	for k := 1; k <= len(qualifying); k++ {
		mask.Resize(nx, ny, nz)
		for z := 0; z < nz; z++ {
			for y := 0; y < ny; y++ {
				for x := 0; x < nx; x++ {
					if owner.At(x, y, z) == k {
						mask.Set(x, y, z, true)
					}
				}
			}
		}
		out = append(out, fromMask(mask, b, cg.Grid, p.MinOverlap)...)
	}
	return out
}

func shiftRuns(runs []Run, b Box) []Run {
	out := slices.Clone(runs)
	for i := range out {
		out[i].Plane += b.MinZ
		out[i].Row += b.MinY
		out[i].Start += b.MinX
	}
	return out
}
