package clump

import (
	"math"

	"github.com/banshee-data/stormtrack/internal/grid"
)

// MorphologyParams configures the morphological splitter.
type MorphologyParams struct {
	ErosionThresholdKm float64
	ReflDivisor        float64 // dBZ per km of margin
	LowThreshold       float32
	MinOverlap         int
}

// Morphology splits clumps joined by narrow necks: it scores each column
// of the clump's composite by distance to the clump edge plus a
// reflectivity margin, erodes low-scoring cells, and relabels what is
// left.
type Morphology struct {
	Params MorphologyParams
}

// NewMorphology returns a morphological splitter.
func NewMorphology(p MorphologyParams) *Morphology {
	return &Morphology{Params: p}
}

var planeNeighbours = [4][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}}

// Split implements Splitter. An empty result means the clump eroded away
// completely.
func (m *Morphology) Split(cg *Geometry, f grid.Field) []*Geometry {
	p := m.Params
	if cg.NPoints == 0 {
		return nil
	}
	b := cg.Box
	nx, ny, nz := b.Dims()

	// Composite over the clump's cells only, padded by one background cell.
	comp := grid.NewPadded[float32](nx, ny, 1)
	active := grid.NewPadded[bool](nx, ny, 1)
	for _, r := range cg.LocalRuns {
		for x := r.Start; x <= r.End(); x++ {
			v, ok := f.At(x+b.MinX, r.Row+b.MinY, r.Plane+b.MinZ)
			if !ok {
				continue
			}
			if !active.At(x, r.Row) || v > comp.At(x, r.Row) {
				comp.Set(x, r.Row, v)
				active.Set(x, r.Row, true)
			}
		}
	}

	dxKm, dyKm := cg.Grid.CellSizeKm((b.MinY + b.MaxY) / 2)
	edm := distanceMap(active, dxKm, dyKm)

	divisor := p.ReflDivisor
	if divisor <= 0 {
		divisor = 1
	}
	score := grid.NewPadded[float64](nx, ny, 1)
	maxScore := 0.0
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			if !active.At(x, y) {
				continue
			}
			margin := math.Max(0, float64(comp.At(x, y)-p.LowThreshold)/divisor)
			s := edm.At(x, y) + margin
			score.Set(x, y, s)
			maxScore = math.Max(maxScore, s)
		}
	}

	floor := math.Min(p.ErosionThresholdKm, math.Sqrt(cg.ProjAreaKm2)/2)
	step := math.Min(dxKm, dyKm)
	if step <= 0 {
		step = 1
	}

	labels := growCores(active, score, maxScore, floor, step)
	keep := stripBridges(labels, nx, ny)

	// Carve the 2-D mask back into the clump: a cell survives when its
	// column survived. For a single plane this is the 2-D mask itself.
	mask := grid.NewDense3[bool](nx, ny, nz)
	for _, r := range cg.LocalRuns {
		for x := r.Start; x <= r.End(); x++ {
			if keep.At(x, r.Row) {
				mask.Set(x, r.Row, r.Plane, true)
			}
		}
	}
	return fromMask(mask, b, cg.Grid, p.MinOverlap)
}

// growCores labels cells with score >= floor by lowering a cutoff from
// maxScore to floor in step increments. At each cutoff existing cores
// grow breadth-first into newly admitted cells, a cell touching two
// different cores becomes a barrier (-1), and admitted cells out of reach
// of any core seed new cores. Cells left at 0 are eroded.
func growCores(active *grid.Padded[bool], score *grid.Padded[float64], maxScore, floor, step float64) *grid.Padded[int] {
	nx, ny := active.Dims()
	labels := grid.NewPadded[int](nx, ny, 1)
	if maxScore < floor {
		return labels
	}

	admitted := func(x, y int, cutoff float64) bool {
		return active.At(x, y) && labels.At(x, y) == 0 && score.At(x, y) >= cutoff
	}

	next := 0
	var queue [][2]int
	for cutoff := maxScore; ; cutoff -= step {
		if cutoff < floor {
			cutoff = floor
		}

		queue = queue[:0]
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				if labels.At(x, y) > 0 {
					queue = append(queue, [2]int{x, y})
				}
			}
		}
		for len(queue) > 0 {
			c := queue[0]
			queue = queue[1:]
			for _, n := range planeNeighbours {
				qx, qy := c[0]+n[0], c[1]+n[1]
				if !admitted(qx, qy, cutoff) {
					continue
				}
				lbl := touchingCore(labels, qx, qy)
				labels.Set(qx, qy, lbl)
				if lbl > 0 {
					queue = append(queue, [2]int{qx, qy})
				}
			}
		}

		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				if !admitted(x, y, cutoff) {
					continue
				}
				next++
				labels.Set(x, y, next)
				seed := [][2]int{{x, y}}
				for len(seed) > 0 {
					c := seed[len(seed)-1]
					seed = seed[:len(seed)-1]
					for _, n := range planeNeighbours {
						qx, qy := c[0]+n[0], c[1]+n[1]
						if admitted(qx, qy, cutoff) {
							labels.Set(qx, qy, next)
							seed = append(seed, [2]int{qx, qy})
						}
					}
				}
			}
		}

		if cutoff <= floor {
			return labels
		}
	}
}

// touchingCore returns the single core label adjacent to (x, y), or -1 if
// two different cores touch it.
func touchingCore(labels *grid.Padded[int], x, y int) int {
	found := 0
	for _, n := range planeNeighbours {
		l := labels.At(x+n[0], y+n[1])
		if l <= 0 {
			continue
		}
		if found != 0 && l != found {
			return -1
		}
		found = l
	}
	return found
}

// stripBridges keeps labelled cells, dropping any single-cell-wide bridge:
// a cell whose west and east neighbours, or north and south neighbours,
// are both eroded.
func stripBridges(labels *grid.Padded[int], nx, ny int) *grid.Padded[bool] {
	kept := func(x, y int) bool { return labels.At(x, y) > 0 }
	keep := grid.NewPadded[bool](nx, ny, 1)
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			if !kept(x, y) {
				continue
			}
			if !kept(x-1, y) && !kept(x+1, y) {
				continue
			}
			if !kept(x, y-1) && !kept(x, y+1) {
				continue
			}
			keep.Set(x, y, true)
		}
	}
	return keep
}
