// Package clump partitions gridded reflectivity into storm clumps:
// run-length extraction, union-find labeling of touching runs, the
// per-clump geometry view, and the two sub-clump splitting strategies.
package clump

import (
	"github.com/banshee-data/stormtrack/internal/grid"
)

// Run is one maximal horizontal span of active cells in a single row.
type Run struct {
	Plane int
	Row   int
	Start int
	Len   int
}

// End returns the last column of the run (inclusive).
func (r Run) End() int { return r.Start + r.Len - 1 }

// FindRuns scans every row of every plane and emits one run per maximal
// span with value >= threshold. Missing cells are never active. Runs are
// ordered by plane, row and start column.
func FindRuns(f grid.Field, threshold float32) []Run {
	nx, ny, nz := f.Dims()
	var runs []Run
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			runs = appendRowRuns(runs, z, y, nx, func(x int) bool {
				v, ok := f.At(x, y, z)
				return ok && v >= threshold
			})
		}
	}
	return runs
}

// FindMaskRuns is FindRuns over a boolean mask.
func FindMaskRuns(m *grid.Dense3[bool]) []Run {
	nx, ny, nz := m.Dims()
	var runs []Run
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			runs = appendRowRuns(runs, z, y, nx, func(x int) bool { return m.At(x, y, z) })
		}
	}
	return runs
}

func appendRowRuns(runs []Run, z, y, nx int, active func(x int) bool) []Run {
	start := -1
	for x := 0; x < nx; x++ {
		if active(x) {
			if start < 0 {
				start = x
			}
			continue
		}
		if start >= 0 {
			runs = append(runs, Run{Plane: z, Row: y, Start: start, Len: x - start})
			start = -1
		}
	}
	if start >= 0 {
		runs = append(runs, Run{Plane: z, Row: y, Start: start, Len: nx - start})
	}
	return runs
}

// Overlaps reports whether two runs' column ranges satisfy the overlap
// rule. A positive minOverlap requires that many shared columns, zero
// accepts runs whose corners touch diagonally, and -n accepts a gap of up
// to n columns between them.
func Overlaps(a, b Run, minOverlap int) bool {
	lo := max(a.Start, b.Start)
	hi := min(a.End(), b.End())
	return hi-lo+1 >= minOverlap
}
