package clump

import (
	"github.com/banshee-data/stormtrack/internal/grid"
)

// Box is an inclusive bounding box in grid cells.
type Box struct {
	MinX, MinY, MinZ int
	MaxX, MaxY, MaxZ int
}

// Dims returns the box extent along each axis.
func (b Box) Dims() (nx, ny, nz int) {
	return b.MaxX - b.MinX + 1, b.MaxY - b.MinY + 1, b.MaxZ - b.MinZ + 1
}

// Geometry is the read-only physical view of one clump: bounding box,
// point count, size, and runs relative to the box origin. Build it once
// with NewGeometry and do not mutate it.
type Geometry struct {
	Clump       Clump
	Grid        grid.Geometry
	Box         Box
	NPoints     int
	VolumeKm3   float64
	ProjAreaKm2 float64
	LocalRuns   []Run
}

// NewGeometry derives the geometry of c on grid g.
func NewGeometry(c Clump, g grid.Geometry) *Geometry {
	cg := &Geometry{Clump: c, Grid: g}
	if len(c.Runs) == 0 {
		return cg
	}

	b := Box{MinX: c.Runs[0].Start, MinY: c.Runs[0].Row, MinZ: c.Runs[0].Plane,
		MaxX: c.Runs[0].End(), MaxY: c.Runs[0].Row, MaxZ: c.Runs[0].Plane}
	for _, r := range c.Runs {
		b.MinX = min(b.MinX, r.Start)
		b.MaxX = max(b.MaxX, r.End())
		b.MinY = min(b.MinY, r.Row)
		b.MaxY = max(b.MaxY, r.Row)
		b.MinZ = min(b.MinZ, r.Plane)
		b.MaxZ = max(b.MaxZ, r.Plane)
	}
	cg.Box = b

	nx, ny, _ := b.Dims()
	footprint := grid.NewDense2[bool](nx, ny)
	cg.LocalRuns = make([]Run, len(c.Runs))
	for i, r := range c.Runs {
		cg.NPoints += r.Len
		cg.VolumeKm3 += float64(r.Len) * g.CellVolumeKm3(r.Row)
		cg.LocalRuns[i] = Run{Plane: r.Plane - b.MinZ, Row: r.Row - b.MinY, Start: r.Start - b.MinX, Len: r.Len}
		for x := r.Start; x <= r.End(); x++ {
			footprint.Set(x-b.MinX, r.Row-b.MinY, true)
		}
	}
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			if footprint.At(x, y) {
				cg.ProjAreaKm2 += g.CellAreaKm2(y + b.MinY)
			}
		}
	}
	return cg
}

// Mask returns the clump's cells as a box-local 3-D mask.
func (cg *Geometry) Mask() *grid.Dense3[bool] {
	nx, ny, nz := cg.Box.Dims()
	m := grid.NewDense3[bool](nx, ny, nz)
	for _, r := range cg.LocalRuns {
		for x := r.Start; x <= r.End(); x++ {
			m.Set(x, r.Row, r.Plane, true)
		}
	}
	return m
}

// EachCell calls fn with the global coordinates of every clump cell.
func (cg *Geometry) EachCell(fn func(x, y, z int)) {
	for _, r := range cg.Clump.Runs {
		for x := r.Start; x <= r.End(); x++ {
			fn(x, r.Row, r.Plane)
		}
	}
}

// fromMask relabels a box-local mask and returns geometries in global
// coordinates.
func fromMask(mask *grid.Dense3[bool], origin Box, g grid.Geometry, minOverlap int) []*Geometry {
	local := Label(FindMaskRuns(mask), minOverlap)
	out := make([]*Geometry, 0, len(local))
	for _, c := range local {
		for i := range c.Runs {
			c.Runs[i].Plane += origin.MinZ
			c.Runs[i].Row += origin.MinY
			c.Runs[i].Start += origin.MinX
		}
		out = append(out, NewGeometry(c, g))
	}
	return out
}

// Splitter re-partitions an over-merged clump. Implementations return the
// input geometry unchanged when no split applies.
type Splitter interface {
	Split(cg *Geometry, f grid.Field) []*Geometry
}
