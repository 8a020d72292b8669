// Package grid models the gridded radar volumes consumed by storm
// identification: geometry, projection helpers and the dense buffers the
// clumping and splitting code works in.
package grid

import (
	"errors"
	"fmt"
	"math"
)

// Projection identifies how the horizontal grid axes map to the earth.
type Projection uint8

const (
	// ProjFlat is a flat Cartesian grid with X/Y in km.
	ProjFlat Projection = iota
	// ProjLatLon is a regular lat/lon grid with X as longitude and Y as
	// latitude, both in degrees.
	ProjLatLon
)

func (p Projection) String() string {
	switch p {
	case ProjFlat:
		return "flat"
	case ProjLatLon:
		return "latlon"
	default:
		return fmt.Sprintf("Projection(%d)", uint8(p))
	}
}

// KmPerDeg is the length of one degree of latitude.
const KmPerDeg = 111.198

// Geometry describes a regular 3-D grid. X varies fastest in memory.
type Geometry struct {
	NX, NY, NZ       int
	DX, DY, DZ       float64 // DX/DY in km or degrees (see Proj), DZ in km
	MinX, MinY, MinZ float64 // centre of cell (0,0,0)
	Proj             Projection
	OriginLat        float64
	OriginLon        float64
	UnitsX           string
	UnitsY           string
	UnitsZ           string
}

// ErrBadGeometry is returned by Validate.
var ErrBadGeometry = errors.New("grid: bad geometry")

// Validate reports whether the geometry can hold data.
func (g Geometry) Validate() error {
	if g.NX <= 0 || g.NY <= 0 || g.NZ <= 0 {
		return fmt.Errorf("%w: dimensions %dx%dx%d", ErrBadGeometry, g.NX, g.NY, g.NZ)
	}
	if g.DX <= 0 || g.DY <= 0 {
		return fmt.Errorf("%w: spacing dx=%g dy=%g", ErrBadGeometry, g.DX, g.DY)
	}
	if g.NZ > 1 && g.DZ <= 0 {
		return fmt.Errorf("%w: dz=%g with %d planes", ErrBadGeometry, g.DZ, g.NZ)
	}
	if g.Proj != ProjFlat && g.Proj != ProjLatLon {
		return fmt.Errorf("%w: projection %v", ErrBadGeometry, g.Proj)
	}
	return nil
}

// NPlane is the number of cells in one horizontal plane.
func (g Geometry) NPlane() int { return g.NX * g.NY }

// NCells is the total number of cells.
func (g Geometry) NCells() int { return g.NX * g.NY * g.NZ }

// Index returns the flat offset of cell (x, y, z).
func (g Geometry) Index(x, y, z int) int { return (z*g.NY+y)*g.NX + x }

// X returns the coordinate of column x.
func (g Geometry) X(x float64) float64 { return g.MinX + x*g.DX }

// Y returns the coordinate of row y.
func (g Geometry) Y(y float64) float64 { return g.MinY + y*g.DY }

// Z returns the height of plane z in km.
func (g Geometry) Z(z float64) float64 { return g.MinZ + z*g.DZ }

// CellSizeKm returns the horizontal cell size at row y.
func (g Geometry) CellSizeKm(y int) (dxKm, dyKm float64) {
	if g.Proj == ProjFlat {
		return g.DX, g.DY
	}
	lat := g.Y(float64(y)) * math.Pi / 180
	return g.DX * KmPerDeg * math.Cos(lat), g.DY * KmPerDeg
}

// CellAreaKm2 returns the horizontal area of a cell at row y.
func (g Geometry) CellAreaKm2(y int) float64 {
	dx, dy := g.CellSizeKm(y)
	return dx * dy
}

// CellVolumeKm3 returns the volume of a cell at row y. Single-plane
// grids report a unit depth so volumes equal areas.
func (g Geometry) CellVolumeKm3(y int) float64 {
	dz := g.DZ
	if g.NZ == 1 || dz <= 0 {
		dz = 1
	}
	return g.CellAreaKm2(y) * dz
}

// MinSpacingKm is the smaller horizontal spacing at the grid origin row.
func (g Geometry) MinSpacingKm() float64 {
	dx, dy := g.CellSizeKm(g.NY / 2)
	return math.Min(dx, dy)
}

// DeltaKm returns the east and north displacement in km between two
// positions given in grid coordinates (km or degrees). Lat/lon grids use an
// equirectangular approximation at the mean latitude.
func (g Geometry) DeltaKm(x1, y1, x2, y2 float64) (dxKm, dyKm float64) {
	if g.Proj == ProjFlat {
		return x2 - x1, y2 - y1
	}
	meanLat := (y1 + y2) / 2 * math.Pi / 180
	return (x2 - x1) * KmPerDeg * math.Cos(meanLat), (y2 - y1) * KmPerDeg
}

// DistanceKm returns the equirectangular distance between two positions.
func (g Geometry) DistanceKm(x1, y1, x2, y2 float64) float64 {
	dx, dy := g.DeltaKm(x1, y1, x2, y2)
	return math.Hypot(dx, dy)
}

// Displace moves a position by a displacement in km.
func (g Geometry) Displace(x, y, dxKm, dyKm float64) (float64, float64) {
	if g.Proj == ProjFlat {
		return x + dxKm, y + dyKm
	}
	ny := y + dyKm/KmPerDeg
	meanLat := (y + ny) / 2 * math.Pi / 180
	c := math.Cos(meanLat)
	if c < 1e-6 {
		c = 1e-6
	}
	return x + dxKm/(KmPerDeg*c), ny
}
