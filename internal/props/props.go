// Package props computes the descriptive record stored with each storm.
// The record is opaque to the archive; the tracker reads the position and
// size fields back through Decode.
package props

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/stormtrack/internal/clump"
	"github.com/banshee-data/stormtrack/internal/config"
	"github.com/banshee-data/stormtrack/internal/grid"
)

// ErrAboveHighThreshold is returned for clumps containing a value above
// the configured high threshold; such clumps are not stored.
var ErrAboveHighThreshold = errors.New("props: clump exceeds high threshold")

// Context carries everything property computation needs beyond the clump
// itself. Build one per scan with NewContext and treat it as immutable.
type Context struct {
	ScanTime        time.Time
	Grid            grid.Geometry
	LowThreshold    float64
	HighThreshold   float64
	HailThreshold   float64
	ZRCoeff         float64
	ZRExpon         float64
	ZMCoeff         float64
	ZMExpon         float64
	FreezingLevelKm float64
	HistInterval    float64
}

// NewContext builds the per-scan context.
func NewContext(p config.PropsParams, id config.IdentifyParams, g grid.Geometry, t time.Time) *Context {
	return &Context{
		ScanTime:        t,
		Grid:            g,
		LowThreshold:    id.LowThreshold,
		HighThreshold:   id.HighThreshold,
		HailThreshold:   p.HailDBZThreshold,
		ZRCoeff:         p.ZRCoeff,
		ZRExpon:         p.ZRExpon,
		ZMCoeff:         p.ZMCoeff,
		ZMExpon:         p.ZMExpon,
		FreezingLevelKm: p.FreezingLevelKm,
		HistInterval:    p.DBZHistInterval,
	}
}

// Props is the property record of one storm. Positions are in grid
// coordinates (km for flat grids, degrees for lat/lon grids).
type Props struct {
	CentroidX     float64   `json:"centroid_x"`
	CentroidY     float64   `json:"centroid_y"`
	CentroidZ     float64   `json:"centroid_z"` // km
	ReflCentroidX float64   `json:"refl_centroid_x"`
	ReflCentroidY float64   `json:"refl_centroid_y"`
	TopKm         float64   `json:"top_km"`
	BaseKm        float64   `json:"base_km"`
	VolumeKm3     float64   `json:"volume_km3"`
	AreaKm2       float64   `json:"area_km2"`
	MaxDBZ        float64   `json:"max_dbz"`
	MeanDBZ       float64   `json:"mean_dbz"`
	HtMaxDBZKm    float64   `json:"ht_max_dbz_km"`
	MassKt        float64   `json:"mass_kt"`
	VolAboveFrzKm float64   `json:"vol_above_frz_km3"`
	PrecipFlux    float64   `json:"precip_flux_m3s"`
	HailPresent   bool      `json:"hail_present"`
	MeanVelocity  float64   `json:"mean_velocity"`
	MajorRadiusKm float64   `json:"major_radius_km"`
	MinorRadiusKm float64   `json:"minor_radius_km"`
	OrientDeg     float64   `json:"orientation_deg"` // major axis, degrees clockwise from north
	DBZHist       []float64 `json:"dbz_hist"`        // percent of volume per interval from the low threshold
}

// Computer derives a property record for one clump.
type Computer interface {
	Compute(ctx *Context, cg *clump.Geometry, v *grid.Volume) (Props, error)
}

// Standard is the default Computer.
type Standard struct{}

// Compute implements Computer.
func (Standard) Compute(ctx *Context, cg *clump.Geometry, v *grid.Volume) (Props, error) {
	if cg.NPoints == 0 {
		return Props{}, fmt.Errorf("props: empty clump")
	}
	g := ctx.Grid
	nHist := 1
	if ctx.HistInterval > 0 && ctx.HighThreshold > ctx.LowThreshold {
		nHist = int((ctx.HighThreshold-ctx.LowThreshold)/ctx.HistInterval) + 1
	}

	var (
		p                     Props
		sumW, sumX, sumY      float64
		sumZ                  float64
		sumRefl, sumRX, sumRY float64
		sumDBZ, sumVel        float64
		nVel                  int
		hist                  = make([]float64, nHist)
		colMax                = map[[2]int]float64{}
	)
	p.MaxDBZ = math.Inf(-1)
	p.BaseKm = math.Inf(1)
	p.TopKm = math.Inf(-1)

	var err error
	cg.EachCell(func(x, y, z int) {
		if err != nil {
			return
		}
		val, ok := v.At(x, y, z)
		if !ok {
			return
		}
		dbz := float64(val)
		if dbz > ctx.HighThreshold {
			err = fmt.Errorf("%w: %.1f dBZ at (%d,%d,%d)", ErrAboveHighThreshold, dbz, x, y, z)
			return
		}
		rDBZ := dbz
		if dbz > ctx.HailThreshold {
			rDBZ = ctx.HailThreshold
			p.HailPresent = true
		}
		cellVol := g.CellVolumeKm3(y)
		refl := math.Pow(10, rDBZ/10)
		height := g.Z(float64(z))

		sumW += cellVol
		sumX += cellVol * g.X(float64(x))
		sumY += cellVol * g.Y(float64(y))
		sumZ += cellVol * height
		sumRefl += refl * cellVol
		sumRX += refl * cellVol * g.X(float64(x))
		sumRY += refl * cellVol * g.Y(float64(y))
		sumDBZ += dbz * cellVol

		if dbz > p.MaxDBZ {
			p.MaxDBZ = dbz
			p.HtMaxDBZKm = height
		}
		p.BaseKm = math.Min(p.BaseKm, height)
		p.TopKm = math.Max(p.TopKm, height)
		if height >= ctx.FreezingLevelKm {
			p.VolAboveFrzKm += cellVol
		}

		// Z = a M^b with M in g/m3; one km3 of 1 g/m3 is one kiloton.
		if ctx.ZMCoeff > 0 && ctx.ZMExpon > 0 {
			p.MassKt += math.Pow(refl/ctx.ZMCoeff, 1/ctx.ZMExpon) * cellVol
		}

		bin := 0
		if ctx.HistInterval > 0 {
			bin = int((dbz - ctx.LowThreshold) / ctx.HistInterval)
		}
		hist[max(0, min(bin, nHist-1))] += cellVol

		key := [2]int{x, y}
		if m, ok := colMax[key]; !ok || rDBZ > m {
			colMax[key] = rDBZ
		}

		if vel, ok := v.VelocityAt(x, y, z); ok {
			sumVel += float64(vel)
			nVel++
		}
	})
	if err != nil {
		return Props{}, err
	}
	if sumW == 0 {
		return Props{}, fmt.Errorf("props: clump has no valid cells")
	}

	p.VolumeKm3 = cg.VolumeKm3
	p.AreaKm2 = cg.ProjAreaKm2
	p.CentroidX = sumX / sumW
	p.CentroidY = sumY / sumW
	p.CentroidZ = sumZ / sumW
	p.ReflCentroidX = sumRX / sumRefl
	p.ReflCentroidY = sumRY / sumRefl
	p.MeanDBZ = sumDBZ / sumW
	if nVel > 0 {
		p.MeanVelocity = sumVel / float64(nVel)
	}

	// Precipitation flux from the column maximum, Z = a R^b with R in mm/h.
	if ctx.ZRCoeff > 0 && ctx.ZRExpon > 0 {
		for key, dbz := range colMax {
			rate := math.Pow(math.Pow(10, dbz/10)/ctx.ZRCoeff, 1/ctx.ZRExpon)
			p.PrecipFlux += rate / 1000 / 3600 * g.CellAreaKm2(key[1]) * 1e6
		}
	}

	total := floats.Sum(hist)
	if total > 0 {
		floats.Scale(100/total, hist)
	}
	p.DBZHist = hist

	p.MajorRadiusKm, p.MinorRadiusKm, p.OrientDeg = fitEllipse(g, colMax, p.CentroidX, p.CentroidY, p.AreaKm2)
	return p, nil
}

// fitEllipse fits an ellipse to the storm footprint from the covariance of
// its columns, scaled so the ellipse area equals the projected area.
// Footprints too small or too thin to define an ellipse get a circle of
// the same area with orientation 0.
func fitEllipse(g grid.Geometry, columns map[[2]int]float64, cx, cy, areaKm2 float64) (major, minor, orientDeg float64) {
	circle := math.Sqrt(areaKm2 / math.Pi)
	if len(columns) < 3 {
		return circle, circle, 0
	}
	xs := make([]float64, 0, len(columns))
	ys := make([]float64, 0, len(columns))
	for key := range columns {
		dx, dy := g.DeltaKm(cx, cy, g.X(float64(key[0])), g.Y(float64(key[1])))
		xs = append(xs, dx)
		ys = append(ys, dy)
	}
	sxx := stat.Covariance(xs, xs, nil)
	syy := stat.Covariance(ys, ys, nil)
	sxy := stat.Covariance(xs, ys, nil)

	var es mat.EigenSym
	if !es.Factorize(mat.NewSymDense(2, []float64{sxx, sxy, sxy, syy}), true) {
		return circle, circle, 0
	}
	vals := es.Values(nil) // ascending
	if vals[0] <= 1e-9 || vals[1] <= 1e-9 {
		return circle, circle, 0
	}
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	major, minor = math.Sqrt(vals[1]), math.Sqrt(vals[0])
	scale := math.Sqrt(areaKm2 / (math.Pi * major * minor))
	major *= scale
	minor *= scale

	vx, vy := vecs.At(0, 1), vecs.At(1, 1)
	orientDeg = math.Mod(math.Atan2(vx, vy)*180/math.Pi+360, 180)
	return major, minor, orientDeg
}
