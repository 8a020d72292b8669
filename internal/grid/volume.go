package grid

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Field is a read-only 3-D scalar grid. The bool result is false for
// missing cells, which are never active at any threshold.
type Field interface {
	Dims() (nx, ny, nz int)
	At(x, y, z int) (float32, bool)
}

// Volume is one radar volume: reflectivity (dBZ) with an optional
// co-registered velocity grid of identical shape.
type Volume struct {
	Geom     Geometry
	Time     time.Time
	Values   []float32
	Velocity []float32 // optional; nil when unavailable
	Missing  float32

	// Planes outside [MinValidLayer, MaxValidLayer] read as missing.
	MinValidLayer int
	MaxValidLayer int
}

// ErrBadVolume marks a volume whose buffers do not match its geometry.
var ErrBadVolume = errors.New("grid: bad volume")

// NewVolume allocates a volume with every cell set to missing and all
// layers valid.
func NewVolume(g Geometry, t time.Time, missing float32) *Volume {
	v := &Volume{
		Geom:          g,
		Time:          t,
		Values:        make([]float32, g.NCells()),
		Missing:       missing,
		MinValidLayer: 0,
		MaxValidLayer: g.NZ - 1,
	}
	for i := range v.Values {
		v.Values[i] = missing
	}
	return v
}

// Validate checks buffer sizes and the valid layer range.
func (v *Volume) Validate() error {
	if err := v.Geom.Validate(); err != nil {
		return err
	}
	n := v.Geom.NCells()
	if len(v.Values) != n {
		return fmt.Errorf("%w: %d values for %d cells", ErrBadVolume, len(v.Values), n)
	}
	if v.Velocity != nil && len(v.Velocity) != n {
		return fmt.Errorf("%w: %d velocity values for %d cells", ErrBadVolume, len(v.Velocity), n)
	}
	if v.MinValidLayer < 0 || v.MaxValidLayer >= v.Geom.NZ || v.MinValidLayer > v.MaxValidLayer {
		return fmt.Errorf("%w: valid layers [%d, %d] with %d planes", ErrBadVolume, v.MinValidLayer, v.MaxValidLayer, v.Geom.NZ)
	}
	if v.Time.IsZero() {
		return fmt.Errorf("%w: zero timestamp", ErrBadVolume)
	}
	return nil
}

// Dims implements Field.
func (v *Volume) Dims() (int, int, int) { return v.Geom.NX, v.Geom.NY, v.Geom.NZ }

// At implements Field.
func (v *Volume) At(x, y, z int) (float32, bool) {
	if z < v.MinValidLayer || z > v.MaxValidLayer {
		return 0, false
	}
	val := v.Values[v.Geom.Index(x, y, z)]
	if val == v.Missing || math.IsNaN(float64(val)) {
		return 0, false
	}
	return val, true
}

// Set stores a value at (x, y, z).
func (v *Volume) Set(x, y, z int, val float32) {
	v.Values[v.Geom.Index(x, y, z)] = val
}

// VelocityAt returns the velocity at (x, y, z) if a velocity grid is
// present and the cell is not missing.
func (v *Volume) VelocityAt(x, y, z int) (float32, bool) {
	if v.Velocity == nil || z < v.MinValidLayer || z > v.MaxValidLayer {
		return 0, false
	}
	val := v.Velocity[v.Geom.Index(x, y, z)]
	if val == v.Missing || math.IsNaN(float64(val)) {
		return 0, false
	}
	return val, true
}

// ValidLayers returns the inclusive valid plane range.
func (v *Volume) ValidLayers() (lo, hi int) { return v.MinValidLayer, v.MaxValidLayer }

// Composite returns the column maximum over valid layers as a
// single-plane field.
func (v *Volume) Composite() *Composite {
	g := v.Geom
	c := &Composite{nx: g.NX, ny: g.NY, values: NewDense2[float32](g.NX, g.NY), valid: NewDense2[bool](g.NX, g.NY)}
	for y := 0; y < g.NY; y++ {
		for x := 0; x < g.NX; x++ {
			for z := v.MinValidLayer; z <= v.MaxValidLayer; z++ {
				val, ok := v.At(x, y, z)
				if !ok {
					continue
				}
				if !c.valid.At(x, y) || val > c.values.At(x, y) {
					c.values.Set(x, y, val)
					c.valid.Set(x, y, true)
				}
			}
		}
	}
	return c
}

// Composite is a max-over-planes view of a volume.
type Composite struct {
	nx, ny int
	values *Dense2[float32]
	valid  *Dense2[bool]
}

// Dims implements Field with a single plane.
func (c *Composite) Dims() (int, int, int) { return c.nx, c.ny, 1 }

// At implements Field; z must be 0.
func (c *Composite) At(x, y, z int) (float32, bool) {
	if z != 0 {
		return 0, false
	}
	if !c.valid.At(x, y) {
		return 0, false
	}
	return c.values.At(x, y), true
}
