package clump

import (
	"math"

	"github.com/banshee-data/stormtrack/internal/grid"
)

const edtInf = 1e20

// distanceMap returns, for every cell of the padded grid (border
// included), the Euclidean distance in km from the cell centre to the
// nearest inactive cell centre. Inactive cells read 0. The border must be
// inactive so every row holds a background cell.
//
// The transform is the exact separable squared-distance algorithm of
// Felzenszwalb and Huttenlocher, run along x with spacing dx and then
// along y with spacing dy.
func distanceMap(active *grid.Padded[bool], dx, dy float64) *grid.Padded[float64] {
	nx, ny := active.Dims()
	pad := active.Pad
	out := grid.NewPadded[float64](nx, ny, pad)
	w, h := nx+2*pad, ny+2*pad

	f := make([]float64, max(w, h))
	d := make([]float64, max(w, h))
	v := make([]int, max(w, h))
	z := make([]float64, max(w, h)+1)

	for y := -pad; y < ny+pad; y++ {
		for i := 0; i < w; i++ {
			if active.At(i-pad, y) {
				f[i] = edtInf
			} else {
				f[i] = 0
			}
		}
		transform1D(f[:w], d[:w], v, z, dx)
		for i := 0; i < w; i++ {
			out.Set(i-pad, y, d[i])
		}
	}
	for x := -pad; x < nx+pad; x++ {
		for j := 0; j < h; j++ {
			f[j] = out.At(x, j-pad)
		}
		transform1D(f[:h], d[:h], v, z, dy)
		for j := 0; j < h; j++ {
			out.Set(x, j-pad, math.Sqrt(d[j]))
		}
	}
	return out
}

// transform1D computes d[p] = min_q ((p-q)*step)^2 + f[q] using the lower
// envelope of parabolas. v and z are scratch buffers of length >= n and
// n+1.
func transform1D(f, d []float64, v []int, z []float64, step float64) {
	n := len(f)
	if n == 0 {
		return
	}
	pos := func(i int) float64 { return float64(i) * step }
	k := 0
	v[0] = 0
	z[0] = -math.MaxFloat64
	z[1] = math.MaxFloat64
	for q := 1; q < n; q++ {
		s := intersect(f, q, v[k], pos)
		for s <= z[k] {
			k--
			s = intersect(f, q, v[k], pos)
		}
		k++
		v[k] = q
		z[k] = s
		z[k+1] = math.MaxFloat64
	}
	k = 0
	for q := 0; q < n; q++ {
		for z[k+1] < pos(q) {
			k++
		}
		dq := pos(q) - pos(v[k])
		d[q] = dq*dq + f[v[k]]
	}
}

func intersect(f []float64, q, r int, pos func(int) float64) float64 {
	return ((f[q] + pos(q)*pos(q)) - (f[r] + pos(r)*pos(r))) / (2 * (pos(q) - pos(r)))
}
