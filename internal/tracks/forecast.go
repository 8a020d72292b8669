package tracks

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/stormtrack/internal/grid"
)

// minHistoryForCircle is the history length from which a track's forecast
// circle limits its candidates.
const minHistoryForCircle = 5

// Velocity estimates a track's motion in km/h from up to n of its newest
// history points with a weighted least-squares fit, the newest point
// weighted heaviest. It reports false when fewer than two points at
// distinct times are available.
func Velocity(g grid.Geometry, hist []HistoryPoint, n int) (vx, vy float64, ok bool) {
	if n > len(hist) {
		n = len(hist)
	}
	if n < 2 {
		return 0, 0, false
	}
	newest := hist[0]
	ts := make([]float64, n)
	xs := make([]float64, n)
	ys := make([]float64, n)
	ws := make([]float64, n)
	for i := 0; i < n; i++ {
		p := hist[i]
		ts[i] = p.Time.Sub(newest.Time).Hours()
		xs[i], ys[i] = g.DeltaKm(newest.X, newest.Y, p.X, p.Y)
		ws[i] = float64(n - i)
	}
	if stat.Variance(ts, ws) <= 0 {
		return 0, 0, false
	}
	_, vx = stat.LinearRegression(ts, xs, ws, false)
	_, vy = stat.LinearRegression(ts, ys, ws, false)
	if math.IsNaN(vx) || math.IsNaN(vy) {
		return 0, 0, false
	}
	return vx, vy, true
}

// forecastCircle reports whether a candidate at (x, y) lies inside the
// circle centred on the dead-reckoned position of a storm at (x0, y0)
// moving by (dxKm, dyKm). The radius is the forecast displacement, never
// smaller than one grid cell.
func forecastCircle(g grid.Geometry, x0, y0, dxKm, dyKm, x, y float64) bool {
	fx, fy := g.Displace(x0, y0, dxKm, dyKm)
	radius := math.Max(math.Hypot(dxKm, dyKm), g.MinSpacingKm())
	return g.DistanceKm(fx, fy, x, y) <= radius
}
