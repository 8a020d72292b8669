package tracks

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/banshee-data/stormtrack/internal/config"
	"github.com/banshee-data/stormtrack/internal/monitoring"
)

// Tracker matches each new scan against the previous one and keeps the
// resulting lineage. It is not safe for concurrent use.
type Tracker struct {
	params  config.TrackingParams
	maxGap  time.Duration
	overlap OverlapFinder
	state   *State
	logf    func(format string, v ...interface{})
}

// NewTracker returns a tracker with empty state. A nil overlap finder
// disables overlap pre-matching.
func NewTracker(p config.TrackingParams, overlap OverlapFinder) *Tracker {
	return &Tracker{
		params:  p,
		maxGap:  p.GetMaxScanGap(),
		overlap: overlap,
		state:   NewState(),
		logf:    monitoring.Component("TrackMatcher"),
	}
}

// State returns the tracker's current state. Callers must not modify it.
func (t *Tracker) State() *State { return t.state }

// SetState replaces the tracker state, e.g. after replaying an archive.
func (t *Tracker) SetState(s *State) { t.state = s }

// Reset discards all lineage.
func (t *Tracker) Reset() { t.state = NewState() }

// match is one previous/current storm pairing.
type match struct {
	prev, cur int
	overlap   float64
	cost      float64
}

// Track matches scan against the previous scan and applies the result.
// On error the state is left unchanged.
func (t *Tracker) Track(scan *Scan) (*Update, error) {
	s := t.state
	if scan.Index != s.ScanIndex+1 {
		return nil, fmt.Errorf("tracker at scan %d cannot track scan %d", s.ScanIndex, scan.Index)
	}
	if s.ScanIndex >= 0 {
		dt := scan.Time.Sub(s.Time)
		if dt <= 0 || (t.maxGap > 0 && dt > t.maxGap) {
			t.logf("scan %d is %s after scan %d: restarting all tracks", scan.Index, dt, s.ScanIndex)
			return t.Restart(scan)
		}
	}

	b := newBuilder(s, scan, t.params)
	prevIDs := make([]int, len(s.Storms))
	for i, ps := range s.Storms {
		id, ok := s.Current[ps.StormIndex]
		if !ok {
			return nil, fmt.Errorf("%w: storm %d of scan %d has no track", ErrInconsistentLineage, ps.StormIndex, s.ScanIndex)
		}
		st, ok := s.Simples[id]
		if !ok {
			return nil, fmt.Errorf("%w: storm %d of scan %d names unknown simple track %d", ErrInconsistentLineage, ps.StormIndex, s.ScanIndex, id)
		}
		if err := s.checkLineage(st); err != nil {
			return nil, err
		}
		prevIDs[i] = id
	}

	matches := t.match(s, scan, prevIDs)
	matches = t.enforceCaps(matches)
	b.resolve(prevIDs, matches)

	u := b.finish(false)
	if err := s.Apply(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Restart ends every active track and starts a new track for every storm
// of scan. It is used after long gaps and to recover from inconsistent
// lineage.
func (t *Tracker) Restart(scan *Scan) (*Update, error) {
	s := t.state
	if scan.Index != s.ScanIndex+1 {
		return nil, fmt.Errorf("tracker at scan %d cannot track scan %d", s.ScanIndex, scan.Index)
	}
	b := newBuilder(s, scan, t.params)
	for j := range scan.Storms {
		b.start(j)
	}
	for _, st := range s.Active() {
		b.stop(st.ID)
	}
	u := b.finish(true)
	if err := s.Apply(u); err != nil {
		return nil, err
	}
	return u, nil
}

// match pairs previous and current storms: overlap seeds first, then the
// optimal assignment over the remaining feasible pairs.
func (t *Tracker) match(s *State, scan *Scan, prevIDs []int) []match {
	g := scan.Grid
	dtHours := scan.Time.Sub(s.Time).Hours()

	forecasts := make([]Forecast, len(s.Storms))
	histLen := make([]int, len(s.Storms))
	hasForecast := make([]bool, len(s.Storms))
	for i, ps := range s.Storms {
		st := s.Simples[prevIDs[i]]
		vx, vy, ok := Velocity(g, st.History, t.params.ForecastHistoryLen)
		forecasts[i] = Forecast{Storm: ps, DXKm: vx * dtHours, DYKm: vy * dtHours}
		hasForecast[i] = ok
		histLen[i] = len(st.History)
	}

	speedOK := func(i, j int) (float64, bool) {
		p, c := s.Storms[i], scan.Storms[j]
		d := g.DistanceKm(p.X, p.Y, c.X, c.Y)
		return d, d/dtHours <= t.params.MaxSpeed
	}

	var matches []match
	prevTaken := make([]bool, len(s.Storms))
	curTaken := make([]bool, len(scan.Storms))
	if t.overlap != nil && s.Grid == scan.Grid {
		for _, ov := range t.overlap.Find(g, forecasts, scan.Storms) {
			if _, ok := speedOK(ov.Prev, ov.Cur); !ok {
				continue
			}
			matches = append(matches, match{prev: ov.Prev, cur: ov.Cur, overlap: ov.AreaKm2})
			prevTaken[ov.Prev] = true
			curTaken[ov.Cur] = true
		}
	}

	var rows, cols []int
	for i := range s.Storms {
		if !prevTaken[i] {
			rows = append(rows, i)
		}
	}
	for j := range scan.Storms {
		if !curTaken[j] {
			cols = append(cols, j)
		}
	}
	if len(rows) == 0 || len(cols) == 0 {
		return matches
	}

	cost := make([][]float64, len(rows))
	for r, i := range rows {
		cost[r] = make([]float64, len(cols))
		p := s.Storms[i]
		for c, j := range cols {
			cur := scan.Storms[j]
			d, ok := speedOK(i, j)
			if ok && hasForecast[i] && histLen[i] >= minHistoryForCircle {
				f := forecasts[i]
				ok = forecastCircle(g, p.X, p.Y, f.DXKm, f.DYKm, cur.X, cur.Y)
			}
			if !ok {
				cost[r][c] = math.Inf(1)
				continue
			}
			cost[r][c] = pairCost(t.params, d, p.VolumeKm3, cur.VolumeKm3)
		}
	}
	for r, c := range hungarianAssign(cost) {
		if c >= 0 {
			matches = append(matches, match{prev: rows[r], cur: cols[c], cost: cost[r][c]})
		}
	}
	return matches
}

// pairCost is the assignment cost of a feasible pair. It is never
// negative.
func pairCost(p config.TrackingParams, distKm, vol1, vol2 float64) float64 {
	return p.WeightDistance*distKm + p.WeightDeltaCubeRootVolume*math.Abs(math.Cbrt(vol2)-math.Cbrt(vol1))
}

// enforceCaps drops the smallest-overlap match of any storm with too many
// parents or children until every storm is within its cap.
func (t *Tracker) enforceCaps(matches []match) []match {
	for {
		parents := make(map[int][]int)
		children := make(map[int][]int)
		for k, m := range matches {
			parents[m.cur] = append(parents[m.cur], k)
			children[m.prev] = append(children[m.prev], k)
		}
		victim := -1
		if k := overCap(parents, t.params.MaxParents, matches); k >= 0 {
			victim = k
		} else if k := overCap(children, t.params.MaxChildren, matches); k >= 0 {
			victim = k
		}
		if victim < 0 {
			return matches
		}
		m := matches[victim]
		t.logf("dropping match %d->%d to respect parent/child caps", m.prev, m.cur)
		matches = append(matches[:victim:victim], matches[victim+1:]...)
	}
}

// overCap returns the smallest-overlap match of the lowest-numbered storm
// exceeding limit, or -1.
func overCap(groups map[int][]int, limit int, matches []match) int {
	if limit <= 0 {
		return -1
	}
	keys := make([]int, 0, len(groups))
	for k, g := range groups {
		if len(g) > limit {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return -1
	}
	sort.Ints(keys)
	best := -1
	for _, k := range groups[keys[0]] {
		if best < 0 || matches[k].overlap < matches[best].overlap ||
			(matches[k].overlap == matches[best].overlap && matches[k].cost > matches[best].cost) {
			best = k
		}
	}
	return best
}
