package tracks

import (
	"math"
	"sort"

	"github.com/banshee-data/stormtrack/internal/clump"
	"github.com/banshee-data/stormtrack/internal/grid"
)

// Forecast is a previous storm together with its expected displacement
// by the current scan.
type Forecast struct {
	Storm      StormInfo
	DXKm, DYKm float64
}

// Overlap is one pre-matched pair, indexed into the previous and current
// storm slices.
type Overlap struct {
	Prev, Cur int
	AreaKm2   float64
	Fraction  float64
}

// OverlapFinder seeds matches from footprint overlap ahead of the
// cost-based assignment.
type OverlapFinder interface {
	Find(g grid.Geometry, prev []Forecast, cur []StormInfo) []Overlap
}

// FootprintOverlap shifts each previous footprint by its forecast
// displacement and intersects it with each current footprint. A pair is
// reported when overlap/area1 + overlap/area2 reaches MinFraction.
type FootprintOverlap struct {
	MinFraction float64
}

// Find implements OverlapFinder.
func (f FootprintOverlap) Find(g grid.Geometry, prev []Forecast, cur []StormInfo) []Overlap {
	if f.MinFraction <= 0 {
		return nil
	}
	curRows := make([]map[int][]Span, len(cur))
	curArea := make([]float64, len(cur))
	for j, c := range cur {
		curRows[j] = make(map[int][]Span)
		for _, s := range c.Footprint {
			curRows[j][s.Row] = append(curRows[j][s.Row], s)
			curArea[j] += float64(s.Len) * g.CellAreaKm2(s.Row)
		}
	}

	var out []Overlap
	for i, p := range prev {
		var prevArea float64
		for _, s := range p.Storm.Footprint {
			prevArea += float64(s.Len) * g.CellAreaKm2(s.Row)
		}
		if prevArea <= 0 {
			continue
		}
		sx, sy := cellShift(g, p)
		for j := range cur {
			if curArea[j] <= 0 {
				continue
			}
			var ov float64
			for _, s := range p.Storm.Footprint {
				row := s.Row + sy
				for _, c := range curRows[j][row] {
					lo := max(s.Start+sx, c.Start)
					hi := min(s.End()+sx, c.End())
					if hi >= lo {
						ov += float64(hi-lo+1) * g.CellAreaKm2(row)
					}
				}
			}
			if ov <= 0 {
				continue
			}
			frac := ov/prevArea + ov/curArea[j]
			if frac >= f.MinFraction {
				out = append(out, Overlap{Prev: i, Cur: j, AreaKm2: ov, Fraction: frac})
			}
		}
	}
	return out
}

// cellShift converts a forecast displacement to whole grid cells.
func cellShift(g grid.Geometry, p Forecast) (int, int) {
	nx, ny := g.Displace(p.Storm.X, p.Storm.Y, p.DXKm, p.DYKm)
	return int(math.Round((nx - p.Storm.X) / g.DX)), int(math.Round((ny - p.Storm.Y) / g.DY))
}

// Footprint projects a storm's runs onto the horizontal plane.
func Footprint(runs []clump.Run) []Span {
	byRow := make(map[int][]Span)
	for _, r := range runs {
		byRow[r.Row] = append(byRow[r.Row], Span{Row: r.Row, Start: r.Start, Len: r.Len})
	}
	rows := make([]int, 0, len(byRow))
	for row := range byRow {
		rows = append(rows, row)
	}
	sort.Ints(rows)

	var out []Span
	for _, row := range rows {
		spans := byRow[row]
		sort.Slice(spans, func(a, b int) bool { return spans[a].Start < spans[b].Start })
		cur := spans[0]
		for _, s := range spans[1:] {
			if s.Start <= cur.End()+1 {
				if s.End() > cur.End() {
					cur.Len = s.End() - cur.Start + 1
				}
				continue
			}
			out = append(out, cur)
			cur = s
		}
		out = append(out, cur)
	}
	return out
}
