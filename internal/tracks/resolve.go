package tracks

import (
	"sort"

	"github.com/banshee-data/stormtrack/internal/config"
	"github.com/banshee-data/stormtrack/internal/grid"
)

// builder assembles one scan's update on copies of the touched tracks so
// the state is only changed once the whole update is known.
type builder struct {
	state  *State
	scan   *Scan
	params config.TrackingParams

	simples   map[int]*SimpleTrack
	complexes map[int]*ComplexTrack
	retired   map[int]bool
	moved     map[int]int
	entries   []Entry

	nextSimple, nextComplex int
}

func newBuilder(s *State, scan *Scan, p config.TrackingParams) *builder {
	return &builder{
		state:       s,
		scan:        scan,
		params:      p,
		simples:     make(map[int]*SimpleTrack),
		complexes:   make(map[int]*ComplexTrack),
		retired:     make(map[int]bool),
		moved:       make(map[int]int),
		nextSimple:  s.NextSimpleID,
		nextComplex: s.NextComplexID,
	}
}

func (b *builder) historyCap() int {
	return max(b.params.ForecastHistoryLen, minHistoryForCircle)
}

// simple returns the working copy of a simple track.
func (b *builder) simple(id int) *SimpleTrack {
	if st, ok := b.simples[id]; ok {
		return st
	}
	st := b.state.Simples[id].clone()
	b.simples[id] = st
	return st
}

// complex returns the working copy of a complex track.
func (b *builder) complex(id int) *ComplexTrack {
	if c, ok := b.complexes[id]; ok {
		return c
	}
	c := b.state.Complexes[id].clone()
	b.complexes[id] = c
	return c
}

func (b *builder) point(j int) HistoryPoint {
	st := b.scan.Storms[j]
	return HistoryPoint{
		ScanIndex: b.scan.Index,
		Time:      b.scan.Time,
		X:         st.X,
		Y:         st.Y,
		VolumeKm3: st.VolumeKm3,
		AreaKm2:   st.AreaKm2,
	}
}

func (b *builder) withPoint(j int, hist []HistoryPoint) []HistoryPoint {
	out := make([]HistoryPoint, 0, len(hist)+1)
	out = append(out, b.point(j))
	out = append(out, hist...)
	if n := b.historyCap(); len(out) > n {
		out = out[:n]
	}
	return out
}

// start opens a new simple track in a new complex for current storm j.
func (b *builder) start(j int) {
	id, cid := b.nextSimple, b.nextComplex
	b.nextSimple++
	b.nextComplex++
	b.complexes[cid] = &ComplexTrack{ID: cid, Simples: []int{id}, StartScan: b.scan.Index, LastScan: b.scan.Index}
	b.simples[id] = &SimpleTrack{
		ID:         id,
		ComplexID:  cid,
		OriginScan: b.scan.Index,
		LastScan:   b.scan.Index,
		History:    b.withPoint(j, nil),
		StormIndex: j,
		Active:     true,
	}
	b.entries = append(b.entries, Entry{StormIndex: j, SimpleID: id, Event: EventStart})
}

// stop ends a simple track that has no successor.
func (b *builder) stop(id int) {
	st := b.simple(id)
	st.Active = false
	b.entries = append(b.entries, Entry{StormIndex: -1, SimpleID: id, Event: EventStop})
}

func (b *builder) continueTrack(id, j int) {
	st := b.simple(id)
	st.LastScan = b.scan.Index
	st.StormIndex = j
	st.History = b.withPoint(j, st.History)
	b.entries = append(b.entries, Entry{StormIndex: j, SimpleID: id, Event: EventContinue})
}

// resolve turns the surviving matches into track events.
func (b *builder) resolve(prevIDs []int, matches []match) {
	nPrev, nCur := len(b.state.Storms), len(b.scan.Storms)
	uf := newUnionFind(nPrev + nCur)
	curParents := make([][]int, nCur)
	prevChildren := make([][]int, nPrev)
	for _, m := range matches {
		uf.union(m.prev, nPrev+m.cur)
		curParents[m.cur] = append(curParents[m.cur], m.prev)
		prevChildren[m.prev] = append(prevChildren[m.prev], m.cur)
	}
	for _, l := range curParents {
		sort.Ints(l)
	}
	for _, l := range prevChildren {
		sort.Ints(l)
	}

	groups := make(map[int]*component)
	for i := 0; i < nPrev; i++ {
		if len(prevChildren[i]) > 0 {
			r := uf.find(i)
			if groups[r] == nil {
				groups[r] = &component{}
			}
			groups[r].prev = append(groups[r].prev, i)
		}
	}
	for j := 0; j < nCur; j++ {
		if len(curParents[j]) > 0 {
			r := uf.find(nPrev + j)
			groups[r].cur = append(groups[r].cur, j)
		}
	}

	done := make(map[int]bool)
	for j := 0; j < nCur; j++ {
		if len(curParents[j]) == 0 {
			b.start(j)
			continue
		}
		r := uf.find(nPrev + j)
		if done[r] {
			continue
		}
		done[r] = true
		c := groups[r]
		if len(c.prev) == 1 && len(c.cur) == 1 {
			b.continueTrack(prevIDs[c.prev[0]], j)
			continue
		}
		b.splitMerge(c, prevIDs, curParents, prevChildren)
	}
	for i := 0; i < nPrev; i++ {
		if len(prevChildren[i]) == 0 {
			b.stop(prevIDs[i])
		}
	}
}

type component struct {
	prev, cur []int
}

// splitMerge ends every parent track of a component and starts a new
// simple track per child, all in the lowest complex id involved.
func (b *builder) splitMerge(c *component, prevIDs []int, curParents, prevChildren [][]int) {
	event := EventSplit
	if len(c.prev) > 1 {
		event = EventMerge
	}

	var cids []int
	seen := make(map[int]bool)
	for _, i := range c.prev {
		cid := b.simple(prevIDs[i]).ComplexID
		if !seen[cid] {
			seen[cid] = true
			cids = append(cids, cid)
		}
	}
	sort.Ints(cids)
	target := b.complex(cids[0])
	for _, other := range cids[1:] {
		b.absorb(target, other)
	}

	newID := make(map[int]int, len(c.cur))
	for _, j := range c.cur {
		newID[j] = b.nextSimple
		b.nextSimple++
	}

	for _, j := range c.cur {
		var parents []int
		for _, i := range curParents[j] {
			parents = append(parents, prevIDs[i])
		}
		id := newID[j]
		target.Simples = append(target.Simples, id)
		b.simples[id] = &SimpleTrack{
			ID:         id,
			ComplexID:  target.ID,
			OriginScan: b.scan.Index,
			LastScan:   b.scan.Index,
			Parents:    parents,
			History:    b.withPoint(j, b.correctedHistory(j, curParents, prevChildren)),
			StormIndex: j,
			Active:     true,
		}
		b.entries = append(b.entries, Entry{StormIndex: j, SimpleID: id, Parents: parents, Event: event})
	}

	for _, i := range c.prev {
		st := b.simple(prevIDs[i])
		st.Active = false
		st.Children = st.Children[:0]
		for _, j := range prevChildren[i] {
			st.Children = append(st.Children, newID[j])
		}
		b.entries = append(b.entries, Entry{StormIndex: -1, SimpleID: st.ID, Children: append([]int(nil), st.Children...), Event: event})
	}
}

// absorb moves every member of complex other into target and retires
// other. Members that ended in earlier scans are no longer in the state,
// so their move is recorded for the archive and catalog.
func (b *builder) absorb(target *ComplexTrack, other int) {
	oc := b.complex(other)
	for _, id := range oc.Simples {
		target.Simples = append(target.Simples, id)
		if _, active := b.state.Simples[id]; active {
			b.simple(id).ComplexID = target.ID
		} else {
			b.moved[id] = target.ID
		}
	}
	target.StartScan = min(target.StartScan, oc.StartScan)
	delete(b.complexes, other)
	b.retired[other] = true
}

// correctedHistory derives the prior history of current storm j from its
// parents. Several parents are combined into one volume-weighted history
// (merger). When those parents also feed other storms, the history is
// shifted by j's offset from the volume-weighted centroid of all those
// storms and scaled by j's volume share (split). Both steps apply to a
// combined merger and split.
func (b *builder) correctedHistory(j int, curParents, prevChildren [][]int) []HistoryPoint {
	g := b.scan.Grid
	parents := curParents[j]

	hists := make([][]HistoryPoint, len(parents))
	weights := make([]float64, len(parents))
	for k, i := range parents {
		hists[k] = b.state.Simples[b.state.Current[b.state.Storms[i].StormIndex]].History
		weights[k] = b.state.Storms[i].VolumeKm3
	}
	hist := mergeHistories(hists, weights)

	sibSet := make(map[int]bool)
	for _, i := range parents {
		for _, s := range prevChildren[i] {
			sibSet[s] = true
		}
	}
	if len(sibSet) < 2 {
		return hist
	}
	sibs := make([]int, 0, len(sibSet))
	for s := range sibSet {
		sibs = append(sibs, s)
	}
	sort.Ints(sibs)

	var cx, cy, vsum float64
	for _, s := range sibs {
		st := b.scan.Storms[s]
		cx += st.X * st.VolumeKm3
		cy += st.Y * st.VolumeKm3
		vsum += st.VolumeKm3
	}
	me := b.scan.Storms[j]
	share := 1 / float64(len(sibs))
	if vsum > 0 {
		cx, cy = cx/vsum, cy/vsum
		share = me.VolumeKm3 / vsum
	} else {
		cx, cy = 0, 0
		for _, s := range sibs {
			cx += b.scan.Storms[s].X / float64(len(sibs))
			cy += b.scan.Storms[s].Y / float64(len(sibs))
		}
	}
	return shiftHistory(g, hist, cx, cy, me.X, me.Y, share)
}

// mergeHistories averages aligned histories point by point, weighting
// positions by the given weights and summing sizes.
func mergeHistories(hists [][]HistoryPoint, weights []float64) []HistoryPoint {
	if len(hists) == 1 {
		return append([]HistoryPoint(nil), hists[0]...)
	}
	n := 0
	for _, h := range hists {
		n = max(n, len(h))
	}
	out := make([]HistoryPoint, n)
	for i := 0; i < n; i++ {
		var wsum, x, y float64
		var p HistoryPoint
		first := true
		for k, h := range hists {
			if i >= len(h) {
				continue
			}
			q := h[i]
			if first {
				p.ScanIndex, p.Time = q.ScanIndex, q.Time
				first = false
			}
			w := weights[k]
			if w <= 0 {
				w = 1e-9
			}
			x += q.X * w
			y += q.Y * w
			wsum += w
			p.VolumeKm3 += q.VolumeKm3
			p.AreaKm2 += q.AreaKm2
		}
		p.X, p.Y = x/wsum, y/wsum
		out[i] = p
	}
	return out
}

// shiftHistory moves a history by the offset from (cx, cy) to (x, y) and
// scales its sizes by share.
func shiftHistory(g grid.Geometry, hist []HistoryPoint, cx, cy, x, y, share float64) []HistoryPoint {
	dx, dy := g.DeltaKm(cx, cy, x, y)
	out := make([]HistoryPoint, len(hist))
	for i, p := range hist {
		p.X, p.Y = g.Displace(p.X, p.Y, dx, dy)
		p.VolumeKm3 *= share
		p.AreaKm2 *= share
		out[i] = p
	}
	return out
}

// finish fills in complex ids and forecasts and packages the update.
func (b *builder) finish(restart bool) *Update {
	g := b.scan.Grid
	for k := range b.entries {
		e := &b.entries[k]
		st := b.simples[e.SimpleID]
		e.ScanIndex = b.scan.Index
		e.ComplexID = st.ComplexID
		if e.StormIndex >= 0 {
			b.complex(st.ComplexID).LastScan = b.scan.Index
			if vx, vy, ok := Velocity(g, st.History, b.params.ForecastHistoryLen); ok {
				e.ForecastVX, e.ForecastVY = vx, vy
			}
		}
	}
	sort.SliceStable(b.entries, func(i, j int) bool {
		a, c := b.entries[i], b.entries[j]
		if (a.StormIndex < 0) != (c.StormIndex < 0) {
			return a.StormIndex >= 0
		}
		if a.StormIndex != c.StormIndex {
			return a.StormIndex < c.StormIndex
		}
		return a.SimpleID < c.SimpleID
	})

	u := &Update{
		ScanIndex:     b.scan.Index,
		Time:          b.scan.Time,
		Grid:          b.scan.Grid,
		Storms:        b.scan.Storms,
		Entries:       b.entries,
		NextSimpleID:  b.nextSimple,
		NextComplexID: b.nextComplex,
		Restart:       restart,
	}
	for _, st := range b.simples {
		u.Simples = append(u.Simples, *st)
	}
	sort.Slice(u.Simples, func(i, j int) bool { return u.Simples[i].ID < u.Simples[j].ID })
	for _, c := range b.complexes {
		u.Complexes = append(u.Complexes, *c)
	}
	sort.Slice(u.Complexes, func(i, j int) bool { return u.Complexes[i].ID < u.Complexes[j].ID })
	for id := range b.retired {
		u.Retired = append(u.Retired, id)
	}
	sort.Ints(u.Retired)
	for id, cid := range b.moved {
		u.Reassigned = append(u.Reassigned, Reassignment{SimpleID: id, ComplexID: cid})
	}
	sort.Slice(u.Reassigned, func(i, j int) bool { return u.Reassigned[i].SimpleID < u.Reassigned[j].SimpleID })
	return u
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}
