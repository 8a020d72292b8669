package tracks

import (
	"fmt"
	"sort"
	"time"

	"github.com/banshee-data/stormtrack/internal/grid"
)

// State is the lineage needed to match the next scan: the last scan's
// storms, the active simple tracks and their complexes. Ended tracks
// leave memory once applied; they live on in the track archive.
type State struct {
	ScanIndex int // last applied scan, -1 when empty
	Time      time.Time
	Grid      grid.Geometry
	Storms    []StormInfo

	Simples   map[int]*SimpleTrack
	Complexes map[int]*ComplexTrack
	Current   map[int]int // storm index at ScanIndex -> simple id

	NextSimpleID  int
	NextComplexID int
}

// NewState returns an empty state expecting scan 0 next.
func NewState() *State {
	return &State{
		ScanIndex:     -1,
		Simples:       make(map[int]*SimpleTrack),
		Complexes:     make(map[int]*ComplexTrack),
		Current:       make(map[int]int),
		NextSimpleID:  1,
		NextComplexID: 1,
	}
}

// Apply folds one scan's update into the state. Updates must be applied
// in scan order.
func (s *State) Apply(u *Update) error {
	if u.ScanIndex != s.ScanIndex+1 {
		return fmt.Errorf("apply update for scan %d to state at scan %d", u.ScanIndex, s.ScanIndex)
	}
	for _, id := range u.Retired {
		delete(s.Complexes, id)
	}
	for i := range u.Complexes {
		c := u.Complexes[i]
		s.Complexes[c.ID] = c.clone()
	}
	for i := range u.Simples {
		st := u.Simples[i]
		if st.Active {
			s.Simples[st.ID] = st.clone()
		} else {
			delete(s.Simples, st.ID)
		}
	}

	s.Current = make(map[int]int, len(u.Storms))
	for _, e := range u.Entries {
		if e.StormIndex >= 0 {
			s.Current[e.StormIndex] = e.SimpleID
		}
	}
	// Complexes with no active member are finished.
	live := make(map[int]bool, len(s.Simples))
	for _, st := range s.Simples {
		live[st.ComplexID] = true
	}
	for id := range s.Complexes {
		if !live[id] {
			delete(s.Complexes, id)
		}
	}

	s.ScanIndex = u.ScanIndex
	s.Time = u.Time
	s.Grid = u.Grid
	s.Storms = u.Storms
	s.NextSimpleID = u.NextSimpleID
	s.NextComplexID = u.NextComplexID
	return nil
}

// Active returns the active simple tracks ordered by id.
func (s *State) Active() []*SimpleTrack {
	out := make([]*SimpleTrack, 0, len(s.Simples))
	for _, st := range s.Simples {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// checkLineage verifies that an active simple track and its complex agree.
func (s *State) checkLineage(st *SimpleTrack) error {
	c, ok := s.Complexes[st.ComplexID]
	if !ok {
		return fmt.Errorf("%w: simple track %d names unknown complex %d", ErrInconsistentLineage, st.ID, st.ComplexID)
	}
	if !c.has(st.ID) {
		return fmt.Errorf("%w: complex %d does not list simple track %d", ErrInconsistentLineage, c.ID, st.ID)
	}
	return nil
}
