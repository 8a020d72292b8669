// Package tracks matches storms between consecutive scans and maintains
// simple and complex track lineage.
package tracks

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/stormtrack/internal/grid"
)

// ErrInconsistentLineage reports broken complex-track bookkeeping. The
// scan's track update is abandoned when it is returned.
var ErrInconsistentLineage = errors.New("tracks: inconsistent lineage")

// EventKind classifies a track entry.
type EventKind uint8

const (
	EventStart EventKind = iota
	EventContinue
	EventStop
	EventSplit
	EventMerge
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventContinue:
		return "continue"
	case EventStop:
		return "stop"
	case EventSplit:
		return "split"
	case EventMerge:
		return "merge"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// MarshalText renders the event name for JSON consumers.
func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText parses an event name.
func (k *EventKind) UnmarshalText(b []byte) error {
	for e := EventStart; e <= EventMerge; e++ {
		if e.String() == string(b) {
			*k = e
			return nil
		}
	}
	return fmt.Errorf("unknown track event %q", b)
}

// Span is one run of a storm's 2-D footprint.
type Span struct {
	Row, Start, Len int
}

// End returns the last column of the span (inclusive).
func (s Span) End() int { return s.Start + s.Len - 1 }

// StormInfo is what the matcher needs to know about one storm.
// Positions are grid coordinates.
type StormInfo struct {
	StormIndex int
	X, Y       float64
	VolumeKm3  float64
	AreaKm2    float64
	Footprint  []Span
}

// Scan is one scan's storms as the matcher sees them.
type Scan struct {
	Index  int
	Time   time.Time
	Grid   grid.Geometry
	Storms []StormInfo
}

// HistoryPoint is one scan of a track's (possibly corrected) history.
type HistoryPoint struct {
	ScanIndex int
	Time      time.Time
	X, Y      float64
	VolumeKm3 float64
	AreaKm2   float64
}

// SimpleTrack is an unbroken chain of storms with no internal split or
// merge. History is newest first.
type SimpleTrack struct {
	ID         int
	ComplexID  int
	OriginScan int
	LastScan   int
	Parents    []int
	Children   []int
	History    []HistoryPoint
	StormIndex int // storm at LastScan
	Active     bool
}

func (s *SimpleTrack) clone() *SimpleTrack {
	c := *s
	c.Parents = append([]int(nil), s.Parents...)
	c.Children = append([]int(nil), s.Children...)
	c.History = append([]HistoryPoint(nil), s.History...)
	return &c
}

// ComplexTrack groups every simple track connected by a split or merge.
type ComplexTrack struct {
	ID        int
	Simples   []int
	StartScan int
	LastScan  int
}

func (c *ComplexTrack) clone() *ComplexTrack {
	n := *c
	n.Simples = append([]int(nil), c.Simples...)
	return &n
}

func (c *ComplexTrack) has(simpleID int) bool {
	for _, id := range c.Simples {
		if id == simpleID {
			return true
		}
	}
	return false
}

// Entry is one line of track output for a scan. Current storms carry
// their StormIndex; tracks that ended at this scan carry -1 and, for
// splits and merges, the simple tracks they led to.
type Entry struct {
	ScanIndex  int       `json:"scan_index"`
	StormIndex int       `json:"storm_index"`
	SimpleID   int       `json:"simple_id"`
	ComplexID  int       `json:"complex_id"`
	Parents    []int     `json:"parents,omitempty"`
	Children   []int     `json:"children,omitempty"`
	Event      EventKind `json:"event"`
	ForecastVX float64   `json:"forecast_vx_kmh"`
	ForecastVY float64   `json:"forecast_vy_kmh"`
}

// Reassignment records an ended simple track moving into the complex that
// absorbed its own.
type Reassignment struct {
	SimpleID  int `json:"simple_id"`
	ComplexID int `json:"complex_id"`
}

// Update is the complete track change for one scan. Applying the updates
// of scans 0..n-1 in order rebuilds the tracker state.
type Update struct {
	ScanIndex     int
	Time          time.Time
	Grid          grid.Geometry
	Storms        []StormInfo
	Entries       []Entry
	Simples       []SimpleTrack
	Complexes     []ComplexTrack
	Retired       []int // complex ids absorbed into another complex
	Reassigned    []Reassignment
	NextSimpleID  int
	NextComplexID int
	Restart       bool
}

// Counts tallies the entries of an update by event.
func (u *Update) Counts() map[EventKind]int {
	out := make(map[EventKind]int)
	for _, e := range u.Entries {
		out[e.Event]++
	}
	return out
}
