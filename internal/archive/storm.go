package archive

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/stormtrack/internal/clump"
	"github.com/banshee-data/stormtrack/internal/grid"
)

var stormKind = fileKind{
	label:     "STORMTRACK storm archive v1",
	headerExt: ".sth",
	dataExt:   ".std",
	component: "StormArchive",
}

// StormHeaderPath and StormDataPath name the two files of a storm archive.
func StormHeaderPath(base string) string { return stormKind.HeaderPath(base) }
func StormDataPath(base string) string   { return stormKind.DataPath(base) }

// Storm is one identified storm: its runs in grid coordinates and the
// encoded property record.
type Storm struct {
	ScanIndex  int
	StormIndex int
	Runs       []clump.Run
	Props      []byte
}

// Scan is everything stored for one volume.
type Scan struct {
	Index  int
	Time   time.Time
	Grid   grid.Geometry
	Storms []Storm
}

// Header summarises an open archive.
type Header struct {
	Fingerprint uint64
	ScanCount   int
	Start       time.Time
	End         time.Time
	Dirty       bool
	Grid        grid.Geometry
}

// StormFile is the append-only per-scan storm archive.
type StormFile struct {
	*logFile
	grid grid.Geometry
}

// CreateStormFile starts an empty archive at base, replacing any files
// already there.
func CreateStormFile(base string, fingerprint uint64, g grid.Geometry) (*StormFile, error) {
	meta, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("encode storm archive grid: %w", err)
	}
	l, err := createLog(stormKind, base, fingerprint, meta)
	if err != nil {
		return nil, err
	}
	l.logf("created %s", StormHeaderPath(base))
	return &StormFile{logFile: l, grid: g}, nil
}

// OpenStormFile opens an existing archive for appending. The error
// matches ErrIncompatible when the files cannot be reused.
func OpenStormFile(base string, fingerprint uint64) (*StormFile, error) {
	l, err := openLog(stormKind, base, fingerprint, true, false)
	if err != nil {
		return nil, err
	}
	return newStormFile(l)
}

// OpenStormReader opens an archive read-only, whatever its fingerprint.
func OpenStormReader(base string) (*StormFile, error) {
	l, err := openLog(stormKind, base, 0, false, true)
	if err != nil {
		return nil, err
	}
	return newStormFile(l)
}

func newStormFile(l *logFile) (*StormFile, error) {
	f := &StormFile{logFile: l}
	if err := json.Unmarshal(l.meta, &f.grid); err != nil {
		l.Close()
		return nil, &corruptError{msg: fmt.Sprintf("%s: grid: %v", StormHeaderPath(l.base), err)}
	}
	return f, nil
}

// RemoveStormFile deletes both files of the archive at base.
func RemoveStormFile(base string) error { return removeLog(stormKind, base) }

// Base returns the path prefix the archive was opened with.
func (f *StormFile) Base() string { return f.base }

// ScanCount returns the number of committed scans.
func (f *StormFile) ScanCount() int { return f.count() }

// ScanTimes returns the time of every committed scan, in order.
func (f *StormFile) ScanTimes() []time.Time { return f.times() }

// Header returns a summary of the archive header.
func (f *StormFile) Header() Header {
	return headerOf(f.logFile, f.grid)
}

func headerOf(l *logFile, g grid.Geometry) Header {
	h := Header{
		Fingerprint: l.header.Fingerprint,
		ScanCount:   int(l.header.ScanCount),
		Dirty:       l.header.Flags&flagDirty != 0,
		Grid:        g,
	}
	if h.ScanCount > 0 {
		h.Start = time.Unix(0, l.header.StartNs).UTC()
		h.End = time.Unix(0, l.header.EndNs).UTC()
	}
	return h
}

// AppendScan stores scan as the next record. Its index must equal the
// current scan count and its time must follow the last scan, except
// for the first append after opening or truncating.
func (f *StormFile) AppendScan(s *Scan) (int64, error) {
	if s.Index != f.count() {
		return 0, fmt.Errorf("%w: scan index %d, archive holds %d", ErrOutOfOrder, s.Index, f.count())
	}
	if !f.reset && !s.Time.After(f.lastTime()) {
		return 0, fmt.Errorf("%w: scan time %s not after %s", ErrOutOfOrder, s.Time.Format(time.RFC3339), f.lastTime().Format(time.RFC3339))
	}
	for i, st := range s.Storms {
		if st.StormIndex != i || st.ScanIndex != s.Index {
			return 0, fmt.Errorf("storm %d of scan %d labelled (%d,%d)", i, s.Index, st.ScanIndex, st.StormIndex)
		}
	}
	return f.append(s.Time, encodeScan(s))
}

// ReadScan decodes scan i.
func (f *StormFile) ReadScan(i int) (*Scan, error) {
	payload, err := f.read(i)
	if err != nil {
		return nil, err
	}
	s, err := decodeScan(payload)
	if err != nil {
		return nil, fmt.Errorf("scan %d: %w", i, err)
	}
	if s.Index != i {
		return nil, &corruptError{msg: fmt.Sprintf("record %d holds scan %d", i, s.Index)}
	}
	return s, nil
}

// TruncateToScan keeps scans [0, n).
func (f *StormFile) TruncateToScan(n int) error { return f.truncate(n) }

// Refresh re-reads the header and index so a reader sees scans appended
// since it opened.
func (f *StormFile) Refresh() error { return f.refresh() }

func encodeGrid(e *encoder, g grid.Geometry) {
	e.i32(g.NX)
	e.i32(g.NY)
	e.i32(g.NZ)
	for _, v := range []float64{g.DX, g.DY, g.DZ, g.MinX, g.MinY, g.MinZ, g.OriginLat, g.OriginLon} {
		e.f64(v)
	}
	e.u8(uint8(g.Proj))
	e.str(g.UnitsX)
	e.str(g.UnitsY)
	e.str(g.UnitsZ)
}

func decodeGrid(d *decoder) grid.Geometry {
	var g grid.Geometry
	g.NX, g.NY, g.NZ = d.i32(), d.i32(), d.i32()
	for _, p := range []*float64{&g.DX, &g.DY, &g.DZ, &g.MinX, &g.MinY, &g.MinZ, &g.OriginLat, &g.OriginLon} {
		*p = d.f64()
	}
	g.Proj = grid.Projection(d.u8())
	g.UnitsX, g.UnitsY, g.UnitsZ = d.str(), d.str(), d.str()
	return g
}

func encodeScan(s *Scan) []byte {
	e := &encoder{}
	e.i32(s.Index)
	e.i64(s.Time.UnixNano())
	encodeGrid(e, s.Grid)
	e.u32(uint32(len(s.Storms)))
	for _, st := range s.Storms {
		e.u32(uint32(len(st.Runs)))
		for _, r := range st.Runs {
			e.i32(r.Plane)
			e.i32(r.Row)
			e.i32(r.Start)
			e.i32(r.Len)
		}
		e.bytes(st.Props)
	}
	return e.buf
}

func decodeScan(b []byte) (*Scan, error) {
	d := &decoder{buf: b}
	s := &Scan{Index: d.i32()}
	s.Time = time.Unix(0, d.i64()).UTC()
	s.Grid = decodeGrid(d)
	n := d.count()
	if d.err == nil && n > len(b) {
		return nil, &corruptError{msg: fmt.Sprintf("%d storms in %d bytes", n, len(b))}
	}
	for i := 0; i < n && d.err == nil; i++ {
		st := Storm{ScanIndex: s.Index, StormIndex: i}
		nr := d.count()
		if d.err == nil && nr*16 > len(b)-d.pos {
			return nil, &corruptError{msg: fmt.Sprintf("storm %d: %d runs overrun record", i, nr)}
		}
		if nr > 0 {
			st.Runs = make([]clump.Run, nr)
		}
		for j := range st.Runs {
			st.Runs[j] = clump.Run{Plane: d.i32(), Row: d.i32(), Start: d.i32(), Len: d.i32()}
		}
		st.Props = d.bytes()
		s.Storms = append(s.Storms, st)
	}
	if d.err != nil {
		return nil, d.err
	}
	if !d.done() {
		return nil, &corruptError{msg: fmt.Sprintf("%d trailing bytes", len(b)-d.pos)}
	}
	return s, nil
}
