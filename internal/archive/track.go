package archive

import (
	"fmt"
	"time"

	"github.com/banshee-data/stormtrack/internal/grid"
)

var trackKind = fileKind{
	label:     "STORMTRACK track archive v1",
	headerExt: ".tth",
	dataExt:   ".ttd",
	component: "TrackArchive",
}

// TrackHeaderPath and TrackDataPath name the two files of a track archive.
func TrackHeaderPath(base string) string { return trackKind.HeaderPath(base) }
func TrackDataPath(base string) string   { return trackKind.DataPath(base) }

// TrackFile stores one opaque track-update record per scan. Record i
// always belongs to storm scan i.
type TrackFile struct {
	*logFile
}

// CreateTrackFile starts an empty track archive at base.
func CreateTrackFile(base string, fingerprint uint64) (*TrackFile, error) {
	l, err := createLog(trackKind, base, fingerprint, nil)
	if err != nil {
		return nil, err
	}
	l.logf("created %s", TrackHeaderPath(base))
	return &TrackFile{logFile: l}, nil
}

// OpenTrackFile opens an existing track archive for appending. A dirty
// archive is reported as ErrIncompatible.
func OpenTrackFile(base string, fingerprint uint64) (*TrackFile, error) {
	l, err := openLog(trackKind, base, fingerprint, true, false)
	if err != nil {
		return nil, err
	}
	if l.header.Flags&flagDirty != 0 {
		l.Close()
		return nil, fmt.Errorf("%w: %s is marked dirty", ErrIncompatible, TrackHeaderPath(base))
	}
	return &TrackFile{logFile: l}, nil
}

// OpenTrackReader opens a track archive read-only. Dirty archives are
// readable.
func OpenTrackReader(base string) (*TrackFile, error) {
	l, err := openLog(trackKind, base, 0, false, true)
	if err != nil {
		return nil, err
	}
	return &TrackFile{logFile: l}, nil
}

// RemoveTrackFile deletes both files of the track archive at base.
func RemoveTrackFile(base string) error { return removeLog(trackKind, base) }

// Base returns the path prefix the archive was opened with.
func (f *TrackFile) Base() string { return f.base }

// ScanCount returns the number of committed records.
func (f *TrackFile) ScanCount() int { return f.count() }

// ScanTimes returns the scan time of every record.
func (f *TrackFile) ScanTimes() []time.Time { return f.times() }

// Header summarises the archive header.
func (f *TrackFile) Header() Header { return headerOf(f.logFile, grid.Geometry{}) }

// Append stores the update for scanIndex, which must be the next record.
func (f *TrackFile) Append(scanIndex int, t time.Time, payload []byte) error {
	if scanIndex != f.count() {
		return fmt.Errorf("%w: track record %d, archive holds %d", ErrOutOfOrder, scanIndex, f.count())
	}
	if !f.reset && !t.After(f.lastTime()) {
		return fmt.Errorf("%w: track time %s not after %s", ErrOutOfOrder, t.Format(time.RFC3339), f.lastTime().Format(time.RFC3339))
	}
	_, err := f.append(t, payload)
	return err
}

// Read returns record i.
func (f *TrackFile) Read(i int) ([]byte, error) { return f.read(i) }

// TruncateToScan keeps records [0, n).
func (f *TrackFile) TruncateToScan(n int) error { return f.truncate(n) }

// MarkDirty flags the archive so the next restart starts it fresh.
func (f *TrackFile) MarkDirty() error { return f.setFlag(flagDirty, true) }

// Dirty reports whether the dirty flag is set.
func (f *TrackFile) Dirty() bool { return f.header.Flags&flagDirty != 0 }

// Refresh re-reads the header and index.
func (f *TrackFile) Refresh() error { return f.refresh() }
