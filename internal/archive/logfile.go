package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/banshee-data/stormtrack/internal/monitoring"
)

// Every archive is a pair of files sharing a base path:
//
//	header file: fixedHeader | meta (MetaLen bytes) | index (ScanCount x indexEntry)
//	data file:   label (32 bytes) | record frames
//
// A record frame is recordMagic | payload length | payload | xxhash64(payload).
// Appends write the frame first, then the index entry, then the fixed
// header; the header's ScanCount and DataEnd are the commit point.

const (
	labelLen    = 32
	recordMagic = 0x53545231 // "STR1"
	frameHead   = 8
	frameTail   = 8

	flagDirty uint32 = 1 << 0
)

type fixedHeader struct {
	Label       [labelLen]byte
	Fingerprint uint64
	Flags       uint32
	MetaLen     uint32
	ScanCount   uint64
	StartNs     int64
	EndNs       int64
	DataEnd     int64
}

type indexEntry struct {
	Offset int64
	TimeNs int64
}

var (
	fixedHeaderSize = int64(binary.Size(fixedHeader{}))
	indexEntrySize  = int64(binary.Size(indexEntry{}))
)

// fileKind names one archive flavour.
type fileKind struct {
	label     string
	headerExt string
	dataExt   string
	component string
}

func (k fileKind) labelBytes() [labelLen]byte {
	var b [labelLen]byte
	copy(b[:], k.label)
	return b
}

// logFile is the shared header/index/data machinery behind StormFile and
// TrackFile.
type logFile struct {
	kind     fileKind
	base     string
	readOnly bool

	hdr  *os.File
	data *os.File
	lock *os.File

	header fixedHeader
	meta   []byte
	index  []indexEntry

	// reset is true right after open or truncation, when the next append
	// may carry any timestamp.
	reset bool

	logf func(format string, v ...interface{})
}

// HeaderPath returns the header file path for a base path.
func (k fileKind) HeaderPath(base string) string { return base + k.headerExt }

// DataPath returns the data file path for a base path.
func (k fileKind) DataPath(base string) string { return base + k.dataExt }

func createLog(kind fileKind, base string, fingerprint uint64, meta []byte) (*logFile, error) {
	hdr, err := os.OpenFile(kind.HeaderPath(base), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create %s header: %w", kind.component, err)
	}
	data, err := os.OpenFile(kind.DataPath(base), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		hdr.Close()
		return nil, fmt.Errorf("create %s data: %w", kind.component, err)
	}
	l := &logFile{kind: kind, base: base, hdr: hdr, data: data, meta: meta, reset: true, logf: monitoring.Component(kind.component)}
	if err := l.openLock(); err != nil {
		l.Close()
		return nil, err
	}

	label := kind.labelBytes()
	if _, err := data.WriteAt(label[:], 0); err != nil {
		l.Close()
		return nil, fmt.Errorf("write %s data label: %w", kind.component, err)
	}
	l.header = fixedHeader{Label: label, Fingerprint: fingerprint, MetaLen: uint32(len(meta)), DataEnd: labelLen}
	if _, err := hdr.WriteAt(meta, fixedHeaderSize); err != nil {
		l.Close()
		return nil, fmt.Errorf("write %s meta: %w", kind.component, err)
	}
	if err := l.commitHeader(); err != nil {
		l.Close()
		return nil, err
	}
	if err := data.Sync(); err != nil {
		l.Close()
		return nil, fmt.Errorf("sync %s data: %w", kind.component, err)
	}
	return l, nil
}

// openLog opens an existing archive. With checkFingerprint set, a
// fingerprint other than the stored one is ErrIncompatible. Writers also
// drop any data past the committed end left by an interrupted append.
func openLog(kind fileKind, base string, fingerprint uint64, checkFingerprint, readOnly bool) (*logFile, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	hdr, err := os.OpenFile(kind.HeaderPath(base), flag, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s header: %w", kind.component, err)
	}
	data, err := os.OpenFile(kind.DataPath(base), flag, 0)
	if err != nil {
		hdr.Close()
		return nil, fmt.Errorf("open %s data: %w", kind.component, err)
	}
	l := &logFile{kind: kind, base: base, readOnly: readOnly, hdr: hdr, data: data, reset: true, logf: monitoring.Component(kind.component)}
	if err := l.openLock(); err != nil {
		l.Close()
		return nil, err
	}

	if err := l.load(); err != nil {
		l.Close()
		return nil, err
	}
	if checkFingerprint && l.header.Fingerprint != fingerprint {
		l.Close()
		return nil, fmt.Errorf("%w: %s fingerprint %016x, want %016x", ErrIncompatible, kind.HeaderPath(base), l.header.Fingerprint, fingerprint)
	}

	var label [labelLen]byte
	if _, err := l.data.ReadAt(label[:], 0); err != nil || label != kind.labelBytes() {
		l.Close()
		return nil, &corruptError{msg: fmt.Sprintf("%s: bad data label", kind.DataPath(base))}
	}
	info, err := l.data.Stat()
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("stat %s data: %w", kind.component, err)
	}
	switch size := info.Size(); {
	case size < l.header.DataEnd:
		l.Close()
		return nil, &corruptError{msg: fmt.Sprintf("%s: %d bytes, header records %d", kind.DataPath(base), size, l.header.DataEnd)}
	case size > l.header.DataEnd && !readOnly:
		l.logf("%s has %d bytes past the last committed scan: truncating", kind.DataPath(base), size-l.header.DataEnd)
		if err := l.data.Truncate(l.header.DataEnd); err != nil {
			l.Close()
			return nil, fmt.Errorf("truncate %s data: %w", kind.component, err)
		}
		if err := l.data.Sync(); err != nil {
			l.Close()
			return nil, fmt.Errorf("sync %s data: %w", kind.component, err)
		}
	}
	return l, nil
}

// load reads the fixed header, meta and index from the header file and
// validates them.
func (l *logFile) load() error {
	path := l.kind.HeaderPath(l.base)
	buf := make([]byte, fixedHeaderSize)
	if _, err := l.hdr.ReadAt(buf, 0); err != nil {
		return &corruptError{msg: fmt.Sprintf("%s: short header: %v", path, err)}
	}
	var h fixedHeader
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &h); err != nil {
		return &corruptError{msg: fmt.Sprintf("%s: %v", path, err)}
	}
	if h.Label != l.kind.labelBytes() {
		return fmt.Errorf("%w: %s is not a %s file", ErrIncompatible, path, l.kind.component)
	}
	if h.ScanCount > 1<<31 || h.MetaLen > 1<<20 {
		return &corruptError{msg: fmt.Sprintf("%s: implausible header (scans=%d meta=%d)", path, h.ScanCount, h.MetaLen)}
	}

	meta := make([]byte, h.MetaLen)
	if _, err := l.hdr.ReadAt(meta, fixedHeaderSize); err != nil && h.MetaLen > 0 {
		return &corruptError{msg: fmt.Sprintf("%s: short meta: %v", path, err)}
	}

	raw := make([]byte, int64(h.ScanCount)*indexEntrySize)
	if len(raw) > 0 {
		if _, err := l.hdr.ReadAt(raw, l.indexPos(0, h.MetaLen)); err != nil {
			return &corruptError{msg: fmt.Sprintf("%s: short index: %v", path, err)}
		}
	}
	index := make([]indexEntry, h.ScanCount)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, index); err != nil {
		return &corruptError{msg: fmt.Sprintf("%s: %v", path, err)}
	}

	prev := int64(labelLen) - 1
	for i, e := range index {
		if e.Offset <= prev || e.Offset+frameHead+frameTail > h.DataEnd {
			return &corruptError{msg: fmt.Sprintf("%s: index entry %d offset %d out of order (data end %d)", path, i, e.Offset, h.DataEnd)}
		}
		prev = e.Offset
	}
	if h.ScanCount == 0 && h.DataEnd != labelLen {
		return &corruptError{msg: fmt.Sprintf("%s: empty archive with data end %d", path, h.DataEnd)}
	}

	l.header, l.meta, l.index = h, meta, index
	return nil
}

func (l *logFile) indexPos(i int, metaLen uint32) int64 {
	return fixedHeaderSize + int64(metaLen) + int64(i)*indexEntrySize
}

func (l *logFile) commitHeader() error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, l.header); err != nil {
		return fmt.Errorf("encode %s header: %w", l.kind.component, err)
	}
	if _, err := l.hdr.WriteAt(buf.Bytes(), 0); err != nil {
		return fmt.Errorf("write %s header: %w", l.kind.component, err)
	}
	if err := l.hdr.Sync(); err != nil {
		return fmt.Errorf("sync %s header: %w", l.kind.component, err)
	}
	return nil
}

// append writes one record and commits it. It returns the record's
// offset in the data file.
func (l *logFile) append(t time.Time, payload []byte) (int64, error) {
	if l.readOnly {
		return 0, ErrReadOnly
	}
	offset := l.header.DataEnd

	frame := make([]byte, 0, frameHead+len(payload)+frameTail)
	frame = binary.LittleEndian.AppendUint32(frame, recordMagic)
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)
	frame = binary.LittleEndian.AppendUint64(frame, xxhash.Sum64(payload))

	if _, err := l.data.WriteAt(frame, offset); err != nil {
		return 0, fmt.Errorf("write %s record: %w", l.kind.component, err)
	}
	if err := l.data.Sync(); err != nil {
		return 0, fmt.Errorf("sync %s data: %w", l.kind.component, err)
	}

	entry := indexEntry{Offset: offset, TimeNs: t.UnixNano()}
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, entry)
	if _, err := l.hdr.WriteAt(buf.Bytes(), l.indexPos(len(l.index), l.header.MetaLen)); err != nil {
		return 0, fmt.Errorf("write %s index: %w", l.kind.component, err)
	}

	h := l.header
	if h.ScanCount == 0 {
		h.StartNs = entry.TimeNs
	}
	h.ScanCount++
	h.EndNs = entry.TimeNs
	h.DataEnd = offset + int64(len(frame))
	prev := l.header
	l.header = h
	if err := l.commitHeader(); err != nil {
		l.header = prev
		return 0, err
	}
	l.index = append(l.index, entry)
	l.reset = false
	return offset, nil
}

// read returns the payload of record i after verifying its frame.
func (l *logFile) read(i int) ([]byte, error) {
	if i < 0 || i >= len(l.index) {
		return nil, fmt.Errorf("%s record %d out of range [0,%d)", l.kind.component, i, len(l.index))
	}
	offset := l.index[i].Offset
	end := l.header.DataEnd
	if i+1 < len(l.index) {
		end = l.index[i+1].Offset
	}
	frame := make([]byte, end-offset)
	if _, err := l.data.ReadAt(frame, offset); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %s record %d: %w", l.kind.component, i, err)
	}
	if len(frame) < frameHead+frameTail || binary.LittleEndian.Uint32(frame) != recordMagic {
		return nil, &corruptError{msg: fmt.Sprintf("%s record %d: bad frame", l.kind.component, i)}
	}
	n := int(binary.LittleEndian.Uint32(frame[4:]))
	if frameHead+n+frameTail != len(frame) {
		return nil, &corruptError{msg: fmt.Sprintf("%s record %d: length %d does not fill frame of %d", l.kind.component, i, n, len(frame))}
	}
	payload := frame[frameHead : frameHead+n]
	if sum := binary.LittleEndian.Uint64(frame[frameHead+n:]); sum != xxhash.Sum64(payload) {
		return nil, &corruptError{msg: fmt.Sprintf("%s record %d: checksum mismatch", l.kind.component, i)}
	}
	return payload, nil
}

// truncate keeps records [0, n).
func (l *logFile) truncate(n int) error {
	if l.readOnly {
		return ErrReadOnly
	}
	if n < 0 {
		return fmt.Errorf("truncate %s to %d records", l.kind.component, n)
	}
	if n >= len(l.index) {
		return nil
	}
	// The header shrinks first. A crash before the data cut leaves bytes
	// past DataEnd, which openLog trims.
	newEnd := l.index[n].Offset
	prev := l.header
	l.header.ScanCount = uint64(n)
	l.header.DataEnd = newEnd
	if n == 0 {
		l.header.StartNs, l.header.EndNs = 0, 0
	} else {
		l.header.EndNs = l.index[n-1].TimeNs
	}
	if err := l.commitHeader(); err != nil {
		l.header = prev
		return err
	}
	if err := l.hdr.Truncate(l.indexPos(n, l.header.MetaLen)); err != nil {
		return fmt.Errorf("truncate %s index: %w", l.kind.component, err)
	}
	if err := l.hdr.Sync(); err != nil {
		return fmt.Errorf("sync %s header: %w", l.kind.component, err)
	}
	if err := l.data.Truncate(newEnd); err != nil {
		return fmt.Errorf("truncate %s data: %w", l.kind.component, err)
	}
	if err := l.data.Sync(); err != nil {
		return fmt.Errorf("sync %s data: %w", l.kind.component, err)
	}
	l.index = l.index[:n]
	l.reset = true
	l.logf("%s truncated to %d records", l.base, n)
	return nil
}

// setFlag sets or clears a header flag and commits the header.
func (l *logFile) setFlag(flag uint32, on bool) error {
	if l.readOnly {
		return ErrReadOnly
	}
	prev := l.header.Flags
	if on {
		l.header.Flags |= flag
	} else {
		l.header.Flags &^= flag
	}
	if l.header.Flags == prev {
		return nil
	}
	if err := l.commitHeader(); err != nil {
		l.header.Flags = prev
		return err
	}
	return nil
}

// refresh re-reads the header for a reader following a live writer.
func (l *logFile) refresh() error { return l.load() }

func (l *logFile) count() int { return len(l.index) }

func (l *logFile) times() []time.Time {
	out := make([]time.Time, len(l.index))
	for i, e := range l.index {
		out[i] = time.Unix(0, e.TimeNs).UTC()
	}
	return out
}

func (l *logFile) lastTime() time.Time {
	if len(l.index) == 0 {
		return time.Time{}
	}
	return time.Unix(0, l.index[len(l.index)-1].TimeNs).UTC()
}

func (l *logFile) openLock() error {
	f, err := os.Open(l.kind.HeaderPath(l.base))
	if err != nil {
		return fmt.Errorf("open %s lock: %w", l.kind.component, err)
	}
	l.lock = f
	return nil
}

// Close releases file handles. Locks held through this handle are
// released with it.
func (l *logFile) Close() error {
	var errs []error
	for _, f := range []*os.File{l.lock, l.data, l.hdr} {
		if f != nil {
			if err := f.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	l.lock, l.data, l.hdr = nil, nil, nil
	return errors.Join(errs...)
}

// removeLog deletes both files of an archive. Missing files are ignored.
func removeLog(kind fileKind, base string) error {
	var errs []error
	for _, p := range []string{kind.HeaderPath(base), kind.DataPath(base)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
