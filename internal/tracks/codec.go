package tracks

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/klauspost/compress/gzip"

	"github.com/banshee-data/stormtrack/internal/archive"
	"github.com/banshee-data/stormtrack/internal/props"
)

// EncodeUpdate serialises an update for the track archive (gob, gzipped).
func EncodeUpdate(u *Update) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := gob.NewEncoder(gz).Encode(u); err != nil {
		gz.Close()
		return nil, fmt.Errorf("encode track update %d: %w", u.ScanIndex, err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("encode track update %d: %w", u.ScanIndex, err)
	}
	return buf.Bytes(), nil
}

// DecodeUpdate parses a record written by EncodeUpdate.
func DecodeUpdate(b []byte) (*Update, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty track update")
	}
	gz, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()
	var u Update
	if err := gob.NewDecoder(gz).Decode(&u); err != nil {
		return nil, fmt.Errorf("failed to decode track update: %w", err)
	}
	return &u, nil
}

// Replay rebuilds tracker state from the records of a track archive.
func Replay(tf *archive.TrackFile) (*State, error) {
	s := NewState()
	for i := 0; i < tf.ScanCount(); i++ {
		u, err := ReadUpdate(tf, i)
		if err != nil {
			return nil, err
		}
		if err := s.Apply(u); err != nil {
			return nil, fmt.Errorf("replay %s: %w", tf.Base(), err)
		}
	}
	return s, nil
}

// ReadUpdate decodes record i of a track archive.
func ReadUpdate(tf *archive.TrackFile, i int) (*Update, error) {
	b, err := tf.Read(i)
	if err != nil {
		return nil, err
	}
	u, err := DecodeUpdate(b)
	if err != nil {
		return nil, fmt.Errorf("track record %d: %w", i, err)
	}
	if u.ScanIndex != i {
		return nil, fmt.Errorf("track record %d holds scan %d", i, u.ScanIndex)
	}
	return u, nil
}

// WriteUpdate appends u to the track archive.
func WriteUpdate(tf *archive.TrackFile, u *Update) error {
	b, err := EncodeUpdate(u)
	if err != nil {
		return err
	}
	return tf.Append(u.ScanIndex, u.Time, b)
}

// ScanFromArchive converts a stored storm scan into matcher input.
func ScanFromArchive(s *archive.Scan) (*Scan, error) {
	out := &Scan{Index: s.Index, Time: s.Time, Grid: s.Grid, Storms: make([]StormInfo, len(s.Storms))}
	for i, st := range s.Storms {
		p, err := props.Decode(st.Props)
		if err != nil {
			return nil, fmt.Errorf("scan %d storm %d: %w", s.Index, i, err)
		}
		out.Storms[i] = StormInfo{
			StormIndex: i,
			X:          p.CentroidX,
			Y:          p.CentroidY,
			VolumeKm3:  p.VolumeKm3,
			AreaKm2:    p.AreaKm2,
			Footprint:  Footprint(st.Runs),
		}
	}
	return out, nil
}
