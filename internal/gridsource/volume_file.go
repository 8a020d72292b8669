package gridsource

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/banshee-data/stormtrack/internal/grid"
)

// File names carry the volume time: <NameLayout><Ext>, in UTC.
const (
	NameLayout = "20060102_150405"
	Ext        = ".vol.gz"
)

// ErrBadVolumeFile marks a volume file that cannot be decoded.
var ErrBadVolumeFile = errors.New("gridsource: bad volume file")

const fileVersion = 1

// volumeFile is the on-disk form of a grid.Volume.
type volumeFile struct {
	Version       int
	Geom          grid.Geometry
	TimeNs        int64
	Values        []float32
	Velocity      []float32
	Missing       float32
	MinValidLayer int
	MaxValidLayer int
}

// FileName returns the file name for a volume taken at t.
func FileName(t time.Time) string {
	return t.UTC().Format(NameLayout) + Ext
}

// ParseFileName returns the volume time encoded in a file name.
func ParseFileName(name string) (time.Time, bool) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, Ext) {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(NameLayout, strings.TrimSuffix(base, Ext), time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// WriteVolume stores v in dir under its time-stamped name. The file
// appears atomically, so a watching source never reads a partial volume.
func WriteVolume(dir string, v *grid.Volume) (string, error) {
	if err := v.Validate(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	vf := volumeFile{
		Version:       fileVersion,
		Geom:          v.Geom,
		TimeNs:        v.Time.UnixNano(),
		Values:        v.Values,
		Velocity:      v.Velocity,
		Missing:       v.Missing,
		MinValidLayer: v.MinValidLayer,
		MaxValidLayer: v.MaxValidLayer,
	}
	if err := gob.NewEncoder(gz).Encode(&vf); err != nil {
		gz.Close()
		return "", fmt.Errorf("encode volume: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("encode volume: %w", err)
	}

	path := filepath.Join(dir, FileName(v.Time))
	tmp, err := os.CreateTemp(dir, ".vol-*")
	if err != nil {
		return "", fmt.Errorf("create volume file: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write volume file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close volume file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("rename volume file: %w", err)
	}
	return path, nil
}

// ReadVolume decodes a file written by WriteVolume.
func ReadVolume(path string) (*grid.Volume, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read volume: %w", err)
	}
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadVolumeFile, path, err)
	}
	defer gz.Close()
	var vf volumeFile
	if err := gob.NewDecoder(gz).Decode(&vf); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadVolumeFile, path, err)
	}
	if vf.Version != fileVersion {
		return nil, fmt.Errorf("%w: %s: version %d", ErrBadVolumeFile, path, vf.Version)
	}
	v := &grid.Volume{
		Geom:          vf.Geom,
		Time:          time.Unix(0, vf.TimeNs).UTC(),
		Values:        vf.Values,
		Velocity:      vf.Velocity,
		Missing:       vf.Missing,
		MinValidLayer: vf.MinValidLayer,
		MaxValidLayer: vf.MaxValidLayer,
	}
	if err := v.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadVolumeFile, path, err)
	}
	return v, nil
}
