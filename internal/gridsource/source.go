// Package gridsource supplies radar volumes to the driver: archive mode
// replays a directory of volume files in time order, realtime mode also
// waits for new files to appear.
package gridsource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"

	"github.com/banshee-data/stormtrack/internal/grid"
	"github.com/banshee-data/stormtrack/internal/monitoring"
	"github.com/banshee-data/stormtrack/internal/security"
)

var (
	// ErrNoMoreVolumes ends an archive-mode run.
	ErrNoMoreVolumes = errors.New("gridsource: no more volumes")

	// ErrNotReady is returned in realtime mode when no new volume arrived
	// within the poll interval. Callers use it to run idle work.
	ErrNotReady = errors.New("gridsource: no volume ready")
)

// Source yields volumes in time order.
type Source interface {
	// Next returns the next volume after the resume point.
	Next(ctx context.Context) (*grid.Volume, error)
	// Times lists the times of every volume currently available.
	Times() ([]time.Time, error)
	// Resume makes Next skip volumes at or before after.
	Resume(after time.Time)
	Close() error
}

// Options configures a DirSource.
type Options struct {
	Dir          string
	Start, End   time.Time // zero means unbounded
	Realtime     bool
	PollInterval time.Duration
	Clock        clockwork.Clock
}

// DirSource reads volume files from one directory.
type DirSource struct {
	opts    Options
	after   time.Time
	watcher *fsnotify.Watcher
	logf    func(format string, v ...interface{})
}

type entry struct {
	path string
	t    time.Time
}

// NewDirSource opens dir. In realtime mode the directory is watched with
// fsnotify; polling remains as a fallback.
func NewDirSource(opts Options) (*DirSource, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	info, err := os.Stat(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("input dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("input dir %s is not a directory", opts.Dir)
	}
	s := &DirSource{opts: opts, logf: monitoring.Component("GridSource")}
	if opts.Realtime {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("watch input dir: %w", err)
		}
		if err := w.Add(opts.Dir); err != nil {
			w.Close()
			return nil, fmt.Errorf("watch input dir: %w", err)
		}
		s.watcher = w
	}
	return s, nil
}

// Close stops watching.
func (s *DirSource) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// Resume implements Source.
func (s *DirSource) Resume(after time.Time) { s.after = after }

// Times implements Source.
func (s *DirSource) Times() ([]time.Time, error) {
	entries, err := s.list()
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, len(entries))
	for i, e := range entries {
		out[i] = e.t
	}
	return out, nil
}

func (s *DirSource) inRange(t time.Time) bool {
	if !s.opts.Start.IsZero() && t.Before(s.opts.Start) {
		return false
	}
	if !s.opts.End.IsZero() && t.After(s.opts.End) {
		return false
	}
	return true
}

func (s *DirSource) list() ([]entry, error) {
	des, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("list input dir: %w", err)
	}
	var out []entry
	for _, de := range des {
		if de.IsDir() {
			continue
		}
		t, ok := ParseFileName(de.Name())
		if !ok || !s.inRange(t) {
			continue
		}
		out = append(out, entry{path: filepath.Join(s.opts.Dir, de.Name()), t: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].t.Before(out[j].t) })
	return out, nil
}

// nextEntry returns the earliest entry after the resume point.
func (s *DirSource) nextEntry() (entry, bool, error) {
	entries, err := s.list()
	if err != nil {
		return entry{}, false, err
	}
	for _, e := range entries {
		if s.after.IsZero() || e.t.After(s.after) {
			return e, true, nil
		}
	}
	return entry{}, false, nil
}

// Next implements Source. A file that cannot be read is skipped: the
// error is returned once and the following call moves past it.
func (s *DirSource) Next(ctx context.Context) (*grid.Volume, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, ok, err := s.nextEntry()
	if err != nil {
		return nil, err
	}
	if !ok {
		if !s.opts.Realtime {
			return nil, ErrNoMoreVolumes
		}
		if err := s.wait(ctx); err != nil {
			return nil, err
		}
		if e, ok, err = s.nextEntry(); err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNotReady
		}
	}

	s.after = e.t
	if err := security.ValidatePathWithinDirectory(e.path, s.opts.Dir); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadVolumeFile, err)
	}
	v, err := ReadVolume(e.path)
	if err != nil {
		return nil, err
	}
	if !v.Time.Equal(e.t) {
		s.logf("%s holds a volume for %s: using the file name time", e.path, v.Time.Format(time.RFC3339))
		v.Time = e.t
	}
	return v, nil
}

// wait blocks until the directory changes, the poll interval passes or
// ctx is done.
func (s *DirSource) wait(ctx context.Context) error {
	timeout := s.opts.Clock.After(s.opts.PollInterval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return nil
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Write) {
				if _, ok := ParseFileName(ev.Name); ok {
					return nil
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil
			}
			s.logf("watch error: %v", err)
		}
	}
}
