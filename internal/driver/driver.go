// Package driver runs the identify and track pipeline. A producer
// goroutine turns input volumes into stored scans; a tracker goroutine
// turns stored scans into track records. They hand off through a
// Rendezvous, so at most one scan is in flight.
package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/stormtrack/internal/archive"
	"github.com/banshee-data/stormtrack/internal/config"
	"github.com/banshee-data/stormtrack/internal/grid"
	"github.com/banshee-data/stormtrack/internal/gridsource"
	"github.com/banshee-data/stormtrack/internal/identify"
	"github.com/banshee-data/stormtrack/internal/monitoring"
	"github.com/banshee-data/stormtrack/internal/props"
	"github.com/banshee-data/stormtrack/internal/publish"
	"github.com/banshee-data/stormtrack/internal/tracks"
)

// ErrInputSkipped marks a volume that was dropped without stopping the
// run: unreadable, invalid or out of time order.
var ErrInputSkipped = errors.New("driver: input skipped")

// Options configures a Driver. Params and Source are required.
type Options struct {
	Params    *config.Params
	Source    gridsource.Source
	Computer  props.Computer      // nil uses props.Standard
	Publisher publish.Publisher   // optional
	Metrics   *monitoring.Metrics // optional
	Clock     clockwork.Clock     // nil uses real time
}

// Driver owns the archives and the two pipeline goroutines.
type Driver struct {
	params    *config.Params
	src       gridsource.Source
	pub       publish.Publisher
	metrics   *monitoring.Metrics
	clock     clockwork.Clock
	heartbeat time.Duration
	rv        *Rendezvous
	id        *identify.Identifier
	tracker   *tracks.Tracker
	logf      func(format string, v ...interface{})

	base   string
	storms *archive.StormFile // producer's write handle; nil until the first scan of a new archive
	reader *archive.StormFile // tracker's read handle
	tracks *archive.TrackFile
}

// New opens or creates the archives, recovering them against the input,
// and rebuilds the tracker state.
func New(opts Options) (*Driver, error) {
	if opts.Params == nil || opts.Source == nil {
		return nil, errors.New("driver: params and source are required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	p := opts.Params
	d := &Driver{
		params:    p,
		src:       opts.Source,
		pub:       opts.Publisher,
		metrics:   opts.Metrics,
		clock:     clock,
		heartbeat: p.Driver.GetHeartbeatInterval(),
		rv:        NewRendezvous(clock),
		id:        identify.New(p, opts.Computer, opts.Metrics),
		tracker:   tracks.NewTracker(p.Tracking, tracks.FootprintOverlap{MinFraction: p.Tracking.MinOverlapFraction}),
		logf:      monitoring.Component("TrackingDriver"),
	}
	if err := d.open(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Base returns the path prefix of the archives in use.
func (d *Driver) Base() string { return d.base }

// Close releases the archive handles.
func (d *Driver) Close() error {
	var errs []error
	if d.storms != nil {
		errs = append(errs, d.storms.Close())
	}
	if d.reader != nil {
		errs = append(errs, d.reader.Close())
	}
	if d.tracks != nil {
		errs = append(errs, d.tracks.Close())
	}
	return errors.Join(errs...)
}

func (d *Driver) recovered(action string) {
	if d.metrics != nil {
		d.metrics.Recoveries.WithLabelValues(action).Inc()
	}
}

func (d *Driver) open() error {
	dp := d.params.Driver
	if err := os.MkdirAll(dp.ArchiveDir, 0o755); err != nil {
		return fmt.Errorf("archive dir: %w", err)
	}
	base, err := archiveBase(dp.ArchiveDir, dp.ArchivePrefix, dp.DateStampedNames, false, d.clock.Now())
	if err != nil {
		return fmt.Errorf("archive dir: %w", err)
	}
	if _, err := os.Stat(archive.StormHeaderPath(base)); errors.Is(err, os.ErrNotExist) {
		d.logf("no storm archive at %s: starting new archive", base)
		return d.fresh()
	}
	sf, err := archive.OpenStormFile(base, d.params.StormFingerprint())
	if errors.Is(err, archive.ErrIncompatible) {
		d.logf("%v: starting fresh archive", err)
		d.recovered("fresh")
		return d.fresh()
	}
	if err != nil {
		return err
	}
	d.base, d.storms = base, sf

	expected, err := d.src.Times()
	if err != nil {
		return fmt.Errorf("list input: %w", err)
	}
	if d.tracks, err = d.openTracks(); err != nil {
		return err
	}
	before := sf.ScanCount()
	keep, err := Recover(sf, d.tracks, expected)
	if err != nil {
		return err
	}
	if keep < before {
		d.logf("%s: %d of %d scans match the input: truncated", base, keep, before)
		d.recovered("truncate")
	} else {
		d.recovered("resume")
	}

	state, err := tracks.Replay(d.tracks)
	if err != nil {
		d.logf("%v: starting fresh track archive", err)
		if err := d.freshTracks(); err != nil {
			return err
		}
		state = tracks.NewState()
	}
	d.tracker.SetState(state)
	if keep > 0 {
		d.src.Resume(sf.ScanTimes()[keep-1])
	}
	d.logf("resuming %s at scan %d (%d scans tracked)", base, keep, d.tracks.ScanCount())
	d.setGauges(keep, d.tracks.ScanCount())
	return nil
}

// fresh starts new archives. The storm archive itself is created by the
// first scan, which supplies its grid.
func (d *Driver) fresh() error {
	dp := d.params.Driver
	base, err := archiveBase(dp.ArchiveDir, dp.ArchivePrefix, dp.DateStampedNames, true, d.clock.Now())
	if err != nil {
		return err
	}
	if err := discard(base); err != nil {
		return fmt.Errorf("discard %s: %w", base, err)
	}
	d.base = base
	d.tracker.Reset()
	tf, err := archive.CreateTrackFile(base, d.params.TrackFingerprint())
	if err != nil {
		return err
	}
	d.tracks = tf
	return nil
}

func (d *Driver) openTracks() (*archive.TrackFile, error) {
	tf, err := archive.OpenTrackFile(d.base, d.params.TrackFingerprint())
	if errors.Is(err, archive.ErrIncompatible) {
		d.logf("%v: starting fresh track archive", err)
		d.recovered("fresh_tracks")
		return archive.CreateTrackFile(d.base, d.params.TrackFingerprint())
	}
	return tf, err
}

func (d *Driver) freshTracks() error {
	if err := d.tracks.Close(); err != nil {
		return err
	}
	tf, err := archive.CreateTrackFile(d.base, d.params.TrackFingerprint())
	if err != nil {
		return err
	}
	d.tracks = tf
	return nil
}

func (d *Driver) setGauges(storms, tracked int) {
	if d.metrics == nil {
		return
	}
	if storms >= 0 {
		d.metrics.ArchiveScans.WithLabelValues("storm").Set(float64(storms))
	}
	if tracked >= 0 {
		d.metrics.ArchiveScans.WithLabelValues("track").Set(float64(tracked))
	}
}

// Run tracks any stored scans not yet tracked, then runs the producer and
// tracker until the input ends, ctx is cancelled or either fails.
// Cancelling ctx stops the producer between scans; the tracker finishes
// the scan in hand and acknowledges the quit.
func (d *Driver) Run(ctx context.Context) error {
	if d.storms != nil {
		if err := d.catchUp(ctx, -1); err != nil {
			return err
		}
	}

	// The tracker only stops on Quit or a failure in the group.
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(gctx, cancel)
	defer stop()

	g.Go(func() error { return d.produce(ctx, pctx, gctx) })
	g.Go(func() error { return d.track(gctx) })
	return g.Wait()
}

// produce is the producer loop. ctx is the caller's context, pctx also
// ends when the tracker fails and gctx only then.
func (d *Driver) produce(ctx, pctx, gctx context.Context) error {
	lastSignal := d.clock.Now()
	for {
		v, err := d.src.Next(pctx)
		switch {
		case err == nil:
		case errors.Is(err, gridsource.ErrNoMoreVolumes):
			d.logf("input exhausted")
			return d.quit(gctx)
		case errors.Is(err, gridsource.ErrNotReady):
			if d.clock.Since(lastSignal) >= d.heartbeat {
				if err := d.rv.Post(pctx, Heartbeat, -1, 0); err != nil {
					return d.interrupted(ctx, gctx, err)
				}
				lastSignal = d.clock.Now()
			}
			continue
		case pctx.Err() != nil:
			return d.interrupted(ctx, gctx, err)
		case errors.Is(err, gridsource.ErrBadVolumeFile):
			d.skipped(err)
			continue
		default:
			return fmt.Errorf("read input: %w", err)
		}

		idx, err := d.store(pctx, v)
		if errors.Is(err, ErrInputSkipped) {
			d.skipped(err)
			continue
		}
		if err != nil {
			return err
		}
		if err := d.rv.Post(pctx, ScanReady, idx, 0); err != nil {
			return d.interrupted(ctx, gctx, err)
		}
		lastSignal = d.clock.Now()
	}
}

// interrupted decides how the producer ends after a blocking call failed.
func (d *Driver) interrupted(ctx, gctx context.Context, err error) error {
	if gctx.Err() == nil && ctx.Err() != nil {
		return d.quit(gctx)
	}
	return err
}

func (d *Driver) quit(gctx context.Context) error {
	if err := d.rv.Post(gctx, Quit, -1, 3*d.heartbeat); err != nil {
		return fmt.Errorf("quit: %w", err)
	}
	return nil
}

func (d *Driver) skipped(err error) {
	d.logf("skipping input: %v", err)
	if d.metrics != nil {
		d.metrics.ScansSkipped.Inc()
	}
}

// store identifies v and appends it to the storm archive, returning the
// new scan index.
func (d *Driver) store(ctx context.Context, v *grid.Volume) (int, error) {
	if d.storms != nil && d.storms.Header().Grid != v.Geom {
		if err := d.regrid(ctx, v); err != nil {
			return 0, err
		}
	}
	idx := 0
	if d.storms != nil {
		idx = d.storms.ScanCount()
	}
	scan, err := d.id.Identify(v, idx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInputSkipped, err)
	}
	if d.storms == nil {
		sf, err := archive.CreateStormFile(d.base, d.params.StormFingerprint(), v.Geom)
		if err != nil {
			return 0, err
		}
		d.storms = sf
	}

	start := d.clock.Now()
	if err := d.storms.LockForWrite(); err != nil {
		return 0, err
	}
	_, err = d.storms.AppendScan(scan)
	if uerr := d.storms.Unlock(); err == nil {
		err = uerr
	}
	if errors.Is(err, archive.ErrOutOfOrder) {
		return 0, fmt.Errorf("%w: %v", ErrInputSkipped, err)
	}
	if err != nil {
		return 0, fmt.Errorf("append scan %d: %w", idx, err)
	}
	if d.metrics != nil {
		d.metrics.AppendDuration.WithLabelValues("storm").Observe(d.clock.Since(start).Seconds())
		d.metrics.ScansIdentified.Inc()
	}
	d.setGauges(idx+1, -1)
	d.logf("scan %d at %s: %d storms", idx, scan.Time.Format(time.RFC3339), len(scan.Storms))
	return idx, nil
}

// regrid moves the run to new archives for a volume on a different grid
// from the storm archive. An empty storm archive is just recreated. It
// runs on the producer while the tracker waits for the next signal.
func (d *Driver) regrid(ctx context.Context, v *grid.Volume) error {
	old, empty := d.storms.Header().Grid, d.storms.ScanCount() == 0
	d.logf("volume at %s is on a %dx%dx%d grid, %s is on %dx%dx%d",
		v.Time.Format(time.RFC3339), v.Geom.NX, v.Geom.NY, v.Geom.NZ, d.base, old.NX, old.NY, old.NZ)
	errs := []error{d.storms.Close()}
	if d.reader != nil {
		errs = append(errs, d.reader.Close())
	}
	d.storms, d.reader = nil, nil
	if empty {
		if err := errors.Join(errs...); err != nil {
			return fmt.Errorf("close %s: %w", d.base, err)
		}
		return archive.RemoveStormFile(d.base)
	}
	errs = append(errs, d.tracks.Close())
	d.tracks = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close %s: %w", d.base, err)
	}

	prev := d.base
	if err := d.fresh(); err != nil {
		return err
	}
	d.logf("%s: starting fresh archive after %s", d.base, prev)
	d.recovered("fresh")
	d.setGauges(0, 0)
	if o, ok := d.pub.(publish.ArchiveObserver); ok {
		if err := o.ArchiveChanged(ctx, d.base); err != nil {
			d.logf("archive change: %v", err)
		}
	}
	return nil
}

// track is the tracker loop.
func (d *Driver) track(ctx context.Context) error {
	silence := 3 * d.heartbeat
	for {
		sig, err := d.rv.Receive(ctx, silence)
		if errors.Is(err, ErrNoSignal) {
			d.logf("no signal from the producer for %s", silence)
			continue
		}
		if err != nil {
			return err
		}
		switch sig.Kind {
		case ScanReady:
			err := d.catchUp(ctx, sig.ScanIndex)
			sig.Ack(err)
			if err != nil {
				return err
			}
		case Quit:
			sig.Ack(nil)
			return nil
		default:
			sig.Ack(nil)
		}
	}
}

// catchUp tracks every stored scan up to and including upTo, or every
// stored scan when upTo is negative.
func (d *Driver) catchUp(ctx context.Context, upTo int) error {
	if d.reader == nil {
		r, err := archive.OpenStormReader(d.base)
		if err != nil {
			return fmt.Errorf("open storm reader: %w", err)
		}
		d.reader = r
	}
	if err := d.reader.LockForRead(); err != nil {
		return err
	}
	err := d.reader.Refresh()
	if uerr := d.reader.Unlock(); err == nil {
		err = uerr
	}
	if err != nil {
		return err
	}

	last := d.reader.ScanCount() - 1
	if upTo >= 0 {
		if upTo > last {
			return fmt.Errorf("scan %d announced but the storm archive holds %d scans", upTo, last+1)
		}
		last = upTo
	}
	for i := d.tracks.ScanCount(); i <= last; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.trackScan(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) readScan(i int) (*archive.Scan, error) {
	if err := d.reader.LockForRead(); err != nil {
		return nil, err
	}
	defer d.reader.Unlock()
	return d.reader.ReadScan(i)
}

// trackScan matches stored scan i and appends its track update. A lineage
// assertion abandons the update and restarts every track instead; the
// track archive is marked dirty so the next run rebuilds it.
func (d *Driver) trackScan(ctx context.Context, i int) error {
	stored, err := d.readScan(i)
	if err != nil {
		return fmt.Errorf("read scan %d: %w", i, err)
	}
	scan, err := tracks.ScanFromArchive(stored)
	if err != nil {
		return err
	}
	u, err := d.tracker.Track(scan)
	if errors.Is(err, tracks.ErrInconsistentLineage) {
		d.logf("scan %d: %v: abandoning track update and restarting tracks", i, err)
		if d.metrics != nil {
			d.metrics.LineageAssertions.Inc()
		}
		if err := d.withTrackLock(d.tracks.MarkDirty); err != nil {
			return fmt.Errorf("mark %s dirty: %w", d.tracks.Base(), err)
		}
		u, err = d.tracker.Restart(scan)
	}
	if err != nil {
		return fmt.Errorf("track scan %d: %w", i, err)
	}

	start := d.clock.Now()
	if err := d.withTrackLock(func() error { return tracks.WriteUpdate(d.tracks, u) }); err != nil {
		return fmt.Errorf("append track record %d: %w", i, err)
	}
	if d.metrics != nil {
		d.metrics.AppendDuration.WithLabelValues("track").Observe(d.clock.Since(start).Seconds())
		d.metrics.ScansTracked.Inc()
		for kind, n := range u.Counts() {
			d.metrics.TrackEvents.WithLabelValues(kind.String()).Add(float64(n))
		}
	}
	d.setGauges(-1, i+1)

	if d.pub != nil {
		if err := d.pub.Publish(ctx, u); err != nil {
			d.logf("publish scan %d: %v", i, err)
		}
	}
	return nil
}

func (d *Driver) withTrackLock(fn func() error) error {
	if err := d.tracks.LockForWrite(); err != nil {
		return err
	}
	err := fn()
	if uerr := d.tracks.Unlock(); err == nil {
		err = uerr
	}
	return err
}
