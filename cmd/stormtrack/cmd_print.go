package main

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/stormtrack/internal/archive"
	"github.com/banshee-data/stormtrack/internal/props"
	"github.com/banshee-data/stormtrack/internal/tracks"
	"github.com/banshee-data/stormtrack/internal/units"
)

var printFlags struct {
	storms bool
	tracks bool
	scan   int
	units  string
	tz     string
}

var printCmd = &cobra.Command{
	Use:   "print <archive-base>",
	Short: "Dump a storm archive and its track archive",
	Long: `Print the contents of the archives at <archive-base>, the path printed
by "stormtrack run" (e.g. data/storms_20240517_210000). Storms and tracks
are both printed unless one of --storms or --tracks is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runPrint,
}

func init() {
	f := printCmd.Flags()
	f.BoolVar(&printFlags.storms, "storms", false, "Print only the storm archive")
	f.BoolVar(&printFlags.tracks, "tracks", false, "Print only the track archive")
	f.IntVar(&printFlags.scan, "scan", -1, "Print a single scan")
	f.StringVar(&printFlags.units, "units", units.KMH, "Speed units ("+units.ValidUnitsString()+")")
	f.StringVar(&printFlags.tz, "tz", "", "Time zone for scan times (default UTC)")
}

type printer struct {
	w     io.Writer
	units string
	loc   *time.Location
	scan  int
}

func runPrint(cmd *cobra.Command, args []string) error {
	if !units.IsValid(printFlags.units) {
		return fmt.Errorf("invalid --units %q: must be one of %s", printFlags.units, units.ValidUnitsString())
	}
	loc, err := units.Location(printFlags.tz)
	if err != nil {
		return err
	}
	p := &printer{w: cmd.OutOrStdout(), units: printFlags.units, loc: loc, scan: printFlags.scan}
	base := args[0]
	both := printFlags.storms == printFlags.tracks

	var printed bool
	if both || printFlags.storms {
		ok, err := p.printStorms(base)
		if err != nil {
			return err
		}
		printed = printed || ok
	}
	if both || printFlags.tracks {
		ok, err := p.printTracks(base)
		if err != nil {
			return err
		}
		printed = printed || ok
	}
	if !printed {
		return fmt.Errorf("no archives at %s", base)
	}
	return nil
}

func (p *printer) selected(i int) bool { return p.scan < 0 || p.scan == i }

func (p *printer) printStorms(base string) (bool, error) {
	f, err := archive.OpenStormReader(base)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	if err := f.LockForRead(); err != nil {
		return false, err
	}
	defer f.Unlock()
	if err := f.Refresh(); err != nil {
		return false, err
	}

	h := f.Header()
	g := h.Grid
	fmt.Fprintf(p.w, "storm archive %s\n", base)
	fmt.Fprintf(p.w, "  fingerprint %016x  scans %d  grid %dx%dx%d (%g x %g x %g)\n",
		h.Fingerprint, h.ScanCount, g.NX, g.NY, g.NZ, g.DX, g.DY, g.DZ)
	if h.ScanCount > 0 {
		fmt.Fprintf(p.w, "  %s to %s\n", units.FormatTime(h.Start, p.loc), units.FormatTime(h.End, p.loc))
	}
	for i := 0; i < f.ScanCount(); i++ {
		if !p.selected(i) {
			continue
		}
		s, err := f.ReadScan(i)
		if err != nil {
			return true, err
		}
		fmt.Fprintf(p.w, "scan %d  %s  %d storms\n", s.Index, units.FormatTime(s.Time, p.loc), len(s.Storms))
		for _, st := range s.Storms {
			pr, err := props.Decode(st.Props)
			if err != nil {
				return true, fmt.Errorf("scan %d storm %d: %w", s.Index, st.StormIndex, err)
			}
			hail := ""
			if pr.HailPresent {
				hail = "  hail"
			}
			fmt.Fprintf(p.w, "  storm %d  centroid (%.2f, %.2f)  vol %.1f km3  area %.1f km2  top %.1f km  max %.1f dBZ  mass %.1f kt%s\n",
				st.StormIndex, pr.CentroidX, pr.CentroidY, pr.VolumeKm3, pr.AreaKm2, pr.TopKm, pr.MaxDBZ, pr.MassKt, hail)
		}
	}
	return true, nil
}

func (p *printer) printTracks(base string) (bool, error) {
	f, err := archive.OpenTrackReader(base)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	if err := f.LockForRead(); err != nil {
		return false, err
	}
	defer f.Unlock()
	if err := f.Refresh(); err != nil {
		return false, err
	}

	h := f.Header()
	dirty := ""
	if h.Dirty {
		dirty = "  dirty (rebuilt on next run)"
	}
	fmt.Fprintf(p.w, "track archive %s\n", base)
	fmt.Fprintf(p.w, "  fingerprint %016x  scans %d%s\n", h.Fingerprint, h.ScanCount, dirty)
	for i := 0; i < f.ScanCount(); i++ {
		if !p.selected(i) {
			continue
		}
		u, err := tracks.ReadUpdate(f, i)
		if err != nil {
			return true, err
		}
		restart := ""
		if u.Restart {
			restart = "  restart"
		}
		fmt.Fprintf(p.w, "scan %d  %s  %d entries%s\n", u.ScanIndex, units.FormatTime(u.Time, p.loc), len(u.Entries), restart)
		for _, e := range u.Entries {
			p.printEntry(e)
		}
		for _, r := range u.Reassigned {
			fmt.Fprintf(p.w, "  simple %d  moved to complex %d\n", r.SimpleID, r.ComplexID)
		}
	}
	return true, nil
}

func (p *printer) printEntry(e tracks.Entry) {
	var b strings.Builder
	fmt.Fprintf(&b, "  simple %d  complex %d  %-8s", e.SimpleID, e.ComplexID, e.Event)
	if e.StormIndex >= 0 {
		fmt.Fprintf(&b, "  storm %d", e.StormIndex)
	}
	if len(e.Parents) > 0 {
		fmt.Fprintf(&b, "  parents %v", e.Parents)
	}
	if len(e.Children) > 0 {
		fmt.Fprintf(&b, "  children %v", e.Children)
	}
	if speed := math.Hypot(e.ForecastVX, e.ForecastVY); speed > 0 {
		fmt.Fprintf(&b, "  moving %.1f %s toward %.0f deg",
			units.ConvertSpeed(speed, p.units), p.units, units.Heading(e.ForecastVX, e.ForecastVY))
	}
	fmt.Fprintln(p.w, b.String())
}
