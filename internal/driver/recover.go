package driver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/banshee-data/stormtrack/internal/archive"
	"github.com/banshee-data/stormtrack/internal/security"
)

// StampLayout is the date stamp of date-stamped archive names.
const StampLayout = "20060102_150405"

// MatchingPrefix returns how many leading stored times equal the expected
// input times. An archive may begin part way through the input, after a
// grid change or once old input files are gone, so the comparison starts
// at the first expected time not before the first stored one.
func MatchingPrefix(stored, expected []time.Time) int {
	if len(stored) == 0 {
		return 0
	}
	j := sort.Search(len(expected), func(i int) bool { return !expected[i].Before(stored[0]) })
	expected = expected[j:]
	n := min(len(stored), len(expected))
	for i := 0; i < n; i++ {
		if !stored[i].Equal(expected[i]) {
			return i
		}
	}
	return n
}

// Recover truncates the storm archive to the scans that agree with the
// expected input times, and the track archive (which may be nil) to at
// most as many records. It returns the number of scans kept.
func Recover(sf *archive.StormFile, tf *archive.TrackFile, expected []time.Time) (int, error) {
	if err := sf.LockForWrite(); err != nil {
		return 0, err
	}
	defer sf.Unlock()

	keep := MatchingPrefix(sf.ScanTimes(), expected)
	if keep < sf.ScanCount() {
		if err := sf.TruncateToScan(keep); err != nil {
			return 0, fmt.Errorf("truncate %s to %d scans: %w", sf.Base(), keep, err)
		}
	}
	if tf != nil && tf.ScanCount() > keep {
		if err := tf.TruncateToScan(keep); err != nil {
			return 0, fmt.Errorf("truncate %s to %d records: %w", tf.Base(), keep, err)
		}
	}
	return keep, nil
}

// archiveBase returns the base path for the archives. With date-stamped
// names the newest existing stamped archive is reused; fresh asks for a
// new stamp at now instead, moved on a second at a time past any
// archive already using it.
func archiveBase(dir, prefix string, stamped, fresh bool, now time.Time) (string, error) {
	prefix = security.SanitizeFilename(prefix)
	if !stamped {
		return filepath.Join(dir, prefix), nil
	}
	if !fresh {
		if base, ok, err := latestStampedBase(dir, prefix); err != nil || ok {
			return base, err
		}
	}
	for {
		base := filepath.Join(dir, prefix+"_"+now.UTC().Format(StampLayout))
		if !exists(archive.StormHeaderPath(base)) && !exists(archive.TrackHeaderPath(base)) {
			return base, nil
		}
		now = now.Add(time.Second)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// latestStampedBase finds the newest <prefix>_<stamp> storm archive in dir.
func latestStampedBase(dir, prefix string) (string, bool, error) {
	matches, err := filepath.Glob(archive.StormHeaderPath(filepath.Join(dir, prefix+"_*")))
	if err != nil {
		return "", false, err
	}
	var bases []string
	for _, m := range matches {
		base := strings.TrimSuffix(m, filepath.Ext(m))
		stamp := strings.TrimPrefix(filepath.Base(base), prefix+"_")
		if _, err := time.Parse(StampLayout, stamp); err == nil {
			bases = append(bases, base)
		}
	}
	if len(bases) == 0 {
		return "", false, nil
	}
	sort.Strings(bases)
	return bases[len(bases)-1], true, nil
}

// discard removes the archives at base so they can be recreated.
func discard(base string) error {
	return errors.Join(archive.RemoveStormFile(base), archive.RemoveTrackFile(base))
}
