package driver

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/stormtrack/internal/archive"
	"github.com/banshee-data/stormtrack/internal/testutil"
)

func scanTime(i int) time.Time { return testutil.Epoch.Add(time.Duration(i) * 5 * time.Minute) }

// seedArchives writes n empty scans and n track records at base.
func seedArchives(t *testing.T, base string, n int) (*archive.StormFile, *archive.TrackFile) {
	t.Helper()
	sf, err := archive.CreateStormFile(base, 1, testutil.FlatGrid(4, 4, 1))
	require.NoError(t, err)
	tf, err := archive.CreateTrackFile(base, 2)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := sf.AppendScan(&archive.Scan{Index: i, Time: scanTime(i), Grid: testutil.FlatGrid(4, 4, 1)})
		require.NoError(t, err)
		require.NoError(t, tf.Append(i, scanTime(i), []byte{byte(i)}))
	}
	t.Cleanup(func() {
		sf.Close()
		tf.Close()
	})
	return sf, tf
}

func times(n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = scanTime(i)
	}
	return out
}

func TestMatchingPrefix(t *testing.T) {
	diverged := times(5)
	diverged[3] = diverged[3].Add(time.Second)

	tests := []struct {
		name     string
		stored   []time.Time
		expected []time.Time
		want     int
	}{
		{"identical", times(5), times(5), 5},
		{"input longer", times(3), times(6), 3},
		{"input shorter", times(5), times(2), 2},
		{"diverges", times(5), diverged, 3},
		{"empty archive", nil, times(4), 0},
		{"no input", times(4), nil, 0},
		{"archive starts later", times(6)[2:], times(6), 4},
		{"archive start not in input", []time.Time{times(3)[1].Add(time.Second)}, times(3), 0},
		{"input starts later", times(4), times(4)[1:], 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchingPrefix(tt.stored, tt.expected))
		})
	}
}

func TestRecoverTruncatesToAgreeingScans(t *testing.T) {
	const n, m = 6, 4
	sf, tf := seedArchives(t, filepath.Join(t.TempDir(), "storms"), n)

	expected := times(n + 2)
	expected[m] = expected[m].Add(30 * time.Second)

	keep, err := Recover(sf, tf, expected)
	require.NoError(t, err)
	assert.Equal(t, m, keep)
	assert.Equal(t, m, sf.ScanCount())
	assert.Equal(t, m, tf.ScanCount())
	assert.Equal(t, times(m), sf.ScanTimes())

	// The truncation is on disk.
	reopened, err := archive.OpenStormReader(sf.Base())
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, m, reopened.ScanCount())
}

func TestRecoverKeepsShorterTrackArchive(t *testing.T) {
	base := filepath.Join(t.TempDir(), "storms")
	sf, tf := seedArchives(t, base, 5)
	require.NoError(t, tf.TruncateToScan(2))

	keep, err := Recover(sf, tf, times(5))
	require.NoError(t, err)
	assert.Equal(t, 5, keep)
	assert.Equal(t, 5, sf.ScanCount())
	assert.Equal(t, 2, tf.ScanCount())
}

func TestRecoverWithoutTrackArchive(t *testing.T) {
	sf, _ := seedArchives(t, filepath.Join(t.TempDir(), "storms"), 3)
	keep, err := Recover(sf, nil, times(1))
	require.NoError(t, err)
	assert.Equal(t, 1, keep)
	assert.Equal(t, 1, sf.ScanCount())
}

func TestArchiveBase(t *testing.T) {
	dir := t.TempDir()
	now := testutil.Epoch

	base, err := archiveBase(dir, "storms", false, true, now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "storms"), base)

	base, err = archiveBase(dir, "KFTG storms", true, false, now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "KFTG_storms_20240517_210000"), base)

	for _, stamp := range []string{"20240516_120000", "20240517_080000"} {
		require.NoError(t, os.WriteFile(archive.StormHeaderPath(filepath.Join(dir, "storms_"+stamp)), nil, 0o644))
	}
	require.NoError(t, os.WriteFile(archive.StormHeaderPath(filepath.Join(dir, "storms_latest")), nil, 0o644))

	base, err = archiveBase(dir, "storms", true, false, now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "storms_20240517_080000"), base)

	base, err = archiveBase(dir, "storms", true, true, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "storms_20240517_220000"), base)

	// A fresh stamp never lands on an archive that already exists.
	require.NoError(t, os.WriteFile(archive.TrackHeaderPath(base), nil, 0o644))
	base, err = archiveBase(dir, "storms", true, true, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "storms_20240517_220001"), base)
}
