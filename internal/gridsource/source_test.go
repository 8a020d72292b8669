package gridsource

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/stormtrack/internal/testutil"
)

func writeSequence(t *testing.T, dir string, n int) []time.Time {
	t.Helper()
	g := testutil.FlatGrid(8, 8, 2)
	vols := testutil.Sequence(g, n, 5*time.Minute, 1, 0, testutil.Blob{X: 2, Y: 4, Radius: 2, Peak: 50, Edge: 40})
	times := make([]time.Time, n)
	// Written newest first so ordering comes from names, not creation order.
	for i := n - 1; i >= 0; i-- {
		_, err := WriteVolume(dir, vols[i])
		require.NoError(t, err)
		times[i] = vols[i].Time
	}
	return times
}

func TestVolumeFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	g := testutil.FlatGrid(6, 5, 3)
	v := testutil.Volume(g, testutil.Epoch, 10, testutil.Blob{X: 3, Y: 2, Radius: 2, Peak: 55, Edge: 40, Top: 2})
	v.Velocity = make([]float32, g.NCells())
	v.Velocity[7] = 12.5

	path, err := WriteVolume(dir, v)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "20240517_210000.vol.gz"), path)

	got, err := ReadVolume(path)
	require.NoError(t, err)
	assert.True(t, got.Time.Equal(v.Time))
	assert.Equal(t, v.Geom, got.Geom)
	assert.Equal(t, v.Values, got.Values)
	assert.Equal(t, v.Velocity, got.Velocity)
	assert.Equal(t, v.Missing, got.Missing)

	leftovers, err := filepath.Glob(filepath.Join(dir, ".vol-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestParseFileName(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
		want time.Time
	}{
		{"20240517_210000.vol.gz", true, testutil.Epoch},
		{"/data/in/20240517_210500.vol.gz", true, testutil.Epoch.Add(5 * time.Minute)},
		{"20240517_210000.vol", false, time.Time{}},
		{"latest.vol.gz", false, time.Time{}},
		{".vol-123456", false, time.Time{}},
	}
	for _, tt := range tests {
		got, ok := ParseFileName(tt.name)
		assert.Equal(t, tt.ok, ok, tt.name)
		assert.True(t, got.Equal(tt.want), tt.name)
	}
	assert.Equal(t, "20240517_210000.vol.gz", FileName(testutil.Epoch))
}

func TestReadVolumeRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName(testutil.Epoch))
	require.NoError(t, os.WriteFile(path, []byte("not a volume"), 0o644))
	_, err := ReadVolume(path)
	assert.ErrorIs(t, err, ErrBadVolumeFile)
}

func TestDirSourceArchiveMode(t *testing.T) {
	dir := t.TempDir()
	want := writeSequence(t, dir, 4)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("x"), 0o644))

	src, err := NewDirSource(Options{Dir: dir})
	require.NoError(t, err)
	defer src.Close()

	times, err := src.Times()
	require.NoError(t, err)
	require.Len(t, times, 4)

	ctx := context.Background()
	for i := range want {
		v, err := src.Next(ctx)
		require.NoError(t, err)
		assert.True(t, v.Time.Equal(want[i]), "volume %d at %v", i, v.Time)
	}
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, ErrNoMoreVolumes)
}

func TestDirSourceResumeAndRange(t *testing.T) {
	dir := t.TempDir()
	want := writeSequence(t, dir, 5)

	src, err := NewDirSource(Options{Dir: dir, Start: want[1], End: want[3]})
	require.NoError(t, err)
	defer src.Close()

	times, err := src.Times()
	require.NoError(t, err)
	assert.Len(t, times, 3)

	src.Resume(want[1])
	ctx := context.Background()
	v, err := src.Next(ctx)
	require.NoError(t, err)
	assert.True(t, v.Time.Equal(want[2]))
	v, err = src.Next(ctx)
	require.NoError(t, err)
	assert.True(t, v.Time.Equal(want[3]))
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, ErrNoMoreVolumes)
}

func TestDirSourceSkipsBadFile(t *testing.T) {
	dir := t.TempDir()
	want := writeSequence(t, dir, 2)
	bad := testutil.Epoch.Add(time.Minute)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName(bad)), []byte("junk"), 0o644))

	src, err := NewDirSource(Options{Dir: dir})
	require.NoError(t, err)
	defer src.Close()

	ctx := context.Background()
	v, err := src.Next(ctx)
	require.NoError(t, err)
	assert.True(t, v.Time.Equal(want[0]))

	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, ErrBadVolumeFile)

	v, err = src.Next(ctx)
	require.NoError(t, err)
	assert.True(t, v.Time.Equal(want[1]))
}

func TestDirSourceRealtimeNotReady(t *testing.T) {
	dir := t.TempDir()
	clock := clockwork.NewFakeClock()
	src, err := NewDirSource(Options{Dir: dir, Realtime: true, PollInterval: time.Minute, Clock: clock})
	require.NoError(t, err)
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		_, err := src.Next(ctx)
		errc <- err
	}()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)
	assert.ErrorIs(t, <-errc, ErrNotReady)
}

func TestDirSourceRealtimePicksUpNewFile(t *testing.T) {
	dir := t.TempDir()
	src, err := NewDirSource(Options{Dir: dir, Realtime: true, PollInterval: 50 * time.Millisecond})
	require.NoError(t, err)
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g := testutil.FlatGrid(4, 4, 1)
	_, err = WriteVolume(dir, testutil.Volume(g, testutil.Epoch, 0))
	require.NoError(t, err)

	for {
		v, err := src.Next(ctx)
		if errors.Is(err, ErrNotReady) {
			continue
		}
		require.NoError(t, err)
		assert.True(t, v.Time.Equal(testutil.Epoch))
		return
	}
}

func TestDirSourceCancelled(t *testing.T) {
	src, err := NewDirSource(Options{Dir: t.TempDir(), Realtime: true})
	require.NoError(t, err)
	defer src.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewDirSourceMissingDir(t *testing.T) {
	_, err := NewDirSource(Options{Dir: filepath.Join(t.TempDir(), "absent")})
	assert.Error(t, err)
}
