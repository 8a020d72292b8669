package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/stormtrack/internal/testutil"
	"github.com/banshee-data/stormtrack/internal/tracks"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func startTestRun(t *testing.T, db *DB) string {
	t.Helper()
	id, err := db.StartRun(context.Background(), RunInfo{
		ArchiveBase:      "/data/storms",
		StormFingerprint: 0xabc,
		TrackFingerprint: 0xdef,
		Started:          testutil.Epoch,
	})
	require.NoError(t, err)
	return id
}

func TestOpenMigrates(t *testing.T) {
	db := openTestDB(t)
	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// Re-running migrations is a no-op.
	require.NoError(t, db.MigrateUp())
}

func TestReopenKeepsRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	db, err := Open(path)
	require.NoError(t, err)
	id := startTestRun(t, db)
	require.NoError(t, db.FinishRun(context.Background(), id, testutil.Epoch.Add(time.Hour)))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	runs, err := db.Runs(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].ID)
	assert.Equal(t, "/data/storms", runs[0].ArchiveBase)
	assert.True(t, runs[0].Finished.Equal(testutil.Epoch.Add(time.Hour)))
}

func TestFinishUnknownRun(t *testing.T) {
	db := openTestDB(t)
	assert.Error(t, db.FinishRun(context.Background(), "missing", testutil.Epoch))
	assert.Error(t, db.SetArchiveBase(context.Background(), "missing", "/data/x"))
}

func TestSetArchiveBase(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	id := startTestRun(t, db)
	require.NoError(t, db.SetArchiveBase(ctx, id, "/data/storms_20240517_210000"))

	runs, err := db.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "/data/storms_20240517_210000", runs[0].ArchiveBase)
}

func TestRecordUpdate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	run := startTestRun(t, db)

	first := &tracks.Update{
		ScanIndex: 0,
		Time:      testutil.Epoch,
		Entries: []tracks.Entry{
			{ScanIndex: 0, StormIndex: 0, SimpleID: 1, ComplexID: 1, Event: tracks.EventStart},
			{ScanIndex: 0, StormIndex: 1, SimpleID: 2, ComplexID: 2, Event: tracks.EventStart},
		},
		Simples: []tracks.SimpleTrack{
			{ID: 1, ComplexID: 1, OriginScan: 0, LastScan: 0, Active: true},
			{ID: 2, ComplexID: 2, OriginScan: 0, LastScan: 0, Active: true},
		},
		Complexes: []tracks.ComplexTrack{
			{ID: 1, Simples: []int{1}, StartScan: 0, LastScan: 0},
			{ID: 2, Simples: []int{2}, StartScan: 0, LastScan: 0},
		},
	}
	require.NoError(t, db.RecordUpdate(ctx, run, first))

	// Scan 1: tracks 1 and 2 merge into 3, complex 2 is absorbed by 1.
	merge := &tracks.Update{
		ScanIndex: 1,
		Time:      testutil.Epoch.Add(5 * time.Minute),
		Entries: []tracks.Entry{
			{ScanIndex: 1, StormIndex: 0, SimpleID: 3, ComplexID: 1, Parents: []int{1, 2}, Event: tracks.EventMerge, ForecastVX: 12},
			{ScanIndex: 1, StormIndex: -1, SimpleID: 1, ComplexID: 1, Children: []int{3}, Event: tracks.EventMerge},
			{ScanIndex: 1, StormIndex: -1, SimpleID: 2, ComplexID: 1, Children: []int{3}, Event: tracks.EventMerge},
		},
		Simples: []tracks.SimpleTrack{
			{ID: 1, ComplexID: 1, OriginScan: 0, LastScan: 0, Children: []int{3}},
			{ID: 2, ComplexID: 1, OriginScan: 0, LastScan: 0, Children: []int{3}},
			{ID: 3, ComplexID: 1, OriginScan: 1, LastScan: 1, Parents: []int{1, 2}, Active: true},
		},
		Complexes: []tracks.ComplexTrack{{ID: 1, Simples: []int{1, 2, 3}, StartScan: 0, LastScan: 1}},
		Retired:   []int{2},
	}
	require.NoError(t, db.RecordUpdate(ctx, run, merge))

	entries, err := db.SimpleTrackEntries(ctx, run, 3)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, tracks.EventMerge, entries[0].Event)
	assert.Equal(t, []int{1, 2}, entries[0].Parents)
	assert.Nil(t, entries[0].Children)
	assert.InDelta(t, 12, entries[0].ForecastVX, 1e-9)
	assert.True(t, entries[0].Time.Equal(merge.Time))

	entries, err = db.SimpleTrackEntries(ctx, run, 1)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, tracks.EventStart, entries[0].Event)
	assert.Equal(t, -1, entries[1].StormIndex)
	assert.Equal(t, []int{3}, entries[1].Children)

	simples, err := db.SimpleTracks(ctx, run, 1)
	require.NoError(t, err)
	require.Len(t, simples, 3)
	assert.False(t, simples[0].Active)
	assert.Equal(t, []int{3}, simples[1].Children)
	assert.True(t, simples[2].Active)

	c, err := db.ComplexTrack(ctx, run, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, c.NSimples)
	assert.Equal(t, 1, c.LastScan)
	assert.False(t, c.Retired)

	retired, err := db.ComplexTrack(ctx, run, 2)
	require.NoError(t, err)
	assert.True(t, retired.Retired)
}

func TestRecordUpdateMovesEndedSimples(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	run := startTestRun(t, db)

	require.NoError(t, db.RecordUpdate(ctx, run, &tracks.Update{
		ScanIndex: 0,
		Time:      testutil.Epoch,
		Simples: []tracks.SimpleTrack{
			{ID: 1, ComplexID: 1, Active: true},
			{ID: 2, ComplexID: 2, Children: []int{3}},
			{ID: 3, ComplexID: 2, Active: true},
		},
		Complexes: []tracks.ComplexTrack{{ID: 1, Simples: []int{1}}, {ID: 2, Simples: []int{2, 3}}},
	}))

	// Complex 2 is absorbed; track 2 ended before the scan.
	require.NoError(t, db.RecordUpdate(ctx, run, &tracks.Update{
		ScanIndex:  1,
		Time:       testutil.Epoch.Add(5 * time.Minute),
		Simples:    []tracks.SimpleTrack{{ID: 3, ComplexID: 1, LastScan: 1, Active: true}},
		Complexes:  []tracks.ComplexTrack{{ID: 1, Simples: []int{1, 2, 3}, LastScan: 1}},
		Retired:    []int{2},
		Reassigned: []tracks.Reassignment{{SimpleID: 2, ComplexID: 1}},
	}))

	simples, err := db.SimpleTracks(ctx, run, 1)
	require.NoError(t, err)
	var ids []int
	for _, st := range simples {
		ids = append(ids, st.ID)
	}
	assert.Equal(t, []int{1, 2, 3}, ids)
	assert.Equal(t, []int{3}, simples[1].Children)

	simples, err = db.SimpleTracks(ctx, run, 2)
	require.NoError(t, err)
	assert.Empty(t, simples)
}

func TestRunsAreIsolated(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	a := startTestRun(t, db)
	b := startTestRun(t, db)
	assert.NotEqual(t, a, b)

	u := &tracks.Update{
		Time:    testutil.Epoch,
		Entries: []tracks.Entry{{SimpleID: 1, ComplexID: 1, Event: tracks.EventStart}},
	}
	require.NoError(t, db.RecordUpdate(ctx, a, u))

	got, err := db.SimpleTrackEntries(ctx, b, 1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRecordUpdateUnknownRun(t *testing.T) {
	db := openTestDB(t)
	u := &tracks.Update{
		Time:    testutil.Epoch,
		Entries: []tracks.Entry{{SimpleID: 1, ComplexID: 1, Event: tracks.EventStart}},
	}
	assert.Error(t, db.RecordUpdate(context.Background(), "no-such-run", u))
}

func TestRecorder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	run := startTestRun(t, db)
	rec := db.Recorder(run)
	assert.Equal(t, run, rec.RunID())

	u := &tracks.Update{
		Time:    testutil.Epoch,
		Entries: []tracks.Entry{{SimpleID: 7, ComplexID: 7, Event: tracks.EventStart}},
		Simples: []tracks.SimpleTrack{{ID: 7, ComplexID: 7, Active: true}},
	}
	require.NoError(t, rec.Publish(ctx, u))
	require.NoError(t, rec.Close())

	got, err := db.SimpleTrackEntries(ctx, run, 7)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	runs, err := db.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Finished.IsZero())
}

func TestRecorderArchiveChanged(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	first := startTestRun(t, db)
	rec := db.Recorder(first)

	require.NoError(t, rec.ArchiveChanged(ctx, "/data/storms_20240517_220000"))
	second := rec.RunID()
	assert.NotEqual(t, first, second)

	u := &tracks.Update{
		Time:    testutil.Epoch,
		Entries: []tracks.Entry{{SimpleID: 1, ComplexID: 1, Event: tracks.EventStart}},
		Simples: []tracks.SimpleTrack{{ID: 1, ComplexID: 1, Active: true}},
	}
	require.NoError(t, rec.Publish(ctx, u))
	require.NoError(t, rec.Close())

	got, err := db.SimpleTrackEntries(ctx, second, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	got, err = db.SimpleTrackEntries(ctx, first, 1)
	require.NoError(t, err)
	assert.Empty(t, got)

	runs, err := db.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	byID := map[string]RunRow{}
	for _, r := range runs {
		byID[r.ID] = r
	}
	assert.False(t, byID[first].Finished.IsZero())
	assert.False(t, byID[second].Finished.IsZero())
	assert.Equal(t, "/data/storms_20240517_220000", byID[second].ArchiveBase)
	var fp string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT storm_fingerprint FROM runs WHERE run_id = ?`, second).Scan(&fp))
	assert.Equal(t, "abc", fp)

	assert.Error(t, db.Recorder("no-such-run").ArchiveChanged(ctx, "/data/x"))
}
