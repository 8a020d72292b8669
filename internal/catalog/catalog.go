// Package catalog mirrors track output into a sqlite database so tracks
// can be queried without replaying the track archive. Each process run
// gets its own run id; rows from different runs never mix.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/stormtrack/internal/tracks"
)

// DB is an open catalog database.
type DB struct {
	*sql.DB
	path string
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
}

// Open opens or creates the catalog at path and migrates it to the
// latest schema.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	// One connection keeps per-connection pragmas in force.
	sqlDB.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("catalog %q: %w", p, err)
		}
	}
	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// RunInfo describes one driver run.
type RunInfo struct {
	ArchiveBase      string
	StormFingerprint uint64
	TrackFingerprint uint64
	Started          time.Time
}

// StartRun records a new run and returns its id.
func (db *DB) StartRun(ctx context.Context, info RunInfo) (string, error) {
	id := uuid.NewString()
	_, err := db.ExecContext(ctx, `
		INSERT INTO runs (run_id, archive_base, storm_fingerprint, track_fingerprint, started_unix_ns)
		VALUES (?, ?, ?, ?, ?)`,
		id, info.ArchiveBase,
		strconv.FormatUint(info.StormFingerprint, 16),
		strconv.FormatUint(info.TrackFingerprint, 16),
		info.Started.UnixNano())
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	return id, nil
}

// SetArchiveBase records the archive path prefix a run writes to. The
// driver picks the base only after the run has been registered.
func (db *DB) SetArchiveBase(ctx context.Context, runID, base string) error {
	res, err := db.ExecContext(ctx, `UPDATE runs SET archive_base = ? WHERE run_id = ?`, base, runID)
	if err != nil {
		return fmt.Errorf("failed to set archive base: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to set archive base: unknown run %s", runID)
	}
	return nil
}

// continueRun starts a run at base that inherits prev's fingerprints.
func (db *DB) continueRun(ctx context.Context, prev, base string, at time.Time) (string, error) {
	id := uuid.NewString()
	res, err := db.ExecContext(ctx, `
		INSERT INTO runs (run_id, archive_base, storm_fingerprint, track_fingerprint, started_unix_ns)
		SELECT ?, ?, storm_fingerprint, track_fingerprint, ? FROM runs WHERE run_id = ?`,
		id, base, at.UnixNano(), prev)
	if err != nil {
		return "", fmt.Errorf("failed to continue run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", fmt.Errorf("failed to continue run: unknown run %s", prev)
	}
	return id, nil
}

// FinishRun stamps the run's end time.
func (db *DB) FinishRun(ctx context.Context, runID string, at time.Time) error {
	res, err := db.ExecContext(ctx, `UPDATE runs SET finished_unix_ns = ? WHERE run_id = ?`, at.UnixNano(), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to finish run: unknown run %s", runID)
	}
	return nil
}

func idList(ids []int) string {
	if len(ids) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

func parseIDList(s string) ([]int, error) {
	var ids []int
	if err := json.Unmarshal([]byte(s), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// RecordUpdate stores one scan's track update in a single transaction:
// its entries plus the latest state of every track it touched.
func (db *DB) RecordUpdate(ctx context.Context, runID string, u *tracks.Update) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin catalog update: %w", err)
	}
	defer tx.Rollback()

	for _, e := range u.Entries {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO track_entries
				(run_id, scan_index, scan_unix_ns, storm_index, simple_id, complex_id, event, parents, children, forecast_vx_kmh, forecast_vy_kmh)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, e.ScanIndex, u.Time.UnixNano(), e.StormIndex, e.SimpleID, e.ComplexID,
			e.Event.String(), idList(e.Parents), idList(e.Children), e.ForecastVX, e.ForecastVY)
		if err != nil {
			return fmt.Errorf("failed to insert entry for simple track %d: %w", e.SimpleID, err)
		}
	}
	for _, s := range u.Simples {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO simple_tracks (run_id, simple_id, complex_id, origin_scan, last_scan, parents, children, active)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (run_id, simple_id) DO UPDATE SET
				complex_id = excluded.complex_id,
				last_scan = excluded.last_scan,
				parents = excluded.parents,
				children = excluded.children,
				active = excluded.active`,
			runID, s.ID, s.ComplexID, s.OriginScan, s.LastScan, idList(s.Parents), idList(s.Children), boolInt(s.Active))
		if err != nil {
			return fmt.Errorf("failed to upsert simple track %d: %w", s.ID, err)
		}
	}
	for _, c := range u.Complexes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO complex_tracks (run_id, complex_id, start_scan, last_scan, n_simples)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (run_id, complex_id) DO UPDATE SET
				start_scan = excluded.start_scan,
				last_scan = excluded.last_scan,
				n_simples = excluded.n_simples`,
			runID, c.ID, c.StartScan, c.LastScan, len(c.Simples))
		if err != nil {
			return fmt.Errorf("failed to upsert complex track %d: %w", c.ID, err)
		}
	}
	for _, id := range u.Retired {
		if _, err := tx.ExecContext(ctx,
			`UPDATE complex_tracks SET retired = 1 WHERE run_id = ? AND complex_id = ?`, runID, id); err != nil {
			return fmt.Errorf("failed to retire complex track %d: %w", id, err)
		}
	}
	for _, r := range u.Reassigned {
		if _, err := tx.ExecContext(ctx,
			`UPDATE simple_tracks SET complex_id = ? WHERE run_id = ? AND simple_id = ?`, r.ComplexID, runID, r.SimpleID); err != nil {
			return fmt.Errorf("failed to move simple track %d: %w", r.SimpleID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit catalog update: %w", err)
	}
	return nil
}

// EntryRow is a stored track entry.
type EntryRow struct {
	tracks.Entry
	Time time.Time
}

// SimpleTrackEntries returns every entry of one simple track in scan order.
func (db *DB) SimpleTrackEntries(ctx context.Context, runID string, simpleID int) ([]EntryRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT scan_index, scan_unix_ns, storm_index, simple_id, complex_id, event, parents, children, forecast_vx_kmh, forecast_vy_kmh
		FROM track_entries WHERE run_id = ? AND simple_id = ?
		ORDER BY scan_index`, runID, simpleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var out []EntryRow
	for rows.Next() {
		var r EntryRow
		var ns int64
		var event, parents, children string
		if err := rows.Scan(&r.ScanIndex, &ns, &r.StormIndex, &r.SimpleID, &r.ComplexID, &event,
			&parents, &children, &r.ForecastVX, &r.ForecastVY); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		if err := r.Event.UnmarshalText([]byte(event)); err != nil {
			return nil, err
		}
		if r.Parents, err = parseIDList(parents); err != nil {
			return nil, fmt.Errorf("entry parents: %w", err)
		}
		if r.Children, err = parseIDList(children); err != nil {
			return nil, fmt.Errorf("entry children: %w", err)
		}
		r.Time = time.Unix(0, ns).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// SimpleTrackRow is the stored state of a simple track.
type SimpleTrackRow struct {
	ID         int
	ComplexID  int
	OriginScan int
	LastScan   int
	Parents    []int
	Children   []int
	Active     bool
}

// SimpleTracks returns every simple track belonging to a complex track,
// ordered by id.
func (db *DB) SimpleTracks(ctx context.Context, runID string, complexID int) ([]SimpleTrackRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT simple_id, complex_id, origin_scan, last_scan, parents, children, active
		FROM simple_tracks WHERE run_id = ? AND complex_id = ?
		ORDER BY simple_id`, runID, complexID)
	if err != nil {
		return nil, fmt.Errorf("failed to query simple tracks: %w", err)
	}
	defer rows.Close()

	var out []SimpleTrackRow
	for rows.Next() {
		var r SimpleTrackRow
		var parents, children string
		var active int
		if err := rows.Scan(&r.ID, &r.ComplexID, &r.OriginScan, &r.LastScan, &parents, &children, &active); err != nil {
			return nil, fmt.Errorf("failed to scan simple track: %w", err)
		}
		if r.Parents, err = parseIDList(parents); err != nil {
			return nil, err
		}
		if r.Children, err = parseIDList(children); err != nil {
			return nil, err
		}
		r.Active = active != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// ComplexTrackRow is the stored state of a complex track.
type ComplexTrackRow struct {
	ID        int
	StartScan int
	LastScan  int
	NSimples  int
	Retired   bool
}

// ComplexTrack returns one complex track.
func (db *DB) ComplexTrack(ctx context.Context, runID string, complexID int) (*ComplexTrackRow, error) {
	var r ComplexTrackRow
	var retired int
	err := db.QueryRowContext(ctx, `
		SELECT complex_id, start_scan, last_scan, n_simples, retired
		FROM complex_tracks WHERE run_id = ? AND complex_id = ?`, runID, complexID).
		Scan(&r.ID, &r.StartScan, &r.LastScan, &r.NSimples, &retired)
	if err != nil {
		return nil, fmt.Errorf("failed to load complex track %d: %w", complexID, err)
	}
	r.Retired = retired != 0
	return &r, nil
}

// RunRow is a stored run.
type RunRow struct {
	ID          string
	ArchiveBase string
	Started     time.Time
	Finished    time.Time // zero while running or after a crash
}

// Runs lists every run, oldest first.
func (db *DB) Runs(ctx context.Context) ([]RunRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT run_id, archive_base, started_unix_ns, finished_unix_ns
		FROM runs ORDER BY started_unix_ns, run_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var r RunRow
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&r.ID, &r.ArchiveBase, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Started = time.Unix(0, started).UTC()
		if finished.Valid {
			r.Finished = time.Unix(0, finished.Int64).UTC()
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Recorder writes one run's track updates to the catalog. It satisfies
// publish.Publisher and publish.ArchiveObserver.
type Recorder struct {
	db    *DB
	mu    sync.Mutex
	runID string
}

// Recorder returns a recorder for runID.
func (db *DB) Recorder(runID string) *Recorder { return &Recorder{db: db, runID: runID} }

// RunID returns the run the recorder writes to.
func (r *Recorder) RunID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runID
}

// Publish records u.
func (r *Recorder) Publish(ctx context.Context, u *tracks.Update) error {
	return r.db.RecordUpdate(ctx, r.RunID(), u)
}

// ArchiveChanged finishes the current run and continues in a new run at
// base with the same fingerprints.
func (r *Recorder) ArchiveChanged(ctx context.Context, base string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if err := r.db.FinishRun(ctx, r.runID, now); err != nil {
		return err
	}
	id, err := r.db.continueRun(ctx, r.runID, base, now)
	if err != nil {
		return err
	}
	r.runID = id
	return nil
}

// Close marks the run finished. The database stays open.
func (r *Recorder) Close() error {
	return r.db.FinishRun(context.Background(), r.RunID(), time.Now().UTC())
}
