package catalog

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/stormtrack/internal/monitoring"
)

var adminLogf = monitoring.Component("catalog")

// AttachAdminRoutes mounts the debug index on mux with a live SQL console
// over the catalog at /debug/tailsql/ and a snapshot download at
// /debug/backup. Both answer only loopback and tailnet clients.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.ToSlash(db.path), db.DB, &tailsql.DBOptions{
		Label: "Track catalog",
	})
	debug.Handle("tailsql/", "SQL console over the track catalog", tsql.NewMux())
	debug.Handle("backup", "Download a gzipped snapshot of the track catalog", http.HandlerFunc(db.serveBackup))
	return nil
}

// serveBackup writes a consistent copy of the catalog with VACUUM INTO
// and streams it gzipped.
func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	name := fmt.Sprintf("catalog-%d.db", time.Now().Unix())
	tmp, err := os.MkdirTemp("", "catalog-backup")
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.RemoveAll(tmp); err != nil {
			adminLogf("failed to remove backup %s: %v", tmp, err)
		}
	}()

	path := filepath.Join(tmp, name)
	if _, err := db.ExecContext(r.Context(), "VACUUM INTO ?", path); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
	w.Header().Set("Content-Type", "application/gzip")
	zw := gzip.NewWriter(w)
	if _, err := io.Copy(zw, f); err != nil {
		adminLogf("backup %s: %v", name, err)
		return
	}
	if err := zw.Close(); err != nil {
		adminLogf("backup %s: %v", name, err)
	}
}
