// Package api serves the track catalog and process metrics over HTTP.
package api

import (
	"database/sql"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/stormtrack/internal/catalog"
	"github.com/banshee-data/stormtrack/internal/monitoring"
	"github.com/banshee-data/stormtrack/internal/units"
)

// ANSI escape codes for the request log
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Server answers catalog queries and mounts the catalog's debug console.
// A nil catalog leaves only /healthz and /metrics.
type Server struct {
	db    *catalog.DB
	units string
	loc   *time.Location
}

// NewServer returns a server reporting speeds in the given unit and
// times in loc (nil means UTC).
func NewServer(db *catalog.DB, unit string, loc *time.Location) *Server {
	if !units.IsValid(unit) {
		unit = units.KMH
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Server{db: db, units: unit, loc: loc}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

var requestLogf = monitoring.Component("api")

// LoggingMiddleware logs method, path, status and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		requestLogf("%s %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux routes every endpoint.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.db != nil {
		mux.HandleFunc("GET /api/runs", s.listRuns)
		mux.HandleFunc("GET /api/runs/{run}/complex/{id}", s.showComplex)
		mux.HandleFunc("GET /api/runs/{run}/simple/{id}", s.showSimple)
		if err := s.db.AttachAdminRoutes(mux); err != nil {
			requestLogf("debug routes disabled: %v", err)
		}
	}
	return mux
}

// RunAPI is the JSON view of a run.
type RunAPI struct {
	ID          string  `json:"id"`
	ArchiveBase string  `json:"archive_base"`
	Started     string  `json:"started"`
	Finished    *string `json:"finished,omitempty"`
}

// ComplexAPI is the JSON view of a complex track and its simple tracks.
type ComplexAPI struct {
	ID        int         `json:"id"`
	StartScan int         `json:"start_scan"`
	LastScan  int         `json:"last_scan"`
	Retired   bool        `json:"retired"`
	Simples   []SimpleAPI `json:"simples"`
}

// SimpleAPI is the JSON view of a simple track.
type SimpleAPI struct {
	ID         int   `json:"id"`
	OriginScan int   `json:"origin_scan"`
	LastScan   int   `json:"last_scan"`
	Parents    []int `json:"parents,omitempty"`
	Children   []int `json:"children,omitempty"`
	Active     bool  `json:"active"`
}

// EntryAPI is the JSON view of one scan of a simple track. Speed is in
// the server's unit; Heading is degrees clockwise from north.
type EntryAPI struct {
	ScanIndex  int     `json:"scan_index"`
	Time       string  `json:"time"`
	StormIndex int     `json:"storm_index"`
	ComplexID  int     `json:"complex_id"`
	Event      string  `json:"event"`
	Parents    []int   `json:"parents,omitempty"`
	Children   []int   `json:"children,omitempty"`
	Speed      float64 `json:"speed"`
	Heading    float64 `json:"heading"`
	Units      string  `json:"units"`
}

func (s *Server) formatTime(t time.Time) string { return t.In(s.loc).Format(time.RFC3339) }

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.db.Runs(r.Context())
	if err != nil {
		fail(w, http.StatusInternalServerError, err, "failed to list runs")
		return
	}
	out := make([]RunAPI, len(runs))
	for i, run := range runs {
		out[i] = RunAPI{ID: run.ID, ArchiveBase: run.ArchiveBase, Started: s.formatTime(run.Started)}
		if !run.Finished.IsZero() {
			f := s.formatTime(run.Finished)
			out[i].Finished = &f
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func trackID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id < 0 {
		fail(w, http.StatusBadRequest, err, "invalid track id %q", r.PathValue("id"))
		return 0, false
	}
	return id, true
}

func (s *Server) showComplex(w http.ResponseWriter, r *http.Request) {
	id, ok := trackID(w, r)
	if !ok {
		return
	}
	run := r.PathValue("run")
	c, err := s.db.ComplexTrack(r.Context(), run, id)
	if errors.Is(err, sql.ErrNoRows) {
		fail(w, http.StatusNotFound, nil, "complex track %d not found", id)
		return
	}
	if err != nil {
		fail(w, http.StatusInternalServerError, err, "failed to load complex track %d", id)
		return
	}
	simples, err := s.db.SimpleTracks(r.Context(), run, id)
	if err != nil {
		fail(w, http.StatusInternalServerError, err, "failed to load simple tracks of complex %d", id)
		return
	}
	out := ComplexAPI{ID: c.ID, StartScan: c.StartScan, LastScan: c.LastScan, Retired: c.Retired, Simples: []SimpleAPI{}}
	for _, st := range simples {
		out.Simples = append(out.Simples, SimpleAPI{
			ID: st.ID, OriginScan: st.OriginScan, LastScan: st.LastScan,
			Parents: st.Parents, Children: st.Children, Active: st.Active,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) showSimple(w http.ResponseWriter, r *http.Request) {
	id, ok := trackID(w, r)
	if !ok {
		return
	}
	entries, err := s.db.SimpleTrackEntries(r.Context(), r.PathValue("run"), id)
	if err != nil {
		fail(w, http.StatusInternalServerError, err, "failed to load simple track %d", id)
		return
	}
	if len(entries) == 0 {
		fail(w, http.StatusNotFound, nil, "simple track %d not found", id)
		return
	}
	out := make([]EntryAPI, len(entries))
	for i, e := range entries {
		out[i] = EntryAPI{
			ScanIndex:  e.ScanIndex,
			Time:       s.formatTime(e.Time),
			StormIndex: e.StormIndex,
			ComplexID:  e.ComplexID,
			Event:      e.Event.String(),
			Parents:    e.Parents,
			Children:   e.Children,
			Speed:      units.ConvertSpeed(math.Hypot(e.ForecastVX, e.ForecastVY), s.units),
			Heading:    units.Heading(e.ForecastVX, e.ForecastVY),
			Units:      s.units,
		}
	}
	writeJSON(w, http.StatusOK, out)
}
