package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/stormtrack/internal/api"
	"github.com/banshee-data/stormtrack/internal/catalog"
	"github.com/banshee-data/stormtrack/internal/config"
	"github.com/banshee-data/stormtrack/internal/driver"
	"github.com/banshee-data/stormtrack/internal/gridsource"
	"github.com/banshee-data/stormtrack/internal/monitoring"
	"github.com/banshee-data/stormtrack/internal/publish"
	"github.com/banshee-data/stormtrack/internal/units"
	"github.com/banshee-data/stormtrack/internal/version"
)

var runFlags struct {
	configPath   string
	input        string
	archiveDir   string
	start        string
	end          string
	realtime     bool
	httpAddr     string
	kafkaBrokers string
	kafkaTopic   string
	catalogPath  string
	units        string
	tz           string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Identify and track storms from a directory of volumes",
	Long: `Read gridded volumes (YYYYMMDD_HHMMSS.vol.gz) from --input, identify
storms in each and track them. Archives are written under the configured
archive directory and resumed on restart.

In archive mode the run ends when the input is exhausted. With --realtime
the input directory is watched for new volumes until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runFlags.configPath, "config", "c", "", "Parameter file (.json, .yaml); defaults are used when empty")
	f.StringVarP(&runFlags.input, "input", "i", "", "Directory of input volume files")
	f.StringVar(&runFlags.archiveDir, "archive-dir", "", "Override driver.archive_dir")
	f.StringVar(&runFlags.start, "start", "", "Ignore volumes before this time (RFC 3339)")
	f.StringVar(&runFlags.end, "end", "", "Ignore volumes after this time (RFC 3339)")
	f.BoolVar(&runFlags.realtime, "realtime", false, "Watch the input directory for new volumes")
	f.StringVar(&runFlags.httpAddr, "http-addr", "", "Serve /metrics, /healthz and the catalog API on this address")
	f.StringVar(&runFlags.kafkaBrokers, "kafka-brokers", "", "Comma-separated Kafka brokers for track events")
	f.StringVar(&runFlags.kafkaTopic, "kafka-topic", "storm-tracks", "Kafka topic for track events")
	f.StringVar(&runFlags.catalogPath, "catalog", "", "SQLite track catalog path")
	f.StringVar(&runFlags.units, "units", units.KMH, "Speed units for the catalog API ("+units.ValidUnitsString()+")")
	f.StringVar(&runFlags.tz, "tz", "", "Time zone for the catalog API (default UTC)")
	_ = runCmd.MarkFlagRequired("input")
}

// pipelineMetrics registers the pipeline collectors once per process.
var pipelineMetrics = sync.OnceValue(monitoring.NewMetrics)

var runLogf = monitoring.Component("stormtrack")

func loadParams(path string) (*config.Params, error) {
	if path == "" {
		return config.DefaultParams(), nil
	}
	return config.Load(path)
}

func parseBound(name, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return t.UTC(), nil
}

func splitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func runRun(cmd *cobra.Command, args []string) (err error) {
	params, err := loadParams(runFlags.configPath)
	if err != nil {
		return err
	}
	if runFlags.archiveDir != "" {
		params.Driver.ArchiveDir = runFlags.archiveDir
	}
	if err := params.Validate(); err != nil {
		return err
	}
	if !units.IsValid(runFlags.units) {
		return fmt.Errorf("invalid --units %q: must be one of %s", runFlags.units, units.ValidUnitsString())
	}
	loc, err := units.Location(runFlags.tz)
	if err != nil {
		return err
	}
	start, err := parseBound("start", runFlags.start)
	if err != nil {
		return err
	}
	end, err := parseBound("end", runFlags.end)
	if err != nil {
		return err
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return fmt.Errorf("--end %s is before --start %s", runFlags.end, runFlags.start)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, err := gridsource.NewDirSource(gridsource.Options{
		Dir:          runFlags.input,
		Start:        start,
		End:          end,
		Realtime:     runFlags.realtime,
		PollInterval: params.Driver.GetPollInterval(),
	})
	if err != nil {
		return err
	}
	defer src.Close()

	var cat *catalog.DB
	defer func() {
		if cat != nil {
			cat.Close()
		}
	}()
	var pubs publish.Multi
	defer func() {
		if len(pubs) > 0 {
			err = errors.Join(err, pubs.Close())
		}
	}()

	if brokers := splitBrokers(runFlags.kafkaBrokers); len(brokers) > 0 {
		k, err := publish.NewKafka(publish.KafkaConfig{Brokers: brokers, Topic: runFlags.kafkaTopic})
		if err != nil {
			return err
		}
		pubs = append(pubs, k)
	}

	var runID string
	if runFlags.catalogPath != "" {
		if cat, err = catalog.Open(runFlags.catalogPath); err != nil {
			return err
		}
		runID, err = cat.StartRun(ctx, catalog.RunInfo{
			StormFingerprint: params.StormFingerprint(),
			TrackFingerprint: params.TrackFingerprint(),
			Started:          time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		pubs = append(pubs, cat.Recorder(runID))
	}

	opts := driver.Options{Params: params, Source: src, Metrics: pipelineMetrics()}
	if len(pubs) > 0 {
		opts.Publisher = pubs
	}
	d, err := driver.New(opts)
	if err != nil {
		return err
	}
	defer d.Close()
	if cat != nil {
		if err := cat.SetArchiveBase(ctx, runID, d.Base()); err != nil {
			return err
		}
	}

	if runFlags.httpAddr != "" {
		srv := &http.Server{
			Addr:              runFlags.httpAddr,
			Handler:           api.LoggingMiddleware(api.NewServer(cat, runFlags.units, loc).ServeMux()),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				runLogf("http server: %v", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		}()
		runLogf("serving metrics and catalog on %s", runFlags.httpAddr)
	}

	runLogf("%s: archives %s", version.String(), d.Base())
	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("tracking stopped: %w", err)
	}
	runLogf("done")
	return nil
}
