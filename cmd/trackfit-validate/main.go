// Command trackfit-validate generates simulated muons, fits them with the
// combined builder and reports pull, chi2 and momentum-resolution
// distributions. Runs can be stored in a SQLite database for comparison.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/trackfit/internal/config"
	"github.com/banshee-data/trackfit/internal/muon"
	"github.com/banshee-data/trackfit/internal/storage/sqlite"
	"github.com/banshee-data/trackfit/internal/units"
	"github.com/banshee-data/trackfit/internal/validation"
	"github.com/banshee-data/trackfit/internal/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// options holds the parsed command line.
type options struct {
	configPath   string
	tracks       int
	seed         uint64
	workers      int
	momentum     []float64 // MeV
	units        string
	outliers     float64
	inefficiency float64
	alignment    float64
	standalone   bool
	outDir       string
	dbPath       string
	label        string
	list         int
	metricsAddr  string
	showVersion  bool
}

// parseCSVFloatSlice parses a comma-separated list of floats.
func parseCSVFloatSlice(s string) ([]float64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float '%s': %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func parseFlags(args []string) (*options, error) {
	fs := flag.NewFlagSet("trackfit-validate", flag.ContinueOnError)
	o := &options{}
	var momentum string
	fs.StringVar(&o.configPath, "config", "", "Tuning config JSON (defaults built in)")
	fs.IntVar(&o.tracks, "n", 200, "Number of muons to generate")
	fs.Uint64Var(&o.seed, "seed", 1, "Generator seed")
	fs.IntVar(&o.workers, "workers", 4, "Concurrent fit workers")
	fs.StringVar(&momentum, "momentum", "", "Momentum range min,max in -units (e.g. 10,50)")
	fs.StringVar(&o.units, "units", units.GeV, "Momentum units for -momentum: "+units.GetValidUnitsString())
	fs.Float64Var(&o.outliers, "outliers", 0, "Probability that a spectrometer hit is displaced")
	fs.Float64Var(&o.inefficiency, "inefficiency", 0, "Probability that an MDT hit is missing")
	fs.Float64Var(&o.alignment, "alignment", 0, "Default spectrometer alignment error in mm (0 = none published)")
	fs.BoolVar(&o.standalone, "standalone", true, "Also run the standalone spectrometer fit")
	fs.StringVar(&o.outDir, "out", "", "Directory for PNG plots and report.html")
	fs.StringVar(&o.dbPath, "db", "", "SQLite database to store the run summary in")
	fs.StringVar(&o.label, "label", "", "Label stored with the run")
	fs.IntVar(&o.list, "list", 0, "List the N most recent stored runs and exit (requires -db)")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	fs.BoolVar(&o.showVersion, "version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var err error
	if o.momentum, err = parseCSVFloatSlice(momentum); err != nil {
		return nil, err
	}
	if len(o.momentum) != 0 && len(o.momentum) != 2 {
		return nil, fmt.Errorf("-momentum needs exactly two values, got %d", len(o.momentum))
	}
	if !units.IsValid(o.units) {
		return nil, fmt.Errorf("invalid -units %q (valid: %s)", o.units, units.GetValidUnitsString())
	}
	for i := range o.momentum {
		o.momentum[i] = units.ToMeV(o.momentum[i], o.units)
	}
	if o.list > 0 && o.dbPath == "" {
		return nil, errors.New("-list requires -db")
	}
	return o, nil
}

// buildConfig turns the options into a validation run configuration.
func buildConfig(o *options) (validation.Config, error) {
	tuning := config.DefaultTuningConfig()
	if o.configPath != "" {
		var err error
		if tuning, err = config.LoadTuningConfig(o.configPath); err != nil {
			return validation.Config{}, err
		}
	}
	cfg := validation.ConfigFromTuning(tuning)
	cfg.Tracks = o.tracks
	cfg.Seed = o.seed
	cfg.Workers = o.workers
	cfg.Standalone = o.standalone
	cfg.Generator.OutlierProbability = o.outliers
	cfg.Generator.Inefficiency = o.inefficiency
	if len(o.momentum) == 2 {
		cfg.Generator.MinMomentum, cfg.Generator.MaxMomentum = o.momentum[0], o.momentum[1]
	}
	if o.alignment > 0 {
		cfg.Alignment = &muon.AlignmentErrors{Default: o.alignment}
	}
	return cfg, nil
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("Invalid arguments: %v", err)
	}
	if o.showVersion {
		fmt.Println(version.String())
		return
	}

	var store *sqlite.FitRunStore
	if o.dbPath != "" {
		db, err := sqlite.Open(o.dbPath)
		if err != nil {
			log.Fatalf("Could not open database %s: %v", o.dbPath, err)
		}
		defer db.Close()
		store = sqlite.NewFitRunStore(db)
	}
	if o.list > 0 {
		runs, err := store.List(o.list)
		if err != nil {
			log.Fatalf("Could not list runs: %v", err)
		}
		printRuns(os.Stdout, runs)
		return
	}

	cfg, err := buildConfig(o)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	h, err := validation.NewHarness(cfg)
	if err != nil {
		log.Fatalf("Could not create harness: %v", err)
	}

	if o.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: o.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics server: %v", err)
			}
		}()
		defer srv.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := h.Run(ctx)
	if err != nil {
		if res == nil || !errors.Is(err, context.Canceled) {
			log.Fatalf("Run failed: %v", err)
		}
		log.Printf("Interrupted after %d tracks; reporting partial results", len(res.Outcomes))
	}
	sum := res.Summarize()
	printSummary(os.Stdout, sum)

	if o.outDir != "" {
		if err := writeReports(res, o.outDir); err != nil {
			log.Fatalf("Could not write reports: %v", err)
		}
		log.Printf("Reports written to %s", o.outDir)
	}
	if store != nil {
		run, err := newFitRun(o, cfg, sum)
		if err != nil {
			log.Fatalf("Could not encode run: %v", err)
		}
		if err := store.Insert(run); err != nil {
			log.Fatalf("Could not store run: %v", err)
		}
		log.Printf("Stored run %s", run.RunID)
	}
}

func writeReports(res *validation.Result, dir string) error {
	if _, err := res.WritePlots(dir); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, "report.html"))
	if err != nil {
		return err
	}
	if err := res.WriteHTML(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func newFitRun(o *options, cfg validation.Config, sum validation.Summary) (*sqlite.FitRun, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	sumJSON, err := json.Marshal(sum)
	if err != nil {
		return nil, err
	}
	return &sqlite.FitRun{
		Label:                o.label,
		Seed:                 cfg.Seed,
		Tracks:               sum.Tracks,
		Fitted:               sum.Fitted,
		Failed:               sum.Failed,
		Skipped:              sum.Skipped,
		MeanChi2PerDoF:       sum.Chi2PerDoF,
		MeanProbability:      sum.MeanProb,
		MomentumResolution:   sum.MomentumResolution,
		StandaloneResolution: sum.StandaloneResolution,
		OutliersInjected:     sum.OutliersInjected,
		OutliersFlagged:      sum.OutliersFlagged,
		HitsRecovered:        sum.HitsRecovered,
		DurationSeconds:      sum.DurationSeconds,
		Failures:             sum.Failures,
		ConfigJSON:           cfgJSON,
		SummaryJSON:          sumJSON,
	}, nil
}

func printSummary(w io.Writer, s validation.Summary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "tracks\t%d\n", s.Tracks)
	fmt.Fprintf(tw, "fitted\t%d\n", s.Fitted)
	fmt.Fprintf(tw, "failed\t%d\n", s.Failed)
	fmt.Fprintf(tw, "skipped\t%d\n", s.Skipped)
	for class, n := range s.Failures {
		fmt.Fprintf(tw, "  %s\t%d\n", class, n)
	}
	for i, name := range validation.ParamNames {
		fmt.Fprintf(tw, "pull %s\tmean=%.3f width=%.3f\n", name, s.PullMean[i], s.PullWidth[i])
	}
	fmt.Fprintf(tw, "chi2/ndof\t%.3f\n", s.Chi2PerDoF)
	fmt.Fprintf(tw, "P(chi2)\t%.3f\n", s.MeanProb)
	fmt.Fprintf(tw, "dp/p combined\t%.4f\n", s.MomentumResolution)
	if s.StandaloneFitted > 0 {
		fmt.Fprintf(tw, "dp/p standalone\t%.4f (%d)\n", s.StandaloneResolution, s.StandaloneFitted)
	}
	fmt.Fprintf(tw, "outliers flagged\t%d/%d\n", s.OutliersFlagged, s.OutliersInjected)
	fmt.Fprintf(tw, "hits recovered\t%d\n", s.HitsRecovered)
	fmt.Fprintf(tw, "duration\t%.2fs\n", s.DurationSeconds)
	tw.Flush()
}

func printRuns(w io.Writer, runs []*sqlite.FitRun) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tCREATED\tLABEL\tTRACKS\tFAILED\tCHI2/NDOF\tDP/P")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%.3f\t%.4f\n",
			r.RunID, time.Unix(0, r.CreatedAt).Format(time.RFC3339), r.Label,
			r.Tracks, r.Failed, r.MeanChi2PerDoF, r.MomentumResolution)
	}
	tw.Flush()
}
