// Package validation fits simulated muons end to end and accumulates the
// pull, chi2 and momentum-resolution distributions used to judge the fitter
// and the combined builder.
package validation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/trackfit/internal/conditions"
	"github.com/banshee-data/trackfit/internal/config"
	"github.com/banshee-data/trackfit/internal/dkf"
	"github.com/banshee-data/trackfit/internal/geometry"
	"github.com/banshee-data/trackfit/internal/monitoring"
	"github.com/banshee-data/trackfit/internal/muon"
	"github.com/banshee-data/trackfit/internal/simulation"
	"github.com/banshee-data/trackfit/internal/track"
	"go-hep.org/x/hep/hbook"
	"gonum.org/v1/gonum/stat/distuv"
)

var logf = monitoring.Prefixed("[Validation]")

// ParamNames labels the five track parameters in reports.
var ParamNames = [track.NumParams]string{"l1", "l2", "phi", "theta", "qop"}

// Config holds the settings of one validation run.
type Config struct {
	Tracks  int
	Seed    uint64
	Workers int
	// Standalone also runs StandaloneFit on every spectrometer leg.
	Standalone bool

	Detector  simulation.DetectorConfig
	Generator simulation.GeneratorConfig
	Fitter    dkf.FitterConfig
	Builder   muon.BuilderConfig
	// Alignment, when non-nil, is published as the alignment-error
	// calibration for the run.
	Alignment *muon.AlignmentErrors
}

// DefaultConfig returns a run of 200 clean tracks with the built-in
// fitter and builder settings.
func DefaultConfig() Config {
	return ConfigFromTuning(config.DefaultTuningConfig())
}

// ConfigFromTuning builds a run configuration around a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	b := muon.BuilderConfigFromTuning(cfg)
	det := simulation.DefaultDetectorConfig()
	det.Calo = b.Calo
	return Config{
		Tracks:     200,
		Seed:       1,
		Workers:    4,
		Standalone: true,
		Detector:   det,
		Generator:  simulation.DefaultGeneratorConfig(),
		Fitter:     dkf.FitterConfigFromTuning(cfg),
		Builder:    b,
	}
}

// Failure classes reported in Summary.Failures.
const (
	FailUnderdetermined = "underdetermined"
	FailExtrapolation   = "extrapolation"
	FailSingular        = "singular_covariance"
	FailCalo            = "calo_association"
	FailOther           = "other"
)

func failureClass(err error) string {
	switch {
	case errors.Is(err, track.ErrUnderdetermined):
		return FailUnderdetermined
	case errors.Is(err, track.ErrCaloAssociation):
		return FailCalo
	case errors.Is(err, track.ErrSingularCovariance):
		return FailSingular
	case errors.Is(err, track.ErrExtrapolation):
		return FailExtrapolation
	}
	return FailOther
}

// Outcome is the per-event result of a run.
type Outcome struct {
	Event      int
	Stage      string // leg, combined or standalone; empty on success
	Err        error
	Pulls      [track.NumParams]float64
	Chi2       float64
	NDoF       int
	Prob       float64
	DeltaP     float64 // (p_fit - p_true) / p_true at the perigee
	Standalone *float64
	Injected   int // displaced spectrometer hits
	Flagged    int // displaced hits the fit marked as outliers
	Recovered  int // missing hits brought back by hole recovery
	Patterns   track.Pattern
}

// Result accumulates a run.
type Result struct {
	Config   Config
	Started  time.Time
	Duration time.Duration
	Skipped  int

	Outcomes []Outcome

	Pulls       [track.NumParams]*hbook.H1D
	Chi2PerDoF  *hbook.H1D
	Probability *hbook.H1D
	Momentum    *hbook.H1D
	Standalone  *hbook.H1D

	Transitions map[string]int
}

func newResult(cfg Config) *Result {
	r := &Result{
		Config:      cfg,
		Chi2PerDoF:  hbook.NewH1D(50, 0, 5),
		Probability: hbook.NewH1D(20, 0, 1),
		Momentum:    hbook.NewH1D(60, -0.15, 0.15),
		Standalone:  hbook.NewH1D(60, -0.3, 0.3),
		Transitions: make(map[string]int),
	}
	for i := range r.Pulls {
		r.Pulls[i] = hbook.NewH1D(40, -5, 5)
	}
	return r
}

// missingHits hands each event's dropped hits to hole recovery. Events are
// told apart by the run key of their conditions snapshot.
type missingHits struct {
	mu    sync.RWMutex
	byRun map[string]*simulation.Event
}

func (m *missingHits) add(key string, ev *simulation.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byRun[key] = ev
}

// Candidates implements muon.MeasurementProvider.
func (m *missingHits) Candidates(cond *conditions.Snapshot, t *track.Track) []track.Measurement {
	m.mu.RLock()
	ev := m.byRun[cond.RunKey]
	m.mu.RUnlock()
	if ev == nil {
		return nil
	}
	return ev.Candidates(cond, t)
}

// Harness runs validation passes. It is safe to reuse across runs but a
// single Run is not meant to be called concurrently with another.
type Harness struct {
	cfg      Config
	det      *simulation.Detector
	fitter   *dkf.Fitter
	builder  *muon.Builder
	store    *conditions.Store
	missing  *missingHits
	debugLog *muon.TransitionLog
}

// NewHarness builds the detector, fitter and builder for cfg.
func NewHarness(cfg Config) (*Harness, error) {
	if cfg.Tracks <= 0 {
		return nil, fmt.Errorf("validation: track count must be positive, got %d", cfg.Tracks)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	det, err := simulation.NewDetector(cfg.Detector)
	if err != nil {
		return nil, err
	}
	fitter := dkf.NewFitter(cfg.Fitter)
	builder := muon.NewBuilder(cfg.Builder, fitter, fitter.Extrapolator(), nil)
	h := &Harness{
		cfg:      cfg,
		det:      det,
		fitter:   fitter,
		builder:  builder,
		store:    conditions.NewStore(),
		missing:  &missingHits{byRun: make(map[string]*simulation.Event)},
		debugLog: muon.NewTransitionLog(),
	}
	h.debugLog.SetEnabled(true)
	builder.SetMeasurementProvider(h.missing)
	builder.SetDebugCollector(h.debugLog)
	if cfg.Alignment != nil {
		if _, err := h.store.PublishJSON(muon.AlignmentErrorsKey, cfg.Alignment); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Run generates cfg.Tracks muons and fits them with cfg.Workers workers.
// Cancelling ctx stops the run; events already fitted are kept.
func (h *Harness) Run(ctx context.Context) (*Result, error) {
	gen, err := simulation.NewGenerator(h.det, h.cfg.Generator, h.cfg.Seed)
	if err != nil {
		return nil, err
	}
	res := newResult(h.cfg)
	res.Started = time.Now()
	h.debugLog.Reset()

	events, skipped := gen.Generate(h.cfg.Tracks)
	res.Skipped = skipped
	if len(events) == 0 {
		return nil, fmt.Errorf("validation: generator produced no events (%d skipped)", skipped)
	}
	logf("fitting %d events with %d workers (%d skipped at generation)", len(events), h.cfg.Workers, skipped)

	outcomes := make([]Outcome, len(events))
	done := make([]bool, len(events))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < h.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				outcomes[i] = h.fitEvent(gen, events[i])
				done[i] = true
			}
		}()
	}
	var cancelled error
feed:
	for i := range events {
		select {
		case <-ctx.Done():
			cancelled = ctx.Err()
			break feed
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	for i := range outcomes {
		if done[i] {
			res.add(outcomes[i])
		}
	}
	for s := muon.StateStartFromSpectrometerLeg; s <= muon.StateFailed; s++ {
		if n := h.debugLog.Count(s); n > 0 {
			res.Transitions[s.String()] = n
		}
	}
	res.Duration = time.Since(res.Started)
	if cancelled != nil {
		logf("run cancelled after %d of %d events: %v", len(res.Outcomes), len(events), cancelled)
		return res, cancelled
	}
	return res, nil
}

func (h *Harness) fitEvent(gen *simulation.Generator, ev *simulation.Event) Outcome {
	out := Outcome{Event: ev.Index, Injected: len(ev.Outliers)}
	cond := gen.Conditions(h.store)
	cond.RunKey = fmt.Sprintf("event-%d", ev.Index)
	h.missing.add(cond.RunKey, ev)

	opts := track.FitOptions{RunOutlierRemoval: true, Hypothesis: track.NonInteracting}
	indet, err := h.fitter.FitMeasurements(cond, ev.Indet, ev.IndetSeed, opts)
	if err != nil {
		return out.failed("indet leg", err)
	}
	ms, err := h.fitter.FitMeasurements(cond, ev.Spectrometer, ev.SpectrometerSeed, opts)
	if err != nil {
		return out.failed("spectrometer leg", err)
	}

	if h.cfg.Standalone {
		if sa, err := h.builder.StandaloneFit(cond, ms, nil); err == nil {
			if p := sa.Perigee(); p != nil {
				d := (p.Momentum() - ev.Momentum) / ev.Momentum
				out.Standalone = &d
			}
		}
	}

	combined, err := h.builder.CombinedFit(cond, indet, ms)
	if err != nil {
		return out.failed("combined", err)
	}
	if err := h.score(cond, ev, combined, &out); err != nil {
		return out.failed("combined", err)
	}
	return out
}

// score compares the combined perigee with the truth transported onto the
// same surface.
func (h *Harness) score(cond *conditions.Snapshot, ev *simulation.Event, t *track.Track, out *Outcome) error {
	per := t.Perigee()
	if per == nil {
		return fmt.Errorf("combined track has no perigee: %w", track.ErrExtrapolation)
	}
	prop, err := h.fitter.Extrapolator().Propagate(cond, ev.Truth, per.Surface, track.NonInteracting)
	if err != nil {
		return fmt.Errorf("truth to fitted perigee: %w", err)
	}
	truth := prop.Parameters.Values
	for i := range out.Pulls {
		d := per.Values[i] - truth[i]
		if i == track.Phi {
			d = track.WrapPhi(d)
		}
		out.Pulls[i] = d / per.Sigma(i)
	}

	out.Chi2, out.NDoF = t.Quality.Chi2, t.Quality.NDoF
	if out.NDoF > 0 {
		out.Prob = distuv.ChiSquared{K: float64(out.NDoF)}.Survival(out.Chi2)
	}
	out.DeltaP = (per.Momentum() - ev.Momentum) / ev.Momentum
	out.Patterns = t.Patterns

	missing := make(map[geometry.ElementID]bool, len(ev.Missing))
	for _, m := range ev.Missing {
		missing[m.Element] = true
	}
	for _, st := range t.States {
		if st.Measurement == nil {
			continue
		}
		switch {
		case st.Kind == track.KindOutlier && ev.Outliers[st.Measurement.Element]:
			out.Flagged++
		case st.Kind == track.KindMeasurement && missing[st.Measurement.Element]:
			out.Recovered++
		}
	}
	return nil
}

func (o Outcome) failed(stage string, err error) Outcome {
	o.Stage = stage
	o.Err = err
	return o
}

func (r *Result) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	if o.Standalone != nil {
		r.Standalone.Fill(*o.Standalone, 1)
	}
	if o.Err != nil {
		return
	}
	for i, p := range o.Pulls {
		if !math.IsNaN(p) && !math.IsInf(p, 0) {
			r.Pulls[i].Fill(p, 1)
		}
	}
	if o.NDoF > 0 {
		r.Chi2PerDoF.Fill(o.Chi2/float64(o.NDoF), 1)
		r.Probability.Fill(o.Prob, 1)
	}
	r.Momentum.Fill(o.DeltaP, 1)
}
