package validation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/trackfit/internal/conditions"
	"github.com/banshee-data/trackfit/internal/dkf"
	"github.com/banshee-data/trackfit/internal/geometry"
	"github.com/banshee-data/trackfit/internal/muon"
	"github.com/banshee-data/trackfit/internal/simulation"
	"github.com/banshee-data/trackfit/internal/track"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallConfig(n int) Config {
	cfg := DefaultConfig()
	cfg.Tracks = n
	cfg.Workers = 2
	cfg.Generator.MinMomentum = 10000
	cfg.Generator.MaxMomentum = 50000
	return cfg
}

// fitLegs fits both legs of ev the way the harness does.
func fitLegs(t *testing.T, f *dkf.Fitter, cond *conditions.Snapshot, ev *simulation.Event) (*track.Track, *track.Track) {
	t.Helper()
	opts := track.FitOptions{RunOutlierRemoval: true, Hypothesis: track.NonInteracting}
	indet, err := f.FitMeasurements(cond, ev.Indet, ev.IndetSeed, opts)
	require.NoError(t, err)
	ms, err := f.FitMeasurements(cond, ev.Spectrometer, ev.SpectrometerSeed, opts)
	require.NoError(t, err)
	return indet, ms
}

func TestCombinedFitOnSimulatedMuon(t *testing.T) {
	det, err := simulation.NewDetector(simulation.DefaultDetectorConfig())
	require.NoError(t, err)
	gcfg := simulation.DefaultGeneratorConfig()
	gcfg.MinMomentum, gcfg.MaxMomentum = 20000, 20000
	gen, err := simulation.NewGenerator(det, gcfg, 42)
	require.NoError(t, err)
	ev, err := gen.Next()
	require.NoError(t, err)

	cond := gen.Conditions(nil)
	fitter := dkf.NewFitter(dkf.DefaultFitterConfig())
	indet, ms := fitLegs(t, fitter, cond, ev)

	b := muon.NewBuilder(muon.DefaultBuilderConfig(), fitter, fitter.Extrapolator(), nil)
	log := muon.NewTransitionLog()
	log.SetEnabled(true)
	b.SetDebugCollector(log)

	combined, err := b.CombinedFit(cond, indet, ms)
	require.NoError(t, err)

	assert.True(t, combined.Patterns.Has(track.PatternCaloAssociated))
	assert.True(t, combined.HasLeg(geometry.LegIndet))
	assert.True(t, combined.HasLeg(geometry.LegSpectrometer))
	for _, layer := range []track.CaloLayer{track.CaloInner, track.CaloMiddle, track.CaloOuter} {
		assert.GreaterOrEqual(t, combined.CaloState(layer), 0, "calo layer %v", layer)
	}
	assert.Equal(t, track.Interacting, combined.Hypothesis)

	per := combined.Perigee()
	require.NotNil(t, per)
	assert.True(t, per.Valid())
	assert.InDelta(t, ev.Momentum, per.Momentum(), 0.05*ev.Momentum)
	assert.Equal(t, ev.Charge, per.Charge())

	assert.Equal(t, 1, log.Count(muon.StateDone))
	assert.Zero(t, log.Count(muon.StateFailed))
}

func TestStandaloneFitOnSimulatedMuon(t *testing.T) {
	det, err := simulation.NewDetector(simulation.DefaultDetectorConfig())
	require.NoError(t, err)
	gcfg := simulation.DefaultGeneratorConfig()
	gcfg.MinMomentum, gcfg.MaxMomentum = 30000, 30000
	gen, err := simulation.NewGenerator(det, gcfg, 9)
	require.NoError(t, err)
	ev, err := gen.Next()
	require.NoError(t, err)

	cond := gen.Conditions(nil)
	fitter := dkf.NewFitter(dkf.DefaultFitterConfig())
	_, ms := fitLegs(t, fitter, cond, ev)

	b := muon.NewBuilder(muon.DefaultBuilderConfig(), fitter, fitter.Extrapolator(), nil)
	sa, err := b.StandaloneFit(cond, ms, nil)
	require.NoError(t, err)

	assert.True(t, sa.Patterns.Has(track.PatternCaloAssociated))
	assert.NotNil(t, sa.Seed)
	assert.False(t, sa.HasLeg(geometry.LegIndet))
	per := sa.Perigee()
	require.NotNil(t, per)
	// The calorimeter loss is added back, so the perigee momentum is the
	// vertex momentum within the spectrometer resolution.
	assert.InDelta(t, ev.Momentum, per.Momentum(), 0.3*ev.Momentum)
}

func TestHarnessRun(t *testing.T) {
	h, err := NewHarness(smallConfig(6))
	require.NoError(t, err)

	res, err := h.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 6)

	sum := res.Summarize()
	assert.Equal(t, 6, sum.Tracks)
	assert.Equal(t, sum.Tracks, sum.Fitted+sum.Failed)
	assert.GreaterOrEqual(t, sum.Fitted, 4)
	assert.Less(t, sum.MomentumResolution, 0.1)
	for i := range sum.PullMean {
		assert.False(t, math.IsNaN(sum.PullMean[i]), ParamNames[i])
	}
	assert.Positive(t, res.Transitions["done"])
	assert.Positive(t, res.Transitions["combined_fit"])
	assert.True(t, res.Duration > 0)

	// Outcomes stay in event order regardless of the worker pool.
	for i, o := range res.Outcomes {
		assert.Equal(t, i, o.Event)
	}
}

func TestHarnessRunIsReproducible(t *testing.T) {
	run := func() Summary {
		cfg := smallConfig(3)
		cfg.Standalone = false
		h, err := NewHarness(cfg)
		require.NoError(t, err)
		res, err := h.Run(context.Background())
		require.NoError(t, err)
		s := res.Summarize()
		s.DurationSeconds = 0
		return s
	}
	assert.Equal(t, run(), run())
}

func TestHarnessOutliersAndHoles(t *testing.T) {
	cfg := smallConfig(4)
	cfg.Standalone = false
	cfg.Generator.OutlierProbability = 0.15
	cfg.Generator.Inefficiency = 0.15
	cfg.Alignment = &muon.AlignmentErrors{Default: 0.3, Regions: map[int]float64{2: 0.6}}
	h, err := NewHarness(cfg)
	require.NoError(t, err)

	res, err := h.Run(context.Background())
	require.NoError(t, err)
	sum := res.Summarize()

	assert.LessOrEqual(t, sum.OutliersFlagged, sum.OutliersInjected)
	for _, o := range res.Outcomes {
		assert.LessOrEqual(t, o.Flagged, o.Injected)
	}
}

func TestHarnessRunCancelled(t *testing.T) {
	h, err := NewHarness(smallConfig(20))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := h.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, res)
	assert.Less(t, len(res.Outcomes), 20)
}

func TestNewHarnessRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracks = 0
	_, err := NewHarness(cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Detector.MDTResolution = 0
	_, err = NewHarness(cfg)
	assert.Error(t, err)
}

func TestFailureClass(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("fit: %w", track.ErrUnderdetermined), FailUnderdetermined},
		{fmt.Errorf("x: %w", track.ErrExtrapolation), FailExtrapolation},
		{fmt.Errorf("x: %w", track.ErrSingularCovariance), FailSingular},
		{fmt.Errorf("%w: %w", track.ErrCaloAssociation, track.ErrExtrapolation), FailCalo},
		{errors.New("boom"), FailOther},
	}
	for _, tt := range tests {
		if got := failureClass(tt.err); got != tt.want {
			t.Errorf("failureClass(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestMissingHitsByRunKey(t *testing.T) {
	s := geometry.NewPlane(1000, geometry.PartMDT, r3.Vector{X: 5000}, r3.Vector{X: 1}, r3.Vector{Z: 1})
	ev := &simulation.Event{Missing: []track.Measurement{track.NewMeasurement1D(s, 0, 1, 0.1)}}
	m := &missingHits{byRun: make(map[string]*simulation.Event)}
	m.add("event-3", ev)

	cond := conditions.FieldFree()
	assert.Empty(t, m.Candidates(cond, nil))
	cond.RunKey = "event-3"
	assert.Len(t, m.Candidates(cond, nil), 1)
}

func TestSummarize(t *testing.T) {
	sa := 0.02
	r := newResult(DefaultConfig())
	r.Skipped = 2
	r.Duration = 3 * time.Second
	r.add(Outcome{Event: 0, Pulls: [5]float64{1, 1, 1, 1, 1}, Chi2: 10, NDoF: 10, Prob: 0.4, DeltaP: 0.01, Injected: 2, Flagged: 1, Standalone: &sa})
	r.add(Outcome{Event: 1, Pulls: [5]float64{-1, -1, -1, -1, -1}, Chi2: 30, NDoF: 10, Prob: 0.6, DeltaP: -0.01, Recovered: 1})
	r.add(Outcome{Event: 2, Err: fmt.Errorf("x: %w", track.ErrCaloAssociation), Injected: 1})

	s := r.Summarize()
	assert.Equal(t, 3, s.Tracks)
	assert.Equal(t, 2, s.Fitted)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 2, s.Skipped)
	assert.Equal(t, map[string]int{FailCalo: 1}, s.Failures)
	assert.InDelta(t, 0, s.PullMean[0], 1e-12)
	assert.InDelta(t, math.Sqrt2, s.PullWidth[0], 1e-12)
	assert.InDelta(t, 2, s.Chi2PerDoF, 1e-12)
	assert.InDelta(t, 0.5, s.MeanProb, 1e-12)
	assert.InDelta(t, 0.01*math.Sqrt2, s.MomentumResolution, 1e-12)
	assert.Equal(t, 1, s.StandaloneFitted)
	assert.Equal(t, 3, s.OutliersInjected)
	assert.Equal(t, 1, s.OutliersFlagged)
	assert.Equal(t, 1, s.HitsRecovered)
	assert.Equal(t, 3.0, s.DurationSeconds)

	assert.Equal(t, int64(2), r.Chi2PerDoF.Entries())
}

func TestReports(t *testing.T) {
	r := newResult(DefaultConfig())
	r.add(Outcome{Pulls: [5]float64{0.5, -0.2, 0.1, 0, 1.2}, Chi2: 8, NDoF: 9, Prob: 0.5, DeltaP: 0.003})
	r.Transitions["done"] = 1

	var buf bytes.Buffer
	require.NoError(t, r.WriteHTML(&buf))
	html := buf.String()
	assert.Contains(t, html, "pull qop")
	assert.Contains(t, html, "Builder state entries")

	dir := filepath.Join(t.TempDir(), "plots")
	paths, err := r.WritePlots(dir)
	require.NoError(t, err)
	assert.Len(t, paths, 4+len(ParamNames))
	for _, p := range paths {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.Positive(t, info.Size())
	}
}
