package muon

import (
	"sync"

	"github.com/banshee-data/trackfit/internal/conditions"
	"github.com/banshee-data/trackfit/internal/geometry"
	"github.com/banshee-data/trackfit/internal/track"
	"github.com/golang/geo/r3"
)

var alongX = r3.Vector{X: 1}

func plane(id geometry.ElementID, part geometry.Part, x float64) *geometry.Surface {
	return geometry.NewPlane(id, part, r3.Vector{X: x}, alongX, r3.Vector{Y: 1})
}

func smallCov() [track.NumParams]float64 {
	return [track.NumParams]float64{0.1, 0.1, 1e-3, 1e-3, 1e-8}
}

func paramsAt(s *geometry.Surface, pos r3.Vector, p float64, sigmas [track.NumParams]float64) *track.Parameters {
	return track.NewParameters(s, pos, alongX, 1/p, track.DiagonalCovariance(sigmas))
}

// legTrack builds a fitted-looking track along +x with one 2-D hit per
// plane position and a perigee at the origin.
func legTrack(part geometry.Part, firstID geometry.ElementID, p float64, sigmas [track.NumParams]float64, xs ...float64) *track.Track {
	per := geometry.PerigeeSurface(r3.Vector{}, alongX)
	states := []track.TrackStateOnSurface{{Kind: track.KindPerigee, Surface: per, Parameters: paramsAt(per, r3.Vector{}, p, sigmas)}}
	for i, x := range xs {
		s := plane(firstID+geometry.ElementID(i), part, x)
		m := track.NewMeasurement2D(s, i/2, 0, 0, 0.1, 0.1)
		states = append(states, track.TrackStateOnSurface{
			Kind:        track.KindMeasurement,
			Surface:     s,
			Measurement: &m,
			Parameters:  paramsAt(s, s.Center, p, smallCov()),
		})
	}
	return track.NewTrack(states, track.NonInteracting)
}

func indetTrack() *track.Track {
	return legTrack(geometry.PartPixel, 1, 20000, smallCov(), 50, 100, 200, 300, 400, 500)
}

func msTrack(p, relQOverP, sigmaPhi float64) *track.Track {
	sigmas := smallCov()
	sigmas[track.QOverP] = relQOverP / p
	sigmas[track.Phi] = sigmaPhi
	return legTrack(geometry.PartMDT, 100, p, sigmas, 5000, 6000, 7000, 8000, 9000, 10000)
}

func magnetsOn() *conditions.Snapshot {
	return conditions.NewSnapshot(nil, conditions.Magnets{SolenoidOn: true, ToroidOn: true}, nil)
}

// fakeFitter returns the input states with parameters along +x. States up
// to the inner calorimeter layer get momentum pIn, everything after it
// pOut. Per-call values are taken from the slices; the last entry repeats.
type fakeFitter struct {
	mu    sync.Mutex
	pIn   []float64
	pOut  []float64
	chi2  []float64
	fail  map[int]error
	calls []fakeCall
}

type fakeCall struct {
	track *track.Track
	extra []track.Measurement
	opts  track.FitOptions
	cond  *conditions.Snapshot
}

func pick(vs []float64, i int, def float64) float64 {
	if len(vs) == 0 {
		return def
	}
	if i >= len(vs) {
		i = len(vs) - 1
	}
	return vs[i]
}

func (f *fakeFitter) FitMeasurements(cond *conditions.Snapshot, meas []track.Measurement, seed *track.Parameters, opts track.FitOptions) (*track.Track, error) {
	states := make([]track.TrackStateOnSurface, len(meas))
	for i := range meas {
		states[i] = track.TrackStateOnSurface{Kind: track.KindMeasurement, Surface: meas[i].Surface, Measurement: &meas[i]}
	}
	t := track.NewTrack(states, opts.Hypothesis)
	t.Seed = seed
	return f.FitTrack(cond, t, opts)
}

func (f *fakeFitter) FitTrack(cond *conditions.Snapshot, t *track.Track, opts track.FitOptions) (*track.Track, error) {
	return f.FitTrackWithMeasurements(cond, t, nil, opts)
}

func (f *fakeFitter) FitTrackWithMeasurements(cond *conditions.Snapshot, t *track.Track, extra []track.Measurement, opts track.FitOptions) (*track.Track, error) {
	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, fakeCall{track: t, extra: extra, opts: opts, cond: cond})
	f.mu.Unlock()
	if err := f.fail[call]; err != nil {
		return nil, err
	}

	pIn, pOut := pick(f.pIn, call, 20000), pick(f.pOut, call, 20000)
	per := geometry.PerigeeSurface(r3.Vector{}, alongX)
	states := []track.TrackStateOnSurface{{Kind: track.KindPerigee, Surface: per, Parameters: paramsAt(per, r3.Vector{}, pIn, smallCov())}}
	p := pIn
	for _, st := range t.States {
		if st.Kind == track.KindPerigee || st.Kind == track.KindHole {
			continue
		}
		if st.Calo == track.CaloMiddle || st.Calo == track.CaloOuter {
			p = pOut
		}
		st.Parameters = paramsAt(st.Surface, st.Surface.Center, p, smallCov())
		states = append(states, st)
	}
	for i := range extra {
		m := extra[i]
		states = append(states, track.TrackStateOnSurface{
			Kind: track.KindMeasurement, Surface: m.Surface, Measurement: &m,
			Parameters: paramsAt(m.Surface, m.Surface.Center, p, smallCov()),
		})
	}

	out := track.NewTrack(states, opts.Hypothesis)
	out.Quality = track.FitQuality{Chi2: pick(f.chi2, call, 1), NDoF: 10}
	out.Patterns = t.Patterns
	out.Seed = t.Seed
	return out, nil
}

func (f *fakeFitter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFitter) call(i int) fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// countingCalo wraps a ParametrisedCalo and records every requested momentum.
type countingCalo struct {
	mu        sync.Mutex
	inner     *ParametrisedCalo
	momenta   []float64
	failAfter int
}

func newCountingCalo() *countingCalo {
	cfg := DefaultBuilderConfig().Calo
	cfg.EnergyLossConst = 10
	cfg.EnergyLossLog = 0
	return &countingCalo{inner: NewParametrisedCalo(cfg), failAfter: -1}
}

func (c *countingCalo) Associate(cond *conditions.Snapshot, entry *track.Parameters, momentum float64) ([]track.TrackStateOnSurface, error) {
	c.mu.Lock()
	c.momenta = append(c.momenta, momentum)
	n := len(c.momenta)
	c.mu.Unlock()
	if c.failAfter >= 0 && n > c.failAfter {
		return nil, track.ErrCaloAssociation
	}
	return c.inner.Associate(cond, entry, momentum)
}

func (c *countingCalo) calls() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.momenta...)
}

func newTestBuilder(cfg BuilderConfig, f track.Fitter, calo CaloAssociator) (*Builder, *TransitionLog) {
	b := NewBuilder(cfg, f, nil, calo)
	log := NewTransitionLog()
	log.SetEnabled(true)
	b.SetDebugCollector(log)
	return b, log
}

func hasPseudoState(t *track.Track) bool {
	for i := range t.States {
		if t.States[i].Kind == track.KindPseudoMeasurement {
			return true
		}
	}
	return false
}

// vetoFor returns the last recorded veto of pass, or nil.
func vetoFor(log *TransitionLog, pass string) error {
	var err error
	for _, v := range log.Vetoes() {
		if v.Pass == pass {
			err = v.Err
		}
	}
	return err
}
