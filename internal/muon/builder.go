package muon

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/trackfit/internal/conditions"
	"github.com/banshee-data/trackfit/internal/dkf"
	"github.com/banshee-data/trackfit/internal/geometry"
	"github.com/banshee-data/trackfit/internal/track"
	"github.com/golang/geo/r3"
)

// Builder is the combined muon track builder. It drives an abstract
// track.Fitter through calorimeter association, momentum iteration and the
// post-fit passes. A Builder holds no per-call state and may be shared by
// concurrent workers once configured.
type Builder struct {
	cfg       BuilderConfig
	fitter    track.Fitter
	ext       *dkf.Extrapolator
	calo      CaloAssociator
	holes     MeasurementProvider
	alignment AlignmentUncertainty
	debug     DebugCollector
}

// NewBuilder creates a builder. ext is used for seed back-extrapolation and
// hole prediction; a nil ext gets the default extrapolator and a nil calo
// the parametrised calorimeter of cfg.
func NewBuilder(cfg BuilderConfig, fitter track.Fitter, ext *dkf.Extrapolator, calo CaloAssociator) *Builder {
	if cfg.MaxMomentumIterations < 0 {
		cfg.MaxMomentumIterations = 0
	}
	if ext == nil {
		ext = dkf.NewExtrapolator(dkf.ExtrapolatorConfig{})
	}
	if calo == nil {
		calo = NewParametrisedCalo(cfg.Calo)
	}
	return &Builder{
		cfg:       cfg,
		fitter:    fitter,
		ext:       ext,
		calo:      calo,
		alignment: FixedAlignmentUncertainty{Phi: cfg.IDMSPhiUncertainty, Theta: cfg.IDMSThetaUncertainty},
	}
}

// SetMeasurementProvider enables hole recovery with p as the source of
// candidate measurements.
func (b *Builder) SetMeasurementProvider(p MeasurementProvider) { b.holes = p }

// SetAlignmentUncertainty replaces the fixed ID-MS alignment uncertainty.
func (b *Builder) SetAlignmentUncertainty(a AlignmentUncertainty) {
	if a != nil {
		b.alignment = a
	}
}

// SetDebugCollector attaches a collector for state transitions and vetoes.
func (b *Builder) SetDebugCollector(d DebugCollector) { b.debug = d }

// Config returns the builder configuration.
func (b *Builder) Config() BuilderConfig { return b.cfg }

// CombinedFit builds a combined track from an inner-detector track and a
// spectrometer track extrapolated towards it.
func (b *Builder) CombinedFit(cond *conditions.Snapshot, indet, extrapolated *track.Track) (*track.Track, error) {
	cond = orFieldFree(cond)
	r := newRun("combined fit", StateAssociateCalorimeter, b.debug)
	if indet == nil || extrapolated == nil {
		return nil, r.fail(fmt.Errorf("missing leg: %w", track.ErrUnderdetermined))
	}
	entry := indet.LastParameters()
	if entry == nil {
		return nil, r.fail(fmt.Errorf("inner detector track %s has no fitted state: %w", indet.ID, track.ErrCaloAssociation))
	}
	momentum := b.legMomentum(indet, extrapolated)
	calo, err := b.calo.Associate(cond, entry, momentum)
	if err != nil {
		return nil, r.fail(caloError(err))
	}

	states := legStates(indet, geometry.LegIndet)
	states = append(states, calo...)
	states = append(states, legStates(extrapolated, geometry.LegSpectrometer)...)
	t := track.NewTrack(states, track.Interacting)
	t.Patterns = track.PatternCaloAssociated
	t.Seed = firstOf(indet.Perigee(), indet.FirstParameters())

	r.enter(StateCombinedFit, "p=%.1f MeV states=%d", momentum, len(states))
	fitted, err := b.fit(cond, r, t, true, track.Interacting)
	if err != nil {
		return nil, r.fail(err)
	}
	r.enter(StateCheckQuality, "chi2/ndof=%.3f", fitted.Quality.Chi2PerDoF())
	if err := checkTrack(fitted); err != nil {
		return nil, r.fail(err)
	}

	fitted = b.iterateMomentum(cond, r, fitted, entry)
	return b.finish(cond, r, fitted), nil
}

// iterateMomentum re-associates the calorimeter with the fitted entry
// momentum and refits while the entry/exit momentum ratio exceeds
// 1+MomentumRatioThreshold (or always, with IterateAlways), at most
// MaxMomentumIterations times. A failed iteration keeps the previous fit.
func (b *Builder) iterateMomentum(cond *conditions.Snapshot, r *run, t *track.Track, entry *track.Parameters) *track.Track {
	for it := 0; it < b.cfg.MaxMomentumIterations; it++ {
		ratio, pIn, ok := caloMomentumRatio(t)
		if !ok {
			return t
		}
		if !b.cfg.IterateAlways && !(ratio > 1+b.cfg.MomentumRatioThreshold) {
			return t
		}
		r.enter(StateIterateOnMomentumChange, "ratio=%.6f p=%.1f MeV", ratio, pIn)

		calo, err := b.calo.Associate(cond, entry, pIn)
		if err != nil {
			r.veto("momentum iteration", caloError(err))
			return t
		}
		next := t.WithStates(replaceCalo(t.States, calo))
		next.Patterns |= track.PatternMomentumIterated
		refit, err := b.fit(cond, r, next, true, t.Hypothesis)
		if err == nil {
			err = checkTrack(refit)
		}
		if err != nil {
			r.veto("momentum iteration", err)
			return t
		}
		t = refit
	}
	return t
}

// StandaloneFit builds a track from a spectrometer track alone, adding the
// calorimeter and, when the curvature is badly measured, a vertex-region
// pseudo-measurement. vertex may be nil.
func (b *Builder) StandaloneFit(cond *conditions.Snapshot, spectrometer *track.Track, vertex *Vertex) (*track.Track, error) {
	cond = orFieldFree(cond)
	r := newRun("standalone fit", StateStartFromSpectrometerLeg, b.debug)
	if spectrometer == nil {
		return nil, r.fail(fmt.Errorf("missing spectrometer leg: %w", track.ErrUnderdetermined))
	}
	leg := firstOf(spectrometer.Perigee(), spectrometer.FirstParameters())
	if leg == nil {
		return nil, r.fail(fmt.Errorf("spectrometer track %s has no parameters: %w", spectrometer.ID, track.ErrUnderdetermined))
	}

	if reason := b.badCurvature(cond, leg); reason == "" {
		fitted, err := b.backExtrapolated(cond, r, spectrometer, leg)
		if err == nil {
			return b.finish(cond, r, fitted), nil
		}
		diagf("%s: back-extrapolated seed failed, retrying from origin: %v", r.op, err)
	} else {
		tracef("%s: curvature badly determined (%s)", r.op, reason)
	}

	fitted, err := b.lineFromOrigin(cond, r, spectrometer, leg, vertex)
	if err != nil {
		return nil, r.fail(err)
	}
	return b.finish(cond, r, fitted), nil
}

// badCurvature returns why the leg momentum cannot seed a back
// extrapolation, or "" when it can.
func (b *Builder) badCurvature(cond *conditions.Snapshot, leg *track.Parameters) string {
	qop := leg.Values[track.QOverP]
	switch {
	case !cond.Magnets.ToroidOn:
		return "toroid off"
	case qop == 0:
		return "no curvature"
	case leg.Cov == nil:
		return "no covariance"
	case leg.Sigma(track.QOverP)/math.Abs(qop) > b.cfg.LargeMomentumError:
		return fmt.Sprintf("relative momentum error %.3f", leg.Sigma(track.QOverP)/math.Abs(qop))
	case leg.Sigma(track.Phi) > b.cfg.LargePhiError:
		return fmt.Sprintf("phi error %.3f rad", leg.Sigma(track.Phi))
	case leg.Momentum() < b.cfg.LowMomentumThreshold:
		return fmt.Sprintf("momentum %.0f MeV", leg.Momentum())
	}
	return ""
}

// backExtrapolated seeds from the leg parameters propagated back to the
// perigee surface, associates the calorimeter and fits.
func (b *Builder) backExtrapolated(cond *conditions.Snapshot, r *run, ms *track.Track, leg *track.Parameters) (*track.Track, error) {
	surf := geometry.PerigeeSurface(b.cfg.BeamPosition, leg.Direction())
	prop, err := b.ext.Propagate(cond, leg, surf, track.NonInteracting)
	if err != nil {
		return nil, fmt.Errorf("back extrapolation: %w", err)
	}
	seed := prop.Parameters

	r.enter(StateAssociateCalorimeter, "back-extrapolated p=%.1f MeV", seed.Momentum())
	calo, err := b.calo.Associate(cond, seed, seed.Momentum())
	if err != nil {
		return nil, caloError(err)
	}
	states := append(calo, legStates(ms, geometry.LegSpectrometer)...)
	t := track.NewTrack(states, track.Interacting)
	t.Patterns = track.PatternSeedBackExtrapolated | track.PatternCaloAssociated
	t.Seed = seed

	r.enter(StateCombinedFit, "seed=back-extrapolated")
	fitted, err := b.fit(cond, r, t, true, track.Interacting)
	if err != nil {
		return nil, err
	}
	r.enter(StateCheckQuality, "chi2/ndof=%.3f", fitted.Quality.Chi2PerDoF())
	if err := checkTrack(fitted); err != nil {
		return nil, err
	}
	return fitted, nil
}

// lineFromOrigin seeds a straight line from the vertex (or beam spot)
// through the first spectrometer state, ties the track softly to the
// vertex region with a pseudo-measurement, prefits without the
// calorimeter, associates the calorimeter with the prefit momentum and
// runs the full fit. The result carries the vertex seed.
func (b *Builder) lineFromOrigin(cond *conditions.Snapshot, r *run, ms *track.Track, leg *track.Parameters, vertex *Vertex) (*track.Track, error) {
	origin := b.cfg.BeamPosition
	sigT, sigL := b.cfg.VertexSigmaTransverse, b.cfg.VertexSigmaLongitudinal
	if vertex != nil {
		origin = vertex.Position
		if vertex.SigmaTransverse > 0 {
			sigT = vertex.SigmaTransverse
		}
		if vertex.SigmaLongitudinal > 0 {
			sigL = vertex.SigmaLongitudinal
		}
	}
	msStates := legStates(ms, geometry.LegSpectrometer)
	through := leg.Position()
	if len(msStates) > 0 {
		through = msStates[0].Measurement.GlobalPosition()
	}
	dir := through.Sub(origin)
	if dir.Norm() < geometry.MinAxisSeparation {
		dir = leg.Direction()
	}
	dir = dir.Normalize()

	qop := leg.Values[track.QOverP]
	if qop == 0 || !cond.Magnets.ToroidOn || leg.Sigma(track.QOverP)/math.Abs(qop) > b.cfg.LargeMomentumError {
		qop = math.Copysign(1/b.cfg.DefaultStandaloneMomentum, leg.Charge())
	}
	surf := geometry.PerigeeSurface(origin, dir)
	seed := track.NewParameters(surf, origin, dir, qop, nil)
	// The perigee plane's first axis follows z, so l1 is longitudinal.
	pseudo := track.NewPseudoMeasurement(surf, sigL, sigT)
	pseudoState := track.TrackStateOnSurface{Kind: track.KindPseudoMeasurement, Surface: surf, Measurement: &pseudo}

	prefitStates := append([]track.TrackStateOnSurface{pseudoState}, msStates...)
	pre := track.NewTrack(prefitStates, track.NonInteracting)
	pre.Seed = seed
	r.enter(StateCombinedFit, "prefit from origin %v", origin)
	prefit, err := b.fit(cond, r, pre, false, track.NonInteracting)
	if err != nil {
		return nil, fmt.Errorf("prefit: %w", err)
	}

	entry := prefit.Perigee()
	momentum := entry.Momentum()
	if math.IsInf(momentum, 1) {
		momentum = b.cfg.DefaultStandaloneMomentum
	}
	r.enter(StateAssociateCalorimeter, "prefit p=%.1f MeV", momentum)
	calo, err := b.calo.Associate(cond, entry, momentum)
	if err != nil {
		return nil, caloError(err)
	}

	states := append([]track.TrackStateOnSurface{pseudoState}, calo...)
	states = append(states, msStates...)
	full := track.NewTrack(states, track.Interacting)
	full.Patterns = track.PatternSeedLineFromOrigin | track.PatternVertexConstrained | track.PatternCaloAssociated
	full.Seed = entry

	r.enter(StateCombinedFit, "full fit")
	fitted, err := b.fit(cond, r, full, true, track.Interacting)
	if err != nil {
		return nil, err
	}
	r.enter(StateCheckQuality, "chi2/ndof=%.3f", fitted.Quality.Chi2PerDoF())
	if err := checkTrack(fitted); err != nil {
		return nil, err
	}
	out := *fitted
	out.Seed = seed
	return &out, nil
}

// StandaloneRefit refits the spectrometer leg of a combined track with the
// three calorimeter records re-estimated from the combined momenta and a
// beam-spot pseudo-measurement at beam. The post-fit passes run as for
// the other builds.
func (b *Builder) StandaloneRefit(cond *conditions.Snapshot, combined *track.Track, beam r3.Vector) (*track.Track, error) {
	cond = orFieldFree(cond)
	r := newRun("standalone refit", StateStartFromSpectrometerLeg, b.debug)
	if combined == nil || combined.Perigee() == nil {
		return nil, r.fail(fmt.Errorf("combined track without perigee: %w", track.ErrUnderdetermined))
	}
	per := combined.Perigee()

	r.enter(StateAssociateCalorimeter, "from combined track %s", combined.ID)
	var calo []track.TrackStateOnSurface
	for _, layer := range []track.CaloLayer{track.CaloInner, track.CaloMiddle, track.CaloOuter} {
		i := combined.CaloState(layer)
		if i < 0 {
			return nil, r.fail(fmt.Errorf("combined track has no %s calorimeter record: %w", calolayerName(layer), track.ErrCaloAssociation))
		}
		calo = append(calo, refitCaloState(combined.States[i], per.Momentum()))
	}

	surf := geometry.PerigeeSurface(beam, per.Direction())
	pseudo := track.NewPseudoMeasurement(surf, b.cfg.VertexSigmaLongitudinal, b.cfg.VertexSigmaTransverse)
	states := []track.TrackStateOnSurface{{Kind: track.KindPseudoMeasurement, Surface: surf, Measurement: &pseudo}}
	states = append(states, calo...)
	states = append(states, legStates(combined, geometry.LegSpectrometer)...)

	t := track.NewTrack(states, track.Interacting)
	t.Patterns = track.PatternStandaloneRefit | track.PatternVertexConstrained | track.PatternCaloAssociated
	t.Seed = per

	r.enter(StateCombinedFit, "states=%d", len(states))
	fitted, err := b.fit(cond, r, t, true, track.Interacting)
	if err != nil {
		return nil, r.fail(err)
	}
	r.enter(StateCheckQuality, "chi2/ndof=%.3f", fitted.Quality.Chi2PerDoF())
	if err := checkTrack(fitted); err != nil {
		return nil, r.fail(err)
	}
	return b.finish(cond, r, fitted), nil
}

// refitCaloState copies a calorimeter record, dropping its fitted
// parameters and re-estimating the scattering of the inner and outer
// layers from the momentum the combined fit found there.
func refitCaloState(st track.TrackStateOnSurface, fallback float64) track.TrackStateOnSurface {
	out := track.TrackStateOnSurface{Kind: st.Kind, Surface: st.Surface, Calo: st.Calo}
	var m track.MaterialEffects
	if st.Material != nil {
		m = *st.Material
	}
	p := fallback
	if st.Parameters != nil && st.Parameters.Values[track.QOverP] != 0 {
		p = st.Parameters.Momentum()
	}
	if st.Calo != track.CaloMiddle && m.ThicknessX0 > 0 {
		theta0 := dkf.HighlandAngle(p, m.ThicknessX0)
		m.SigmaDeltaPhi, m.SigmaDeltaTheta = theta0, theta0
	}
	out.Material = &m
	return out
}

// Fit fits t with the straight-line variant when the magnets of its legs
// are off, then runs the cleaner when enabled.
func (b *Builder) Fit(cond *conditions.Snapshot, t *track.Track, runOutlierRemoval bool, hyp track.ParticleHypothesis) (*track.Track, error) {
	cond = orFieldFree(cond)
	r := newRun("fit", StateCombinedFit, b.debug)
	out, err := b.fit(cond, r, t, runOutlierRemoval, hyp)
	if err != nil {
		return nil, r.fail(err)
	}
	r.enter(StateDone, "chi2/ndof=%.3f", out.Quality.Chi2PerDoF())
	return out, nil
}

func (b *Builder) fit(cond *conditions.Snapshot, r *run, t *track.Track, runOutlierRemoval bool, hyp track.ParticleHypothesis) (*track.Track, error) {
	if t == nil {
		return nil, fmt.Errorf("fit: nil track: %w", track.ErrUnderdetermined)
	}
	fitCond := b.fitConditions(cond, t)
	straight := fitCond != cond

	out, err := b.fitter.FitTrack(fitCond, t, track.FitOptions{RunOutlierRemoval: runOutlierRemoval, Hypothesis: hyp})
	if err != nil {
		return nil, err
	}
	if straight {
		out = withPatterns(out, track.PatternStraightLine)
	}
	if b.cfg.CleanerEnabled {
		out = b.clean(fitCond, r, out, hyp)
	}
	return out, nil
}

// fitConditions returns cond, or a field-free copy of it when neither leg
// of t sits in a powered magnet.
func (b *Builder) fitConditions(cond *conditions.Snapshot, t *track.Track) *conditions.Snapshot {
	idField := t.HasLeg(geometry.LegIndet) && cond.Magnets.SolenoidOn
	msField := t.HasLeg(geometry.LegSpectrometer) && cond.Magnets.ToroidOn
	if idField || msField {
		return cond
	}
	return cond.WithField(geometry.ZeroField{})
}

// finish runs the post-fit passes in order and enters Done.
func (b *Builder) finish(cond *conditions.Snapshot, r *run, t *track.Track) *track.Track {
	t = b.postPass(cond, r, StateHoleRecovery, b.cfg.HoleRecoveryEnabled && b.holes != nil, t, b.recoverHoles)
	t = b.postPass(cond, r, StateErrorReoptimization, b.cfg.ErrorOptimisationEnabled, t, b.optimiseErrors)
	t = b.postPass(cond, r, StateAddSystematicErrors, b.cfg.IDMSSystematicsEnabled, t, b.addSystematics)
	r.enter(StateDone, "chi2/ndof=%.3f patterns=%s", t.Quality.Chi2PerDoF(), t.Patterns)
	return t
}

type pass func(cond *conditions.Snapshot, r *run, t *track.Track) (*track.Track, error)

// postPass runs one optional pass and reverts to t when it fails or its
// result does not pass checkTrack.
func (b *Builder) postPass(cond *conditions.Snapshot, r *run, state BuildState, enabled bool, t *track.Track, p pass) *track.Track {
	if !enabled {
		return t
	}
	r.enter(state, "")
	out, err := p(cond, r, t)
	if err == nil {
		err = checkTrack(out)
	}
	if err != nil {
		r.veto(state.String(), err)
		return t
	}
	return out
}

// legMomentum picks the calorimeter entry momentum estimate: the inner
// detector leg, then the spectrometer leg, then the standalone default.
func (b *Builder) legMomentum(legs ...*track.Track) float64 {
	for _, t := range legs {
		if p := firstOf(t.Perigee(), t.FirstParameters()); p != nil && p.Values[track.QOverP] != 0 {
			return p.Momentum()
		}
	}
	return b.cfg.DefaultStandaloneMomentum
}

// legStates returns the hit and outlier records of t belonging to leg.
func legStates(t *track.Track, leg geometry.Leg) []track.TrackStateOnSurface {
	var out []track.TrackStateOnSurface
	for _, st := range t.States {
		m := st.Measurement
		if m == nil || m.Pseudo || m.Leg() != leg {
			continue
		}
		if st.Kind != track.KindMeasurement && st.Kind != track.KindOutlier {
			continue
		}
		out = append(out, st)
	}
	return out
}

// replaceCalo swaps the calorimeter records of states for calo, keeping
// their position in the sequence.
func replaceCalo(states []track.TrackStateOnSurface, calo []track.TrackStateOnSurface) []track.TrackStateOnSurface {
	out := make([]track.TrackStateOnSurface, 0, len(states))
	inserted := false
	for _, st := range states {
		if st.Calo == track.NotCalo {
			out = append(out, st)
			continue
		}
		if !inserted {
			out = append(out, calo...)
			inserted = true
		}
	}
	if !inserted {
		out = append(out, calo...)
	}
	return out
}

// caloMomentumRatio returns max(pIn/pOut, pOut/pIn) for the fitted inner
// and outer calorimeter records, and the inner momentum.
func caloMomentumRatio(t *track.Track) (ratio, pIn float64, ok bool) {
	in, out := t.CaloState(track.CaloInner), t.CaloState(track.CaloOuter)
	if in < 0 || out < 0 {
		return 0, 0, false
	}
	a, b := t.States[in].Parameters, t.States[out].Parameters
	if a == nil || b == nil || a.Values[track.QOverP] == 0 || b.Values[track.QOverP] == 0 {
		return 0, 0, false
	}
	pIn, pOut := a.Momentum(), b.Momentum()
	return math.Max(pIn/pOut, pOut/pIn), pIn, true
}

func caloError(err error) error {
	if errors.Is(err, track.ErrCaloAssociation) {
		return err
	}
	return fmt.Errorf("%w: %w", track.ErrCaloAssociation, err)
}

// withPatterns returns a shallow copy of t with extra pattern bits set.
func withPatterns(t *track.Track, p track.Pattern) *track.Track {
	out := *t
	out.Patterns |= p
	return &out
}

func firstOf(ps ...*track.Parameters) *track.Parameters {
	for _, p := range ps {
		if p != nil {
			return p
		}
	}
	return nil
}

func orFieldFree(cond *conditions.Snapshot) *conditions.Snapshot {
	if cond == nil {
		return conditions.FieldFree()
	}
	return cond
}
