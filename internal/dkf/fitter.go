package dkf

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/banshee-data/trackfit/internal/conditions"
	"github.com/banshee-data/trackfit/internal/geometry"
	"github.com/banshee-data/trackfit/internal/monitoring"
	"github.com/banshee-data/trackfit/internal/track"
	"github.com/golang/geo/r3"
)

// MinMeasurementNodes is the number of usable measurement nodes a fit
// needs to determine the five track parameters. Pseudo-measurements count.
const MinMeasurementNodes = track.NumParams

// Fitter is the top-level Kalman track fitter. It is safe for concurrent
// use: every call builds its own nodes and states.
type Fitter struct {
	cfg      FitterConfig
	ext      *Extrapolator
	filter   *ForwardFilter
	outliers *OutlierManager
}

var _ track.Fitter = (*Fitter)(nil)

// NewFitter creates a fitter from cfg.
func NewFitter(cfg FitterConfig) *Fitter {
	if cfg.MaxFitIterations < 1 {
		cfg.MaxFitIterations = 1
	}
	if cfg.MinMeasurementDoF < track.NumParams {
		cfg.MinMeasurementDoF = track.NumParams
	}
	if cfg.SeedInflation <= 0 {
		cfg.SeedInflation = 1
	}
	ext := NewExtrapolator(cfg.Extrapolator)
	cfg.Extrapolator = ext.Config()
	return &Fitter{
		cfg:      cfg,
		ext:      ext,
		filter:   NewForwardFilter(ext),
		outliers: &OutlierManager{
			Chi2Cut:             cfg.OutlierChi2Cut,
			MinMeasurementNodes: MinMeasurementNodes,
			MinMeasurementDoF:   cfg.MinMeasurementDoF,
		},
	}
}

// Config returns the effective fitter configuration.
func (f *Fitter) Config() FitterConfig { return f.cfg }

// Extrapolator returns the extrapolator used by the fitter.
func (f *Fitter) Extrapolator() *Extrapolator { return f.ext }

// FitMeasurements fits an ordered measurement set. A nil seed is replaced
// by a straight line through the first and last measurement.
func (f *Fitter) FitMeasurements(cond *conditions.Snapshot, meas []track.Measurement, seed *track.Parameters, opts track.FitOptions) (*track.Track, error) {
	nodes := make([]*Node, len(meas))
	for i := range meas {
		nodes[i] = NewMeasurementNode(meas[i])
	}
	if seed == nil {
		var err error
		if seed, err = StraightLineSeed(meas); err != nil {
			recordOutcome(err)
			return nil, err
		}
	}
	t, err := f.fitNodes(cond, nodes, seed, opts)
	recordOutcome(err)
	if err != nil {
		return nil, err
	}
	t.Seed = seed
	return t, nil
}

// FitTrack refits an existing track. Earlier outlier decisions and the
// material records of the track are kept.
func (f *Fitter) FitTrack(cond *conditions.Snapshot, t *track.Track, opts track.FitOptions) (*track.Track, error) {
	return f.FitTrackWithMeasurements(cond, t, nil, opts)
}

// FitTrackWithMeasurements refits t with extra measurements merged into
// the node list by their position along the track.
func (f *Fitter) FitTrackWithMeasurements(cond *conditions.Snapshot, t *track.Track, extra []track.Measurement, opts track.FitOptions) (*track.Track, error) {
	if t == nil {
		err := fmt.Errorf("fit track: nil track: %w", track.ErrUnderdetermined)
		recordOutcome(err)
		return nil, err
	}
	nodes := nodesFromTrack(t)
	seed, err := seedFromTrack(t)
	if err != nil {
		recordOutcome(err)
		return nil, err
	}
	if len(extra) > 0 {
		nodes = mergeNodes(nodes, extra, seed.Position(), seed.Direction())
	}

	out, err := f.fitNodes(cond, nodes, seed, opts)
	recordOutcome(err)
	if err != nil {
		return nil, err
	}
	out.Patterns = t.Patterns
	out.Seed = t.Seed
	return out, nil
}

// fitPass is the outcome of one converged (or capped) iterated fit.
type fitPass struct {
	filter     *FilterResult
	smoothed   []*track.Parameters
	iterations int
}

// fitNodes runs the outlier loop: iterated fit, score, flag one outlier,
// refit. After MaxOutlierIterations removals, or when a refit fails, the
// best fit so far is returned.
func (f *Fitter) fitNodes(cond *conditions.Snapshot, nodes []*Node, seed *track.Parameters, opts track.FitOptions) (*track.Track, error) {
	if n := activeNodes(nodes); n < MinMeasurementNodes {
		return nil, fmt.Errorf("fit: %d measurement nodes < %d: %w", n, MinMeasurementNodes, track.ErrUnderdetermined)
	}
	if dof := activeDoF(nodes); dof < f.cfg.MinMeasurementDoF {
		return nil, fmt.Errorf("fit: %d measurement dof < %d: %w", dof, f.cfg.MinMeasurementDoF, track.ErrUnderdetermined)
	}

	var best *track.Track
	removed := 0
	for {
		pass, err := f.iterate(cond, nodes, seed, opts.Hypothesis)
		if err == nil {
			err = f.outliers.Evaluate(pass.smoothed, nodes)
		}
		var t *track.Track
		if err == nil {
			t, err = f.buildTrack(cond, nodes, pass, opts.Hypothesis)
		}
		if err != nil {
			if best != nil {
				diagf("refit after %d outlier removals failed, keeping previous fit: %v", removed, err)
				return best, nil
			}
			return nil, err
		}
		best = t
		monitoring.FitIterations.Observe(float64(pass.iterations))

		if !opts.RunOutlierRemoval || removed >= f.cfg.MaxOutlierIterations {
			break
		}
		n := f.outliers.FlagWorst(pass.smoothed, nodes)
		if n == 0 {
			break
		}
		removed += n
		monitoring.OutliersTotal.Add(float64(n))
	}

	diagf("fit done: chi2=%.3f ndof=%d outliers removed=%d", best.Quality.Chi2, best.Quality.NDoF, removed)
	return best, nil
}

// iterate repeats filter and smoother, re-seeding from the smoothed first
// state with an inflated covariance, until the first state moves by less
// than FitTolerance sigmas or MaxFitIterations passes have run.
func (f *Fitter) iterate(cond *conditions.Snapshot, nodes []*Node, seed *track.Parameters, hyp track.ParticleHypothesis) (*fitPass, error) {
	start := f.inflate(seed)
	var pass *fitPass
	var prev *track.Parameters

	for it := 1; it <= f.cfg.MaxFitIterations; it++ {
		fr, err := f.filter.Run(cond, start, nodes, hyp)
		if err != nil {
			return nil, err
		}
		if fr.MeasurementNodes < MinMeasurementNodes {
			return nil, fmt.Errorf("fit: %d usable measurement nodes < %d: %w",
				fr.MeasurementNodes, MinMeasurementNodes, track.ErrUnderdetermined)
		}
		if fr.MeasurementDoF < f.cfg.MinMeasurementDoF {
			return nil, fmt.Errorf("fit: %d usable measurement dof < %d: %w",
				fr.MeasurementDoF, f.cfg.MinMeasurementDoF, track.ErrUnderdetermined)
		}
		sm, err := Smooth(fr)
		if err != nil {
			return nil, err
		}
		pass = &fitPass{filter: fr, smoothed: sm, iterations: it}

		first := firstNonNil(sm)
		if prev != nil && converged(prev, first, f.cfg.FitTolerance) {
			break
		}
		prev = first
		start = f.inflate(first)
	}
	return pass, nil
}

// inflate returns p with a diagonal covariance suitable for seeding:
// SeedInflation times its own variances, capped at InitialSigmas².
func (f *Fitter) inflate(p *track.Parameters) *track.Parameters {
	var sigmas [track.NumParams]float64
	for i := range sigmas {
		init := f.cfg.InitialSigmas[i]
		sigmas[i] = init
		if p.Cov == nil {
			continue
		}
		if v := p.Cov.At(i, i) * f.cfg.SeedInflation; v > 0 && v < init*init {
			sigmas[i] = math.Sqrt(v)
		}
	}
	return p.WithCovariance(track.DiagonalCovariance(sigmas))
}

// buildTrack packages a fit pass as a Track: perigee first, then one state
// per node in node order.
func (f *Fitter) buildTrack(cond *conditions.Snapshot, nodes []*Node, pass *fitPass, hyp track.ParticleHypothesis) (*track.Track, error) {
	first := firstNonNil(pass.smoothed)
	perigee, err := f.Perigee(cond, first, hyp)
	if err != nil {
		return nil, err
	}

	states := make([]track.TrackStateOnSurface, 0, len(nodes)+1)
	states = append(states, track.TrackStateOnSurface{
		Kind:       track.KindPerigee,
		Surface:    perigee.Surface,
		Parameters: perigee,
	})
	for k, n := range nodes {
		p := pass.smoothed[k]
		if p != nil && !p.Valid() {
			return nil, fmt.Errorf("smoothed state at node %d: %w", k, track.ErrSingularCovariance)
		}
		st := track.TrackStateOnSurface{
			Kind:        n.Kind,
			Surface:     n.Surface,
			Parameters:  p,
			Measurement: n.Measurement,
			Material:    n.Material,
			Calo:        n.Calo,
			Chi2:        n.Chi2,
		}
		if n.HasMeasurement() && (n.Outlier || p == nil) {
			st.Kind = track.KindOutlier
		}
		states = append(states, st)
	}

	t := track.NewTrack(states, hyp)
	t.Quality = track.FitQuality{
		Chi2: pass.filter.Chi2,
		NDoF: pass.filter.MeasurementDoF - track.NumParams,
	}
	return t, nil
}

// Perigee extrapolates p to the plane through the configured beam position
// perpendicular to the track direction.
func (f *Fitter) Perigee(cond *conditions.Snapshot, p *track.Parameters, hyp track.ParticleHypothesis) (*track.Parameters, error) {
	if p == nil {
		return nil, fmt.Errorf("perigee: no fitted state: %w", track.ErrExtrapolation)
	}
	surf := geometry.PerigeeSurface(f.cfg.BeamPosition, p.Direction())
	prop, err := f.ext.Propagate(cond, p, surf, hyp)
	if err != nil {
		return nil, fmt.Errorf("perigee: %w", err)
	}
	if !prop.Parameters.Valid() {
		return nil, fmt.Errorf("perigee covariance: %w", track.ErrSingularCovariance)
	}
	return prop.Parameters, nil
}

// StraightLineSeed builds q/p = 0 parameters on the first measurement
// surface pointing at the last measurement.
func StraightLineSeed(meas []track.Measurement) (*track.Parameters, error) {
	if len(meas) < 2 {
		return nil, fmt.Errorf("seed: %d measurements: %w", len(meas), track.ErrUnderdetermined)
	}
	first, last := meas[0], meas[len(meas)-1]
	for i := range meas {
		if !meas[i].Pseudo {
			first = meas[i]
			break
		}
	}
	start := first.GlobalPosition()
	dir := last.GlobalPosition().Sub(start)
	if dir.Norm() < geometry.MinAxisSeparation || math.Abs(dir.Normalize().Dot(first.Surface.Normal)) < 1e-3 {
		dir = first.Surface.Normal
	}
	return track.NewParameters(first.Surface, start, dir, 0, nil), nil
}

// nodesFromTrack rebuilds the node list of a track. Perigee and hole
// records do not take part in a fit.
func nodesFromTrack(t *track.Track) []*Node {
	nodes := make([]*Node, 0, len(t.States))
	for i := range t.States {
		st := &t.States[i]
		switch {
		case st.Kind == track.KindPerigee || st.Kind == track.KindHole:
			continue
		case st.Measurement != nil:
			n := NewMeasurementNode(*st.Measurement)
			if st.Material != nil {
				n.Material = st.Material
			}
			n.Calo = st.Calo
			n.Outlier = st.Kind == track.KindOutlier
			nodes = append(nodes, n)
		case st.Surface != nil:
			nodes = append(nodes, NewMaterialNode(st.Surface, st.Material, st.Kind, st.Calo))
		}
	}
	return nodes
}

// seedFromTrack picks the perigee, then the recorded seed, then the first
// fitted state, then a straight line through the measurements.
func seedFromTrack(t *track.Track) (*track.Parameters, error) {
	for _, p := range []*track.Parameters{t.Perigee(), t.Seed, t.FirstParameters()} {
		if p != nil && p.Finite() {
			return p, nil
		}
	}
	return StraightLineSeed(t.Measurements())
}

// mergeNodes inserts nodes for extra measurements in front of the first
// existing node lying further along dir from ref.
func mergeNodes(nodes []*Node, extra []track.Measurement, ref, dir r3.Vector) []*Node {
	key := func(n *Node) float64 {
		p := n.Surface.Center
		if n.Measurement != nil {
			p = n.Measurement.GlobalPosition()
		}
		return p.Sub(ref).Dot(dir)
	}
	added := make([]*Node, len(extra))
	for i := range extra {
		added[i] = NewMeasurementNode(extra[i])
	}
	sort.SliceStable(added, func(i, j int) bool { return key(added[i]) < key(added[j]) })

	out := make([]*Node, 0, len(nodes)+len(added))
	j := 0
	for _, n := range nodes {
		for j < len(added) && key(added[j]) < key(n) {
			out = append(out, added[j])
			j++
		}
		out = append(out, n)
	}
	return append(out, added[j:]...)
}

func activeNodes(nodes []*Node) int {
	n := 0
	for _, node := range nodes {
		if node.Active() {
			n++
		}
	}
	return n
}

func activeDoF(nodes []*Node) int {
	dof := 0
	for _, n := range nodes {
		if n.Active() {
			dof += n.Measurement.Dim()
		}
	}
	return dof
}

func firstNonNil(ps []*track.Parameters) *track.Parameters {
	for _, p := range ps {
		if p != nil {
			return p
		}
	}
	return nil
}

// converged reports whether every parameter of b is within tol of a, in
// units of b's own sigma.
func converged(a, b *track.Parameters, tol float64) bool {
	if a == nil || b == nil || a.Surface != b.Surface || b.Cov == nil {
		return false
	}
	d := parameterDelta(b.Values, a.Values)
	for i := 0; i < track.NumParams; i++ {
		sigma := math.Sqrt(b.Cov.At(i, i))
		if sigma == 0 || math.Abs(d.AtVec(i)) > tol*sigma {
			return false
		}
	}
	return true
}

func recordOutcome(err error) {
	outcome := monitoring.OutcomeOK
	switch {
	case err == nil:
	case errors.Is(err, track.ErrUnderdetermined):
		outcome = monitoring.OutcomeUnderdetermined
	case errors.Is(err, track.ErrExtrapolation):
		outcome = monitoring.OutcomeExtrapolation
	case errors.Is(err, track.ErrSingularCovariance):
		outcome = monitoring.OutcomeSingular
	default:
		outcome = monitoring.OutcomeOther
	}
	if err != nil {
		opsf("fit failed (%s): %v", outcome, err)
	}
	monitoring.FitsTotal.WithLabelValues(outcome).Inc()
}

