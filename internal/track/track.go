package track

import (
	"fmt"
	"math"
	"strings"

	"github.com/banshee-data/trackfit/internal/conditions"
	"github.com/banshee-data/trackfit/internal/geometry"
	"github.com/google/uuid"
)

// StateKind classifies a track-state-on-surface record.
type StateKind uint8

const (
	KindMeasurement StateKind = iota
	KindOutlier
	KindPerigee
	KindScatterer
	KindCaloDeposit
	KindPseudoMeasurement
	KindHole
)

var kindNames = [...]string{"measurement", "outlier", "perigee", "scatterer", "calo_deposit", "pseudo", "hole"}

// String implements fmt.Stringer.
func (k StateKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// CaloLayer marks calorimeter material records produced by calorimeter
// association.
type CaloLayer uint8

const (
	NotCalo CaloLayer = iota
	CaloInner
	CaloMiddle
	CaloOuter
)

// ParticleHypothesis selects whether material effects are applied.
type ParticleHypothesis uint8

const (
	NonInteracting ParticleHypothesis = iota
	Interacting
)

// String implements fmt.Stringer.
func (h ParticleHypothesis) String() string {
	if h == Interacting {
		return "interacting"
	}
	return "non-interacting"
}

// MaterialEffects are the scattering and energy-loss terms of a material
// record. Explicit angle sigmas take precedence over ThicknessX0.
type MaterialEffects struct {
	ThicknessX0     float64
	SigmaDeltaPhi   float64 // rad
	SigmaDeltaTheta float64 // rad
	EnergyLoss      float64 // MeV, mean loss in the direction of flight
	EnergyLossSigma float64 // MeV
}

// FromSurfaceMaterial converts layer material to material effects.
func FromSurfaceMaterial(m *geometry.Material) *MaterialEffects {
	if m == nil {
		return nil
	}
	return &MaterialEffects{
		ThicknessX0:     m.ThicknessX0,
		EnergyLoss:      m.EnergyLoss,
		EnergyLossSigma: m.EnergyLossSigma,
	}
}

// TrackStateOnSurface is one entry of a Track.
type TrackStateOnSurface struct {
	Kind        StateKind
	Surface     *geometry.Surface
	Parameters  *Parameters
	Measurement *Measurement
	Material    *MaterialEffects
	Calo        CaloLayer
	// Chi2 is the smoothed chi-square contribution of a measurement.
	Chi2 float64
}

// IsMeasurementLike reports whether the record carries a measurement that
// participates in the fit (hits and pseudo-measurements).
func (s *TrackStateOnSurface) IsMeasurementLike() bool {
	return s.Measurement != nil && (s.Kind == KindMeasurement || s.Kind == KindPseudoMeasurement)
}

// FitQuality is the global fit chi-square and degrees of freedom.
type FitQuality struct {
	Chi2 float64
	NDoF int
}

// Chi2PerDoF returns chi2/ndof, or +Inf with no degrees of freedom.
func (q FitQuality) Chi2PerDoF() float64 {
	if q.NDoF <= 0 {
		return math.Inf(1)
	}
	return q.Chi2 / float64(q.NDoF)
}

// Pattern records how a track was built.
type Pattern uint32

const (
	PatternSeedBackExtrapolated Pattern = 1 << iota
	PatternSeedLineFromOrigin
	PatternVertexConstrained
	PatternCaloAssociated
	PatternMomentumIterated
	PatternHolesRecovered
	PatternErrorsOptimised
	PatternSystematicsAdded
	PatternStandaloneRefit
	PatternCleaned
	PatternStraightLine
)

var patternNames = []string{
	"seed_back_extrapolated", "seed_line_from_origin", "vertex_constrained",
	"calo_associated", "momentum_iterated", "holes_recovered", "errors_optimised",
	"systematics_added", "standalone_refit", "cleaned", "straight_line",
}

// Has reports whether every bit of q is set.
func (p Pattern) Has(q Pattern) bool { return p&q == q }

// String lists the set pattern names.
func (p Pattern) String() string {
	var names []string
	for i, n := range patternNames {
		if p&(1<<uint(i)) != 0 {
			names = append(names, n)
		}
	}
	return strings.Join(names, "|")
}

// Track is the fit output: an ordered sequence of states, a fit quality and
// a particle hypothesis. A Track returned by a fit is never modified again;
// use WithStates to derive a new one.
type Track struct {
	ID         string
	States     []TrackStateOnSurface
	Quality    FitQuality
	Hypothesis ParticleHypothesis
	Patterns   Pattern
	// Seed holds the starting parameters the track was built from, if any.
	Seed *Parameters
}

// NewTrack creates a track with a fresh ID.
func NewTrack(states []TrackStateOnSurface, hyp ParticleHypothesis) *Track {
	return &Track{ID: uuid.New().String(), States: states, Hypothesis: hyp}
}

// WithStates returns a new track (new ID) carrying states and the receiver's
// hypothesis, patterns and seed. Quality is reset because the states are no
// longer the fitted ones.
func (t *Track) WithStates(states []TrackStateOnSurface) *Track {
	return &Track{
		ID:         uuid.New().String(),
		States:     states,
		Hypothesis: t.Hypothesis,
		Patterns:   t.Patterns,
		Seed:       t.Seed,
	}
}

// CopyStates returns a shallow copy of the state slice, suitable for
// rebuilding a modified track.
func (t *Track) CopyStates() []TrackStateOnSurface {
	out := make([]TrackStateOnSurface, len(t.States))
	copy(out, t.States)
	return out
}

// Perigee returns the perigee parameters, or nil.
func (t *Track) Perigee() *Parameters {
	for i := range t.States {
		if t.States[i].Kind == KindPerigee {
			return t.States[i].Parameters
		}
	}
	return nil
}

// FirstParameters returns the first non-nil parameters on the track.
func (t *Track) FirstParameters() *Parameters {
	for i := range t.States {
		if p := t.States[i].Parameters; p != nil {
			return p
		}
	}
	return nil
}

// LastParameters returns the last non-nil parameters on the track.
func (t *Track) LastParameters() *Parameters {
	for i := len(t.States) - 1; i >= 0; i-- {
		if p := t.States[i].Parameters; p != nil {
			return p
		}
	}
	return nil
}

// Measurements returns every fitted measurement (hits and pseudo-measurements,
// excluding outliers) in track order.
func (t *Track) Measurements() []Measurement {
	var out []Measurement
	for i := range t.States {
		if t.States[i].IsMeasurementLike() {
			out = append(out, *t.States[i].Measurement)
		}
	}
	return out
}

// MeasurementDoF returns the sum of the dimensions of fitted measurements.
func (t *Track) MeasurementDoF() int {
	n := 0
	for i := range t.States {
		if t.States[i].IsMeasurementLike() {
			n += t.States[i].Measurement.Dim()
		}
	}
	return n
}

// HasLeg reports whether any hit (not pseudo-measurement) belongs to leg.
func (t *Track) HasLeg(leg geometry.Leg) bool {
	for i := range t.States {
		s := &t.States[i]
		if s.Measurement != nil && !s.Measurement.Pseudo && s.Measurement.Leg() == leg {
			return true
		}
	}
	return false
}

// CaloState returns the index of the calorimeter record for layer, or -1.
func (t *Track) CaloState(layer CaloLayer) int {
	for i := range t.States {
		if t.States[i].Calo == layer {
			return i
		}
	}
	return -1
}

// String implements fmt.Stringer.
func (t *Track) String() string {
	return fmt.Sprintf("Track{id=%s states=%d chi2=%.3f ndof=%d hyp=%s patterns=%s}",
		t.ID, len(t.States), t.Quality.Chi2, t.Quality.NDoF, t.Hypothesis, t.Patterns)
}

// FitOptions are the per-call fit switches.
type FitOptions struct {
	RunOutlierRemoval bool
	Hypothesis        ParticleHypothesis
}

// Fitter is the single capability the muon builder needs from a track
// fitter. Implementations return a nil track and an error from the
// taxonomy in errors.go on failure, never a partially populated track.
type Fitter interface {
	FitMeasurements(cond *conditions.Snapshot, meas []Measurement, seed *Parameters, opts FitOptions) (*Track, error)
	FitTrack(cond *conditions.Snapshot, t *Track, opts FitOptions) (*Track, error)
	FitTrackWithMeasurements(cond *conditions.Snapshot, t *Track, extra []Measurement, opts FitOptions) (*Track, error)
}
