package muon

import (
	"fmt"
	"math"

	"github.com/banshee-data/trackfit/internal/conditions"
	"github.com/banshee-data/trackfit/internal/dkf"
	"github.com/banshee-data/trackfit/internal/geometry"
	"github.com/banshee-data/trackfit/internal/track"
)

// AlignmentUncertainty supplies the relative inner-detector to
// spectrometer angular uncertainty (rad) for a combined track.
type AlignmentUncertainty interface {
	Uncertainty(cond *conditions.Snapshot, t *track.Track) (dPhi, dTheta float64, err error)
}

// FixedAlignmentUncertainty returns the same uncertainty for every track.
type FixedAlignmentUncertainty struct {
	Phi   float64
	Theta float64
}

// Uncertainty implements AlignmentUncertainty.
func (f FixedAlignmentUncertainty) Uncertainty(*conditions.Snapshot, *track.Track) (float64, float64, error) {
	return f.Phi, f.Theta, nil
}

// addSystematics widens the scattering angles of the inner and outer
// calorimeter scatterers, which bound the ID and MS legs, by the alignment
// uncertainty in quadrature and refits. Tracks without both legs and both
// scatterers are returned unchanged.
func (b *Builder) addSystematics(cond *conditions.Snapshot, r *run, t *track.Track) (*track.Track, error) {
	if !t.HasLeg(geometry.LegIndet) || !t.HasLeg(geometry.LegSpectrometer) {
		return t, nil
	}
	inner, outer := t.CaloState(track.CaloInner), t.CaloState(track.CaloOuter)
	if inner < 0 || outer < 0 {
		return t, nil
	}
	dPhi, dTheta, err := b.alignment.Uncertainty(cond, t)
	if err != nil {
		return nil, fmt.Errorf("alignment uncertainty: %w", err)
	}
	if dPhi == 0 && dTheta == 0 {
		return t, nil
	}

	states := t.CopyStates()
	for _, i := range []int{inner, outer} {
		st := &states[i]
		var m track.MaterialEffects
		if st.Material != nil {
			m = *st.Material
		}
		if m.SigmaDeltaPhi == 0 && m.SigmaDeltaTheta == 0 && st.Parameters != nil {
			theta0 := dkf.HighlandAngle(st.Parameters.Momentum(), m.ThicknessX0)
			m.SigmaDeltaPhi, m.SigmaDeltaTheta = theta0, theta0
		}
		m.SigmaDeltaPhi = math.Hypot(m.SigmaDeltaPhi, dPhi)
		m.SigmaDeltaTheta = math.Hypot(m.SigmaDeltaTheta, dTheta)
		st.Material = &m
		tracef("%s: %s scatterer sigmas now (%.3g, %.3g) rad", r.op, calolayerName(st.Calo), m.SigmaDeltaPhi, m.SigmaDeltaTheta)
	}

	out, err := b.fit(cond, r, t.WithStates(states), true, t.Hypothesis)
	if err != nil {
		return nil, fmt.Errorf("systematics refit: %w", err)
	}
	return withPatterns(out, track.PatternSystematicsAdded), nil
}

func calolayerName(l track.CaloLayer) string {
	switch l {
	case track.CaloInner:
		return "inner"
	case track.CaloMiddle:
		return "middle"
	case track.CaloOuter:
		return "outer"
	}
	return "none"
}
