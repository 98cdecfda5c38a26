package dkf

import (
	"fmt"

	"github.com/banshee-data/trackfit/internal/geometry"
	"github.com/banshee-data/trackfit/internal/track"
	"gonum.org/v1/gonum/mat"
)

// Node binds one measurement, or a pure material record, to its surface.
// The smoothed chi-square and the outlier flag are the only fields that
// change after construction; both are written by the outlier manager.
type Node struct {
	Surface     *geometry.Surface
	Measurement *track.Measurement
	Material    *track.MaterialEffects
	Kind        track.StateKind
	Calo        track.CaloLayer

	Chi2    float64
	Outlier bool
}

// NewMeasurementNode wraps a measurement. Material on the measurement
// surface is picked up automatically.
func NewMeasurementNode(m track.Measurement) *Node {
	kind := track.KindMeasurement
	if m.Pseudo {
		kind = track.KindPseudoMeasurement
	}
	return &Node{
		Surface:     m.Surface,
		Measurement: &m,
		Material:    track.FromSurfaceMaterial(m.Surface.Material),
		Kind:        kind,
	}
}

// NewMaterialNode wraps a scatterer or calorimeter record without a
// measurement.
func NewMaterialNode(s *geometry.Surface, m *track.MaterialEffects, kind track.StateKind, calo track.CaloLayer) *Node {
	if m == nil {
		m = track.FromSurfaceMaterial(s.Material)
	}
	return &Node{Surface: s, Material: m, Kind: kind, Calo: calo}
}

// HasMeasurement reports whether the node carries a measurement.
func (n *Node) HasMeasurement() bool { return n.Measurement != nil }

// Active reports whether the node's measurement participates in the fit.
func (n *Node) Active() bool { return n.Measurement != nil && !n.Outlier }

// Mandatory reports whether failing to reach the node fails the fit.
// Material records are mandatory; an unreachable measurement only makes
// its node unusable for the current attempt.
func (n *Node) Mandatory() bool { return n.Measurement == nil }

// Residual returns m - H x for parameters on the node surface.
func (n *Node) Residual(p *track.Parameters) *mat.VecDense {
	d := n.Measurement.Dim()
	r := mat.NewVecDense(d, nil)
	for i := 0; i < d; i++ {
		r.SetVec(i, n.Measurement.Values[i]-p.Values[i])
	}
	return r
}

// Update performs the gain-form Kalman update of the predicted parameters
// with the node's measurement and returns the filtered parameters and the
// chi-square increment rᵀ S⁻¹ r.
func (n *Node) Update(pred *track.Parameters) (*track.Parameters, float64, error) {
	if pred.Cov == nil {
		return nil, 0, fmt.Errorf("update node %v: predicted state has no covariance: %w", n.Surface, track.ErrSingularCovariance)
	}
	h := n.Measurement.Projection()
	r := n.Residual(pred)

	// S = V + H C Hᵀ
	s := addSym(n.Measurement.Cov, transport(h, pred.Cov), 1)
	chol, err := factorize(s, fmt.Sprintf("innovation covariance at %v", n.Surface))
	if err != nil {
		return nil, 0, err
	}

	// X = S⁻¹ H C, so K = Xᵀ and K H C = (H C)ᵀ X.
	var hc, x mat.Dense
	hc.Mul(h, pred.Cov)
	if err := solveErr(chol.SolveTo(&x, &hc)); err != nil {
		return nil, 0, fmt.Errorf("gain at %v: %w", n.Surface, track.ErrSingularCovariance)
	}

	var kr mat.VecDense
	kr.MulVec(x.T(), r)
	values := applyDelta(pred.Values, &kr)

	var khc mat.Dense
	khc.Mul(hc.T(), &x)
	cov := mat.NewSymDense(track.NumParams, nil)
	for i := 0; i < track.NumParams; i++ {
		for j := i; j < track.NumParams; j++ {
			a := pred.Cov.At(i, j) - khc.At(i, j)
			b := pred.Cov.At(j, i) - khc.At(j, i)
			cov.SetSym(i, j, 0.5*(a+b))
		}
	}
	if !track.IsPositiveDefinite(cov) {
		return nil, 0, fmt.Errorf("filtered covariance at %v: %w", n.Surface, track.ErrSingularCovariance)
	}

	chi2, err := quadraticForm(chol, r)
	if err != nil {
		return nil, 0, err
	}
	return pred.WithValues(values, cov), chi2, nil
}

// SmoothedChi2 returns rᵀ R⁻¹ r for smoothed parameters p, with
// R = V - H C Hᵀ when the measurement took part in the fit and
// R = V + H C Hᵀ when it did not.
func (n *Node) SmoothedChi2(p *track.Parameters) (float64, error) {
	h := n.Measurement.Projection()
	r := n.Residual(p)
	hch := transport(h, p.Cov)

	sign := -1.0
	if n.Outlier {
		sign = 1.0
	}
	chol, err := factorize(addSym(n.Measurement.Cov, hch, sign), "smoothed residual covariance")
	if err != nil && sign < 0 {
		// Numerically the subtraction can lose definiteness for very
		// precise states; fall back to the measurement covariance.
		chol, err = factorize(n.Measurement.Cov, "measurement covariance")
	}
	if err != nil {
		return 0, err
	}
	return quadraticForm(chol, r)
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	return fmt.Sprintf("Node{kind=%s surface=%v outlier=%t chi2=%.3f}", n.Kind, n.Surface, n.Outlier, n.Chi2)
}
