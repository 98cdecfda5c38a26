package track

import (
	"fmt"
	"math"

	"github.com/banshee-data/trackfit/internal/geometry"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Indices of the five local track parameters.
const (
	LocX = iota
	LocY
	Phi
	Theta
	QOverP
	NumParams
)

// MuonMass is the muon rest mass in MeV.
const MuonMass = 105.6583755

// Parameters is the 5-parameter local track representation
// [l1, l2, phi, theta, q/p] (mm, mm, rad, rad, 1/MeV) on a surface, with its
// 5×5 symmetric covariance. Cov may be nil for seeds without an error
// estimate. Parameters are immutable: every pass produces new values.
type Parameters struct {
	Surface *geometry.Surface
	Values  [NumParams]float64
	Cov     *mat.SymDense
}

// NewParameters builds parameters from a global position and direction.
func NewParameters(s *geometry.Surface, pos, dir r3.Vector, qOverP float64, cov *mat.SymDense) *Parameters {
	l1, l2 := s.GlobalToLocal(pos)
	dir = dir.Normalize()
	return &Parameters{
		Surface: s,
		Values:  [NumParams]float64{l1, l2, math.Atan2(dir.Y, dir.X), math.Acos(clamp(dir.Z, -1, 1)), qOverP},
		Cov:     cov,
	}
}

// DiagonalCovariance builds a 5×5 covariance from per-parameter sigmas.
func DiagonalCovariance(sigmas [NumParams]float64) *mat.SymDense {
	c := mat.NewSymDense(NumParams, nil)
	for i, s := range sigmas {
		c.SetSym(i, i, s*s)
	}
	return c
}

// Position returns the global position of the parameters.
func (p *Parameters) Position() r3.Vector {
	return p.Surface.LocalToGlobal(p.Values[LocX], p.Values[LocY])
}

// Direction returns the global unit direction.
func (p *Parameters) Direction() r3.Vector {
	return DirectionFromAngles(p.Values[Phi], p.Values[Theta])
}

// Momentum returns |p| in MeV. Zero q/p (straight line) returns +Inf.
func (p *Parameters) Momentum() float64 {
	if p.Values[QOverP] == 0 {
		return math.Inf(1)
	}
	return math.Abs(1 / p.Values[QOverP])
}

// Charge returns the sign of q/p (+1 for zero).
func (p *Parameters) Charge() float64 {
	if p.Values[QOverP] < 0 {
		return -1
	}
	return 1
}

// Sigma returns the square root of the i-th covariance diagonal element, or
// +Inf when no covariance is attached.
func (p *Parameters) Sigma(i int) float64 {
	if p.Cov == nil {
		return math.Inf(1)
	}
	return math.Sqrt(p.Cov.At(i, i))
}

// Finite reports whether every parameter value is finite.
func (p *Parameters) Finite() bool {
	for _, v := range p.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Valid reports whether the parameters are finite and carry a
// positive-definite covariance.
func (p *Parameters) Valid() bool {
	return p != nil && p.Finite() && p.Cov != nil && IsPositiveDefinite(p.Cov)
}

// WithValues returns a copy with new values and covariance on the same surface.
func (p *Parameters) WithValues(v [NumParams]float64, cov *mat.SymDense) *Parameters {
	return &Parameters{Surface: p.Surface, Values: v, Cov: cov}
}

// WithCovariance returns a copy carrying cov.
func (p *Parameters) WithCovariance(cov *mat.SymDense) *Parameters {
	return &Parameters{Surface: p.Surface, Values: p.Values, Cov: cov}
}

// String implements fmt.Stringer.
func (p *Parameters) String() string {
	return fmt.Sprintf("Parameters{l1=%.4f l2=%.4f phi=%.5f theta=%.5f qop=%.4g}",
		p.Values[LocX], p.Values[LocY], p.Values[Phi], p.Values[Theta], p.Values[QOverP])
}

// DirectionFromAngles converts (phi, theta) to a global unit vector.
func DirectionFromAngles(phi, theta float64) r3.Vector {
	st, ct := math.Sincos(theta)
	sp, cp := math.Sincos(phi)
	return r3.Vector{X: st * cp, Y: st * sp, Z: ct}
}

// IsPositiveDefinite reports whether a symmetric matrix admits a Cholesky
// factorisation and all its elements are finite.
func IsPositiveDefinite(c mat.Symmetric) bool {
	n := c.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := c.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	var chol mat.Cholesky
	return chol.Factorize(c)
}

// WrapPhi maps an angle to (-π, π].
func WrapPhi(phi float64) float64 {
	for phi > math.Pi {
		phi -= 2 * math.Pi
	}
	for phi <= -math.Pi {
		phi += 2 * math.Pi
	}
	return phi
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
