package track

import (
	"fmt"

	"github.com/banshee-data/trackfit/internal/geometry"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Measurement is a 1-D or 2-D local measurement on a surface. A 1-D
// measurement constrains the first local coordinate only.
type Measurement struct {
	Surface *geometry.Surface
	Element geometry.ElementID
	Part    geometry.Part
	// Region groups measurements that share an alignment uncertainty
	// (station or layer index). Used by error re-optimisation.
	Region int
	Values [2]float64
	Cov    *mat.SymDense
	// Pseudo marks a constraint that is not a detector hit, such as a
	// vertex-region prior.
	Pseudo bool
}

// NewMeasurement1D builds a single-coordinate measurement.
func NewMeasurement1D(s *geometry.Surface, region int, l1, sigma float64) Measurement {
	return Measurement{
		Surface: s,
		Element: s.ID,
		Part:    s.Part,
		Region:  region,
		Values:  [2]float64{l1, 0},
		Cov:     mat.NewSymDense(1, []float64{sigma * sigma}),
	}
}

// NewMeasurement2D builds a two-coordinate measurement with uncorrelated
// errors.
func NewMeasurement2D(s *geometry.Surface, region int, l1, l2, sigma1, sigma2 float64) Measurement {
	return Measurement{
		Surface: s,
		Element: s.ID,
		Part:    s.Part,
		Region:  region,
		Values:  [2]float64{l1, l2},
		Cov:     mat.NewSymDense(2, []float64{sigma1 * sigma1, 0, 0, sigma2 * sigma2}),
	}
}

// NewPseudoMeasurement builds a soft 2-D constraint at the anchor of s.
func NewPseudoMeasurement(s *geometry.Surface, sigma1, sigma2 float64) Measurement {
	m := NewMeasurement2D(s, -1, 0, 0, sigma1, sigma2)
	m.Part = geometry.PartPseudo
	m.Pseudo = true
	return m
}

// Dim returns the number of measured coordinates.
func (m *Measurement) Dim() int {
	if m.Cov == nil {
		return 0
	}
	return m.Cov.SymmetricDim()
}

// Vector returns the measured values as a Dim-length vector.
func (m *Measurement) Vector() *mat.VecDense {
	d := m.Dim()
	return mat.NewVecDense(d, append([]float64(nil), m.Values[:d]...))
}

// Projection returns the Dim×5 matrix mapping track parameters to measured
// coordinates.
func (m *Measurement) Projection() *mat.Dense {
	d := m.Dim()
	h := mat.NewDense(d, NumParams, nil)
	for i := 0; i < d; i++ {
		h.Set(i, i, 1)
	}
	return h
}

// GlobalPosition returns the measured point on the surface. The unmeasured
// coordinate of a 1-D measurement is taken at the surface anchor.
func (m *Measurement) GlobalPosition() r3.Vector {
	return m.Surface.LocalToGlobal(m.Values[0], m.Values[1])
}

// Leg returns the track leg of the producing detector part.
func (m *Measurement) Leg() geometry.Leg {
	return m.Part.Leg()
}

// WithCovariance returns a copy with a replaced covariance.
func (m Measurement) WithCovariance(cov *mat.SymDense) Measurement {
	m.Cov = cov
	return m
}

// Inflated returns a copy whose variances are increased by extra² in
// quadrature on every measured coordinate.
func (m Measurement) Inflated(extra float64) Measurement {
	d := m.Dim()
	c := mat.NewSymDense(d, nil)
	c.CopySym(m.Cov)
	for i := 0; i < d; i++ {
		c.SetSym(i, i, c.At(i, i)+extra*extra)
	}
	m.Cov = c
	return m
}

// String implements fmt.Stringer.
func (m *Measurement) String() string {
	return fmt.Sprintf("Measurement{elem=%d part=%s dim=%d l=(%.4f,%.4f)}", m.Element, m.Part, m.Dim(), m.Values[0], m.Values[1])
}
