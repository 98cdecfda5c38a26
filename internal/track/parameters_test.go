package track

import (
	"math"
	"testing"

	"github.com/banshee-data/trackfit/internal/geometry"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

func testPlane(x float64) *geometry.Surface {
	return geometry.NewPlane(geometry.ElementID(x), geometry.PartPixel, r3.Vector{X: x}, r3.Vector{X: 1}, r3.Vector{Y: 1})
}

func TestParametersGlobalRoundTrip(t *testing.T) {
	t.Parallel()

	s := testPlane(100)
	pos := r3.Vector{X: 100, Y: 3.5, Z: -12}
	dir := r3.Vector{X: 1, Y: 0.1, Z: -0.2}.Normalize()
	p := NewParameters(s, pos, dir, -1.0/20000, nil)

	assert.InDelta(t, 0.0, p.Position().Sub(pos).Norm(), 1e-9)
	assert.InDelta(t, 0.0, p.Direction().Sub(dir).Norm(), 1e-12)
	assert.InDelta(t, 20000.0, p.Momentum(), 1e-6)
	assert.Equal(t, -1.0, p.Charge())
	assert.True(t, math.IsInf(p.Sigma(QOverP), 1))
	assert.False(t, p.Valid(), "no covariance attached")
}

func TestParametersValid(t *testing.T) {
	t.Parallel()

	s := testPlane(0)
	good := &Parameters{Surface: s, Cov: DiagonalCovariance([NumParams]float64{1, 1, 0.01, 0.01, 1e-5})}
	assert.True(t, good.Valid())
	assert.InDelta(t, 0.01, good.Sigma(Phi), 1e-15)

	bad := mat.NewSymDense(NumParams, nil)
	bad.CopySym(good.Cov)
	bad.SetSym(2, 2, -1)
	assert.False(t, good.WithCovariance(bad).Valid())

	nan := good.WithValues([NumParams]float64{math.NaN()}, good.Cov)
	assert.False(t, nan.Valid())

	var nilParams *Parameters
	assert.False(t, nilParams.Valid())
}

func TestStraightLineMomentum(t *testing.T) {
	t.Parallel()

	p := &Parameters{Surface: testPlane(0)}
	assert.True(t, math.IsInf(p.Momentum(), 1))
	assert.Equal(t, 1.0, p.Charge())
}

func TestWrapPhi(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, -math.Pi+0.1, WrapPhi(math.Pi+0.1), 1e-12)
	assert.InDelta(t, math.Pi-0.1, WrapPhi(-math.Pi-0.1), 1e-12)
	assert.InDelta(t, math.Pi, WrapPhi(-math.Pi), 1e-12)
	assert.InDelta(t, 0.3, WrapPhi(0.3+4*math.Pi), 1e-12)
}

func TestIsPositiveDefinite(t *testing.T) {
	t.Parallel()

	assert.True(t, IsPositiveDefinite(mat.NewSymDense(2, []float64{2, 1, 1, 2})))
	assert.False(t, IsPositiveDefinite(mat.NewSymDense(2, []float64{1, 2, 2, 1})))
	assert.False(t, IsPositiveDefinite(mat.NewSymDense(2, []float64{math.Inf(1), 0, 0, 1})))
}
