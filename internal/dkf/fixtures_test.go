package dkf

import (
	"math"

	"github.com/banshee-data/trackfit/internal/conditions"
	"github.com/banshee-data/trackfit/internal/geometry"
	"github.com/banshee-data/trackfit/internal/track"
	"github.com/golang/geo/r3"
)

// planesAlongX returns planes normal to x with l1 = y and l2 = z.
func planesAlongX(part geometry.Part, xs ...float64) []*geometry.Surface {
	out := make([]*geometry.Surface, len(xs))
	for i, x := range xs {
		out[i] = geometry.NewPlane(geometry.ElementID(i+1), part, r3.Vector{X: x}, r3.Vector{X: 1}, r3.Vector{Y: 1})
	}
	return out
}

// line is y = Y0 + DY·x, z = Z0 + DZ·x.
type line struct{ Y0, DY, Z0, DZ float64 }

func (l line) at(x float64) (float64, float64) { return l.Y0 + l.DY*x, l.Z0 + l.DZ*x }

func (l line) direction() r3.Vector { return r3.Vector{X: 1, Y: l.DY, Z: l.DZ}.Normalize() }

func lineHits(l line, planes []*geometry.Surface, sigma float64) []track.Measurement {
	out := make([]track.Measurement, len(planes))
	for i, s := range planes {
		y, z := l.at(s.Center.X)
		out[i] = track.NewMeasurement2D(s, i, y, z, sigma, sigma)
	}
	return out
}

func testFitter() *Fitter {
	return NewFitter(DefaultFitterConfig())
}

func fieldFree() *conditions.Snapshot { return conditions.FieldFree() }

func uniformBz(tesla float64) *conditions.Snapshot {
	return conditions.NewSnapshot(geometry.UniformField{B: r3.Vector{Z: tesla}}, conditions.Magnets{SolenoidOn: true}, nil)
}

// sagittaY is the y deflection after travelling dx along x from a start
// direction along x, for a charge +1 track of momentum p in a field Bz.
func sagittaY(p, bz, dx float64) float64 {
	r := p / (CurvatureConstant * bz)
	return -(r - math.Sqrt(r*r-dx*dx))
}
