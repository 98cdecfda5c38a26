package geometry

import (
	"math"

	"github.com/golang/geo/r3"
)

// FieldAccessor returns the magnetic field (tesla) at a global position
// (millimetres). The boolean is false when the position lies outside the
// region described by the map. Implementations must be safe for concurrent
// use; the fitter never mutates them.
type FieldAccessor interface {
	FieldAt(pos r3.Vector) (r3.Vector, bool)
}

// ZeroField is a field-free map, used for straight-line fits.
type ZeroField struct{}

// FieldAt always returns the zero vector.
func (ZeroField) FieldAt(r3.Vector) (r3.Vector, bool) { return r3.Vector{}, true }

// UniformField is a constant field everywhere.
type UniformField struct {
	B r3.Vector
}

// FieldAt returns the constant field vector.
func (f UniformField) FieldAt(r3.Vector) (r3.Vector, bool) { return f.B, true }

// SolenoidField is a uniform axial field (along global z) inside a cylinder
// of the given radius and half-length, and zero outside.
type SolenoidField struct {
	Bz         float64 // tesla
	Radius     float64 // mm
	HalfLength float64 // mm
}

// FieldAt returns Bz inside the solenoid volume.
func (f SolenoidField) FieldAt(pos r3.Vector) (r3.Vector, bool) {
	if math.Hypot(pos.X, pos.Y) <= f.Radius && math.Abs(pos.Z) <= f.HalfLength {
		return r3.Vector{Z: f.Bz}, true
	}
	return r3.Vector{}, true
}

// ToroidField is an azimuthal field around the global z axis between an
// inner and outer radius. The magnitude falls off as 1/r from B0 at the
// inner radius, which is the shape of an air-core barrel toroid.
type ToroidField struct {
	B0          float64 // tesla at InnerRadius
	InnerRadius float64 // mm
	OuterRadius float64 // mm
	HalfLength  float64 // mm
}

// FieldAt returns the azimuthal field inside the toroid volume.
func (f ToroidField) FieldAt(pos r3.Vector) (r3.Vector, bool) {
	r := math.Hypot(pos.X, pos.Y)
	if r < f.InnerRadius || r > f.OuterRadius || math.Abs(pos.Z) > f.HalfLength {
		return r3.Vector{}, true
	}
	mag := f.B0 * f.InnerRadius / r
	// azimuthal unit vector (-y/r, x/r, 0)
	return r3.Vector{X: -pos.Y / r * mag, Y: pos.X / r * mag}, true
}

// CompositeField sums several maps. A position is valid only if every
// component reports it valid.
type CompositeField []FieldAccessor

// FieldAt returns the vector sum of all component fields.
func (c CompositeField) FieldAt(pos r3.Vector) (r3.Vector, bool) {
	var sum r3.Vector
	for _, f := range c {
		b, ok := f.FieldAt(pos)
		if !ok {
			return r3.Vector{}, false
		}
		sum = sum.Add(b)
	}
	return sum, true
}

// BoundedField restricts another map to a maximum radius and half-length.
// Outside the bounds the position is reported invalid, which the
// extrapolator treats as a propagation failure.
type BoundedField struct {
	Field      FieldAccessor
	MaxRadius  float64
	HalfLength float64
}

// FieldAt delegates to the wrapped map inside the bounds.
func (b BoundedField) FieldAt(pos r3.Vector) (r3.Vector, bool) {
	if math.Hypot(pos.X, pos.Y) > b.MaxRadius || math.Abs(pos.Z) > b.HalfLength {
		return r3.Vector{}, false
	}
	return b.Field.FieldAt(pos)
}
