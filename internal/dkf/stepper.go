package dkf

import (
	"fmt"

	"github.com/banshee-data/trackfit/internal/geometry"
	"github.com/golang/geo/r3"
)

// CurvatureConstant converts q/p (1/MeV) and B (tesla) into a curvature
// in 1/mm: dT/ds = k·(q/p)·(T×B).
const CurvatureConstant = 0.299792458

// rkState is the integrated state: global position and unit direction.
type rkState struct {
	pos r3.Vector
	dir r3.Vector
}

// derivative evaluates (dr/ds, dT/ds) at s.
func derivative(field geometry.FieldAccessor, s rkState, qOverP float64) (r3.Vector, r3.Vector, error) {
	if qOverP == 0 {
		return s.dir, r3.Vector{}, nil
	}
	b, ok := field.FieldAt(s.pos)
	if !ok {
		return r3.Vector{}, r3.Vector{}, fmt.Errorf("field lookup failed at (%.1f, %.1f, %.1f)", s.pos.X, s.pos.Y, s.pos.Z)
	}
	return s.dir, s.dir.Cross(b).Mul(CurvatureConstant * qOverP), nil
}

// rk4Step advances s by path length h with one classical fourth-order
// Runge-Kutta step and renormalises the direction.
func rk4Step(field geometry.FieldAccessor, s rkState, qOverP, h float64) (rkState, error) {
	const (
		half     = 1 / 2.0
		oneSixth = 1 / 6.0
		oneThird = 1 / 3.0
	)

	dp1, dt1, err := derivative(field, s, qOverP)
	if err != nil {
		return s, err
	}
	s2 := rkState{pos: s.pos.Add(dp1.Mul(h * half)), dir: s.dir.Add(dt1.Mul(h * half))}
	dp2, dt2, err := derivative(field, s2, qOverP)
	if err != nil {
		return s, err
	}
	s3 := rkState{pos: s.pos.Add(dp2.Mul(h * half)), dir: s.dir.Add(dt2.Mul(h * half))}
	dp3, dt3, err := derivative(field, s3, qOverP)
	if err != nil {
		return s, err
	}
	s4 := rkState{pos: s.pos.Add(dp3.Mul(h)), dir: s.dir.Add(dt3.Mul(h))}
	dp4, dt4, err := derivative(field, s4, qOverP)
	if err != nil {
		return s, err
	}

	pos := s.pos.
		Add(dp1.Add(dp4).Mul(h * oneSixth)).
		Add(dp2.Add(dp3).Mul(h * oneThird))
	dir := s.dir.
		Add(dt1.Add(dt4).Mul(h * oneSixth)).
		Add(dt2.Add(dt3).Mul(h * oneThird))
	return rkState{pos: pos, dir: dir.Normalize()}, nil
}
