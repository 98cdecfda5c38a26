package dkf

import (
	"errors"
	"fmt"

	"github.com/banshee-data/trackfit/internal/track"
	"gonum.org/v1/gonum/mat"
)

// symmetrize returns (A + Aᵀ)/2 for a square matrix.
func symmetrize(a mat.Matrix) *mat.SymDense {
	n, _ := a.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}
	return s
}

// transport returns J C Jᵀ, symmetrised.
func transport(j mat.Matrix, c mat.Symmetric) *mat.SymDense {
	var jc, jcjt mat.Dense
	jc.Mul(j, c)
	jcjt.Mul(&jc, j.T())
	return symmetrize(&jcjt)
}

// addSym returns a + sign*b.
func addSym(a, b mat.Symmetric, sign float64) *mat.SymDense {
	n := a.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, a.At(i, j)+sign*b.At(i, j))
		}
	}
	return out
}

// factorize returns the Cholesky factor of s or ErrSingularCovariance.
func factorize(s mat.Symmetric, what string) (*mat.Cholesky, error) {
	if !track.IsPositiveDefinite(s) {
		return nil, fmt.Errorf("%s: %w", what, track.ErrSingularCovariance)
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(s); !ok {
		return nil, fmt.Errorf("%s: %w", what, track.ErrSingularCovariance)
	}
	return &chol, nil
}

// solveErr filters the error of a Cholesky solve. mat.Condition only
// reports a large condition number and the solution is still computed;
// track covariances mixing mm² and (1/MeV)² exceed its 1e16 threshold.
func solveErr(err error) error {
	var cond mat.Condition
	if errors.As(err, &cond) {
		return nil
	}
	return err
}

// quadraticForm returns rᵀ S⁻¹ r using the Cholesky factor of S.
func quadraticForm(chol *mat.Cholesky, r *mat.VecDense) (float64, error) {
	var w mat.VecDense
	if err := solveErr(chol.SolveVecTo(&w, r)); err != nil {
		return 0, fmt.Errorf("quadratic form: %w", track.ErrSingularCovariance)
	}
	return mat.Dot(r, &w), nil
}

// parameterDelta returns a - b with the phi component wrapped to (-π, π].
func parameterDelta(a, b [track.NumParams]float64) *mat.VecDense {
	d := mat.NewVecDense(track.NumParams, nil)
	for i := range a {
		d.SetVec(i, a[i]-b[i])
	}
	d.SetVec(track.Phi, track.WrapPhi(a[track.Phi]-b[track.Phi]))
	return d
}

// applyDelta returns v + d with phi wrapped.
func applyDelta(v [track.NumParams]float64, d mat.Vector) [track.NumParams]float64 {
	for i := range v {
		v[i] += d.AtVec(i)
	}
	v[track.Phi] = track.WrapPhi(v[track.Phi])
	return v
}

func identity5() *mat.Dense {
	id := mat.NewDense(track.NumParams, track.NumParams, nil)
	for i := 0; i < track.NumParams; i++ {
		id.Set(i, i, 1)
	}
	return id
}
