// Package testutil provides shared test utilities and fixtures.
//
// This package centralises common test helpers to reduce code duplication
// across test files and improve test maintainability.
package testutil

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t testing.TB, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// AssertSymmetric fails the test if m is not square and symmetric within tol.
func AssertSymmetric(t testing.TB, m mat.Matrix, tol float64) {
	t.Helper()
	r, c := m.Dims()
	if r != c {
		t.Fatalf("matrix is %d×%d, want square", r, c)
	}
	for i := 0; i < r; i++ {
		for j := i + 1; j < c; j++ {
			if math.Abs(m.At(i, j)-m.At(j, i)) > tol {
				t.Errorf("m[%d][%d]=%g != m[%d][%d]=%g", i, j, m.At(i, j), j, i, m.At(j, i))
			}
		}
	}
}

// AssertPositiveDefinite fails the test if c has a non-finite element or
// no Cholesky factorisation.
func AssertPositiveDefinite(t testing.TB, c mat.Symmetric) {
	t.Helper()
	n := c.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if v := c.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("covariance element [%d][%d] is %g", i, j, v)
			}
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(c) {
		t.Errorf("covariance is not positive definite:\n%v", mat.Formatted(c))
	}
}

// AssertMatrixNear fails the test if a and b differ by more than tol in
// any element.
func AssertMatrixNear(t testing.TB, a, b mat.Matrix, tol float64) {
	t.Helper()
	if !mat.EqualApprox(a, b, tol) {
		t.Errorf("matrices differ by more than %g:\n got  %v\n want %v", tol, mat.Formatted(a), mat.Formatted(b))
	}
}
