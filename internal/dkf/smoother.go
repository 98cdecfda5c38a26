package dkf

import (
	"fmt"

	"github.com/banshee-data/trackfit/internal/track"
	"gonum.org/v1/gonum/mat"
)

// Smooth runs the Rauch-Tung-Striebel backward recursion over a forward
// pass and returns the smoothed parameters per node (nil for unusable
// nodes). For consecutive usable nodes k < k1:
//
//	A    = Cf(k) J(k1)ᵀ Cp(k1)⁻¹
//	xs(k) = xf(k) + A (xs(k1) - xp(k1))
//	Cs(k) = Cf(k) + A (Cs(k1) - Cp(k1)) Aᵀ
func Smooth(res *FilterResult) ([]*track.Parameters, error) {
	smoothed := make([]*track.Parameters, len(res.Filtered))
	idx := res.usableIndices()
	if len(idx) == 0 {
		return smoothed, nil
	}

	last := idx[len(idx)-1]
	smoothed[last] = res.Filtered[last]

	for i := len(idx) - 2; i >= 0; i-- {
		k, k1 := idx[i], idx[i+1]
		filt := res.Filtered[k]
		pred := res.Predicted[k1]
		next := smoothed[k1]

		chol, err := factorize(pred.Cov, fmt.Sprintf("smoother predicted covariance at node %d", k1))
		if err != nil {
			return nil, err
		}

		// Aᵀ = Cp⁻¹ J Cf, all three symmetric or square.
		var jcf, at mat.Dense
		jcf.Mul(res.Jacobians[k1], filt.Cov)
		if err := solveErr(chol.SolveTo(&at, &jcf)); err != nil {
			return nil, fmt.Errorf("smoother gain at node %d: %w", k, track.ErrSingularCovariance)
		}
		a := at.T()

		var gain mat.VecDense
		gain.MulVec(a, parameterDelta(next.Values, pred.Values))
		values := applyDelta(filt.Values, &gain)

		diff := addSym(next.Cov, pred.Cov, -1)
		var ad, adat mat.Dense
		ad.Mul(a, diff)
		adat.Mul(&ad, &at)
		cov := addSym(filt.Cov, symmetrize(&adat), 1)

		smoothed[k] = filt.WithValues(values, cov)
	}
	return smoothed, nil
}
