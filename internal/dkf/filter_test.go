package dkf

import (
	"errors"
	"testing"

	"github.com/banshee-data/trackfit/internal/geometry"
	"github.com/banshee-data/trackfit/internal/testutil"
	"github.com/banshee-data/trackfit/internal/track"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nodesFor(meas []track.Measurement) []*Node {
	out := make([]*Node, len(meas))
	for i := range meas {
		out[i] = NewMeasurementNode(meas[i])
	}
	return out
}

func seedFor(t *testing.T, f *Fitter, meas []track.Measurement) *track.Parameters {
	t.Helper()
	seed, err := StraightLineSeed(meas)
	require.NoError(t, err)
	return f.inflate(seed)
}

func TestForwardFilterStraightLine(t *testing.T) {
	t.Parallel()

	f := testFitter()
	l := line{Y0: 1, DY: 0.02, Z0: -2, DZ: 0.01}
	meas := lineHits(l, planesAlongX(geometry.PartPixel, 50, 100, 150, 200, 250), 0.01)
	nodes := nodesFor(meas)

	res, err := f.filter.Run(fieldFree(), seedFor(t, f, meas), nodes, track.NonInteracting)
	require.NoError(t, err)

	assert.Equal(t, 10, res.MeasurementDoF)
	assert.InDelta(t, 0, res.Chi2, 1e-8)
	for k := range nodes {
		require.True(t, res.Usable[k])
		require.NotNil(t, res.Jacobians[k])
		testutil.AssertPositiveDefinite(t, res.Filtered[k].Cov)
	}
	// Filtered covariance shrinks as hits accumulate.
	assert.Less(t, res.Filtered[4].Cov.At(track.Phi, track.Phi), res.Filtered[1].Cov.At(track.Phi, track.Phi))
}

func TestForwardFilterOutlierNodeIsPropagatedNotUpdated(t *testing.T) {
	t.Parallel()

	f := testFitter()
	meas := lineHits(line{}, planesAlongX(geometry.PartPixel, 50, 100, 150, 200), 0.01)
	nodes := nodesFor(meas)
	nodes[2].Outlier = true

	res, err := f.filter.Run(fieldFree(), seedFor(t, f, meas), nodes, track.NonInteracting)
	require.NoError(t, err)
	assert.Equal(t, 6, res.MeasurementDoF)
	assert.True(t, res.Usable[2])
	assert.Same(t, res.Predicted[2], res.Filtered[2])
}

func TestForwardFilterUnreachable(t *testing.T) {
	t.Parallel()

	f := testFitter()
	planes := planesAlongX(geometry.PartPixel, 50, 100, 150, 200)
	meas := lineHits(line{}, planes, 0.01)
	// A plane containing the track direction cannot be reached.
	sideways := geometry.NewPlane(99, geometry.PartPixel, r3.Vector{X: 120, Y: 5}, r3.Vector{Y: 1}, r3.Vector{X: 1})

	t.Run("measurement node becomes unusable", func(t *testing.T) {
		nodes := nodesFor(meas)
		bad := NewMeasurementNode(track.NewMeasurement1D(sideways, 0, 0, 0.01))
		nodes = append(nodes[:2], append([]*Node{bad}, nodes[2:]...)...)

		res, err := f.filter.Run(fieldFree(), seedFor(t, f, meas), nodes, track.NonInteracting)
		require.NoError(t, err)
		assert.False(t, res.Usable[2])
		assert.Nil(t, res.Filtered[2])
		assert.Equal(t, 8, res.MeasurementDoF)
	})

	t.Run("material node fails the pass", func(t *testing.T) {
		nodes := nodesFor(meas)
		scat := NewMaterialNode(sideways, &track.MaterialEffects{ThicknessX0: 1}, track.KindScatterer, track.NotCalo)
		nodes = append(nodes[:2], append([]*Node{scat}, nodes[2:]...)...)

		_, err := f.filter.Run(fieldFree(), seedFor(t, f, meas), nodes, track.Interacting)
		assert.True(t, errors.Is(err, track.ErrExtrapolation), "got %v", err)
	})
}

func TestSmoothMatchesLastFilteredAndImproves(t *testing.T) {
	t.Parallel()

	f := testFitter()
	meas := lineHits(line{Y0: 3, DY: -0.01}, planesAlongX(geometry.PartPixel, 50, 100, 150, 200, 250, 300), 0.02)
	res, err := f.filter.Run(fieldFree(), seedFor(t, f, meas), nodesFor(meas), track.NonInteracting)
	require.NoError(t, err)

	sm, err := Smooth(res)
	require.NoError(t, err)
	require.Len(t, sm, 6)

	assert.Same(t, res.Filtered[5], sm[5])
	for k := 0; k < 5; k++ {
		testutil.AssertPositiveDefinite(t, sm[k].Cov)
		assert.LessOrEqual(t, sm[k].Cov.At(track.LocX, track.LocX), res.Filtered[k].Cov.At(track.LocX, track.LocX)*(1+1e-9))
	}
	// The first state benefits most from the backward pass.
	assert.Less(t, sm[0].Cov.At(track.Phi, track.Phi), res.Filtered[0].Cov.At(track.Phi, track.Phi))
}

func TestOutlierManagerIdempotentOnCleanTrack(t *testing.T) {
	t.Parallel()

	f := testFitter()
	meas := lineHits(line{DY: 0.01}, planesAlongX(geometry.PartPixel, 50, 100, 150, 200, 250, 300), 0.01)
	nodes := nodesFor(meas)
	res, err := f.filter.Run(fieldFree(), seedFor(t, f, meas), nodes, track.NonInteracting)
	require.NoError(t, err)
	sm, err := Smooth(res)
	require.NoError(t, err)

	om := &OutlierManager{Chi2Cut: 25, MinMeasurementDoF: 5}
	for i := 0; i < 2; i++ {
		n, err := om.FindOutliers(sm, nodes)
		require.NoError(t, err)
		assert.Zero(t, n)
		for _, node := range nodes {
			assert.False(t, node.Outlier)
			assert.Less(t, node.Chi2, 1e-6)
		}
	}
}

func TestOutlierManagerKeepsMinimumDoF(t *testing.T) {
	t.Parallel()

	s := planesAlongX(geometry.PartMDT, 0, 10, 20, 30, 40)
	nodes := make([]*Node, len(s))
	sm := make([]*track.Parameters, len(s))
	for i := range s {
		nodes[i] = NewMeasurementNode(track.NewMeasurement1D(s[i], i, 0, 1))
		sm[i] = unitPrediction(s[i])
		nodes[i].Chi2 = 1
	}
	nodes[3].Chi2 = 100

	om := &OutlierManager{Chi2Cut: 25, MinMeasurementDoF: 5}
	assert.Zero(t, om.FlagWorst(sm, nodes), "removal would leave 4 dof")
	assert.False(t, nodes[3].Outlier)

	om.MinMeasurementDoF = 4
	assert.Equal(t, 1, om.FlagWorst(sm, nodes))
	assert.True(t, nodes[3].Outlier)
}

func TestOutlierManagerKeepsMinimumNodes(t *testing.T) {
	t.Parallel()

	build := func(n int) ([]*Node, []*track.Parameters) {
		s := planesAlongX(geometry.PartPixel, 0, 10, 20, 30, 40, 50)[:n]
		nodes := make([]*Node, n)
		sm := make([]*track.Parameters, n)
		for i := range s {
			nodes[i] = NewMeasurementNode(track.NewMeasurement2D(s[i], i, 0, 0, 1, 1))
			sm[i] = unitPrediction(s[i])
			nodes[i].Chi2 = 1
		}
		nodes[2].Chi2 = 100
		return nodes, sm
	}
	om := &OutlierManager{Chi2Cut: 25, MinMeasurementNodes: MinMeasurementNodes, MinMeasurementDoF: 5}

	// Five 2-D hits carry 10 dof, but removing one leaves four nodes.
	nodes, sm := build(5)
	assert.Zero(t, om.FlagWorst(sm, nodes))
	assert.False(t, nodes[2].Outlier)

	nodes, sm = build(6)
	assert.Equal(t, 1, om.FlagWorst(sm, nodes))
	assert.True(t, nodes[2].Outlier)
}
