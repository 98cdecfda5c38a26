package geometry

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPlaneFrame(t *testing.T) {
	t.Parallel()

	s := NewPlane(7, PartPixel, r3.Vector{X: 100}, r3.Vector{X: 2}, r3.Vector{Y: 1, X: 5})
	assert.InDelta(t, 1.0, s.Normal.Norm(), 1e-12)
	assert.InDelta(t, 0.0, s.U.Dot(s.Normal), 1e-12)
	assert.InDelta(t, 0.0, s.V.Dot(s.Normal), 1e-12)
	assert.InDelta(t, 0.0, s.U.Dot(s.V), 1e-12)
	assert.InDelta(t, 1.0, s.U.Y, 1e-12, "axis hint projected onto plane")
}

func TestNewPlaneHintParallelToNormal(t *testing.T) {
	t.Parallel()

	s := NewPlane(1, PartMDT, r3.Vector{}, r3.Vector{Z: 1}, r3.Vector{Z: 3})
	assert.InDelta(t, 1.0, s.U.Norm(), 1e-12)
	assert.InDelta(t, 0.0, s.U.Dot(s.Normal), 1e-12)
}

func TestLocalGlobalRoundTrip(t *testing.T) {
	t.Parallel()

	t.Run("orthogonal", func(t *testing.T) {
		t.Parallel()
		s := NewPlane(1, PartSCT, r3.Vector{X: 300, Y: 5, Z: -2}, r3.Vector{X: 1, Y: 0.2}, r3.Vector{Z: 1})
		p := s.LocalToGlobal(12.5, -3.25)
		l1, l2 := s.GlobalToLocal(p)
		assert.InDelta(t, 12.5, l1, 1e-9)
		assert.InDelta(t, -3.25, l2, 1e-9)
		assert.InDelta(t, 0.0, s.SignedDistance(p), 1e-9)
	})

	t.Run("skewed axes", func(t *testing.T) {
		t.Parallel()
		stereo := 0.04
		s, err := NewSkewedPlane(2, PartSCT, r3.Vector{X: 500},
			r3.Vector{Y: 1},
			r3.Vector{Y: math.Sin(stereo), Z: math.Cos(stereo)})
		require.NoError(t, err)
		p := s.LocalToGlobal(-7, 40)
		l1, l2 := s.GlobalToLocal(p)
		assert.InDelta(t, -7.0, l1, 1e-9)
		assert.InDelta(t, 40.0, l2, 1e-9)
	})
}

func TestNewSkewedPlaneRejectsParallelAxes(t *testing.T) {
	t.Parallel()

	_, err := NewSkewedPlane(3, PartSCT, r3.Vector{}, r3.Vector{Y: 1}, r3.Vector{Y: 2})
	assert.Error(t, err)
}

func TestIntersect(t *testing.T) {
	t.Parallel()

	s := NewPlane(1, PartPixel, r3.Vector{X: 200}, r3.Vector{X: 1}, r3.Vector{Y: 1})

	p, dist, ok := s.Intersect(r3.Vector{}, r3.Vector{X: 1, Y: 1}.Normalize())
	require.True(t, ok)
	assert.InDelta(t, 200.0, p.X, 1e-9)
	assert.InDelta(t, 200.0, p.Y, 1e-9)
	assert.InDelta(t, 200*math.Sqrt2, dist, 1e-9)

	_, _, ok = s.Intersect(r3.Vector{}, r3.Vector{Y: 1})
	assert.False(t, ok, "line parallel to the plane")
}

func TestPerigeeSurface(t *testing.T) {
	t.Parallel()

	dir := r3.Vector{X: 1, Z: 0.5}.Normalize()
	s := PerigeeSurface(r3.Vector{Z: 10}, dir)
	assert.InDelta(t, 1.0, s.Normal.Dot(dir), 1e-12)
	l1, l2 := s.GlobalToLocal(r3.Vector{Z: 10})
	assert.InDelta(t, 0.0, l1, 1e-12)
	assert.InDelta(t, 0.0, l2, 1e-12)
}

func TestWithMaterialCopies(t *testing.T) {
	t.Parallel()

	s := NewPlane(1, PartPixel, r3.Vector{X: 50}, r3.Vector{X: 1}, r3.Vector{Y: 1})
	m := s.WithMaterial(Material{ThicknessX0: 0.03})
	assert.Nil(t, s.Material)
	require.NotNil(t, m.Material)
	assert.Equal(t, 0.03, m.Material.ThicknessX0)
	assert.Equal(t, s.ID, m.ID)
}
