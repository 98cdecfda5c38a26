package geometry

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// Internal numerical stability constants, not user-tunable.
const (
	// MinAxisSeparation is the minimum |sin| of the angle between the two
	// local axes of a surface. Below it the local frame is degenerate.
	MinAxisSeparation = 1e-6
	// MinIncidence is the minimum |cos| between a direction and the surface
	// normal for a line-plane intersection to be considered well defined.
	MinIncidence = 1e-9
)

// Material describes the thin layer of matter carried by a surface.
type Material struct {
	ThicknessX0     float64 // thickness at normal incidence, in radiation lengths
	EnergyLoss      float64 // mean energy loss at normal incidence (MeV)
	EnergyLossSigma float64 // energy loss fluctuation (MeV)
}

// Surface is an oriented plane with a local 2-D coordinate frame anchored at
// Center. The local axes U and V are unit vectors spanning the plane; they
// need not be orthogonal (stereo strips, skewed drift tubes). Surfaces are
// shared read-only by every track state that references them and are never
// mutated once built.
type Surface struct {
	ID       ElementID
	Part     Part
	Center   r3.Vector
	U        r3.Vector
	V        r3.Vector
	Normal   r3.Vector
	Material *Material

	// cached Gram matrix terms for GlobalToLocal
	uv    float64
	det   float64
	valid bool
}

// NewPlane builds a surface with orthogonal local axes. The first local axis
// is the projection of axisHint onto the plane; when the hint is parallel to
// the normal an arbitrary orthogonal axis is chosen.
func NewPlane(id ElementID, part Part, center, normal, axisHint r3.Vector) *Surface {
	n := normal.Normalize()
	u := axisHint.Sub(n.Mul(axisHint.Dot(n)))
	if u.Norm() < MinAxisSeparation {
		u = n.Ortho()
	}
	u = u.Normalize()
	v := n.Cross(u)
	return newSurface(id, part, center, u, v, n)
}

// NewSkewedPlane builds a surface from two (possibly non-orthogonal) local
// axes. The normal is U×V.
func NewSkewedPlane(id ElementID, part Part, center, u, v r3.Vector) (*Surface, error) {
	u = u.Normalize()
	v = v.Normalize()
	n := u.Cross(v)
	if n.Norm() < MinAxisSeparation {
		return nil, fmt.Errorf("surface %d: local axes are parallel", id)
	}
	return newSurface(id, part, center, u, v, n.Normalize()), nil
}

// PerigeeSurface returns the plane through point perpendicular to dir. It is
// the reference surface for perigee parameters and vertex pseudo-measurements.
func PerigeeSurface(point, dir r3.Vector) *Surface {
	return NewPlane(0, PartPseudo, point, dir, r3.Vector{Z: 1})
}

func newSurface(id ElementID, part Part, center, u, v, n r3.Vector) *Surface {
	uv := u.Dot(v)
	det := 1 - uv*uv
	return &Surface{
		ID:     id,
		Part:   part,
		Center: center,
		U:      u,
		V:      v,
		Normal: n,
		uv:     uv,
		det:    det,
		valid:  det > MinAxisSeparation*MinAxisSeparation,
	}
}

// WithMaterial returns a copy of the surface carrying the given material.
func (s *Surface) WithMaterial(m Material) *Surface {
	c := *s
	c.Material = &m
	return &c
}

// LocalToGlobal maps local coordinates onto the plane.
func (s *Surface) LocalToGlobal(l1, l2 float64) r3.Vector {
	return s.Center.Add(s.U.Mul(l1)).Add(s.V.Mul(l2))
}

// GlobalToLocal projects a global point onto the plane along the normal and
// returns its local coordinates. For skewed axes the 2×2 Gram system is
// solved exactly.
func (s *Surface) GlobalToLocal(p r3.Vector) (float64, float64) {
	d := p.Sub(s.Center)
	du := d.Dot(s.U)
	dv := d.Dot(s.V)
	if !s.valid {
		return du, dv
	}
	l1 := (du - s.uv*dv) / s.det
	l2 := (dv - s.uv*du) / s.det
	return l1, l2
}

// SignedDistance returns the distance of p from the plane along the normal.
func (s *Surface) SignedDistance(p r3.Vector) float64 {
	return p.Sub(s.Center).Dot(s.Normal)
}

// Intersect returns the point where the straight line pos + t*dir crosses the
// plane and the signed path length t. ok is false when the line is parallel
// to the plane.
func (s *Surface) Intersect(pos, dir r3.Vector) (r3.Vector, float64, bool) {
	cosInc := dir.Dot(s.Normal)
	if math.Abs(cosInc) < MinIncidence {
		return r3.Vector{}, 0, false
	}
	t := s.Center.Sub(pos).Dot(s.Normal) / cosInc
	return pos.Add(dir.Mul(t)), t, true
}

// String implements fmt.Stringer.
func (s *Surface) String() string {
	return fmt.Sprintf("Surface{id=%d part=%s center=(%.1f,%.1f,%.1f)}", s.ID, s.Part, s.Center.X, s.Center.Y, s.Center.Z)
}
