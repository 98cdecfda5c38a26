package dkf

import (
	"fmt"
	"math"

	"github.com/banshee-data/trackfit/internal/conditions"
	"github.com/banshee-data/trackfit/internal/geometry"
	"github.com/banshee-data/trackfit/internal/track"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// planeTolerance is the distance (mm) below which the integrator is
// considered to have reached the target plane.
const planeTolerance = 1e-7

// Propagation is the result of transporting parameters to a surface.
type Propagation struct {
	Parameters *track.Parameters
	// Jacobian is ∂(new parameters)/∂(old parameters), 5×5.
	Jacobian *mat.Dense
	// PathLength is the signed arc length travelled (mm); negative when
	// the target lies behind the starting point.
	PathLength float64
}

// Extrapolator transports track parameters between surfaces through the
// field of a conditions snapshot. It holds no per-call state.
type Extrapolator struct {
	cfg ExtrapolatorConfig
}

// NewExtrapolator creates an extrapolator. Zero-valued fields of cfg take
// the built-in defaults.
func NewExtrapolator(cfg ExtrapolatorConfig) *Extrapolator {
	def := DefaultFitterConfig().Extrapolator
	if cfg.StepLength <= 0 {
		cfg.StepLength = def.StepLength
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = def.MaxSteps
	}
	if cfg.MaxPathLength <= 0 {
		cfg.MaxPathLength = def.MaxPathLength
	}
	if cfg.MaxQOverP <= 0 {
		cfg.MaxQOverP = def.MaxQOverP
	}
	for i, e := range cfg.Epsilons {
		if e <= 0 {
			cfg.Epsilons[i] = def.Epsilons[i]
		}
	}
	return &Extrapolator{cfg: cfg}
}

// Config returns the effective configuration.
func (e *Extrapolator) Config() ExtrapolatorConfig { return e.cfg }

// Propagate transports p to the surface to, applying the material carried
// by the target surface when the hypothesis is interacting.
func (e *Extrapolator) Propagate(cond *conditions.Snapshot, p *track.Parameters, to *geometry.Surface, hyp track.ParticleHypothesis) (*Propagation, error) {
	return e.PropagateThrough(cond, p, to, track.FromSurfaceMaterial(to.Material), hyp)
}

// PropagateThrough transports p to the surface to and applies the material
// effects m on arrival (interacting hypothesis only). The covariance, when
// present, is transported as J C Jᵀ plus material noise.
func (e *Extrapolator) PropagateThrough(cond *conditions.Snapshot, p *track.Parameters, to *geometry.Surface, m *track.MaterialEffects, hyp track.ParticleHypothesis) (*Propagation, error) {
	if p == nil || !p.Finite() {
		return nil, fmt.Errorf("propagate: invalid start parameters: %w", track.ErrExtrapolation)
	}
	if p.Surface == to {
		return &Propagation{Parameters: p.WithCovariance(copySym(p.Cov)), Jacobian: identity5()}, nil
	}
	if math.Abs(p.Values[track.QOverP]) > e.cfg.MaxQOverP {
		return nil, fmt.Errorf("propagate: |q/p|=%.3g above trackable limit %.3g: %w",
			math.Abs(p.Values[track.QOverP]), e.cfg.MaxQOverP, track.ErrExtrapolation)
	}

	var field geometry.FieldAccessor = geometry.ZeroField{}
	if cond != nil && cond.Field != nil {
		field = cond.Field
	}
	if hyp != track.Interacting {
		m = nil
	}

	base, path, err := e.transport(field, p.Surface, p.Values, to, m)
	if err != nil {
		return nil, fmt.Errorf("propagate to %v: %v: %w", to, err, track.ErrExtrapolation)
	}
	jac, err := e.jacobian(field, p.Surface, p.Values, to, m, base)
	if err != nil {
		return nil, fmt.Errorf("jacobian to %v: %v: %w", to, err, track.ErrExtrapolation)
	}

	out := &track.Parameters{Surface: to, Values: base}
	if p.Cov != nil {
		cov := transport(jac, p.Cov)
		if m != nil {
			addMaterialNoise(cov, out, m)
		}
		out.Cov = cov
	}
	return &Propagation{Parameters: out, Jacobian: jac, PathLength: path}, nil
}

// transport integrates the trajectory starting at the local values v on
// from until it crosses to, then applies the mean energy loss of m.
func (e *Extrapolator) transport(field geometry.FieldAccessor, from *geometry.Surface, v [track.NumParams]float64, to *geometry.Surface, m *track.MaterialEffects) ([track.NumParams]float64, float64, error) {
	var out [track.NumParams]float64
	qop := v[track.QOverP]
	s := rkState{
		pos: from.LocalToGlobal(v[track.LocX], v[track.LocY]),
		dir: track.DirectionFromAngles(v[track.Phi], v[track.Theta]),
	}

	var path, dist, cosInc float64
	for step := 0; ; step++ {
		cosInc = s.dir.Dot(to.Normal)
		if math.Abs(cosInc) < geometry.MinIncidence {
			return out, path, fmt.Errorf("direction parallel to target plane")
		}
		dist = to.Center.Sub(s.pos).Dot(to.Normal) / cosInc
		if math.Abs(dist) < planeTolerance {
			break
		}
		if step >= e.cfg.MaxSteps {
			return out, path, fmt.Errorf("target not reached after %d steps (%.3f mm left)", step, dist)
		}
		h := math.Max(-e.cfg.StepLength, math.Min(e.cfg.StepLength, dist))
		next, err := rk4Step(field, s, qop, h)
		if err != nil {
			return out, path, err
		}
		s = next
		path += h
		if math.Abs(path) > e.cfg.MaxPathLength {
			return out, path, fmt.Errorf("path length %.1f mm exceeds limit", path)
		}
	}

	// Close the remaining sub-tolerance gap with a single Euler step.
	_, dt, err := derivative(field, s, qop)
	if err != nil {
		return out, path, err
	}
	pos := s.pos.Add(s.dir.Mul(dist))
	dir := s.dir.Add(dt.Mul(dist)).Normalize()
	path += dist

	l1, l2 := to.GlobalToLocal(pos)
	out = [track.NumParams]float64{
		l1, l2,
		math.Atan2(dir.Y, dir.X),
		math.Acos(math.Max(-1, math.Min(1, dir.Z))),
		qop,
	}

	if m != nil && m.EnergyLoss != 0 && qop != 0 {
		// Energy is lost along the direction of flight and restored when
		// propagating against it.
		de := -m.EnergyLoss / math.Max(math.Abs(cosInc), geometry.MinIncidence)
		if path < 0 {
			de = -de
		}
		q, err := applyEnergyLoss(qop, de)
		if err != nil {
			return out, path, err
		}
		out[track.QOverP] = q
	}
	return out, path, nil
}

// jacobian differentiates transport numerically: one forward perturbation
// of fixed size per parameter on top of the supplied baseline.
func (e *Extrapolator) jacobian(field geometry.FieldAccessor, from *geometry.Surface, v [track.NumParams]float64, to *geometry.Surface, m *track.MaterialEffects, base [track.NumParams]float64) (*mat.Dense, error) {
	eps := e.cfg.Epsilons
	var failure error

	// f works in scaled coordinates x = v + eps⊙u so a unit step in u is
	// exactly the per-parameter epsilon.
	f := func(y, u []float64) {
		var x [track.NumParams]float64
		for i := range x {
			x[i] = v[i] + eps[i]*u[i]
		}
		out, _, err := e.transport(field, from, x, to, m)
		if err != nil {
			if failure == nil {
				failure = err
			}
			copy(y, base[:])
			return
		}
		copy(y, out[:])
		y[track.Phi] = base[track.Phi] + track.WrapPhi(out[track.Phi]-base[track.Phi])
	}

	jac := mat.NewDense(track.NumParams, track.NumParams, nil)
	fd.Jacobian(jac, f, make([]float64, track.NumParams), &fd.JacobianSettings{
		Formula:     fd.Forward,
		OriginValue: base[:],
		Step:        1,
	})
	if failure != nil {
		return nil, failure
	}
	for j := 0; j < track.NumParams; j++ {
		for i := 0; i < track.NumParams; i++ {
			jac.Set(i, j, jac.At(i, j)/eps[j])
		}
	}
	return jac, nil
}

// applyEnergyLoss changes the particle energy by de (MeV, negative for a
// loss) under the muon mass hypothesis.
func applyEnergyLoss(qop, de float64) (float64, error) {
	p := 1 / math.Abs(qop)
	energy := math.Hypot(p, track.MuonMass) + de
	if energy <= track.MuonMass {
		return 0, fmt.Errorf("particle stopped in material (E=%.1f MeV)", energy)
	}
	pNew := math.Sqrt(energy*energy - track.MuonMass*track.MuonMass)
	return math.Copysign(1/pNew, qop), nil
}

// addMaterialNoise adds multiple-scattering and energy-loss straggling
// variance to cov for parameters p that have just crossed m.
func addMaterialNoise(cov *mat.SymDense, p *track.Parameters, m *track.MaterialEffects) {
	qop := p.Values[track.QOverP]
	sinTheta := math.Sin(p.Values[track.Theta])
	sin2 := math.Max(sinTheta*sinTheta, 1e-12)
	cosInc := math.Max(math.Abs(p.Direction().Dot(p.Surface.Normal)), geometry.MinIncidence)

	var varPhi, varTheta float64
	switch {
	case m.SigmaDeltaPhi > 0 || m.SigmaDeltaTheta > 0:
		varTheta = m.SigmaDeltaTheta * m.SigmaDeltaTheta
		varPhi = m.SigmaDeltaPhi * m.SigmaDeltaPhi / sin2
	case m.ThicknessX0 > 0 && qop != 0:
		theta0 := HighlandAngle(1/math.Abs(qop), m.ThicknessX0/cosInc)
		varTheta = theta0 * theta0
		varPhi = varTheta / sin2
	}
	cov.SetSym(track.Phi, track.Phi, cov.At(track.Phi, track.Phi)+varPhi)
	cov.SetSym(track.Theta, track.Theta, cov.At(track.Theta, track.Theta)+varTheta)

	if m.EnergyLossSigma > 0 && qop != 0 {
		p := 1 / math.Abs(qop)
		energy := math.Hypot(p, track.MuonMass)
		sigmaQOverP := energy / (p * p * p) * m.EnergyLossSigma / cosInc
		cov.SetSym(track.QOverP, track.QOverP, cov.At(track.QOverP, track.QOverP)+sigmaQOverP*sigmaQOverP)
	}
}

// HighlandAngle returns the RMS plane scattering angle (rad) of a muon of
// momentum p (MeV) crossing x radiation lengths.
func HighlandAngle(p, x float64) float64 {
	if x <= 0 || p <= 0 || math.IsInf(p, 1) {
		return 0
	}
	energy := math.Hypot(p, track.MuonMass)
	beta := p / energy
	theta0 := 13.6 / (beta * p) * math.Sqrt(x) * (1 + 0.038*math.Log(x))
	return math.Max(theta0, 0)
}

func copySym(c *mat.SymDense) *mat.SymDense {
	if c == nil {
		return nil
	}
	out := mat.NewSymDense(c.SymmetricDim(), nil)
	out.CopySym(c)
	return out
}
