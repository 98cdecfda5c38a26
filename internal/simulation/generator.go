package simulation

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/banshee-data/trackfit/internal/conditions"
	"github.com/banshee-data/trackfit/internal/dkf"
	"github.com/banshee-data/trackfit/internal/geometry"
	"github.com/banshee-data/trackfit/internal/muon"
	"github.com/banshee-data/trackfit/internal/track"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/stat/distuv"
)

// GeneratorConfig controls the generated muon sample.
type GeneratorConfig struct {
	MinMomentum float64 // MeV
	MaxMomentum float64 // MeV
	PhiSpread   float64 // rad, half-width around +x
	ThetaSpread float64 // rad, half-width around π/2

	VertexSigmaTransverse   float64 // mm
	VertexSigmaLongitudinal float64 // mm

	MultipleScattering    bool
	EnergyLossFluctuation bool

	// OutlierProbability is the chance that a spectrometer hit is displaced
	// by OutlierShift resolutions.
	OutlierProbability float64
	OutlierShift       float64
	// Inefficiency is the chance that an MDT hit is missing from the
	// spectrometer leg. Missing hits are offered back as hole candidates.
	Inefficiency float64

	Magnets conditions.Magnets
}

// DefaultGeneratorConfig returns a clean sample of 5-100 GeV muons with
// both magnets on.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		MinMomentum:             5000,
		MaxMomentum:             100000,
		PhiSpread:               0.1,
		ThetaSpread:             0.1,
		VertexSigmaTransverse:   0.015,
		VertexSigmaLongitudinal: 30,
		MultipleScattering:      true,
		EnergyLossFluctuation:   true,
		OutlierShift:            20,
		Magnets:                 conditions.Magnets{SolenoidOn: true, ToroidOn: true},
	}
}

// Event is one generated muon.
type Event struct {
	Index  int
	Vertex r3.Vector
	// Truth holds the generated parameters on the perigee surface through
	// the vertex. Truth parameters never carry a covariance.
	Truth    *track.Parameters
	Momentum float64 // MeV at the vertex
	Charge   float64

	Indet        []track.Measurement
	Spectrometer []track.Measurement
	// Missing holds spectrometer hits removed by the inefficiency.
	Missing []track.Measurement
	// Outliers marks the displaced spectrometer elements.
	Outliers map[geometry.ElementID]bool

	// IndetSeed and SpectrometerSeed are the truth parameters on the first
	// surface of each leg.
	IndetSeed        *track.Parameters
	SpectrometerSeed *track.Parameters

	CaloEntryMomentum float64
	CaloExitMomentum  float64
}

var _ muon.MeasurementProvider = (*Event)(nil)

// Candidates returns the hits the inefficiency removed, so that hole
// recovery can find them again.
func (e *Event) Candidates(*conditions.Snapshot, *track.Track) []track.Measurement {
	return append([]track.Measurement(nil), e.Missing...)
}

// Generator produces Events from a seeded source. It is not safe for
// concurrent use; give each goroutine its own Generator.
type Generator struct {
	det  *Detector
	cfg  GeneratorConfig
	ext  *dkf.Extrapolator
	calo *muon.ParametrisedCalo
	cond *conditions.Snapshot

	gauss   distuv.Normal
	uniform distuv.Uniform
	next    int
}

// NewGenerator creates a generator over det. The same seed always yields
// the same sequence of events.
func NewGenerator(det *Detector, cfg GeneratorConfig, seed uint64) (*Generator, error) {
	if cfg.MinMomentum <= 0 || cfg.MaxMomentum < cfg.MinMomentum {
		return nil, fmt.Errorf("generator: invalid momentum range [%.0f, %.0f] MeV", cfg.MinMomentum, cfg.MaxMomentum)
	}
	if cfg.OutlierProbability < 0 || cfg.OutlierProbability > 1 || cfg.Inefficiency < 0 || cfg.Inefficiency > 1 {
		return nil, fmt.Errorf("generator: probabilities must lie in [0,1]")
	}
	src := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	return &Generator{
		det:     det,
		cfg:     cfg,
		ext:     dkf.NewExtrapolator(dkf.DefaultFitterConfig().Extrapolator),
		calo:    muon.NewParametrisedCalo(det.Config().Calo),
		cond:    det.Conditions(cfg.Magnets, nil),
		gauss:   distuv.Normal{Mu: 0, Sigma: 1, Src: src},
		uniform: distuv.Uniform{Min: 0, Max: 1, Src: src},
	}, nil
}

// Conditions returns the snapshot the generator propagates in, with store
// attached for calibrations.
func (g *Generator) Conditions(store *conditions.Store) *conditions.Snapshot {
	return g.det.Conditions(g.cfg.Magnets, store)
}

// Generate returns n events. Muons that range out or leave the detector
// are regenerated; skipped counts them.
func (g *Generator) Generate(n int) (events []*Event, skipped int) {
	events = make([]*Event, 0, n)
	for len(events) < n && skipped < 10*n+10 {
		ev, err := g.Next()
		if err != nil {
			skipped++
			continue
		}
		events = append(events, ev)
	}
	return events, skipped
}

// Next generates one muon and its hits.
func (g *Generator) Next() (*Event, error) {
	g.next++
	ev := &Event{Index: g.next - 1, Outliers: make(map[geometry.ElementID]bool)}

	ev.Momentum = g.between(g.cfg.MinMomentum, g.cfg.MaxMomentum)
	ev.Charge = 1
	if g.uniform.Rand() < 0.5 {
		ev.Charge = -1
	}
	phi := g.between(-g.cfg.PhiSpread, g.cfg.PhiSpread)
	theta := math.Pi/2 + g.between(-g.cfg.ThetaSpread, g.cfg.ThetaSpread)
	ev.Vertex = r3.Vector{
		X: g.gauss.Rand() * g.cfg.VertexSigmaTransverse,
		Y: g.gauss.Rand() * g.cfg.VertexSigmaTransverse,
		Z: g.gauss.Rand() * g.cfg.VertexSigmaLongitudinal,
	}
	dir := track.DirectionFromAngles(phi, theta)
	ev.Truth = track.NewParameters(geometry.PerigeeSurface(ev.Vertex, dir), ev.Vertex, dir, ev.Charge/ev.Momentum, nil)

	cur := ev.Truth
	for i, pl := range g.det.indet {
		next, err := g.step(cur, pl.Surface, nil, track.NonInteracting)
		if err != nil {
			return nil, fmt.Errorf("event %d: indet plane %d: %w", ev.Index, pl.Surface.ID, err)
		}
		cur = next
		if i == 0 {
			ev.IndetSeed = cur
		}
		ev.Indet = append(ev.Indet, g.measure(pl, cur))
	}

	cur, err := g.crossCalo(ev, cur)
	if err != nil {
		return nil, fmt.Errorf("event %d: %w", ev.Index, err)
	}

	for i, pl := range g.det.spectrometer {
		next, err := g.step(cur, pl.Surface, nil, track.NonInteracting)
		if err != nil {
			return nil, fmt.Errorf("event %d: spectrometer plane %d: %w", ev.Index, pl.Surface.ID, err)
		}
		cur = next
		if i == 0 {
			ev.SpectrometerSeed = cur
		}
		m := g.measure(pl, cur)
		if pl.Dim == 1 && g.cfg.Inefficiency > 0 && g.uniform.Rand() < g.cfg.Inefficiency {
			ev.Missing = append(ev.Missing, m)
			continue
		}
		if g.cfg.OutlierProbability > 0 && g.uniform.Rand() < g.cfg.OutlierProbability {
			shift := g.cfg.OutlierShift * pl.Sigma
			if g.uniform.Rand() < 0.5 {
				shift = -shift
			}
			m.Values[0] += shift
			ev.Outliers[m.Element] = true
		}
		ev.Spectrometer = append(ev.Spectrometer, m)
	}
	return ev, nil
}

// crossCalo transports cur through the three calorimeter layers, applying
// the mean energy loss (optionally fluctuated) in the middle layer and
// random scattering kicks in the outer two.
func (g *Generator) crossCalo(ev *Event, cur *track.Parameters) (*track.Parameters, error) {
	ev.CaloEntryMomentum = cur.Momentum()
	layers, err := g.calo.Associate(g.cond, cur, ev.CaloEntryMomentum)
	if err != nil {
		return nil, err
	}
	for _, st := range layers {
		m := *st.Material
		if st.Kind == track.KindCaloDeposit && g.cfg.EnergyLossFluctuation {
			m.EnergyLoss = math.Max(0, m.EnergyLoss+g.gauss.Rand()*m.EnergyLossSigma)
		}
		next, err := g.step(cur, st.Surface, &m, track.Interacting)
		if err != nil {
			return nil, fmt.Errorf("calo %v: %w", st.Calo, err)
		}
		cur = next
		if st.Kind == track.KindScatterer && g.cfg.MultipleScattering {
			cur = g.scatter(cur, m.SigmaDeltaTheta)
		}
	}
	ev.CaloExitMomentum = cur.Momentum()
	return cur, nil
}

func (g *Generator) step(p *track.Parameters, to *geometry.Surface, m *track.MaterialEffects, hyp track.ParticleHypothesis) (*track.Parameters, error) {
	prop, err := g.ext.PropagateThrough(g.cond, p, to, m, hyp)
	if err != nil {
		return nil, err
	}
	if prop.PathLength <= 0 {
		return nil, errors.New("muon turned back before reaching the plane")
	}
	return prop.Parameters, nil
}

func (g *Generator) scatter(p *track.Parameters, theta0 float64) *track.Parameters {
	if theta0 <= 0 {
		return p
	}
	v := p.Values
	sinTheta := math.Max(math.Sin(v[track.Theta]), 1e-6)
	v[track.Phi] = track.WrapPhi(v[track.Phi] + g.gauss.Rand()*theta0/sinTheta)
	v[track.Theta] += g.gauss.Rand() * theta0
	return p.WithValues(v, nil)
}

func (g *Generator) measure(pl Plane, p *track.Parameters) track.Measurement {
	l1 := p.Values[track.LocX] + g.gauss.Rand()*pl.Sigma
	if pl.Dim == 1 {
		return track.NewMeasurement1D(pl.Surface, pl.Region, l1, pl.Sigma)
	}
	l2 := p.Values[track.LocY] + g.gauss.Rand()*pl.Sigma
	return track.NewMeasurement2D(pl.Surface, pl.Region, l1, l2, pl.Sigma, pl.Sigma)
}

func (g *Generator) between(lo, hi float64) float64 {
	return lo + (hi-lo)*g.uniform.Rand()
}
