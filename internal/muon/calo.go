package muon

import (
	"fmt"
	"math"

	"github.com/banshee-data/trackfit/internal/conditions"
	"github.com/banshee-data/trackfit/internal/dkf"
	"github.com/banshee-data/trackfit/internal/geometry"
	"github.com/banshee-data/trackfit/internal/track"
	"github.com/golang/geo/r3"
)

// caloElementBase offsets the element IDs of synthetic calorimeter surfaces
// away from real detector elements.
const caloElementBase geometry.ElementID = 1 << 40

// CaloAssociator attaches calorimeter material between the inner detector
// and the spectrometer. entry is the last state before the calorimeter and
// momentum the estimate used for energy loss and scattering. The returned
// records carry surfaces and material only; Calo marks the layer.
type CaloAssociator interface {
	Associate(cond *conditions.Snapshot, entry *track.Parameters, momentum float64) ([]track.TrackStateOnSurface, error)
}

// ParametrisedCalo is a CaloAssociator with three thin layers perpendicular
// to the entry direction: inner and outer scatterers around a middle
// energy-deposit layer.
type ParametrisedCalo struct {
	cfg CaloConfig
}

// NewParametrisedCalo creates an associator from cfg.
func NewParametrisedCalo(cfg CaloConfig) *ParametrisedCalo {
	if cfg.EnergyLossSigmaFraction <= 0 {
		cfg.EnergyLossSigmaFraction = 0.2
	}
	return &ParametrisedCalo{cfg: cfg}
}

// MeanEnergyLoss returns the mean deposit (MeV) for a muon of momentum p.
func (c *ParametrisedCalo) MeanEnergyLoss(p float64) float64 {
	loss := c.cfg.EnergyLossConst
	if p > 1000 {
		loss += c.cfg.EnergyLossLog * math.Log(p/1000)
	}
	return loss
}

// Associate implements CaloAssociator.
func (c *ParametrisedCalo) Associate(_ *conditions.Snapshot, entry *track.Parameters, momentum float64) ([]track.TrackStateOnSurface, error) {
	if entry == nil || !entry.Finite() {
		return nil, fmt.Errorf("calo: no entry parameters: %w", track.ErrCaloAssociation)
	}
	if math.IsInf(momentum, 1) || momentum <= 0 || math.IsNaN(momentum) {
		return nil, fmt.Errorf("calo: momentum %.1f MeV unusable: %w", momentum, track.ErrCaloAssociation)
	}
	loss := c.MeanEnergyLoss(momentum)
	if math.Hypot(momentum, track.MuonMass)-loss <= track.MuonMass {
		return nil, fmt.Errorf("calo: muon of %.1f MeV ranges out (mean loss %.1f MeV): %w", momentum, loss, track.ErrCaloAssociation)
	}

	dir := entry.Direction()
	pos := entry.Position()
	start := pos.Dot(dir)
	if start >= c.cfg.DepthsMM[0] {
		return nil, fmt.Errorf("calo: entry at depth %.1f mm is beyond the calorimeter front %.1f mm: %w",
			start, c.cfg.DepthsMM[0], track.ErrCaloAssociation)
	}

	layers := [3]track.CaloLayer{track.CaloInner, track.CaloMiddle, track.CaloOuter}
	states := make([]track.TrackStateOnSurface, 0, len(layers))
	for i, layer := range layers {
		anchor := pos.Add(dir.Mul(c.cfg.DepthsMM[i] - start))
		surf := geometry.NewPlane(caloElementBase+geometry.ElementID(i), geometry.PartCalo, anchor, dir, r3.Vector{Z: 1})
		x0 := c.cfg.ThicknessX0[i]

		st := track.TrackStateOnSurface{Kind: track.KindScatterer, Surface: surf, Calo: layer}
		if layer == track.CaloMiddle {
			st.Kind = track.KindCaloDeposit
			st.Material = &track.MaterialEffects{
				ThicknessX0:     x0,
				EnergyLoss:      loss,
				EnergyLossSigma: loss * c.cfg.EnergyLossSigmaFraction,
			}
		} else {
			theta0 := dkf.HighlandAngle(momentum, x0)
			st.Material = &track.MaterialEffects{
				ThicknessX0:     x0,
				SigmaDeltaPhi:   theta0,
				SigmaDeltaTheta: theta0,
			}
		}
		states = append(states, st)
	}
	return states, nil
}
