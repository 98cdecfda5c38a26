package muon

import (
	"github.com/banshee-data/trackfit/internal/config"
	"github.com/golang/geo/r3"
)

// CaloConfig parametrises the calorimeter crossing used by
// ParametrisedCalo: three layers at fixed depths along the track direction,
// the middle one carrying the energy deposit.
type CaloConfig struct {
	DepthsMM    [3]float64 // inner, middle, outer depth from the origin (mm)
	ThicknessX0 [3]float64 // radiation lengths per layer at normal incidence
	// Mean deposit in the middle layer is EnergyLossConst +
	// EnergyLossLog·ln(p / 1 GeV), in MeV.
	EnergyLossConst float64
	EnergyLossLog   float64
	// EnergyLossSigmaFraction is the straggling sigma as a fraction of the
	// mean deposit.
	EnergyLossSigmaFraction float64
}

// BuilderConfig holds every tunable of the combined muon builder.
type BuilderConfig struct {
	// Momentum iteration in CombinedFit.
	MomentumRatioThreshold float64
	IterateAlways          bool
	MaxMomentumIterations  int

	// Standalone curvature quality thresholds.
	LargeMomentumError        float64 // σ(q/p)/|q/p|
	LargePhiError             float64 // rad
	LowMomentumThreshold      float64 // MeV
	DefaultStandaloneMomentum float64 // MeV, line-from-origin seed without a usable leg momentum

	// Vertex-region pseudo-measurement used when no vertex is supplied.
	BeamPosition            r3.Vector
	VertexSigmaTransverse   float64 // mm
	VertexSigmaLongitudinal float64 // mm

	CleanerEnabled          bool
	CleanerChi2Cut          float64
	CleanerAcceptChi2PerDoF float64

	HoleRecoveryEnabled bool
	HoleGateChi2        float64

	ErrorOptimisationEnabled bool
	ErrorOptimisationChi2    float64 // region mean chi2 per measured coordinate
	DefaultAlignmentError    float64 // mm

	IDMSSystematicsEnabled bool
	IDMSPhiUncertainty     float64 // rad
	IDMSThetaUncertainty   float64 // rad

	Calo CaloConfig
}

// DefaultBuilderConfig returns the built-in builder defaults.
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfigFromTuning(config.DefaultTuningConfig())
}

// BuilderConfigFromTuning builds a BuilderConfig from a loaded TuningConfig.
func BuilderConfigFromTuning(cfg *config.TuningConfig) BuilderConfig {
	beam := cfg.GetBeamPosition()
	var depths, x0 [3]float64
	copy(depths[:], cfg.GetCaloDepthsMM())
	copy(x0[:], cfg.GetCaloThicknessX0())

	return BuilderConfig{
		MomentumRatioThreshold:    cfg.GetMomentumRatioThreshold(),
		IterateAlways:             cfg.GetIterateAlways(),
		MaxMomentumIterations:     cfg.GetMaxMomentumIterations(),
		LargeMomentumError:        cfg.GetLargeMomentumError(),
		LargePhiError:             cfg.GetLargePhiError(),
		LowMomentumThreshold:      cfg.GetLowMomentumThreshold(),
		DefaultStandaloneMomentum: cfg.GetDefaultStandaloneMomentum(),
		BeamPosition:              r3.Vector{X: beam[0], Y: beam[1], Z: beam[2]},
		VertexSigmaTransverse:     cfg.GetVertexSigmaTransverse(),
		VertexSigmaLongitudinal:   cfg.GetVertexSigmaLongitudinal(),
		CleanerEnabled:            cfg.GetCleanerEnabled(),
		CleanerChi2Cut:            cfg.GetCleanerChi2Cut(),
		CleanerAcceptChi2PerDoF:   cfg.GetCleanerAcceptChi2PerDoF(),
		HoleRecoveryEnabled:       cfg.GetHoleRecoveryEnabled(),
		HoleGateChi2:              cfg.GetHoleGateChi2(),
		ErrorOptimisationEnabled:  cfg.GetErrorOptimisationEnabled(),
		ErrorOptimisationChi2:     cfg.GetErrorOptimisationChi2(),
		DefaultAlignmentError:     cfg.GetDefaultAlignmentError(),
		IDMSSystematicsEnabled:    cfg.GetIDMSSystematicsEnabled(),
		IDMSPhiUncertainty:        cfg.GetIDMSPhiUncertainty(),
		IDMSThetaUncertainty:      cfg.GetIDMSThetaUncertainty(),
		Calo: CaloConfig{
			DepthsMM:                depths,
			ThicknessX0:             x0,
			EnergyLossConst:         cfg.GetCaloEnergyLossConst(),
			EnergyLossLog:           cfg.GetCaloEnergyLossLog(),
			EnergyLossSigmaFraction: 0.2,
		},
	}
}
