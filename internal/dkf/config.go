package dkf

import (
	"github.com/banshee-data/trackfit/internal/config"
	"github.com/banshee-data/trackfit/internal/track"
	"github.com/golang/geo/r3"
)

// ExtrapolatorConfig bounds the Runge-Kutta transport and fixes the
// finite-difference steps of the propagation Jacobian.
type ExtrapolatorConfig struct {
	StepLength    float64 // maximum RK4 step (mm)
	MaxSteps      int     // integration steps before giving up
	MaxPathLength float64 // |path| limit per propagation (mm)
	MaxQOverP     float64 // |q/p| above which a state is untrackable (1/MeV)
	// Epsilons are the fixed forward-difference steps for l1, l2, phi,
	// theta and q/p.
	Epsilons [track.NumParams]float64
}

// FitterConfig holds every tunable of the Kalman fitter.
type FitterConfig struct {
	OutlierChi2Cut       float64
	MaxOutlierIterations int
	MaxFitIterations     int
	// FitTolerance is the convergence threshold of the iterated fit, in
	// units of each parameter's smoothed sigma.
	FitTolerance      float64
	MinMeasurementDoF int
	InitialSigmas     [track.NumParams]float64
	// SeedInflation scales the covariance of a seed that carries one.
	// The inflated variance never exceeds InitialSigmas².
	SeedInflation float64
	BeamPosition  r3.Vector
	Extrapolator  ExtrapolatorConfig
}

// DefaultFitterConfig returns the built-in fitter defaults.
func DefaultFitterConfig() FitterConfig {
	return FitterConfigFromTuning(config.DefaultTuningConfig())
}

// FitterConfigFromTuning builds a FitterConfig from a loaded TuningConfig.
func FitterConfigFromTuning(cfg *config.TuningConfig) FitterConfig {
	var sigmas, eps [track.NumParams]float64
	copy(sigmas[:], cfg.GetInitialSigmas())
	copy(eps[:], cfg.GetJacobianEpsilons())
	beam := cfg.GetBeamPosition()

	return FitterConfig{
		OutlierChi2Cut:       cfg.GetOutlierChi2Cut(),
		MaxOutlierIterations: cfg.GetMaxOutlierIterations(),
		MaxFitIterations:     cfg.GetMaxFitIterations(),
		FitTolerance:         cfg.GetFitTolerance(),
		MinMeasurementDoF:    cfg.GetMinMeasurementDoF(),
		InitialSigmas:        sigmas,
		SeedInflation:        100,
		BeamPosition:         r3.Vector{X: beam[0], Y: beam[1], Z: beam[2]},
		Extrapolator: ExtrapolatorConfig{
			StepLength:    cfg.GetStepLengthMM(),
			MaxSteps:      cfg.GetMaxSteps(),
			MaxPathLength: cfg.GetMaxPathLengthMM(),
			MaxQOverP:     cfg.GetMaxQOverP(),
			Epsilons:      eps,
		},
	}
}
