package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// The Get* methods carry the same values so code never depends on the file
// being present.
const DefaultConfigPath = "config/fit.defaults.json"

// TuningConfig is the root configuration for the fitter and the muon track
// builder. Every field is optional; omitted fields fall back to the defaults
// returned by the matching getter, so partial configs are safe.
type TuningConfig struct {
	// Kalman fitter
	OutlierChi2Cut       *float64   `json:"outlier_chi2_cut,omitempty"`
	MaxOutlierIterations *int       `json:"max_outlier_iterations,omitempty"`
	MaxFitIterations     *int       `json:"max_fit_iterations,omitempty"`
	FitTolerance         *float64   `json:"fit_tolerance,omitempty"`
	MinMeasurementDoF    *int       `json:"min_measurement_dof,omitempty"`
	InitialSigmas        *[]float64 `json:"initial_sigmas,omitempty"`
	BeamPosition         *[]float64 `json:"beam_position,omitempty"`

	// Extrapolator
	StepLengthMM     *float64   `json:"step_length_mm,omitempty"`
	MaxSteps         *int       `json:"max_steps,omitempty"`
	MaxPathLengthMM  *float64   `json:"max_path_length_mm,omitempty"`
	MaxQOverP        *float64   `json:"max_qoverp,omitempty"`
	JacobianEpsilons *[]float64 `json:"jacobian_epsilons,omitempty"`

	// Combined muon builder
	MomentumRatioThreshold    *float64 `json:"momentum_ratio_threshold,omitempty"`
	IterateAlways             *bool    `json:"iterate_always,omitempty"`
	MaxMomentumIterations     *int     `json:"max_momentum_iterations,omitempty"`
	LargeMomentumError        *float64 `json:"large_momentum_error,omitempty"`
	LargePhiError             *float64 `json:"large_phi_error,omitempty"`
	LowMomentumThreshold      *float64 `json:"low_momentum_threshold,omitempty"`
	DefaultStandaloneMomentum *float64 `json:"default_standalone_momentum,omitempty"`
	VertexSigmaTransverse     *float64 `json:"vertex_sigma_transverse,omitempty"`
	VertexSigmaLongitudinal   *float64 `json:"vertex_sigma_longitudinal,omitempty"`

	// Cleaner
	CleanerEnabled          *bool    `json:"cleaner_enabled,omitempty"`
	CleanerChi2Cut          *float64 `json:"cleaner_chi2_cut,omitempty"`
	CleanerAcceptChi2PerDoF *float64 `json:"cleaner_accept_chi2_per_dof,omitempty"`

	// Post-fit passes
	HoleRecoveryEnabled      *bool    `json:"hole_recovery_enabled,omitempty"`
	HoleGateChi2             *float64 `json:"hole_gate_chi2,omitempty"`
	ErrorOptimisationEnabled *bool    `json:"error_optimisation_enabled,omitempty"`
	ErrorOptimisationChi2    *float64 `json:"error_optimisation_chi2,omitempty"`
	DefaultAlignmentError    *float64 `json:"default_alignment_error,omitempty"`
	IDMSSystematicsEnabled   *bool    `json:"idms_systematics_enabled,omitempty"`
	IDMSPhiUncertainty       *float64 `json:"idms_phi_uncertainty,omitempty"`
	IDMSThetaUncertainty     *float64 `json:"idms_theta_uncertainty,omitempty"`

	// Calorimeter parametrisation
	CaloDepthsMM        *[]float64 `json:"calo_depths_mm,omitempty"`
	CaloThicknessX0     *[]float64 `json:"calo_thickness_x0,omitempty"`
	CaloEnergyLossConst *float64   `json:"calo_energy_loss_const,omitempty"`
	CaloEnergyLossLog   *float64   `json:"calo_energy_loss_log,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64     { return &v }
func ptrBool(v bool) *bool              { return &v }
func ptrInt(v int) *int                 { return &v }
func ptrFloats(v ...float64) *[]float64 { return &v }

func floatsOr(p *[]float64, def []float64) []float64 {
	if p == nil || len(*p) != len(def) {
		return def
	}
	out := make([]float64, len(def))
	copy(out, *p)
	return out
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field populated from
// the getter defaults.
func DefaultTuningConfig() *TuningConfig {
	e := EmptyTuningConfig()
	return &TuningConfig{
		OutlierChi2Cut:            ptrFloat64(e.GetOutlierChi2Cut()),
		MaxOutlierIterations:      ptrInt(e.GetMaxOutlierIterations()),
		MaxFitIterations:          ptrInt(e.GetMaxFitIterations()),
		FitTolerance:              ptrFloat64(e.GetFitTolerance()),
		MinMeasurementDoF:         ptrInt(e.GetMinMeasurementDoF()),
		InitialSigmas:             ptrFloats(e.GetInitialSigmas()...),
		BeamPosition:              ptrFloats(e.GetBeamPosition()...),
		StepLengthMM:              ptrFloat64(e.GetStepLengthMM()),
		MaxSteps:                  ptrInt(e.GetMaxSteps()),
		MaxPathLengthMM:           ptrFloat64(e.GetMaxPathLengthMM()),
		MaxQOverP:                 ptrFloat64(e.GetMaxQOverP()),
		JacobianEpsilons:          ptrFloats(e.GetJacobianEpsilons()...),
		MomentumRatioThreshold:    ptrFloat64(e.GetMomentumRatioThreshold()),
		IterateAlways:             ptrBool(e.GetIterateAlways()),
		MaxMomentumIterations:     ptrInt(e.GetMaxMomentumIterations()),
		LargeMomentumError:        ptrFloat64(e.GetLargeMomentumError()),
		LargePhiError:             ptrFloat64(e.GetLargePhiError()),
		LowMomentumThreshold:      ptrFloat64(e.GetLowMomentumThreshold()),
		DefaultStandaloneMomentum: ptrFloat64(e.GetDefaultStandaloneMomentum()),
		VertexSigmaTransverse:     ptrFloat64(e.GetVertexSigmaTransverse()),
		VertexSigmaLongitudinal:   ptrFloat64(e.GetVertexSigmaLongitudinal()),
		CleanerEnabled:            ptrBool(e.GetCleanerEnabled()),
		CleanerChi2Cut:            ptrFloat64(e.GetCleanerChi2Cut()),
		CleanerAcceptChi2PerDoF:   ptrFloat64(e.GetCleanerAcceptChi2PerDoF()),
		HoleRecoveryEnabled:       ptrBool(e.GetHoleRecoveryEnabled()),
		HoleGateChi2:              ptrFloat64(e.GetHoleGateChi2()),
		ErrorOptimisationEnabled:  ptrBool(e.GetErrorOptimisationEnabled()),
		ErrorOptimisationChi2:     ptrFloat64(e.GetErrorOptimisationChi2()),
		DefaultAlignmentError:     ptrFloat64(e.GetDefaultAlignmentError()),
		IDMSSystematicsEnabled:    ptrBool(e.GetIDMSSystematicsEnabled()),
		IDMSPhiUncertainty:        ptrFloat64(e.GetIDMSPhiUncertainty()),
		IDMSThetaUncertainty:      ptrFloat64(e.GetIDMSThetaUncertainty()),
		CaloDepthsMM:              ptrFloats(e.GetCaloDepthsMM()...),
		CaloThicknessX0:           ptrFloats(e.GetCaloThicknessX0()...),
		CaloEnergyLossConst:       ptrFloat64(e.GetCaloEnergyLossConst()),
		CaloEnergyLossLog:         ptrFloat64(e.GetCaloEnergyLossLog()),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/storage/sqlite/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	positive := []struct {
		name string
		v    *float64
	}{
		{"outlier_chi2_cut", c.OutlierChi2Cut},
		{"fit_tolerance", c.FitTolerance},
		{"step_length_mm", c.StepLengthMM},
		{"max_path_length_mm", c.MaxPathLengthMM},
		{"max_qoverp", c.MaxQOverP},
		{"large_momentum_error", c.LargeMomentumError},
		{"large_phi_error", c.LargePhiError},
		{"default_standalone_momentum", c.DefaultStandaloneMomentum},
		{"vertex_sigma_transverse", c.VertexSigmaTransverse},
		{"vertex_sigma_longitudinal", c.VertexSigmaLongitudinal},
		{"cleaner_chi2_cut", c.CleanerChi2Cut},
		{"hole_gate_chi2", c.HoleGateChi2},
		{"error_optimisation_chi2", c.ErrorOptimisationChi2},
	}
	for _, p := range positive {
		if p.v != nil && *p.v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", p.name, *p.v)
		}
	}

	if c.MomentumRatioThreshold != nil && *c.MomentumRatioThreshold < 0 {
		return fmt.Errorf("momentum_ratio_threshold must be non-negative, got %f", *c.MomentumRatioThreshold)
	}

	counts := []struct {
		name string
		v    *int
		min  int
	}{
		{"max_outlier_iterations", c.MaxOutlierIterations, 1},
		{"max_fit_iterations", c.MaxFitIterations, 1},
		{"min_measurement_dof", c.MinMeasurementDoF, 5},
		{"max_steps", c.MaxSteps, 1},
		{"max_momentum_iterations", c.MaxMomentumIterations, 0},
	}
	for _, n := range counts {
		if n.v != nil && *n.v < n.min {
			return fmt.Errorf("%s must be at least %d, got %d", n.name, n.min, *n.v)
		}
	}

	vectors := []struct {
		name string
		v    *[]float64
		n    int
	}{
		{"initial_sigmas", c.InitialSigmas, 5},
		{"jacobian_epsilons", c.JacobianEpsilons, 5},
		{"beam_position", c.BeamPosition, 3},
		{"calo_depths_mm", c.CaloDepthsMM, 3},
		{"calo_thickness_x0", c.CaloThicknessX0, 3},
	}
	for _, vec := range vectors {
		if vec.v != nil && len(*vec.v) != vec.n {
			return fmt.Errorf("%s must have %d elements, got %d", vec.name, vec.n, len(*vec.v))
		}
	}
	for name, v := range map[string]*[]float64{
		"initial_sigmas":    c.InitialSigmas,
		"jacobian_epsilons": c.JacobianEpsilons,
	} {
		if v == nil {
			continue
		}
		for i, x := range *v {
			if x <= 0 {
				return fmt.Errorf("%s[%d] must be positive, got %g", name, i, x)
			}
		}
	}

	if c.CaloDepthsMM != nil {
		d := *c.CaloDepthsMM
		if !(d[0] < d[1] && d[1] < d[2]) {
			return fmt.Errorf("calo_depths_mm must be strictly increasing, got %v", d)
		}
	}

	return nil
}
