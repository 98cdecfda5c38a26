package config

// GetOutlierChi2Cut returns the outlier_chi2_cut value or the default.
func (c *TuningConfig) GetOutlierChi2Cut() float64 {
	if c.OutlierChi2Cut == nil {
		return 25.0
	}
	return *c.OutlierChi2Cut
}

// GetMaxOutlierIterations returns the max_outlier_iterations value or the default.
func (c *TuningConfig) GetMaxOutlierIterations() int {
	if c.MaxOutlierIterations == nil {
		return 5
	}
	return *c.MaxOutlierIterations
}

// GetMaxFitIterations returns the max_fit_iterations value or the default.
func (c *TuningConfig) GetMaxFitIterations() int {
	if c.MaxFitIterations == nil {
		return 3
	}
	return *c.MaxFitIterations
}

// GetFitTolerance returns the fit_tolerance value or the default.
// The tolerance is in units of the parameter's own sigma.
func (c *TuningConfig) GetFitTolerance() float64 {
	if c.FitTolerance == nil {
		return 1e-6
	}
	return *c.FitTolerance
}

// GetMinMeasurementDoF returns the min_measurement_dof value or the default.
func (c *TuningConfig) GetMinMeasurementDoF() int {
	if c.MinMeasurementDoF == nil {
		return 5
	}
	return *c.MinMeasurementDoF
}

// GetInitialSigmas returns the seed covariance sigmas for
// [l1, l2, phi, theta, q/p].
func (c *TuningConfig) GetInitialSigmas() []float64 {
	return floatsOr(c.InitialSigmas, []float64{100, 100, 0.1, 0.1, 1e-3})
}

// GetBeamPosition returns the beam position (mm) used for perigee surfaces.
func (c *TuningConfig) GetBeamPosition() []float64 {
	return floatsOr(c.BeamPosition, []float64{0, 0, 0})
}

// GetStepLengthMM returns the step_length_mm value or the default.
func (c *TuningConfig) GetStepLengthMM() float64 {
	if c.StepLengthMM == nil {
		return 100.0
	}
	return *c.StepLengthMM
}

// GetMaxSteps returns the max_steps value or the default.
func (c *TuningConfig) GetMaxSteps() int {
	if c.MaxSteps == nil {
		return 2000
	}
	return *c.MaxSteps
}

// GetMaxPathLengthMM returns the max_path_length_mm value or the default.
func (c *TuningConfig) GetMaxPathLengthMM() float64 {
	if c.MaxPathLengthMM == nil {
		return 50000.0
	}
	return *c.MaxPathLengthMM
}

// GetMaxQOverP returns the max_qoverp value (1/MeV) or the default.
func (c *TuningConfig) GetMaxQOverP() float64 {
	if c.MaxQOverP == nil {
		return 1.0 / 50
	}
	return *c.MaxQOverP
}

// GetJacobianEpsilons returns the fixed finite-difference steps for
// [l1, l2, phi, theta, q/p].
func (c *TuningConfig) GetJacobianEpsilons() []float64 {
	return floatsOr(c.JacobianEpsilons, []float64{1e-4, 1e-4, 1e-7, 1e-7, 1e-10})
}

// GetMomentumRatioThreshold returns the momentum_ratio_threshold value or the default.
func (c *TuningConfig) GetMomentumRatioThreshold() float64 {
	if c.MomentumRatioThreshold == nil {
		return 0.25
	}
	return *c.MomentumRatioThreshold
}

// GetIterateAlways returns the iterate_always value or the default.
func (c *TuningConfig) GetIterateAlways() bool {
	if c.IterateAlways == nil {
		return false
	}
	return *c.IterateAlways
}

// GetMaxMomentumIterations returns the max_momentum_iterations value or the default.
func (c *TuningConfig) GetMaxMomentumIterations() int {
	if c.MaxMomentumIterations == nil {
		return 1
	}
	return *c.MaxMomentumIterations
}

// GetLargeMomentumError returns the large_momentum_error value (relative) or the default.
func (c *TuningConfig) GetLargeMomentumError() float64 {
	if c.LargeMomentumError == nil {
		return 0.5
	}
	return *c.LargeMomentumError
}

// GetLargePhiError returns the large_phi_error value (rad) or the default.
func (c *TuningConfig) GetLargePhiError() float64 {
	if c.LargePhiError == nil {
		return 0.1
	}
	return *c.LargePhiError
}

// GetLowMomentumThreshold returns the low_momentum_threshold value (MeV) or the default.
func (c *TuningConfig) GetLowMomentumThreshold() float64 {
	if c.LowMomentumThreshold == nil {
		return 3000.0
	}
	return *c.LowMomentumThreshold
}

// GetDefaultStandaloneMomentum returns the momentum (MeV) assumed for a
// line-from-origin seed without a usable curvature.
func (c *TuningConfig) GetDefaultStandaloneMomentum() float64 {
	if c.DefaultStandaloneMomentum == nil {
		return 10000.0
	}
	return *c.DefaultStandaloneMomentum
}

// GetVertexSigmaTransverse returns the vertex_sigma_transverse value (mm) or the default.
func (c *TuningConfig) GetVertexSigmaTransverse() float64 {
	if c.VertexSigmaTransverse == nil {
		return 20.0
	}
	return *c.VertexSigmaTransverse
}

// GetVertexSigmaLongitudinal returns the vertex_sigma_longitudinal value (mm) or the default.
func (c *TuningConfig) GetVertexSigmaLongitudinal() float64 {
	if c.VertexSigmaLongitudinal == nil {
		return 100.0
	}
	return *c.VertexSigmaLongitudinal
}

// GetCleanerEnabled returns the cleaner_enabled value or the default.
func (c *TuningConfig) GetCleanerEnabled() bool {
	if c.CleanerEnabled == nil {
		return true
	}
	return *c.CleanerEnabled
}

// GetCleanerChi2Cut returns the cleaner_chi2_cut value or the default.
func (c *TuningConfig) GetCleanerChi2Cut() float64 {
	if c.CleanerChi2Cut == nil {
		return 16.0
	}
	return *c.CleanerChi2Cut
}

// GetCleanerAcceptChi2PerDoF returns the cleaner_accept_chi2_per_dof value or the default.
func (c *TuningConfig) GetCleanerAcceptChi2PerDoF() float64 {
	if c.CleanerAcceptChi2PerDoF == nil {
		return 3.0
	}
	return *c.CleanerAcceptChi2PerDoF
}

// GetHoleRecoveryEnabled returns the hole_recovery_enabled value or the default.
func (c *TuningConfig) GetHoleRecoveryEnabled() bool {
	if c.HoleRecoveryEnabled == nil {
		return true
	}
	return *c.HoleRecoveryEnabled
}

// GetHoleGateChi2 returns the hole_gate_chi2 value or the default.
func (c *TuningConfig) GetHoleGateChi2() float64 {
	if c.HoleGateChi2 == nil {
		return 9.0
	}
	return *c.HoleGateChi2
}

// GetErrorOptimisationEnabled returns the error_optimisation_enabled value or the default.
func (c *TuningConfig) GetErrorOptimisationEnabled() bool {
	if c.ErrorOptimisationEnabled == nil {
		return true
	}
	return *c.ErrorOptimisationEnabled
}

// GetErrorOptimisationChi2 returns the error_optimisation_chi2 value or the default.
func (c *TuningConfig) GetErrorOptimisationChi2() float64 {
	if c.ErrorOptimisationChi2 == nil {
		return 4.0
	}
	return *c.ErrorOptimisationChi2
}

// GetDefaultAlignmentError returns the default_alignment_error value (mm) or the default.
func (c *TuningConfig) GetDefaultAlignmentError() float64 {
	if c.DefaultAlignmentError == nil {
		return 0.5
	}
	return *c.DefaultAlignmentError
}

// GetIDMSSystematicsEnabled returns the idms_systematics_enabled value or the default.
func (c *TuningConfig) GetIDMSSystematicsEnabled() bool {
	if c.IDMSSystematicsEnabled == nil {
		return true
	}
	return *c.IDMSSystematicsEnabled
}

// GetIDMSPhiUncertainty returns the idms_phi_uncertainty value (rad) or the default.
func (c *TuningConfig) GetIDMSPhiUncertainty() float64 {
	if c.IDMSPhiUncertainty == nil {
		return 1e-3
	}
	return *c.IDMSPhiUncertainty
}

// GetIDMSThetaUncertainty returns the idms_theta_uncertainty value (rad) or the default.
func (c *TuningConfig) GetIDMSThetaUncertainty() float64 {
	if c.IDMSThetaUncertainty == nil {
		return 1e-3
	}
	return *c.IDMSThetaUncertainty
}

// GetCaloDepthsMM returns the inner/middle/outer calorimeter depths (mm).
func (c *TuningConfig) GetCaloDepthsMM() []float64 {
	return floatsOr(c.CaloDepthsMM, []float64{1500, 2500, 3500})
}

// GetCaloThicknessX0 returns the inner/middle/outer calorimeter thickness in X0.
func (c *TuningConfig) GetCaloThicknessX0() []float64 {
	return floatsOr(c.CaloThicknessX0, []float64{25, 50, 25})
}

// GetCaloEnergyLossConst returns the momentum-independent calorimeter energy loss (MeV).
func (c *TuningConfig) GetCaloEnergyLossConst() float64 {
	if c.CaloEnergyLossConst == nil {
		return 2500.0
	}
	return *c.CaloEnergyLossConst
}

// GetCaloEnergyLossLog returns the energy loss per unit ln(p/GeV) (MeV).
func (c *TuningConfig) GetCaloEnergyLossLog() float64 {
	if c.CaloEnergyLossLog == nil {
		return 150.0
	}
	return *c.CaloEnergyLossLog
}
