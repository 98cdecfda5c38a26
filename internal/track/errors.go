package track

import "errors"

// Fit error taxonomy. Every numerical failure inside the fitter is converted
// to one of these at the component boundary; callers test with errors.Is.
var (
	// ErrUnderdetermined is returned when fewer measurement degrees of
	// freedom than free track parameters are usable.
	ErrUnderdetermined = errors.New("underdetermined fit")
	// ErrExtrapolation is returned when propagation to a mandatory surface
	// did not converge or the surface is unreachable.
	ErrExtrapolation = errors.New("extrapolation failure")
	// ErrSingularCovariance is returned when an innovation or final
	// covariance is not positive-definite.
	ErrSingularCovariance = errors.New("singular covariance")
	// ErrCaloAssociation is returned when calorimeter material could not be
	// associated to a combined or standalone fit.
	ErrCaloAssociation = errors.New("calorimeter association failure")
	// ErrCleanerVeto marks a cleaning pass whose result was rejected in
	// favour of the original track. It is a policy decision, not a failure,
	// and is only ever reported to debug collectors.
	ErrCleanerVeto = errors.New("cleaner veto")
)
