// Package muon builds combined and standalone muon tracks around an
// abstract track.Fitter.
//
// A Builder drives one operation per call through the states in state.go:
// calorimeter association between the inner-detector and spectrometer legs,
// the combined fit, a quality check, an optional bounded re-association
// when the calorimeter entry and exit momenta disagree, and the post-fit
// passes (hole recovery, error re-optimisation, ID-MS systematics). Every
// pass that fails or produces a track rejected by checkTrack is reverted.
//
// Standalone fits start from the spectrometer leg alone. When its curvature
// is well measured the leg is back-extrapolated to the beam line; otherwise
// a straight line from the vertex region is used together with a soft
// vertex pseudo-measurement and a prefit that fixes the momentum used for
// the calorimeter lookup.
//
// Builders are configured once and then safe for concurrent use; the
// collaborators (fitter, calorimeter associator, measurement provider,
// alignment uncertainty, debug collector) must be as well.
package muon
