// Package track owns the track data model shared by the fitter and the muon
// track builder.
//
// Responsibilities: local track parameters with covariance, measurements,
// track-state-on-surface records, the output Track value, the abstract
// Fitter capability and the fit error taxonomy.
// Key types: Parameters, Measurement, TrackStateOnSurface, Track, Fitter.
//
// Values in this package are immutable once returned from a fit. Code that
// needs a modified track builds a new one (see Track.WithStates).
package track
