// Package geometry owns the read-only detector description consumed by the
// track fitter.
//
// Responsibilities: magnetic field access (FieldAccessor and the toy field
// maps used by tests and the validation harness), the planar surface model
// onto which hits and track states are projected, and the detector element
// lookup that maps element identifiers to surfaces.
// Key types: Surface, Material, FieldAccessor, Layout, Part.
//
// Dependency rule: geometry is a leaf package. It must not import any
// fitting or track packages.
package geometry
