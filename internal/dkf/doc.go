// Package dkf implements a Kalman filter track fitter for charged particles
// crossing a set of planar detector surfaces in a magnetic field.
//
// The fit runs in three stages per attempt:
//
//  1. A forward filter extrapolates the running state from node to node
//     (Runge-Kutta transport with a finite-difference Jacobian) and applies
//     a gain-form Kalman update at every measurement.
//  2. A Rauch-Tung-Striebel smoother combines each filtered state with the
//     information downstream of it.
//  3. The outlier manager computes the smoothed chi-square of every
//     measurement and flags at most one offender, which triggers a refit.
//
// Fits are synchronous and touch no shared mutable state; a Fitter may be used
// from several goroutines as long as each call gets its own conditions
// snapshot or shares an immutable one.
package dkf
