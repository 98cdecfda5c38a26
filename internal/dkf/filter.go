package dkf

import (
	"errors"
	"fmt"

	"github.com/banshee-data/trackfit/internal/conditions"
	"github.com/banshee-data/trackfit/internal/track"
	"gonum.org/v1/gonum/mat"
)

// FilterResult holds the per-node output of one forward pass. Slices are
// indexed like the node list. Entries of unusable nodes are nil.
type FilterResult struct {
	Predicted []*track.Parameters
	Filtered  []*track.Parameters
	// Jacobians[k] maps the filtered state of the previous usable node (or
	// the seed) onto Predicted[k].
	Jacobians []*mat.Dense
	Usable    []bool
	Chi2      float64
	// MeasurementDoF counts the measured coordinates that were applied and
	// MeasurementNodes the measurement nodes they came from.
	MeasurementDoF   int
	MeasurementNodes int
}

// usableIndices returns the indices of usable nodes in order.
func (r *FilterResult) usableIndices() []int {
	idx := make([]int, 0, len(r.Usable))
	for k, ok := range r.Usable {
		if ok {
			idx = append(idx, k)
		}
	}
	return idx
}

// ForwardFilter runs the sequential Kalman recursion over an ordered node
// list. Nodes are processed in the order given; no reordering is done.
type ForwardFilter struct {
	ext *Extrapolator
}

// NewForwardFilter creates a forward filter using ext for transport.
func NewForwardFilter(ext *Extrapolator) *ForwardFilter {
	return &ForwardFilter{ext: ext}
}

// Run filters nodes starting from seed, which must carry a covariance.
//
// A measurement node that cannot be reached is marked unusable and the
// recursion continues from the last good state. An unreachable material
// node fails the pass with ErrExtrapolation. Outlier nodes are propagated
// through without an update. A singular innovation covariance aborts the
// pass with ErrSingularCovariance.
func (f *ForwardFilter) Run(cond *conditions.Snapshot, seed *track.Parameters, nodes []*Node, hyp track.ParticleHypothesis) (*FilterResult, error) {
	if seed == nil || seed.Cov == nil {
		return nil, fmt.Errorf("forward filter: seed without covariance: %w", track.ErrSingularCovariance)
	}

	res := &FilterResult{
		Predicted: make([]*track.Parameters, len(nodes)),
		Filtered:  make([]*track.Parameters, len(nodes)),
		Jacobians: make([]*mat.Dense, len(nodes)),
		Usable:    make([]bool, len(nodes)),
	}

	state := seed
	for k, n := range nodes {
		prop, err := f.ext.PropagateThrough(cond, state, n.Surface, n.Material, hyp)
		if err != nil {
			if n.Mandatory() || !errors.Is(err, track.ErrExtrapolation) {
				return nil, fmt.Errorf("forward filter node %d: %w", k, err)
			}
			tracef("node %d unreachable, skipping: %v", k, err)
			continue
		}

		res.Predicted[k] = prop.Parameters
		res.Jacobians[k] = prop.Jacobian
		res.Usable[k] = true

		if !n.Active() {
			res.Filtered[k] = prop.Parameters
			state = prop.Parameters
			continue
		}

		filtered, chi2, err := n.Update(prop.Parameters)
		if err != nil {
			return nil, fmt.Errorf("forward filter node %d: %w", k, err)
		}
		res.Filtered[k] = filtered
		res.Chi2 += chi2
		res.MeasurementDoF += n.Measurement.Dim()
		res.MeasurementNodes++
		state = filtered
	}
	return res, nil
}
