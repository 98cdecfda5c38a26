package dkf

import (
	"fmt"

	"github.com/banshee-data/trackfit/internal/track"
)

// OutlierManager scores measurements by their smoothed chi-square and
// flags the worst offender.
type OutlierManager struct {
	Chi2Cut float64
	// MinMeasurementNodes and MinMeasurementDoF are the active measurement
	// nodes and measured coordinates that must survive a removal.
	MinMeasurementNodes int
	MinMeasurementDoF   int
}

// Evaluate writes the smoothed chi-square of every measurement node into
// Node.Chi2. Nodes without smoothed parameters score zero.
func (om *OutlierManager) Evaluate(smoothed []*track.Parameters, nodes []*Node) error {
	for k, n := range nodes {
		if !n.HasMeasurement() {
			continue
		}
		if smoothed[k] == nil {
			n.Chi2 = 0
			continue
		}
		chi2, err := n.SmoothedChi2(smoothed[k])
		if err != nil {
			return fmt.Errorf("smoothed chi2 at node %d: %w", k, err)
		}
		n.Chi2 = chi2
	}
	return nil
}

// FlagWorst marks the active, non-pseudo node with the largest chi-square
// as an outlier when it exceeds Chi2Cut and at least MinMeasurementNodes
// nodes and MinMeasurementDoF degrees of freedom remain without it. It returns the number of nodes flagged (0 or 1).
// Evaluate must have been called for the current smoothed states.
func (om *OutlierManager) FlagWorst(smoothed []*track.Parameters, nodes []*Node) int {
	worst := -1
	dof, active := 0, 0
	for k, n := range nodes {
		if !n.Active() || smoothed[k] == nil {
			continue
		}
		dof += n.Measurement.Dim()
		active++
		if n.Measurement.Pseudo || n.Chi2 <= om.Chi2Cut {
			continue
		}
		if worst < 0 || n.Chi2 > nodes[worst].Chi2 {
			worst = k
		}
	}
	if worst < 0 {
		return 0
	}
	if active-1 < om.MinMeasurementNodes {
		diagf("outlier candidate node %d (chi2=%.2f) kept: removal would leave %d nodes",
			worst, nodes[worst].Chi2, active-1)
		return 0
	}
	if dof-nodes[worst].Measurement.Dim() < om.MinMeasurementDoF {
		diagf("outlier candidate node %d (chi2=%.2f) kept: removal would leave %d dof",
			worst, nodes[worst].Chi2, dof-nodes[worst].Measurement.Dim())
		return 0
	}
	nodes[worst].Outlier = true
	diagf("flagged node %d as outlier (chi2=%.2f > %.2f)", worst, nodes[worst].Chi2, om.Chi2Cut)
	return 1
}

// FindOutliers evaluates every node against the smoothed states and flags
// at most one outlier. It returns the number of nodes removed.
func (om *OutlierManager) FindOutliers(smoothed []*track.Parameters, nodes []*Node) (int, error) {
	if err := om.Evaluate(smoothed, nodes); err != nil {
		return 0, err
	}
	return om.FlagWorst(smoothed, nodes), nil
}
