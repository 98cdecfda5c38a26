package muon

import (
	"fmt"

	"github.com/banshee-data/trackfit/internal/track"
	"github.com/golang/geo/r3"
)

// Vertex is an optional production-point constraint for StandaloneFit.
// Zero sigmas take the configured vertex-region defaults.
type Vertex struct {
	Position          r3.Vector
	SigmaTransverse   float64 // mm
	SigmaLongitudinal float64 // mm
}

// checkTrack is the consistency gate applied to every builder result: the
// track exists, has a perigee, every state is finite with a
// positive-definite covariance, and the final momentum points away from the
// perigee.
func checkTrack(t *track.Track) error {
	if t == nil {
		return fmt.Errorf("check: no track: %w", track.ErrUnderdetermined)
	}
	per := t.Perigee()
	if per == nil {
		return fmt.Errorf("check: track %s has no perigee: %w", t.ID, track.ErrExtrapolation)
	}
	for i := range t.States {
		p := t.States[i].Parameters
		if p == nil {
			continue
		}
		if !p.Finite() {
			return fmt.Errorf("check: state %d not finite: %w", i, track.ErrExtrapolation)
		}
		if !p.Valid() {
			return fmt.Errorf("check: state %d covariance not positive-definite: %w", i, track.ErrSingularCovariance)
		}
	}
	last := t.LastParameters()
	if last.Direction().Dot(last.Position().Sub(per.Position())) <= 0 {
		return fmt.Errorf("check: final momentum points backwards: %w", track.ErrExtrapolation)
	}
	return nil
}
