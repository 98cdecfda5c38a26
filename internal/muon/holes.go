package muon

import (
	"fmt"
	"math"

	"github.com/banshee-data/trackfit/internal/conditions"
	"github.com/banshee-data/trackfit/internal/dkf"
	"github.com/banshee-data/trackfit/internal/geometry"
	"github.com/banshee-data/trackfit/internal/track"
)

// MeasurementProvider returns measurements near a fitted track that
// pattern recognition may have missed.
type MeasurementProvider interface {
	Candidates(cond *conditions.Snapshot, t *track.Track) []track.Measurement
}

// recoverHoles predicts the track onto every candidate surface not yet on
// the track, gates each candidate on its predicted chi2 and assigns at most
// one candidate per surface. The assigned measurements are merged into the
// track and refitted.
func (b *Builder) recoverHoles(cond *conditions.Snapshot, r *run, t *track.Track) (*track.Track, error) {
	cands := b.holes.Candidates(cond, t)
	if len(cands) == 0 {
		return t, nil
	}
	onTrack := make(map[geometry.ElementID]bool)
	for i := range t.States {
		if m := t.States[i].Measurement; m != nil {
			onTrack[m.Element] = true
		}
	}

	var surfaces []*geometry.Surface
	rows := make(map[geometry.ElementID]int)
	var kept []track.Measurement
	for _, m := range cands {
		if onTrack[m.Element] || m.Surface == nil {
			continue
		}
		if _, ok := rows[m.Element]; !ok {
			rows[m.Element] = len(surfaces)
			surfaces = append(surfaces, m.Surface)
		}
		kept = append(kept, m)
	}
	if len(kept) == 0 {
		return t, nil
	}

	cost := make([][]float64, len(surfaces))
	for i := range cost {
		cost[i] = make([]float64, len(kept))
		for j := range cost[i] {
			cost[i][j] = forbiddenCost
		}
	}
	preds := make([]*track.Parameters, len(surfaces))
	for i, s := range surfaces {
		p, err := b.predict(cond, t, s)
		if err != nil {
			tracef("%s: no prediction on %v: %v", r.op, s, err)
			continue
		}
		preds[i] = p
	}
	for j := range kept {
		i := rows[kept[j].Element]
		if preds[i] == nil {
			continue
		}
		_, chi2, err := dkf.NewMeasurementNode(kept[j]).Update(preds[i])
		if err != nil || chi2 > b.cfg.HoleGateChi2 {
			continue
		}
		cost[i][j] = chi2
	}

	var added []track.Measurement
	for i, j := range assign(cost) {
		if j < 0 {
			continue
		}
		tracef("%s: recovered hit on %v chi2=%.2f", r.op, surfaces[i], cost[i][j])
		added = append(added, kept[j])
	}
	if len(added) == 0 {
		return t, nil
	}

	opts := track.FitOptions{RunOutlierRemoval: true, Hypothesis: t.Hypothesis}
	out, err := b.fitter.FitTrackWithMeasurements(b.fitConditions(cond, t), t, added, opts)
	if err != nil {
		return nil, fmt.Errorf("hole recovery refit with %d hits: %w", len(added), err)
	}
	return withPatterns(out, track.PatternHolesRecovered), nil
}

// predict propagates the fitted state closest to s onto s.
func (b *Builder) predict(cond *conditions.Snapshot, t *track.Track, s *geometry.Surface) (*track.Parameters, error) {
	var from *track.Parameters
	best := math.Inf(1)
	for i := range t.States {
		p := t.States[i].Parameters
		if p == nil {
			continue
		}
		if d := p.Position().Sub(s.Center).Norm(); d < best {
			best, from = d, p
		}
	}
	if from == nil {
		return nil, fmt.Errorf("predict: track has no fitted states: %w", track.ErrExtrapolation)
	}
	prop, err := b.ext.Propagate(b.fitConditions(cond, t), from, s, track.NonInteracting)
	if err != nil {
		return nil, err
	}
	return prop.Parameters, nil
}
