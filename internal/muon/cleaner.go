package muon

import (
	"fmt"

	"github.com/banshee-data/trackfit/internal/conditions"
	"github.com/banshee-data/trackfit/internal/track"
)

// clean demotes measurements with smoothed chi2 above CleanerChi2Cut to
// outliers and refits without further outlier removal. The original track
// is kept (and the veto recorded) when its chi2/ndof is already acceptable,
// when nothing exceeds the cut, when the refit fails, or when the cleaned
// chi2/ndof is not lower.
func (b *Builder) clean(cond *conditions.Snapshot, r *run, t *track.Track, hyp track.ParticleHypothesis) *track.Track {
	pre := t.Quality.Chi2PerDoF()
	if pre <= b.cfg.CleanerAcceptChi2PerDoF {
		r.veto("cleaner", fmt.Errorf("chi2/ndof %.3f already acceptable: %w", pre, track.ErrCleanerVeto))
		return t
	}

	states := t.CopyStates()
	flagged := 0
	for i := range states {
		if states[i].Kind == track.KindMeasurement && states[i].Chi2 > b.cfg.CleanerChi2Cut {
			states[i].Kind = track.KindOutlier
			flagged++
		}
	}
	if flagged == 0 {
		r.veto("cleaner", fmt.Errorf("no measurement above chi2 %.1f: %w", b.cfg.CleanerChi2Cut, track.ErrCleanerVeto))
		return t
	}

	cleaned, err := b.fitter.FitTrack(cond, t.WithStates(states), track.FitOptions{Hypothesis: hyp})
	if err != nil {
		r.veto("cleaner", fmt.Errorf("refit without %d hits: %v: %w", flagged, err, track.ErrCleanerVeto))
		return t
	}
	if post := cleaned.Quality.Chi2PerDoF(); post >= pre {
		r.veto("cleaner", fmt.Errorf("chi2/ndof %.3f not below %.3f: %w", post, pre, track.ErrCleanerVeto))
		return t
	}
	diagf("%s: cleaner removed %d hits, chi2/ndof %.3f -> %.3f", r.op, flagged, pre, cleaned.Quality.Chi2PerDoF())
	return withPatterns(cleaned, track.PatternCleaned)
}
