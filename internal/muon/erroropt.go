package muon

import (
	"errors"
	"fmt"
	"sort"

	"github.com/banshee-data/trackfit/internal/conditions"
	"github.com/banshee-data/trackfit/internal/geometry"
	"github.com/banshee-data/trackfit/internal/track"
)

// AlignmentErrorsKey is the calibration key of the per-region alignment
// errors used by error re-optimisation.
const AlignmentErrorsKey = "muon/alignment-errors"

// AlignmentErrors is the JSON payload stored under AlignmentErrorsKey.
// Regions maps a spectrometer region to its alignment error (mm); regions
// without an entry use Default.
type AlignmentErrors struct {
	Default float64         `json:"default"`
	Regions map[int]float64 `json:"regions"`
}

// For returns the alignment error of region.
func (a AlignmentErrors) For(region int) float64 {
	if e, ok := a.Regions[region]; ok {
		return e
	}
	return a.Default
}

// alignmentErrors reads the calibration blob, falling back to the
// configured default when none is published.
func (b *Builder) alignmentErrors(cond *conditions.Snapshot) (AlignmentErrors, error) {
	out := AlignmentErrors{Default: b.cfg.DefaultAlignmentError}
	version, err := cond.DecodeCalibration(AlignmentErrorsKey, &out)
	switch {
	case errors.Is(err, conditions.ErrNoCalibration):
		return AlignmentErrors{Default: b.cfg.DefaultAlignmentError}, nil
	case err != nil:
		return AlignmentErrors{}, err
	}
	if out.Default <= 0 {
		out.Default = b.cfg.DefaultAlignmentError
	}
	tracef("alignment errors v%d: %d regions", version, len(out.Regions))
	return out, nil
}

// regionChi2 accumulates the smoothed chi2 and measured coordinates of the
// fitted spectrometer hits of each region.
type regionChi2 struct {
	chi2 float64
	dim  int
}

// optimiseErrors inflates, in quadrature, the errors of every spectrometer
// region whose mean chi2 per coordinate exceeds ErrorOptimisationChi2 and
// refits. A track with no such region is returned unchanged.
func (b *Builder) optimiseErrors(cond *conditions.Snapshot, r *run, t *track.Track) (*track.Track, error) {
	regions := make(map[int]*regionChi2)
	for i := range t.States {
		st := &t.States[i]
		if st.Kind != track.KindMeasurement || st.Measurement.Pseudo || st.Measurement.Leg() != geometry.LegSpectrometer {
			continue
		}
		rc := regions[st.Measurement.Region]
		if rc == nil {
			rc = &regionChi2{}
			regions[st.Measurement.Region] = rc
		}
		rc.chi2 += st.Chi2
		rc.dim += st.Measurement.Dim()
	}

	var bad []int
	for region, rc := range regions {
		if rc.dim > 0 && rc.chi2/float64(rc.dim) > b.cfg.ErrorOptimisationChi2 {
			bad = append(bad, region)
		}
	}
	if len(bad) == 0 {
		return t, nil
	}
	sort.Ints(bad)

	align, err := b.alignmentErrors(cond)
	if err != nil {
		return nil, fmt.Errorf("error optimisation: %w", err)
	}
	inflate := make(map[int]float64, len(bad))
	for _, region := range bad {
		inflate[region] = align.For(region)
		tracef("%s: region %d mean chi2 %.2f, adding %.3f mm", r.op, region,
			regions[region].chi2/float64(regions[region].dim), inflate[region])
	}

	states := t.CopyStates()
	for i := range states {
		m := states[i].Measurement
		if m == nil || m.Pseudo || m.Leg() != geometry.LegSpectrometer {
			continue
		}
		if extra, ok := inflate[m.Region]; ok && extra > 0 {
			inflated := m.Inflated(extra)
			states[i].Measurement = &inflated
		}
	}

	out, err := b.fit(cond, r, t.WithStates(states), true, t.Hypothesis)
	if err != nil {
		return nil, fmt.Errorf("error optimisation refit of regions %v: %w", bad, err)
	}
	return withPatterns(out, track.PatternErrorsOptimised), nil
}
