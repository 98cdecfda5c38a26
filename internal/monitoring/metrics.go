package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Fit outcome labels for FitsTotal.
const (
	OutcomeOK              = "ok"
	OutcomeUnderdetermined = "underdetermined"
	OutcomeExtrapolation   = "extrapolation"
	OutcomeSingular        = "singular"
	OutcomeOther           = "other"
)

var (
	// FitsTotal counts Kalman fits by outcome.
	FitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackfit_fits_total",
		Help: "Total track fits by outcome",
	}, []string{"outcome"})

	// OutliersTotal counts measurements flagged as outliers.
	OutliersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackfit_outliers_total",
		Help: "Total measurements flagged as outliers",
	})

	// FitIterations tracks how many filter/smoother passes a fit needed.
	FitIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trackfit_fit_iterations",
		Help:    "Filter and smoother passes per fit",
		Buckets: []float64{1, 2, 3, 4, 5, 8, 12, 20},
	})

	// BuilderTransitions counts muon builder state entries.
	BuilderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackfit_builder_transitions_total",
		Help: "Total combined muon builder state entries by state",
	}, []string{"state"})
)
