package validation

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"go-hep.org/x/hep/hbook"
	"go-hep.org/x/hep/hplot"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot/vg"
)

// Summary condenses a Result into the numbers stored per run.
type Summary struct {
	Tracks     int            `json:"tracks"`
	Fitted     int            `json:"fitted"`
	Failed     int            `json:"failed"`
	Skipped    int            `json:"skipped"`
	Failures   map[string]int `json:"failures,omitempty"`
	PullMean   [5]float64     `json:"pull_mean"`
	PullWidth  [5]float64     `json:"pull_width"`
	Chi2PerDoF float64        `json:"mean_chi2_per_dof"`
	MeanProb   float64        `json:"mean_probability"`
	// MomentumResolution is the standard deviation of Δp/p for combined
	// tracks; StandaloneResolution the same for standalone fits.
	MomentumResolution   float64 `json:"momentum_resolution"`
	StandaloneFitted     int     `json:"standalone_fitted"`
	StandaloneResolution float64 `json:"standalone_resolution"`
	OutliersInjected     int     `json:"outliers_injected"`
	OutliersFlagged      int     `json:"outliers_flagged"`
	HitsRecovered        int     `json:"hits_recovered"`
	DurationSeconds      float64 `json:"duration_seconds"`
}

// Summarize computes the run summary from the per-event outcomes.
func (r *Result) Summarize() Summary {
	s := Summary{
		Tracks:          len(r.Outcomes),
		Skipped:         r.Skipped,
		Failures:        make(map[string]int),
		DurationSeconds: r.Duration.Seconds(),
	}
	var pulls [5][]float64
	var chi2, prob, dp, sa []float64
	for _, o := range r.Outcomes {
		s.OutliersInjected += o.Injected
		if o.Standalone != nil {
			sa = append(sa, *o.Standalone)
		}
		if o.Err != nil {
			s.Failed++
			s.Failures[failureClass(o.Err)]++
			continue
		}
		s.Fitted++
		s.OutliersFlagged += o.Flagged
		s.HitsRecovered += o.Recovered
		for i, p := range o.Pulls {
			if !math.IsNaN(p) && !math.IsInf(p, 0) {
				pulls[i] = append(pulls[i], p)
			}
		}
		if o.NDoF > 0 {
			chi2 = append(chi2, o.Chi2/float64(o.NDoF))
			prob = append(prob, o.Prob)
		}
		dp = append(dp, o.DeltaP)
	}
	for i := range pulls {
		s.PullMean[i], s.PullWidth[i] = meanStdDev(pulls[i])
	}
	s.Chi2PerDoF, _ = meanStdDev(chi2)
	s.MeanProb, _ = meanStdDev(prob)
	_, s.MomentumResolution = meanStdDev(dp)
	s.StandaloneFitted = len(sa)
	_, s.StandaloneResolution = meanStdDev(sa)
	if len(s.Failures) == 0 {
		s.Failures = nil
	}
	return s
}

func meanStdDev(x []float64) (float64, float64) {
	switch len(x) {
	case 0:
		return 0, 0
	case 1:
		return x[0], 0
	}
	return stat.MeanStdDev(x, nil)
}

// WritePlots saves one PNG per histogram into dir and returns the paths.
func (r *Result) WritePlots(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create plot dir: %w", err)
	}
	type entry struct {
		name, xlabel string
		h            *hbook.H1D
	}
	entries := []entry{
		{"chi2_per_dof", "χ²/ndof", r.Chi2PerDoF},
		{"probability", "P(χ²)", r.Probability},
		{"momentum_resolution", "Δp/p (combined)", r.Momentum},
		{"standalone_resolution", "Δp/p (standalone)", r.Standalone},
	}
	for i, name := range ParamNames {
		entries = append(entries, entry{"pull_" + name, "pull " + name, r.Pulls[i]})
	}

	var paths []string
	for _, e := range entries {
		p := hplot.New()
		p.Title.Text = e.name
		p.X.Label.Text = e.xlabel
		p.Y.Label.Text = "tracks"
		hh := hplot.NewH1D(e.h, hplot.WithHInfo(hplot.HInfoSummary))
		p.Add(hh)

		path := filepath.Join(dir, e.name+".png")
		if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
			return paths, fmt.Errorf("failed to save %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// WriteHTML renders an interactive report of the pull and chi2
// distributions and the builder transition counts.
func (r *Result) WriteHTML(w io.Writer) error {
	sum := r.Summarize()
	page := components.NewPage()
	page.PageTitle = "trackfit validation"

	for i, name := range ParamNames {
		page.AddCharts(histBar(fmt.Sprintf("pull %s", name),
			fmt.Sprintf("mean=%.3f width=%.3f", sum.PullMean[i], sum.PullWidth[i]), r.Pulls[i]))
	}
	page.AddCharts(
		histBar("χ²/ndof", fmt.Sprintf("mean=%.3f  P(χ²) mean=%.3f", sum.Chi2PerDoF, sum.MeanProb), r.Chi2PerDoF),
		histBar("P(χ²)", fmt.Sprintf("fitted=%d failed=%d", sum.Fitted, sum.Failed), r.Probability),
		histBar("Δp/p combined", fmt.Sprintf("σ=%.4f", sum.MomentumResolution), r.Momentum),
		histBar("Δp/p standalone", fmt.Sprintf("σ=%.4f n=%d", sum.StandaloneResolution, sum.StandaloneFitted), r.Standalone),
		r.transitionBar(),
	)
	return page.Render(w)
}

func histBar(title, subtitle string, h *hbook.H1D) *charts.Bar {
	n := h.Len()
	width := (h.XMax() - h.XMin()) / float64(n)
	labels := make([]string, n)
	data := make([]opts.BarData, n)
	for i := 0; i < n; i++ {
		labels[i] = fmt.Sprintf("%.3g", h.XMin()+(float64(i)+0.5)*width)
		data[i] = opts.BarData{Value: h.Value(i)}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(labels).AddSeries("tracks", data)
	return bar
}

func (r *Result) transitionBar() *charts.Bar {
	names := make([]string, 0, len(r.Transitions))
	for name := range r.Transitions {
		names = append(names, name)
	}
	sort.Strings(names)
	data := make([]opts.BarData, len(names))
	for i, name := range names {
		data[i] = opts.BarData{Value: r.Transitions[name]}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{Title: "Builder state entries"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(names).AddSeries("entries", data,
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}))
	return bar
}
