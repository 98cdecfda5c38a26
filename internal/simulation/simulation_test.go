package simulation

import (
	"math"
	"testing"

	"github.com/banshee-data/trackfit/internal/conditions"
	"github.com/banshee-data/trackfit/internal/geometry"
	"github.com/banshee-data/trackfit/internal/track"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDetector(t *testing.T) *Detector {
	t.Helper()
	d, err := NewDetector(DefaultDetectorConfig())
	require.NoError(t, err)
	return d
}

func r3At(x float64) r3.Vector { return r3.Vector{X: x} }

func TestNewDetectorLayout(t *testing.T) {
	d := newDetector(t)

	assert.Len(t, d.IndetPlanes(), 10)
	assert.Len(t, d.SpectrometerPlanes(), 9)
	assert.Equal(t, 19, d.Layout().Len())

	rpc := 0
	for _, p := range d.SpectrometerPlanes() {
		if p.Surface.Part == geometry.PartRPC {
			rpc++
			assert.Equal(t, 2, p.Dim)
		} else {
			assert.Equal(t, geometry.PartMDT, p.Surface.Part)
			assert.Equal(t, 1, p.Dim)
			assert.InDelta(t, 1, p.Surface.U.Z, 1e-12, "MDT planes measure z")
		}
	}
	assert.Equal(t, 3, rpc)

	s, err := d.Layout().SurfaceFor(muonElementBase)
	require.NoError(t, err)
	assert.Equal(t, 5000.0, s.Center.X)
	assert.Len(t, d.Layout().Surfaces(geometry.LegSpectrometer), 9)
}

func TestDetectorConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*DetectorConfig)
	}{
		{"no indet", func(c *DetectorConfig) { c.PixelPlanesMM, c.SCTPlanesMM = nil, nil }},
		{"no spectrometer", func(c *DetectorConfig) { c.MuonStations = nil; c.RPCPlanes = nil }},
		{"rpc out of range", func(c *DetectorConfig) { c.RPCPlanes = []int{42} }},
		{"zero resolution", func(c *DetectorConfig) { c.MDTResolution = 0 }},
		{"indet inside calo", func(c *DetectorConfig) { c.SCTPlanesMM = append(c.SCTPlanesMM, 2000) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultDetectorConfig()
			tt.mutate(&cfg)
			_, err := NewDetector(cfg)
			assert.Error(t, err)
		})
	}
}

func TestDetectorField(t *testing.T) {
	d := newDetector(t)

	inID, ok := d.Field(conditions.Magnets{SolenoidOn: true, ToroidOn: true}).FieldAt(r3At(500))
	require.True(t, ok)
	assert.InDelta(t, 2, inID.Z, 1e-12)

	inMS, _ := d.Field(conditions.Magnets{ToroidOn: true}).FieldAt(r3At(4500))
	assert.InDelta(t, 0.5, inMS.Y, 1e-12)

	off, _ := d.Field(conditions.Magnets{}).FieldAt(r3At(500))
	assert.Zero(t, off.Norm())
	_, isZero := d.Field(conditions.Magnets{}).(geometry.ZeroField)
	assert.True(t, isZero)
}

func TestGeneratorIsReproducible(t *testing.T) {
	d := newDetector(t)
	a, err := NewGenerator(d, DefaultGeneratorConfig(), 7)
	require.NoError(t, err)
	b, err := NewGenerator(d, DefaultGeneratorConfig(), 7)
	require.NoError(t, err)

	ea, _ := a.Generate(3)
	eb, _ := b.Generate(3)
	require.Len(t, ea, 3)
	require.Len(t, eb, 3)
	for i := range ea {
		assert.Equal(t, ea[i].Momentum, eb[i].Momentum)
		assert.Equal(t, ea[i].Indet[0].Values, eb[i].Indet[0].Values)
		assert.Equal(t, ea[i].Spectrometer[0].Values, eb[i].Spectrometer[0].Values)
	}

	c, err := NewGenerator(d, DefaultGeneratorConfig(), 8)
	require.NoError(t, err)
	ec, _ := c.Generate(1)
	assert.NotEqual(t, ea[0].Momentum, ec[0].Momentum)
}

func TestGeneratorEvent(t *testing.T) {
	d := newDetector(t)
	cfg := DefaultGeneratorConfig()
	cfg.MinMomentum, cfg.MaxMomentum = 20000, 20000
	g, err := NewGenerator(d, cfg, 1)
	require.NoError(t, err)

	ev, err := g.Next()
	require.NoError(t, err)

	assert.Len(t, ev.Indet, 10)
	assert.Len(t, ev.Spectrometer, 9)
	assert.Empty(t, ev.Missing)
	assert.Empty(t, ev.Outliers)
	assert.Equal(t, 20000.0, ev.Momentum)
	assert.InDelta(t, ev.Charge/ev.Momentum, ev.Truth.Values[track.QOverP], 1e-15)

	loss := ev.CaloEntryMomentum - ev.CaloExitMomentum
	assert.Greater(t, loss, 1000.0, "muon loses energy in the calorimeter")
	assert.Less(t, loss, 5000.0)
	assert.InDelta(t, ev.Momentum, ev.CaloEntryMomentum, 1e-6, "no material in the inner detector")

	require.NotNil(t, ev.IndetSeed)
	require.NotNil(t, ev.SpectrometerSeed)
	assert.Equal(t, ev.Indet[0].Surface, ev.IndetSeed.Surface)
	assert.Equal(t, ev.Spectrometer[0].Surface, ev.SpectrometerSeed.Surface)

	// Hits scatter around the truth within a few resolutions.
	assert.InDelta(t, ev.IndetSeed.Values[track.LocX], ev.Indet[0].Values[0], 5*d.Config().PixelResolution)
}

func TestGeneratorBendsInBothMagnets(t *testing.T) {
	d := newDetector(t)
	cfg := DefaultGeneratorConfig()
	cfg.MinMomentum, cfg.MaxMomentum = 10000, 10000
	cfg.PhiSpread, cfg.ThetaSpread = 0, 0
	cfg.MultipleScattering, cfg.EnergyLossFluctuation = false, false
	cfg.VertexSigmaTransverse, cfg.VertexSigmaLongitudinal = 0, 0
	g, err := NewGenerator(d, cfg, 3)
	require.NoError(t, err)

	ev, err := g.Next()
	require.NoError(t, err)

	lastID := ev.Indet[len(ev.Indet)-1]
	assert.Greater(t, math.Abs(lastID.Values[0]), 5.0, "solenoid bends in y")
	lastMS := ev.Spectrometer[len(ev.Spectrometer)-1]
	assert.Greater(t, math.Abs(lastMS.Values[0]), 5.0, "toroid bends in z")
}

func TestGeneratorOutliersAndInefficiency(t *testing.T) {
	d := newDetector(t)
	cfg := DefaultGeneratorConfig()
	cfg.OutlierProbability = 1
	cfg.Inefficiency = 1
	g, err := NewGenerator(d, cfg, 11)
	require.NoError(t, err)

	ev, err := g.Next()
	require.NoError(t, err)

	// Every MDT hit is missing; the RPC hits remain and are all displaced.
	assert.Len(t, ev.Missing, 6)
	assert.Len(t, ev.Spectrometer, 3)
	assert.Len(t, ev.Outliers, 3)
	for _, m := range ev.Spectrometer {
		assert.True(t, ev.Outliers[m.Element])
	}
	assert.Len(t, ev.Candidates(nil, nil), 6)
}

func TestNewGeneratorRejectsBadConfig(t *testing.T) {
	d := newDetector(t)
	cfg := DefaultGeneratorConfig()
	cfg.MinMomentum = 0
	_, err := NewGenerator(d, cfg, 1)
	assert.Error(t, err)

	cfg = DefaultGeneratorConfig()
	cfg.OutlierProbability = 2
	_, err = NewGenerator(d, cfg, 1)
	assert.Error(t, err)
}

func TestGeneratorSkipsRangedOutMuons(t *testing.T) {
	d := newDetector(t)
	cfg := DefaultGeneratorConfig()
	cfg.MinMomentum, cfg.MaxMomentum = 1000, 1000
	g, err := NewGenerator(d, cfg, 5)
	require.NoError(t, err)

	events, skipped := g.Generate(2)
	assert.Empty(t, events)
	assert.Equal(t, 30, skipped)
}
