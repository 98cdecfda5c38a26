// Package simulation provides a toy barrel detector and a muon generator
// for tests, demos and the validation harness.
//
// Tracks leave the beam line roughly along +x. The inner detector sits in
// a solenoid (field along z, bending in x-y), the calorimeter is field
// free, and the spectrometer sits in an air-core toroid whose azimuthal
// field bends in x-z. Drift-tube (MDT) planes measure the bending
// coordinate only; trigger chambers (RPC) measure both.
package simulation

import (
	"fmt"

	"github.com/banshee-data/trackfit/internal/conditions"
	"github.com/banshee-data/trackfit/internal/geometry"
	"github.com/banshee-data/trackfit/internal/muon"
	"github.com/golang/geo/r3"
)

// Element ID ranges of the toy layout.
const (
	indetElementBase geometry.ElementID = 1
	muonElementBase  geometry.ElementID = 1000
)

// DetectorConfig describes the toy layout. Plane positions are x
// coordinates in millimetres.
type DetectorConfig struct {
	PixelPlanesMM   []float64
	PixelResolution float64 // mm, both coordinates
	SCTPlanesMM     []float64
	SCTResolution   float64 // mm, bending coordinate only

	// MuonStations groups spectrometer planes; each station is one
	// alignment region. Planes listed in RPCPlanes (indices into the
	// flattened list) are 2-D trigger chambers.
	MuonStations  [][]float64
	RPCPlanes     []int
	MDTResolution float64
	RPCResolution float64

	Calo muon.CaloConfig

	SolenoidBz         float64
	SolenoidRadius     float64
	SolenoidHalfLength float64

	ToroidB0          float64
	ToroidInnerRadius float64
	ToroidOuterRadius float64
	ToroidHalfLength  float64
}

// DefaultDetectorConfig returns the reference toy layout. The calorimeter
// parametrisation matches the builder defaults.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		PixelPlanesMM:   []float64{50, 90, 120, 300, 400, 500},
		PixelResolution: 0.02,
		SCTPlanesMM:     []float64{600, 750, 900, 1050},
		SCTResolution:   0.03,
		MuonStations: [][]float64{
			{5000, 5200, 5400},
			{7000, 7200, 7400},
			{9000, 9200, 9400},
		},
		RPCPlanes:          []int{1, 4, 7},
		MDTResolution:      0.1,
		RPCResolution:      1.0,
		Calo:               muon.DefaultBuilderConfig().Calo,
		SolenoidBz:         2,
		SolenoidRadius:     1200,
		SolenoidHalfLength: 3000,
		ToroidB0:           0.5,
		ToroidInnerRadius:  4500,
		ToroidOuterRadius:  10500,
		ToroidHalfLength:   12000,
	}
}

// Validate checks the layout for the mistakes that would make every
// generated track unusable.
func (c DetectorConfig) Validate() error {
	if len(c.PixelPlanesMM)+len(c.SCTPlanesMM) == 0 {
		return fmt.Errorf("detector: no inner detector planes")
	}
	n := 0
	for _, st := range c.MuonStations {
		n += len(st)
	}
	if n == 0 {
		return fmt.Errorf("detector: no spectrometer planes")
	}
	for _, i := range c.RPCPlanes {
		if i < 0 || i >= n {
			return fmt.Errorf("detector: RPC plane index %d out of range [0,%d)", i, n)
		}
	}
	if c.PixelResolution <= 0 || c.SCTResolution <= 0 || c.MDTResolution <= 0 || c.RPCResolution <= 0 {
		return fmt.Errorf("detector: resolutions must be positive")
	}
	last := 0.0
	for _, x := range append(append([]float64(nil), c.PixelPlanesMM...), c.SCTPlanesMM...) {
		last = max(last, x)
	}
	if last >= c.Calo.DepthsMM[0] {
		return fmt.Errorf("detector: inner detector plane at %.0f mm overlaps the calorimeter front %.0f mm", last, c.Calo.DepthsMM[0])
	}
	return nil
}

// Plane is one sensitive layer of the toy detector.
type Plane struct {
	Surface *geometry.Surface
	Region  int
	Dim     int
	Sigma   float64
}

// Detector is a built toy layout. It is read-only after NewDetector and
// safe for concurrent use.
type Detector struct {
	cfg          DetectorConfig
	layout       *geometry.Layout
	indet        []Plane
	spectrometer []Plane
}

// NewDetector builds the surfaces of cfg.
func NewDetector(cfg DetectorConfig) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Detector{cfg: cfg, layout: geometry.NewLayout()}
	xHat := r3.Vector{X: 1}

	id := indetElementBase
	for i, x := range cfg.PixelPlanesMM {
		s := geometry.NewPlane(id, geometry.PartPixel, r3.Vector{X: x}, xHat, r3.Vector{Y: 1})
		d.indet = append(d.indet, Plane{Surface: s, Region: i / 2, Dim: 2, Sigma: cfg.PixelResolution})
		id++
	}
	for i, x := range cfg.SCTPlanesMM {
		// l1 along y, the solenoid bending direction.
		s := geometry.NewPlane(id, geometry.PartSCT, r3.Vector{X: x}, xHat, r3.Vector{Y: 1})
		d.indet = append(d.indet, Plane{Surface: s, Region: 10 + i/2, Dim: 1, Sigma: cfg.SCTResolution})
		id++
	}

	rpc := make(map[int]bool, len(cfg.RPCPlanes))
	for _, i := range cfg.RPCPlanes {
		rpc[i] = true
	}
	id = muonElementBase
	k := 0
	for station, xs := range cfg.MuonStations {
		for _, x := range xs {
			// l1 along z, the toroid bending direction.
			p := Plane{Region: station, Dim: 1, Sigma: cfg.MDTResolution}
			part := geometry.PartMDT
			if rpc[k] {
				part = geometry.PartRPC
				p.Dim = 2
				p.Sigma = cfg.RPCResolution
			}
			p.Surface = geometry.NewPlane(id, part, r3.Vector{X: x}, xHat, r3.Vector{Z: 1})
			d.spectrometer = append(d.spectrometer, p)
			id++
			k++
		}
	}

	for _, p := range d.indet {
		d.layout.Add(p.Surface)
	}
	for _, p := range d.spectrometer {
		d.layout.Add(p.Surface)
	}
	return d, nil
}

// Config returns the layout configuration.
func (d *Detector) Config() DetectorConfig { return d.cfg }

// Layout returns the element lookup of the detector.
func (d *Detector) Layout() *geometry.Layout { return d.layout }

// IndetPlanes returns the inner detector planes in flight order.
func (d *Detector) IndetPlanes() []Plane { return append([]Plane(nil), d.indet...) }

// SpectrometerPlanes returns the spectrometer planes in flight order.
func (d *Detector) SpectrometerPlanes() []Plane { return append([]Plane(nil), d.spectrometer...) }

// Field returns the field map with the given magnets powered.
func (d *Detector) Field(m conditions.Magnets) geometry.FieldAccessor {
	var parts geometry.CompositeField
	if m.SolenoidOn {
		parts = append(parts, geometry.SolenoidField{
			Bz:         d.cfg.SolenoidBz,
			Radius:     d.cfg.SolenoidRadius,
			HalfLength: d.cfg.SolenoidHalfLength,
		})
	}
	if m.ToroidOn {
		parts = append(parts, geometry.ToroidField{
			B0:          d.cfg.ToroidB0,
			InnerRadius: d.cfg.ToroidInnerRadius,
			OuterRadius: d.cfg.ToroidOuterRadius,
			HalfLength:  d.cfg.ToroidHalfLength,
		})
	}
	if len(parts) == 0 {
		return geometry.ZeroField{}
	}
	return parts
}

// Conditions returns a snapshot of the detector field for the given
// magnet status. store may be nil.
func (d *Detector) Conditions(m conditions.Magnets, store *conditions.Store) *conditions.Snapshot {
	return conditions.NewSnapshot(d.Field(m), m, store)
}
