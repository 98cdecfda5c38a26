package geometry

import (
	"fmt"
	"sort"
	"sync"
)

// ElementID identifies a detector element (wafer, straw layer, chamber).
type ElementID uint64

// Part is the detector technology that produced a measurement.
type Part uint8

const (
	PartUnknown Part = iota
	PartPixel
	PartSCT
	PartTRT
	PartMDT
	PartRPC
	PartTGC
	PartCSC
	PartCalo
	PartPseudo
	partSentinel
)

var partNames = [...]string{"unknown", "pixel", "sct", "trt", "mdt", "rpc", "tgc", "csc", "calo", "pseudo"}

// String implements fmt.Stringer.
func (p Part) String() string {
	if p < partSentinel {
		return partNames[p]
	}
	return fmt.Sprintf("part(%d)", uint8(p))
}

// Leg is the track segment a detector part contributes to.
type Leg uint8

const (
	LegNone Leg = iota
	LegIndet
	LegCalorimeter
	LegSpectrometer
)

// Leg returns the track leg the part belongs to. An unknown or out of range
// part code is an invariant violation in the upstream data and panics.
func (p Part) Leg() Leg {
	switch p {
	case PartPixel, PartSCT, PartTRT:
		return LegIndet
	case PartMDT, PartRPC, PartTGC, PartCSC:
		return LegSpectrometer
	case PartCalo:
		return LegCalorimeter
	case PartPseudo:
		return LegNone
	}
	panic(fmt.Sprintf("geometry: invalid detector part code %d", uint8(p)))
}

// Detector resolves element identifiers to surfaces.
type Detector interface {
	SurfaceFor(id ElementID) (*Surface, error)
}

// Layout is an in-memory Detector. It is safe for concurrent readers once
// populated.
type Layout struct {
	mu       sync.RWMutex
	surfaces map[ElementID]*Surface
}

// NewLayout creates an empty layout.
func NewLayout() *Layout {
	return &Layout{surfaces: make(map[ElementID]*Surface)}
}

// Add registers a surface under its ID, replacing any previous entry.
func (l *Layout) Add(s *Surface) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.surfaces[s.ID] = s
}

// SurfaceFor returns the surface registered for id.
func (l *Layout) SurfaceFor(id ElementID) (*Surface, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.surfaces[id]
	if !ok {
		return nil, fmt.Errorf("no surface for detector element %d", id)
	}
	return s, nil
}

// Surfaces returns every surface belonging to leg, ordered by element ID.
func (l *Layout) Surfaces(leg Leg) []*Surface {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Surface, 0, len(l.surfaces))
	for _, s := range l.surfaces {
		if s.Part.Leg() == leg {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered surfaces.
func (l *Layout) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.surfaces)
}
