// Package conditions provides the read-only per-call context consumed by the
// fitter and the muon track builder: the magnetic field map, magnet status
// and versioned calibration blobs.
//
// A Snapshot is taken once at the start of a fit call and never mutated;
// refreshing conditions means building a new Snapshot from the Store.
package conditions

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/trackfit/internal/geometry"
)

// ErrNoCalibration is returned when no blob is registered under a key.
var ErrNoCalibration = errors.New("calibration not available")

// Blob is a versioned calibration payload.
type Blob struct {
	Key     string
	Version int
	Data    []byte
}

// Magnets records which magnet systems are powered.
type Magnets struct {
	SolenoidOn bool
	ToroidOn   bool
}

// Store holds the latest calibration blobs. Writers publish new versions;
// readers only ever see complete blobs through a Snapshot.
type Store struct {
	mu    sync.RWMutex
	blobs map[string]Blob
}

// NewStore creates an empty calibration store.
func NewStore() *Store {
	return &Store{blobs: make(map[string]Blob)}
}

// Publish registers data under key with the next version number and returns
// that version.
func (s *Store) Publish(key string, data []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	version := s.blobs[key].Version + 1
	buf := make([]byte, len(data))
	copy(buf, data)
	s.blobs[key] = Blob{Key: key, Version: version, Data: buf}
	return version
}

// PublishJSON marshals v and publishes it under key.
func (s *Store) PublishJSON(key string, v interface{}) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal calibration %q: %w", key, err)
	}
	return s.Publish(key, data), nil
}

func (s *Store) current(key string) (Blob, bool) {
	if s == nil {
		return Blob{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[key]
	return b, ok
}

// Snapshot is the explicit read-only context passed into every fitting call.
type Snapshot struct {
	Field   geometry.FieldAccessor
	Magnets Magnets
	RunKey  string

	store *Store

	mu    sync.Mutex
	cache map[string]Blob
}

// NewSnapshot captures field, magnet status and calibration store for one
// call. A nil field is treated as field-free.
func NewSnapshot(field geometry.FieldAccessor, magnets Magnets, store *Store) *Snapshot {
	if field == nil {
		field = geometry.ZeroField{}
	}
	return &Snapshot{
		Field:   field,
		Magnets: magnets,
		store:   store,
		cache:   make(map[string]Blob),
	}
}

// FieldFree returns a snapshot with no field, both magnets off and no
// calibrations. Convenient for straight-line tests.
func FieldFree() *Snapshot {
	return NewSnapshot(geometry.ZeroField{}, Magnets{}, nil)
}

// WithField returns a new snapshot sharing calibrations and magnet status
// but using a different field map. The receiver is not modified.
func (s *Snapshot) WithField(f geometry.FieldAccessor) *Snapshot {
	n := NewSnapshot(f, s.Magnets, s.store)
	n.RunKey = s.RunKey
	return n
}

// Calibration returns the blob registered under key. The first lookup of a
// key is cached so that every later lookup within the call sees the same
// version even if the store publishes a new one meanwhile.
func (s *Snapshot) Calibration(key string) (Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.cache[key]; ok {
		return b, nil
	}
	b, ok := s.store.current(key)
	if !ok {
		return Blob{}, fmt.Errorf("%w: %s", ErrNoCalibration, key)
	}
	s.cache[key] = b
	return b, nil
}

// DecodeCalibration unmarshals the JSON blob under key into v.
func (s *Snapshot) DecodeCalibration(key string, v interface{}) (int, error) {
	b, err := s.Calibration(key)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(b.Data, v); err != nil {
		return b.Version, fmt.Errorf("decode calibration %q v%d: %w", key, b.Version, err)
	}
	return b.Version, nil
}
