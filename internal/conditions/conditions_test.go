package conditions

import (
	"errors"
	"testing"

	"github.com/banshee-data/trackfit/internal/geometry"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotCachesCalibrationVersion(t *testing.T) {
	t.Parallel()

	store := NewStore()
	v1, err := store.PublishJSON("muon/alignment-errors", map[string]float64{"default": 0.2})
	require.NoError(t, err)
	assert.Equal(t, 1, v1)

	snap := NewSnapshot(geometry.ZeroField{}, Magnets{ToroidOn: true}, store)
	b, err := snap.Calibration("muon/alignment-errors")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Version)

	v2 := store.Publish("muon/alignment-errors", []byte(`{"default":0.5}`))
	assert.Equal(t, 2, v2)

	// The snapshot keeps serving the version it first saw.
	var payload map[string]float64
	version, err := snap.DecodeCalibration("muon/alignment-errors", &payload)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
	assert.Equal(t, 0.2, payload["default"])

	// A fresh snapshot sees the new version.
	fresh := NewSnapshot(geometry.ZeroField{}, Magnets{}, store)
	version, err = fresh.DecodeCalibration("muon/alignment-errors", &payload)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.Equal(t, 0.5, payload["default"])
}

func TestSnapshotMissingCalibration(t *testing.T) {
	t.Parallel()

	_, err := FieldFree().Calibration("nope")
	assert.True(t, errors.Is(err, ErrNoCalibration))
}

func TestDecodeCalibrationInvalidJSON(t *testing.T) {
	t.Parallel()

	store := NewStore()
	store.Publish("bad", []byte("{"))
	var v map[string]float64
	_, err := NewSnapshot(nil, Magnets{}, store).DecodeCalibration("bad", &v)
	assert.Error(t, err)
}

func TestWithFieldKeepsMagnetsAndStore(t *testing.T) {
	t.Parallel()

	store := NewStore()
	store.Publish("k", []byte("{}"))
	snap := NewSnapshot(geometry.UniformField{B: r3.Vector{Z: 2}}, Magnets{SolenoidOn: true}, store)
	snap.RunKey = "run-1"

	sl := snap.WithField(geometry.ZeroField{})
	b, _ := sl.Field.FieldAt(r3.Vector{})
	assert.Equal(t, r3.Vector{}, b)
	assert.True(t, sl.Magnets.SolenoidOn)
	assert.Equal(t, "run-1", sl.RunKey)
	_, err := sl.Calibration("k")
	assert.NoError(t, err)

	orig, _ := snap.Field.FieldAt(r3.Vector{})
	assert.Equal(t, 2.0, orig.Z)
}
