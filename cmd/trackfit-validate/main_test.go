package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/banshee-data/trackfit/internal/storage/sqlite"
	"github.com/banshee-data/trackfit/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCSVFloatSlice(t *testing.T) {
	tests := []struct {
		in      string
		want    []float64
		wantErr bool
	}{
		{"", nil, false},
		{"10000, 50000", []float64{10000, 50000}, false},
		{"1.5", []float64{1.5}, false},
		{"1,abc", nil, true},
	}
	for _, tt := range tests {
		got, err := parseCSVFloatSlice(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseFlags(t *testing.T) {
	o, err := parseFlags([]string{"-n", "10", "-seed", "9", "-momentum", "10,20", "-outliers", "0.1", "-alignment", "0.4"})
	require.NoError(t, err)
	assert.Equal(t, 10, o.tracks)
	assert.Equal(t, uint64(9), o.seed)
	assert.Equal(t, []float64{10000, 20000}, o.momentum)

	cfg, err := buildConfig(o)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Tracks)
	assert.Equal(t, 10000.0, cfg.Generator.MinMomentum)
	assert.Equal(t, 20000.0, cfg.Generator.MaxMomentum)
	assert.Equal(t, 0.1, cfg.Generator.OutlierProbability)
	require.NotNil(t, cfg.Alignment)
	assert.Equal(t, 0.4, cfg.Alignment.Default)

	_, err = parseFlags([]string{"-momentum", "1,2,3"})
	assert.Error(t, err)
	_, err = parseFlags([]string{"-list", "5"})
	assert.Error(t, err)
	_, err = parseFlags([]string{"-units", "ev"})
	assert.Error(t, err)

	o, err = parseFlags([]string{"-momentum", "20000,40000", "-units", "mev"})
	require.NoError(t, err)
	assert.Equal(t, []float64{20000, 40000}, o.momentum)
}

func TestBuildConfigMissingFile(t *testing.T) {
	_, err := buildConfig(&options{configPath: filepath.Join(t.TempDir(), "missing.json")})
	assert.Error(t, err)
}

func TestRunStoreAndReport(t *testing.T) {
	o, err := parseFlags([]string{"-n", "3", "-workers", "1", "-momentum", "20,40", "-standalone=false", "-label", "smoke"})
	require.NoError(t, err)
	cfg, err := buildConfig(o)
	require.NoError(t, err)

	h, err := validation.NewHarness(cfg)
	require.NoError(t, err)
	res, err := h.Run(context.Background())
	require.NoError(t, err)
	sum := res.Summarize()

	dir := t.TempDir()
	require.NoError(t, writeReports(res, dir))
	_, err = os.Stat(filepath.Join(dir, "report.html"))
	assert.NoError(t, err)

	db, err := sqlite.Open(filepath.Join(dir, "runs.db"))
	require.NoError(t, err)
	defer db.Close()
	store := sqlite.NewFitRunStore(db)

	run, err := newFitRun(o, cfg, sum)
	require.NoError(t, err)
	require.NoError(t, store.Insert(run))

	got, err := store.Get(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, "smoke", got.Label)
	assert.Equal(t, sum.Tracks, got.Tracks)

	var stored validation.Summary
	require.NoError(t, json.Unmarshal(got.SummaryJSON, &stored))
	assert.Equal(t, sum.Fitted, stored.Fitted)

	var buf bytes.Buffer
	printSummary(&buf, sum)
	assert.Contains(t, buf.String(), "pull qop")
	buf.Reset()
	printRuns(&buf, []*sqlite.FitRun{got})
	assert.Contains(t, buf.String(), run.RunID)
}
