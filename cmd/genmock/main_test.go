package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/meteoswiss-reconciler/internal/domain"
	"github.com/couchcryptid/meteoswiss-reconciler/internal/ingest"
)

func TestGenerate(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2024, 2, 2, 6, 0, 0, 0, time.UTC)
	o := options{outDir: dir, stations: []string{"bas"}, at: at, recentDays: 2, historicalDays: 1, seed: 7}
	require.NoError(t, generate(o))

	read := func(name string, tier domain.Tier) []domain.MeasurementRecord {
		f, err := os.Open(filepath.Join(dir, name))
		require.NoError(t, err)
		defer f.Close()
		recs, err := ingest.ParseMeasurements(f, tier, name, at)
		require.NoError(t, err)
		return recs
	}

	now := read("ogd-smn_bas_t_now.csv", domain.TierNow)
	require.Len(t, now, 144)
	assert.Equal(t, "BAS", now[0].StationID)
	assert.Equal(t, at.Add(-24*time.Hour), now[0].Timestamp)
	assert.Equal(t, at.Add(-domain.Interval), now[len(now)-1].Timestamp)
	assert.NotNil(t, now[0].Values.AirTemperature2m)
	assert.Nil(t, now[0].Values.WindSpeed)

	recent := read("ogd-smn_bas_t_recent.csv", domain.TierRecent)
	assert.Len(t, recent, 2*144-72)

	historical := read("ogd-smn_bas_t_historical_2020-2029.csv", domain.TierHistorical)
	assert.Len(t, historical, 2*144)
}

func TestGenerate_IsDeterministic(t *testing.T) {
	at := time.Date(2024, 2, 2, 6, 0, 0, 0, time.UTC)
	a, b := t.TempDir(), t.TempDir()
	for _, dir := range []string{a, b} {
		require.NoError(t, generate(options{outDir: dir, stations: []string{"GVE"}, at: at, recentDays: 1, historicalDays: 1, gapRate: 0.2, seed: 42}))
	}
	for _, name := range []string{"ogd-smn_gve_t_now.csv", "ogd-smn_gve_t_recent.csv"} {
		x, err := os.ReadFile(filepath.Join(a, name))
		require.NoError(t, err)
		y, err := os.ReadFile(filepath.Join(b, name))
		require.NoError(t, err)
		assert.Equal(t, x, y, name)
	}
}
