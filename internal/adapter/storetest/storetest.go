// Package storetest holds the behaviour every pipeline store driver must share.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/meteoswiss-reconciler/internal/domain"
	"github.com/couchcryptid/meteoswiss-reconciler/internal/pipeline"
)

var (
	t0       = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	loadedAt = time.Date(2024, 2, 2, 6, 0, 0, 0, time.UTC)
)

func f(v float64) *float64 { return &v }

func measurement(tier domain.Tier, station string, ts time.Time, temp float64) domain.MeasurementRecord {
	return domain.MeasurementRecord{
		StationID:  station,
		Timestamp:  ts,
		Tier:       tier,
		Values:     domain.Values{AirTemperature2m: f(temp), RelativeHumidity: f(80), SoilTemperature100cm: f(4.5)},
		SourceFile: "ogd-smn_" + station + "_t_" + string(tier) + ".csv",
		LoadedAt:   loadedAt,
	}
}

func reconciled(station string, ts time.Time, tier domain.Tier) domain.ReconciledRecord {
	return domain.ReconciledRecord{
		StationID:  station,
		Timestamp:  ts,
		SourceTier: tier,
		Values:     domain.Values{AirTemperature2m: f(1.5), Precipitation: f(0)},
		SourceFile: "ogd-smn_" + station + "_t_" + string(tier) + ".csv",
		LoadedAt:   loadedAt,
	}
}

// Run exercises a store created by newStore. Each subtest gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) pipeline.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("empty store", func(t *testing.T) {
		s := newStore(t)

		snaps, err := s.ReadTiers(ctx, domain.KnownTiers)
		require.NoError(t, err)
		require.Len(t, snaps, 3)
		for i, snap := range snaps {
			assert.Equal(t, domain.KnownTiers[i], snap.Tier)
			assert.Empty(t, snap.Records)
			assert.True(t, snap.RefreshedAt.IsZero())
		}

		info, err := s.TableInfo(ctx, domain.TableReconciled)
		require.NoError(t, err)
		assert.Equal(t, domain.TableInfo{Table: domain.TableReconciled}, info)

		page, err := s.ReadReconciled(ctx, domain.ReconciledQuery{})
		require.NoError(t, err)
		assert.Empty(t, page.Records)
		assert.True(t, page.RefreshedAt.IsZero())
	})

	t.Run("replace tier round trip", func(t *testing.T) {
		s := newStore(t)
		in := []domain.MeasurementRecord{
			measurement(domain.TierNow, "BAS", t0, 5.2),
			measurement(domain.TierNow, "BAS", t0.Add(domain.Interval), 5.4),
			measurement(domain.TierNow, "BER", t0, 3.9),
		}
		in[1].Values.RelativeHumidity = nil

		require.NoError(t, s.ReplaceTier(ctx, domain.TierNow, in, loadedAt))

		snaps, err := s.ReadTiers(ctx, []domain.Tier{domain.TierNow})
		require.NoError(t, err)
		require.Len(t, snaps, 1)
		assert.True(t, loadedAt.Equal(snaps[0].RefreshedAt))
		if diff := cmp.Diff(in, snaps[0].Records); diff != "" {
			t.Fatalf("tier rows mismatch (-want +got):\n%s", diff)
		}

		info, err := s.TableInfo(ctx, string(domain.TierNow))
		require.NoError(t, err)
		assert.Equal(t, 3, info.Rows)
	})

	t.Run("replace tier is a full replace", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.ReplaceTier(ctx, domain.TierRecent, []domain.MeasurementRecord{
			measurement(domain.TierRecent, "BAS", t0, 1),
			measurement(domain.TierRecent, "BER", t0, 1),
		}, loadedAt))
		require.NoError(t, s.ReplaceTier(ctx, domain.TierRecent, []domain.MeasurementRecord{
			measurement(domain.TierRecent, "GVE", t0, 2),
		}, loadedAt.Add(time.Hour)))
		require.NoError(t, s.ReplaceTier(ctx, domain.TierNow, []domain.MeasurementRecord{
			measurement(domain.TierNow, "BAS", t0, 9),
		}, loadedAt))

		snaps, err := s.ReadTiers(ctx, []domain.Tier{domain.TierRecent})
		require.NoError(t, err)
		require.Len(t, snaps[0].Records, 1)
		assert.Equal(t, "GVE", snaps[0].Records[0].StationID)
		assert.True(t, loadedAt.Add(time.Hour).Equal(snaps[0].RefreshedAt))
	})

	t.Run("within-tier duplicates are kept", func(t *testing.T) {
		s := newStore(t)
		a := measurement(domain.TierRecent, "GVE", t0, 3.1)
		b := measurement(domain.TierRecent, "GVE", t0, 3.4)
		b.SourceFile = "reload.csv"
		require.NoError(t, s.ReplaceTier(ctx, domain.TierRecent, []domain.MeasurementRecord{a, b}, loadedAt))

		snaps, err := s.ReadTiers(ctx, []domain.Tier{domain.TierRecent})
		require.NoError(t, err)
		assert.Len(t, snaps[0].Records, 2)
	})

	t.Run("reconciled read filters", func(t *testing.T) {
		s := newStore(t)
		in := []domain.ReconciledRecord{
			reconciled("BAS", t0, domain.TierHistorical),
			reconciled("BAS", t0.Add(domain.Interval), domain.TierRecent),
			reconciled("BAS", t0.Add(2*domain.Interval), domain.TierNow),
			reconciled("BER", t0, domain.TierNow),
		}
		refreshed := loadedAt.Add(time.Minute)
		require.NoError(t, s.ReplaceReconciled(ctx, in, refreshed))

		all, err := s.ReadReconciled(ctx, domain.ReconciledQuery{})
		require.NoError(t, err)
		assert.True(t, refreshed.Equal(all.RefreshedAt))
		if diff := cmp.Diff(in, all.Records); diff != "" {
			t.Fatalf("reconciled rows mismatch (-want +got):\n%s", diff)
		}

		bas, err := s.ReadReconciled(ctx, domain.ReconciledQuery{StationID: "BAS", From: t0.Add(domain.Interval), To: t0.Add(2 * domain.Interval)})
		require.NoError(t, err)
		require.Len(t, bas.Records, 1)
		assert.Equal(t, domain.TierRecent, bas.Records[0].SourceTier)

		limited, err := s.ReadReconciled(ctx, domain.ReconciledQuery{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited.Records, 2)

		info, err := s.TableInfo(ctx, domain.TableReconciled)
		require.NoError(t, err)
		assert.Equal(t, 4, info.Rows)
		assert.True(t, refreshed.Equal(info.RefreshedAt))
	})

	t.Run("reconciled replace swaps the snapshot", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.ReplaceReconciled(ctx, []domain.ReconciledRecord{reconciled("BAS", t0, domain.TierNow)}, loadedAt))
		require.NoError(t, s.ReplaceReconciled(ctx, []domain.ReconciledRecord{reconciled("ZRH", t0, domain.TierNow)}, loadedAt.Add(time.Hour)))

		all, err := s.ReadReconciled(ctx, domain.ReconciledQuery{})
		require.NoError(t, err)
		require.Len(t, all.Records, 1)
		assert.Equal(t, "ZRH", all.Records[0].StationID)
		assert.True(t, loadedAt.Add(time.Hour).Equal(all.RefreshedAt))
	})

	t.Run("stations round trip", func(t *testing.T) {
		s := newStore(t)
		in := []domain.StationMetadata{
			{StationID: "GVE", Name: "Genève / Cointrin", Canton: "GE", WGS84Lat: 46.247519, WGS84Lon: 6.127742, LV95East: 2498904, LV95North: 1122632, ElevationM: 411, DataSince: time.Date(1864, 1, 1, 0, 0, 0, 0, time.UTC)},
			{StationID: "SMA", Name: "Zürich / Fluntern", Canton: "ZH", ElevationM: 555},
		}
		require.NoError(t, s.ReplaceStations(ctx, in, loadedAt))

		got, err := s.ReadStations(ctx)
		require.NoError(t, err)
		if diff := cmp.Diff(in, got); diff != "" {
			t.Fatalf("stations mismatch (-want +got):\n%s", diff)
		}

		info, err := s.TableInfo(ctx, domain.TableStations)
		require.NoError(t, err)
		assert.Equal(t, 2, info.Rows)
	})

	t.Run("unknown table", func(t *testing.T) {
		s := newStore(t)
		_, err := s.TableInfo(ctx, "forecast")
		assert.Error(t, err)
	})
}
