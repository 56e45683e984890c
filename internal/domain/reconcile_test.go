package domain

import (
	"encoding/json"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	nowWins        = Priority{TierNow, TierRecent, TierHistorical}
	historicalWins = Priority{TierHistorical, TierRecent, TierNow}
	loadTime       = time.Date(2024, 2, 2, 6, 0, 0, 0, time.UTC)
)

func f(v float64) *float64 { return &v }

func rec(tier Tier, station string, ts time.Time, temp float64) MeasurementRecord {
	return MeasurementRecord{
		StationID:  station,
		Timestamp:  ts,
		Tier:       tier,
		Values:     Values{AirTemperature2m: f(temp)},
		SourceFile: station + "_t_" + string(tier) + ".csv",
		LoadedAt:   loadTime,
	}
}

func snap(tier Tier, recs ...MeasurementRecord) TierSnapshot {
	return TierSnapshot{Tier: tier, Records: recs}
}

func TestReconcile_FresherTierWins(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out, err := Reconcile([]TierSnapshot{
		snap(TierRecent, rec(TierRecent, "BAS", ts, 5.0)),
		snap(TierNow, rec(TierNow, "BAS", ts, 5.2)),
	}, nowWins)
	require.NoError(t, err)

	require.Len(t, out.Records, 1)
	assert.Equal(t, TierNow, out.Records[0].SourceTier)
	assert.InEpsilon(t, 5.2, *out.Records[0].Values.AirTemperature2m, 1e-9)
	assert.Equal(t, "BAS_t_now.csv", out.Records[0].SourceFile)
}

func TestReconcile_SingleTierKeyUnaffectedByPolicy(t *testing.T) {
	ts := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	in := []TierSnapshot{
		snap(TierHistorical, rec(TierHistorical, "ZRH", ts, 21.4)),
		snap(TierRecent),
		snap(TierNow),
	}

	for _, p := range []Priority{nowWins, historicalWins} {
		t.Run(p.String(), func(t *testing.T) {
			out, err := Reconcile(in, p)
			require.NoError(t, err)
			require.Len(t, out.Records, 1)
			assert.Equal(t, TierHistorical, out.Records[0].SourceTier)
			assert.InEpsilon(t, 21.4, *out.Records[0].Values.AirTemperature2m, 1e-9)
		})
	}
}

func TestReconcile_DuplicateWithinTierResolved(t *testing.T) {
	ts := time.Date(2024, 2, 1, 0, 10, 0, 0, time.UTC)
	older := rec(TierRecent, "GVE", ts, 3.1)
	newer := rec(TierRecent, "GVE", ts, 3.4)
	newer.LoadedAt = loadTime.Add(time.Hour)

	out, err := Reconcile([]TierSnapshot{snap(TierRecent, newer, older)}, historicalWins)
	require.NoError(t, err)

	require.Len(t, out.Records, 1)
	assert.InEpsilon(t, 3.4, *out.Records[0].Values.AirTemperature2m, 1e-9)
	assert.Equal(t, newer.LoadedAt, out.Records[0].LoadedAt)

	require.Len(t, out.Duplicates, 1)
	assert.Equal(t, DuplicateKey{Tier: TierRecent, StationID: "GVE", Timestamp: ts, Extra: 1}, out.Duplicates[0])
	assert.Equal(t, 1, out.DuplicateRows())
	assert.Equal(t, map[Tier]int{TierRecent: 1}, out.DuplicatesByTier())
}

func TestReconcile_TieBreakIsOrderIndependent(t *testing.T) {
	ts := time.Date(2024, 2, 1, 0, 10, 0, 0, time.UTC)
	a := rec(TierNow, "GVE", ts, 1.0)
	b := rec(TierNow, "GVE", ts, 2.0)
	c := rec(TierNow, "GVE", ts, 2.0)
	c.SourceFile = "gve_t_now_reload.csv"

	first, err := Reconcile([]TierSnapshot{snap(TierNow, a, b, c)}, nowWins)
	require.NoError(t, err)
	second, err := Reconcile([]TierSnapshot{snap(TierNow, c, b, a)}, nowWins)
	require.NoError(t, err)

	require.Len(t, first.Records, 1)
	assert.Equal(t, "gve_t_now_reload.csv", first.Records[0].SourceFile)
	if diff := cmp.Diff(first.Records, second.Records); diff != "" {
		t.Fatalf("tie-break depends on input order (-first +second):\n%s", diff)
	}
	assert.Equal(t, 2, first.DuplicateRows())
}

func TestReconcile_NullValuesPassThrough(t *testing.T) {
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	r := MeasurementRecord{StationID: "SMA", Timestamp: ts, Tier: TierNow, SourceFile: "sma_t_now.csv"}

	out, err := Reconcile([]TierSnapshot{snap(TierNow, r)}, nowWins)
	require.NoError(t, err)
	require.Len(t, out.Records, 1)
	assert.Zero(t, out.Records[0].Values.Present())
}

func TestReconcile_SchemaViolations(t *testing.T) {
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		in     []TierSnapshot
		reason string
	}{
		{"missing station", []TierSnapshot{snap(TierNow, rec(TierNow, " ", ts, 1))}, "missing station_id"},
		{"missing timestamp", []TierSnapshot{snap(TierNow, rec(TierNow, "BAS", time.Time{}, 1))}, "missing timestamp"},
		{"wrong tier tag", []TierSnapshot{snap(TierNow, rec(TierRecent, "BAS", ts, 1))}, `record tagged "recent"`},
		{"sub-second timestamp", []TierSnapshot{snap(TierNow, rec(TierNow, "BAS", ts.Add(500*time.Millisecond), 1))}, "sub-second"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Reconcile(tt.in, nowWins)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrSchemaViolation)

			var sv *SchemaViolation
			require.True(t, errors.As(err, &sv))
			assert.Equal(t, TierNow, sv.Tier)
			assert.Equal(t, 0, sv.Index)
			assert.Contains(t, sv.Reason, tt.reason)
			assert.Empty(t, out.Records)
		})
	}
}

func TestReconcile_TierOutsidePolicy(t *testing.T) {
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := Reconcile([]TierSnapshot{snap(TierNow, rec(TierNow, "BAS", ts, 1))}, Priority{TierRecent})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownTier)
}

// randomSnapshots builds overlapping tiers with occasional within-tier duplicates.
func randomSnapshots(r *rand.Rand) []TierSnapshot {
	stations := []string{"BAS", "BER", "GVE", "LUG", "SMA", "ZRH"}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var out []TierSnapshot
	for _, tier := range KnownTiers {
		s := TierSnapshot{Tier: tier}
		for i := 0; i < 200; i++ {
			st := stations[r.IntN(len(stations))]
			ts := base.Add(time.Duration(r.IntN(60)) * Interval)
			m := rec(tier, st, ts, float64(r.IntN(400))/10)
			m.LoadedAt = loadTime.Add(time.Duration(r.IntN(3)) * time.Minute)
			s.Records = append(s.Records, m)
		}
		out = append(out, s)
	}
	return out
}

func TestReconcile_Properties(t *testing.T) {
	r := rand.New(rand.NewPCG(42, 7))

	for iter := 0; iter < 25; iter++ {
		in := randomSnapshots(r)
		policy := nowWins
		if iter%2 == 1 {
			policy = historicalWins
		}

		out, err := Reconcile(in, policy)
		require.NoError(t, err)

		// Key union: output keys equal the union of input keys.
		union := make(map[slot][]Tier)
		for _, s := range in {
			for _, m := range s.Records {
				k := slotOf(m.StationID, m.Timestamp)
				union[k] = append(union[k], s.Tier)
			}
		}
		require.Len(t, out.Records, len(union))

		// No duplicates.
		assert.Zero(t, CountDuplicateKeys(out.Records))

		// Priority correctness: the winner is the best tier containing the key.
		for _, o := range out.Records {
			tiers, ok := union[slotOf(o.StationID, o.Timestamp)]
			require.True(t, ok)
			best := len(policy)
			for _, tier := range tiers {
				rank, _ := policy.Rank(tier)
				best = min(best, rank)
			}
			assert.Equal(t, policy[best], o.SourceTier)
		}

		// Idempotence: same snapshots, shuffled rows, byte-identical output.
		shuffled := make([]TierSnapshot, len(in))
		for i, s := range in {
			recs := append([]MeasurementRecord(nil), s.Records...)
			r.Shuffle(len(recs), func(a, b int) { recs[a], recs[b] = recs[b], recs[a] })
			shuffled[len(in)-1-i] = TierSnapshot{Tier: s.Tier, Records: recs}
		}
		again, err := Reconcile(shuffled, policy)
		require.NoError(t, err)

		want, err := json.Marshal(out.Records)
		require.NoError(t, err)
		got, err := json.Marshal(again.Records)
		require.NoError(t, err)
		assert.Equal(t, string(want), string(got))
		assert.Equal(t, out.Duplicates, again.Duplicates)
	}
}

func TestReconcile_OutputSortedByStationAndTime(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out, err := Reconcile([]TierSnapshot{
		snap(TierNow, rec(TierNow, "ZRH", t0, 1), rec(TierNow, "BAS", t0.Add(Interval), 2), rec(TierNow, "BAS", t0, 3)),
	}, nowWins)
	require.NoError(t, err)

	var keys []string
	for _, r := range out.Records {
		keys = append(keys, r.StationID+"@"+r.Timestamp.Format("15:04"))
	}
	assert.Equal(t, []string{"BAS@00:00", "BAS@00:10", "ZRH@00:00"}, keys)
}

func TestReconcile_TimestampsNormalizedToUTC(t *testing.T) {
	zurich := time.FixedZone("CET", 3600)
	local := time.Date(2024, 1, 1, 1, 0, 0, 0, zurich)
	utc := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	out, err := Reconcile([]TierSnapshot{
		snap(TierRecent, rec(TierRecent, "BAS", local, 1)),
		snap(TierNow, rec(TierNow, "BAS", utc, 2)),
	}, nowWins)
	require.NoError(t, err)
	require.Len(t, out.Records, 1)
	assert.Equal(t, time.UTC, out.Records[0].Timestamp.Location())
	assert.Equal(t, TierNow, out.Records[0].SourceTier)
}
