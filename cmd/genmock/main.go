// Command genmock writes synthetic SMN tier files for local runs and audits. The
// three tiers overlap at their handoffs the way the published files do, and each
// tier carries slightly different values so the winning tier is visible.
//
// Usage:
//
//	go run ./cmd/genmock --out data/mock --stations BAS,BER,GVE --at 2024-02-02T06:00:00Z
package main

import (
	"bytes"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"

	"github.com/couchcryptid/meteoswiss-reconciler/internal/domain"
	"github.com/couchcryptid/meteoswiss-reconciler/internal/ingest"
)

type options struct {
	outDir         string
	stations       []string
	at             time.Time
	recentDays     int
	historicalDays int
	gapRate        float64
	seed           uint64
}

// span is the [from, to) range one tier file covers.
type span struct {
	tier     domain.Tier
	from, to time.Time
	offset   float64 // added to every value so tiers are distinguishable
}

func main() {
	if err := run(clockwork.NewRealClock()); err != nil {
		log.Fatal(err)
	}
}

func run(clock clockwork.Clock) error {
	outDir := flag.StringP("out", "o", "data/mock", "output directory")
	stations := flag.StringSlice("stations", []string{"BAS", "BER", "GVE", "SMA"}, "station abbreviations")
	atFlag := flag.String("at", "", "reference time (RFC3339), default now")
	recentDays := flag.Int("recent-days", 30, "days covered by the RECENT tier")
	historicalDays := flag.Int("historical-days", 60, "days covered by the HISTORICAL tier")
	gapRate := flag.Float64("gap-rate", 0.01, "share of rows dropped from each file")
	seed := flag.Uint64("seed", 1, "random seed")
	flag.Parse()

	at := clock.Now().UTC()
	if *atFlag != "" {
		t, err := time.Parse(time.RFC3339, *atFlag)
		if err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
		at = t.UTC()
	}

	opts := options{
		outDir:         *outDir,
		stations:       *stations,
		at:             at.Truncate(domain.Interval),
		recentDays:     *recentDays,
		historicalDays: *historicalDays,
		gapRate:        *gapRate,
		seed:           *seed,
	}
	if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
		return err
	}
	return generate(opts)
}

func spans(o options) []span {
	day := 24 * time.Hour
	recentFrom := o.at.Add(-time.Duration(o.recentDays) * day)
	return []span{
		{tier: domain.TierHistorical, from: recentFrom.Add(-time.Duration(o.historicalDays) * day), to: recentFrom.Add(day), offset: -0.1},
		{tier: domain.TierRecent, from: recentFrom, to: o.at.Add(-12 * time.Hour), offset: 0},
		{tier: domain.TierNow, from: o.at.Add(-day), to: o.at, offset: 0.1},
	}
}

func generate(o options) error {
	rng := rand.New(rand.NewPCG(o.seed, o.seed^0x9e3779b97f4a7c15))
	for _, s := range spans(o) {
		total := 0
		for _, station := range o.stations {
			station = strings.ToUpper(station)
			recs := series(rng, station, s, o.gapRate)
			var buf bytes.Buffer
			if err := ingest.WriteMeasurements(&buf, recs); err != nil {
				return err
			}
			path := filepath.Join(o.outDir, fileName(station, s))
			if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
				return err
			}
			total += len(recs)
		}
		log.Printf("%s: %d stations, %d rows, %s .. %s", s.tier, len(o.stations), total,
			s.from.Format(time.RFC3339), s.to.Format(time.RFC3339))
	}
	return nil
}

func fileName(station string, s span) string {
	name := "ogd-smn_" + strings.ToLower(station) + "_t_" + string(s.tier)
	if s.tier == domain.TierHistorical {
		decade := s.from.Year() / 10 * 10
		name += fmt.Sprintf("_%d-%d", decade, decade+9)
	}
	return name + ".csv"
}

func series(rng *rand.Rand, station string, s span, gapRate float64) []domain.MeasurementRecord {
	// Station-specific climate so files differ.
	base := float64(len(station)*3+int(station[0])%7) - 2
	var out []domain.MeasurementRecord
	for ts := s.from; ts.Before(s.to); ts = ts.Add(domain.Interval) {
		if rng.Float64() < gapRate {
			continue
		}
		hour := float64(ts.Hour()) + float64(ts.Minute())/60
		temp := round1(base + 6*math.Sin((hour-9)/24*2*math.Pi) + rng.NormFloat64()*0.3 + s.offset)
		rh := round1(math.Min(100, 75-2*(temp-base)+rng.NormFloat64()))
		precip := 0.0
		if rng.Float64() < 0.05 {
			precip = round1(rng.ExpFloat64() * 0.4)
		}
		pressure := round1(960 + rng.NormFloat64()*0.5)
		out = append(out, domain.MeasurementRecord{
			StationID: station,
			Timestamp: ts,
			Tier:      s.tier,
			Values: domain.Values{
				AirTemperature2m: &temp,
				RelativeHumidity: &rh,
				Precipitation:    &precip,
				PressureStation:  &pressure,
			},
		})
	}
	return out
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
