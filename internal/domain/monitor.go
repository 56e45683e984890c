package domain

import (
	"cmp"
	"math"
	"slices"
	"strings"
	"time"
)

// slot is a map-safe form of Key (time.Time carries a location pointer).
type slot struct {
	station string
	unix    int64
}

func slotOf(station string, ts time.Time) slot {
	return slot{station: station, unix: ts.Unix()}
}

// CountDuplicateKeys returns how many keys occur more than once in records.
// A healthy reconciled table always yields zero.
func CountDuplicateKeys(records []ReconciledRecord) int {
	seen := make(map[slot]int, len(records))
	dups := 0
	for _, r := range records {
		k := slotOf(r.StationID, r.Timestamp)
		seen[k]++
		if seen[k] == 2 {
			dups++
		}
	}
	return dups
}

// WithinTierDuplicates lists keys that occur more than once inside one tier, before
// any resolution. The result is ordered by tier, station and timestamp.
func WithinTierDuplicates(snapshots []TierSnapshot) []DuplicateKey {
	type tierSlot struct {
		tier Tier
		slot
	}
	counts := make(map[tierSlot]int)
	for _, s := range snapshots {
		for _, r := range s.Records {
			counts[tierSlot{tier: s.Tier, slot: slotOf(r.StationID, r.Timestamp)}]++
		}
	}

	var out []DuplicateKey
	for k, n := range counts {
		if n > 1 {
			out = append(out, DuplicateKey{
				Tier:      k.tier,
				StationID: k.station,
				Timestamp: time.Unix(k.unix, 0).UTC(),
				Extra:     n - 1,
			})
		}
	}
	slices.SortFunc(out, func(a, b DuplicateKey) int {
		if c := strings.Compare(string(a.Tier), string(b.Tier)); c != 0 {
			return c
		}
		if c := strings.Compare(a.StationID, b.StationID); c != 0 {
			return c
		}
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out
}

// TierOverlap describes the keys shared by two tiers.
type TierOverlap struct {
	A          Tier      `json:"tier_a"`
	B          Tier      `json:"tier_b"`
	SharedKeys int       `json:"shared_keys"`
	Stations   int       `json:"stations"`
	First      time.Time `json:"first,omitempty"`
	Last       time.Time `json:"last,omitempty"`
}

// Overlap reports, for every pair of snapshots, how many keys both contain and the
// time range they cover. It is informational: overlap is expected at tier handoffs.
func Overlap(snapshots []TierSnapshot) []TierOverlap {
	sets := make([]map[slot]struct{}, len(snapshots))
	for i, s := range snapshots {
		set := make(map[slot]struct{}, len(s.Records))
		for _, r := range s.Records {
			set[slotOf(r.StationID, r.Timestamp)] = struct{}{}
		}
		sets[i] = set
	}

	var out []TierOverlap
	for i := 0; i < len(snapshots); i++ {
		for j := i + 1; j < len(snapshots); j++ {
			small, large := sets[i], sets[j]
			if len(large) < len(small) {
				small, large = large, small
			}
			ov := TierOverlap{A: snapshots[i].Tier, B: snapshots[j].Tier}
			stations := make(map[string]struct{})
			var first, last int64 = math.MaxInt64, math.MinInt64
			for k := range small {
				if _, ok := large[k]; !ok {
					continue
				}
				ov.SharedKeys++
				stations[k.station] = struct{}{}
				first = min(first, k.unix)
				last = max(last, k.unix)
			}
			ov.Stations = len(stations)
			if ov.SharedKeys > 0 {
				ov.First = time.Unix(first, 0).UTC()
				ov.Last = time.Unix(last, 0).UTC()
			}
			out = append(out, ov)
		}
	}
	return out
}

// StationCompleteness is the share of expected 10-minute slots present for a station.
type StationCompleteness struct {
	StationID string    `json:"station_id"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Expected  int       `json:"expected"`
	Present   int       `json:"present"`
	Percent   float64   `json:"percent"`
}

// Completeness computes per-station completeness over [from, to). When the window is
// zero, each station is measured over its own span from first to last record.
// Stations without records in the window are not listed.
func Completeness(records []ReconciledRecord, from, to time.Time) []StationCompleteness {
	windowed := !from.IsZero() && !to.IsZero()

	type span struct {
		first, last time.Time
		slots       map[int64]struct{}
	}
	byStation := make(map[string]*span)
	for _, r := range records {
		if windowed && (r.Timestamp.Before(from) || !r.Timestamp.Before(to)) {
			continue
		}
		s, ok := byStation[r.StationID]
		if !ok {
			s = &span{first: r.Timestamp, last: r.Timestamp, slots: make(map[int64]struct{})}
			byStation[r.StationID] = s
		}
		if r.Timestamp.Before(s.first) {
			s.first = r.Timestamp
		}
		if r.Timestamp.After(s.last) {
			s.last = r.Timestamp
		}
		s.slots[r.Timestamp.Unix()] = struct{}{}
	}

	out := make([]StationCompleteness, 0, len(byStation))
	for station, s := range byStation {
		c := StationCompleteness{StationID: station, Present: len(s.slots)}
		if windowed {
			c.From, c.To = from.UTC(), to.UTC()
		} else {
			c.From, c.To = s.first.UTC(), s.last.Add(Interval).UTC()
		}
		c.Expected = expectedSlots(c.From, c.To)
		if c.Expected > 0 {
			c.Percent = math.Round(float64(c.Present)/float64(c.Expected)*10000) / 100
		}
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b StationCompleteness) int {
		return strings.Compare(a.StationID, b.StationID)
	})
	return out
}

// expectedSlots counts the interval-aligned timestamps in [from, to).
func expectedSlots(from, to time.Time) int {
	first := from.Truncate(Interval)
	if first.Before(from) {
		first = first.Add(Interval)
	}
	if !first.Before(to) {
		return 0
	}
	return int((to.Sub(first)-1)/Interval) + 1
}

// TierCount is the number of reconciled rows won by a tier.
type TierCount struct {
	Tier Tier `json:"tier"`
	Rows int  `json:"rows"`
}

// SourceTierCounts counts reconciled rows per winning tier, ordered by tier name.
func SourceTierCounts(records []ReconciledRecord) []TierCount {
	counts := make(map[Tier]int)
	for _, r := range records {
		counts[r.SourceTier]++
	}
	out := make([]TierCount, 0, len(counts))
	for t, n := range counts {
		out = append(out, TierCount{Tier: t, Rows: n})
	}
	slices.SortFunc(out, func(a, b TierCount) int {
		return cmp.Compare(a.Tier, b.Tier)
	})
	return out
}

// TierSummary describes the contents of one tier snapshot.
type TierSummary struct {
	Tier        Tier      `json:"tier"`
	Rows        int       `json:"rows"`
	Stations    int       `json:"stations"`
	First       time.Time `json:"first,omitempty"`
	Last        time.Time `json:"last,omitempty"`
	RefreshedAt time.Time `json:"refreshed_at,omitempty"`
}

// Summarize returns one TierSummary per snapshot, in input order.
func Summarize(snapshots []TierSnapshot) []TierSummary {
	out := make([]TierSummary, 0, len(snapshots))
	for _, s := range snapshots {
		sum := TierSummary{Tier: s.Tier, Rows: len(s.Records), RefreshedAt: s.RefreshedAt}
		stations := make(map[string]struct{})
		for _, r := range s.Records {
			stations[r.StationID] = struct{}{}
			if sum.First.IsZero() || r.Timestamp.Before(sum.First) {
				sum.First = r.Timestamp.UTC()
			}
			if r.Timestamp.After(sum.Last) {
				sum.Last = r.Timestamp.UTC()
			}
		}
		sum.Stations = len(stations)
		out = append(out, sum)
	}
	return out
}
