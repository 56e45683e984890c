package domain

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"
)

// DuplicateKey reports a key that occurs more than once inside a single tier.
// Extra is the number of rows beyond the first.
type DuplicateKey struct {
	Tier      Tier      `json:"tier"`
	StationID string    `json:"station_id"`
	Timestamp time.Time `json:"timestamp"`
	Extra     int       `json:"extra"`
}

// Reconciliation is the result of one Reconcile call.
type Reconciliation struct {
	Records    []ReconciledRecord
	Duplicates []DuplicateKey
	InputRows  int
	NewestLoad time.Time // latest LoadedAt across all input rows
}

// DuplicateRows sums the surplus rows across all duplicated keys.
func (r Reconciliation) DuplicateRows() int {
	n := 0
	for _, d := range r.Duplicates {
		n += d.Extra
	}
	return n
}

// DuplicatesByTier sums the surplus rows per tier.
func (r Reconciliation) DuplicatesByTier() map[Tier]int {
	out := make(map[Tier]int)
	for _, d := range r.Duplicates {
		out[d.Tier] += d.Extra
	}
	return out
}

type rankedRow struct {
	rec  *MeasurementRecord
	rank int
}

// Reconcile merges tier snapshots into one record per (station, timestamp).
//
// For every key present in any snapshot the record of the best ranked tier wins as a
// whole. Rows duplicated inside one tier are resolved by latest LoadedAt, then the
// greater SourceFile, then the greater value vector, and reported in Duplicates.
// The output is ordered by station and timestamp, so equal inputs always produce
// equal outputs regardless of row order.
//
// Reconcile fails only on structural errors: a snapshot tier missing from priority,
// a record without station or whole-second timestamp, or a record filed under the
// wrong tier.
func Reconcile(snapshots []TierSnapshot, priority Priority) (Reconciliation, error) {
	total := 0
	for _, s := range snapshots {
		total += len(s.Records)
	}

	rows := make([]rankedRow, 0, total)
	var newest time.Time
	for _, s := range snapshots {
		rank, ok := priority.Rank(s.Tier)
		if !ok {
			return Reconciliation{}, fmt.Errorf("%w: %q not in priority %q", ErrUnknownTier, s.Tier, priority)
		}
		for i := range s.Records {
			rec := &s.Records[i]
			if err := validateRecord(s.Tier, i, rec); err != nil {
				return Reconciliation{}, err
			}
			if rec.LoadedAt.After(newest) {
				newest = rec.LoadedAt
			}
			rows = append(rows, rankedRow{rec: rec, rank: rank})
		}
	}

	slices.SortFunc(rows, compareRows)

	out := Reconciliation{
		Records:    make([]ReconciledRecord, 0, len(rows)),
		InputRows:  len(rows),
		NewestLoad: newest,
	}
	for i := 0; i < len(rows); {
		j := i + 1
		for j < len(rows) && sameKey(rows[i].rec, rows[j].rec) {
			j++
		}
		out.Records = append(out.Records, toReconciled(rows[i].rec))
		out.Duplicates = appendTierDuplicates(out.Duplicates, rows[i:j])
		i = j
	}
	return out, nil
}

func validateRecord(tier Tier, i int, rec *MeasurementRecord) error {
	switch {
	case strings.TrimSpace(rec.StationID) == "":
		return &SchemaViolation{Tier: tier, Index: i, Reason: "missing station_id"}
	case rec.Timestamp.IsZero():
		return &SchemaViolation{Tier: tier, Index: i, Reason: "missing timestamp"}
	case rec.Timestamp.Nanosecond() != 0:
		// Keys are stored and compared at second precision.
		return &SchemaViolation{Tier: tier, Index: i, Reason: "timestamp has sub-second precision"}
	case rec.Tier != tier:
		return &SchemaViolation{Tier: tier, Index: i, Reason: fmt.Sprintf("record tagged %q", rec.Tier)}
	}
	return nil
}

// compareRows sorts by key, then best rank, then the within-tier tie-break.
func compareRows(a, b rankedRow) int {
	if c := strings.Compare(a.rec.StationID, b.rec.StationID); c != 0 {
		return c
	}
	if c := a.rec.Timestamp.Compare(b.rec.Timestamp); c != 0 {
		return c
	}
	if c := cmp.Compare(a.rank, b.rank); c != 0 {
		return c
	}
	if c := b.rec.LoadedAt.Compare(a.rec.LoadedAt); c != 0 {
		return c
	}
	if c := strings.Compare(b.rec.SourceFile, a.rec.SourceFile); c != 0 {
		return c
	}
	return compareValues(b.rec.Values, a.rec.Values)
}

func sameKey(a, b *MeasurementRecord) bool {
	return a.StationID == b.StationID && a.Timestamp.Equal(b.Timestamp)
}

// appendTierDuplicates scans one key group; rows of the same tier are adjacent.
func appendTierDuplicates(dups []DuplicateKey, group []rankedRow) []DuplicateKey {
	for i := 0; i < len(group); {
		j := i + 1
		for j < len(group) && group[j].rank == group[i].rank {
			j++
		}
		if j-i > 1 {
			rec := group[i].rec
			dups = append(dups, DuplicateKey{
				Tier:      rec.Tier,
				StationID: rec.StationID,
				Timestamp: rec.Timestamp.UTC(),
				Extra:     j - i - 1,
			})
		}
		i = j
	}
	return dups
}

func toReconciled(rec *MeasurementRecord) ReconciledRecord {
	return ReconciledRecord{
		StationID:  rec.StationID,
		Timestamp:  rec.Timestamp.UTC(),
		SourceTier: rec.Tier,
		Values:     rec.Values,
		SourceFile: rec.SourceFile,
		LoadedAt:   rec.LoadedAt.UTC(),
	}
}
