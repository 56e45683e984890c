// Command audit reconciles local SMN tier files offline and checks the result.
// It runs the same parsing and reconciliation code as the service, then verifies
// the output invariants and prints the monitoring report.
//
// Usage:
//
//	go run ./cmd/audit \
//	  --now data/ogd-smn_bas_t_now.csv \
//	  --recent data/ogd-smn_bas_t_recent.csv \
//	  --historical data/ogd-smn_bas_t_historical_2020-2029.csv \
//	  --priority now,recent,historical
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/couchcryptid/meteoswiss-reconciler/internal/domain"
	"github.com/couchcryptid/meteoswiss-reconciler/internal/ingest"
)

// phase tracks pass/fail for a check.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

const maxListed = 20

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: audit [--historical FILE]... [--recent FILE]... [--now FILE]... [flags]")
		fs.PrintDefaults()
	}
	files := map[domain.Tier]*[]string{
		domain.TierHistorical: fs.StringSlice("historical", nil, "HISTORICAL tier files"),
		domain.TierRecent:     fs.StringSlice("recent", nil, "RECENT tier files"),
		domain.TierNow:        fs.StringSlice("now", nil, "NOW tier files"),
	}
	priorityFlag := fs.StringP("priority", "p", "historical,recent,now", "tier priority, best first")
	fromFlag := fs.String("from", "", "completeness window start (RFC3339)")
	toFlag := fs.String("to", "", "completeness window end (RFC3339)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	priority, err := domain.ParsePriority(*priorityFlag)
	if err != nil {
		fmt.Fprintf(stderr, "invalid --priority: %v\n", err)
		return 2
	}
	from, to, err := parseWindow(*fromFlag, *toFlag)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 2
	}

	loadedAt := time.Now().UTC()
	var snapshots []domain.TierSnapshot
	total := 0
	for _, tier := range priority {
		snap := domain.TierSnapshot{Tier: tier, RefreshedAt: loadedAt}
		for _, path := range *files[tier] {
			recs, err := loadFile(path, tier, loadedAt)
			if err != nil {
				fmt.Fprintf(stderr, "FATAL: %s: %v\n", path, err)
				return 1
			}
			snap.Records = append(snap.Records, recs...)
		}
		total += len(snap.Records)
		snapshots = append(snapshots, snap)
	}
	if total == 0 {
		fs.Usage()
		fmt.Fprintln(stderr, "no tier files given")
		return 2
	}

	out, err := domain.Reconcile(snapshots, priority)
	if err != nil {
		fmt.Fprintf(stderr, "FATAL: reconcile: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, "=== Tier Reconciliation Audit ===")
	fmt.Fprintf(stdout, "Priority: %s\n\n", priority)
	for _, s := range domain.Summarize(snapshots) {
		fmt.Fprintf(stdout, "  %-10s rows=%-8d stations=%-4d %s .. %s\n",
			s.Tier, s.Rows, s.Stations, formatTime(s.First), formatTime(s.Last))
	}

	phases := []*phase{
		checkUniqueKeys(out.Records),
		checkCoverage(snapshots, out.Records),
		checkWinners(snapshots, priority, out.Records),
		checkOrder(out.Records),
		checkWithinTierDuplicates(out.Duplicates),
	}

	fmt.Fprintln(stdout)
	allPassed := true
	for _, p := range phases {
		status := "PASS"
		if !p.passed() {
			status = fmt.Sprintf("FAIL (%d errors)", len(p.errors))
			allPassed = false
		}
		fmt.Fprintf(stdout, "  %-36s %s\n", p.name, status)
	}

	fmt.Fprintf(stdout, "\nRecords: %d input, %d reconciled\n", out.InputRows, len(out.Records))
	for _, c := range domain.SourceTierCounts(out.Records) {
		fmt.Fprintf(stdout, "  won by %-10s %d\n", c.Tier, c.Rows)
	}
	for _, ov := range domain.Overlap(snapshots) {
		if ov.SharedKeys == 0 {
			continue
		}
		fmt.Fprintf(stdout, "  overlap %s/%s: %d keys at %d stations, %s .. %s\n",
			ov.A, ov.B, ov.SharedKeys, ov.Stations, formatTime(ov.First), formatTime(ov.Last))
	}
	for _, c := range domain.Completeness(out.Records, from, to) {
		fmt.Fprintf(stdout, "  completeness %-5s %6.2f%% (%d/%d)\n", c.StationID, c.Percent, c.Present, c.Expected)
	}

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Fprintf(stdout, "\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			if i == maxListed {
				fmt.Fprintf(stdout, "  ... %d more\n", len(p.errors)-maxListed)
				break
			}
			fmt.Fprintf(stdout, "  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Fprintln(stdout, "\nAll checks passed.")
		return 0
	}
	fmt.Fprintln(stdout, "\nAudit FAILED.")
	return 1
}

func loadFile(path string, tier domain.Tier, loadedAt time.Time) ([]domain.MeasurementRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ingest.ParseMeasurements(f, tier, filepath.Base(path), loadedAt)
}

func parseWindow(from, to string) (time.Time, time.Time, error) {
	if (from == "") != (to == "") {
		return time.Time{}, time.Time{}, fmt.Errorf("--from and --to must be given together")
	}
	if from == "" {
		return time.Time{}, time.Time{}, nil
	}
	f, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --from: %w", err)
	}
	t, err := time.Parse(time.RFC3339, to)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --to: %w", err)
	}
	return f.UTC(), t.UTC(), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// ── Checks ──

func checkUniqueKeys(records []domain.ReconciledRecord) *phase {
	p := &phase{name: "One row per (station, timestamp)"}
	if n := domain.CountDuplicateKeys(records); n > 0 {
		p.errorf("%d duplicated keys in reconciled output", n)
	}
	return p
}

func checkCoverage(snapshots []domain.TierSnapshot, records []domain.ReconciledRecord) *phase {
	p := &phase{name: "Every input key reconciled"}
	out := make(map[domain.Key]struct{}, len(records))
	for _, r := range records {
		out[r.Key()] = struct{}{}
	}
	in := make(map[domain.Key]struct{})
	for _, s := range snapshots {
		for _, r := range s.Records {
			k := r.Key()
			in[k] = struct{}{}
			if _, ok := out[k]; !ok {
				p.errorf("%s %s missing from output", k.StationID, formatTime(k.Timestamp))
			}
		}
	}
	if len(in) != len(out) {
		p.errorf("%d input keys but %d output rows", len(in), len(out))
	}
	return p
}

// checkWinners verifies that each output row comes from the best ranked tier that
// holds its key.
func checkWinners(snapshots []domain.TierSnapshot, priority domain.Priority, records []domain.ReconciledRecord) *phase {
	p := &phase{name: "Best available tier wins"}
	best := make(map[domain.Key]int)
	for _, s := range snapshots {
		rank, _ := priority.Rank(s.Tier)
		for _, r := range s.Records {
			if cur, ok := best[r.Key()]; !ok || rank < cur {
				best[r.Key()] = rank
			}
		}
	}
	for _, r := range records {
		rank, _ := priority.Rank(r.SourceTier)
		if want := best[r.Key()]; rank != want {
			p.errorf("%s %s taken from %s, %s was available",
				r.StationID, formatTime(r.Timestamp), r.SourceTier, priority[want])
		}
	}
	return p
}

func checkOrder(records []domain.ReconciledRecord) *phase {
	p := &phase{name: "Output ordered by station and time"}
	sorted := slices.IsSortedFunc(records, func(a, b domain.ReconciledRecord) int {
		if c := strings.Compare(a.StationID, b.StationID); c != 0 {
			return c
		}
		return a.Timestamp.Compare(b.Timestamp)
	})
	if !sorted {
		p.errorf("reconciled rows are not sorted")
	}
	return p
}

// checkWithinTierDuplicates fails on any key duplicated inside one tier, even
// though reconciliation resolves it.
func checkWithinTierDuplicates(dups []domain.DuplicateKey) *phase {
	p := &phase{name: "No duplicate keys within a tier"}
	for _, d := range dups {
		p.errorf("%s: %s %s has %d extra rows", d.Tier, d.StationID, formatTime(d.Timestamp), d.Extra)
	}
	return p
}
