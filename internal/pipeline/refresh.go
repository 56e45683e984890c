package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/meteoswiss-reconciler/internal/domain"
	"github.com/couchcryptid/meteoswiss-reconciler/internal/ingest"
)

var (
	// ErrNoItems is returned when the source lists no files for a tier.
	ErrNoItems = errors.New("source listed no items")
	// ErrAllItemsFailed is returned when no file of a tier could be loaded.
	ErrAllItemsFailed = errors.New("every source item failed")
)

// ItemFailure records one file that could not be fetched or parsed. The rest of
// the tier still loads.
type ItemFailure struct {
	StationID string `json:"station_id"`
	Item      string `json:"item"`
	Error     string `json:"error"`
}

// RefreshResult describes one tier refresh.
type RefreshResult struct {
	RunID     string        `json:"run_id"`
	Tier      domain.Tier   `json:"tier"`
	Items     int           `json:"items"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Failures  []ItemFailure `json:"failures,omitempty"`
	Rows      int           `json:"rows"`
	LoadedAt  time.Time     `json:"loaded_at"`
	Replaced  bool          `json:"replaced"`
	Duration  time.Duration `json:"duration_ns"`
}

// Partial reports whether some, but not all, items failed.
func (r RefreshResult) Partial() bool {
	return r.Failed > 0 && r.Succeeded > 0
}

type itemResult struct {
	records []domain.MeasurementRecord
	err     error
}

// RefreshTier reloads one tier table from the source and atomically replaces it.
//
// Items are fetched and parsed concurrently. A failed item is reported in the result
// and skipped while the other stations still load. When listing fails, when nothing
// is listed, or when every item fails, the tier table keeps its previous contents.
func (p *Pipeline) RefreshTier(ctx context.Context, tier domain.Tier) (RefreshResult, error) {
	if !slices.Contains(domain.KnownTiers, tier) {
		return RefreshResult{}, fmt.Errorf("%w: %q", domain.ErrUnknownTier, tier)
	}

	unlock := p.lockRun("refreshing " + string(tier))
	defer unlock()

	start := p.clock.Now()
	res := RefreshResult{RunID: uuid.NewString(), Tier: tier, LoadedAt: p.now()}
	logger := p.logger.With("tier", tier, "run_id", res.RunID)

	err := p.refreshTier(ctx, &res)
	res.Duration = p.clock.Since(start)
	p.metrics.RefreshDuration.WithLabelValues(string(tier)).Observe(res.Duration.Seconds())
	p.metrics.FetchFailures.WithLabelValues(string(tier)).Add(float64(res.Failed))

	if err != nil {
		p.metrics.TierRefreshes.WithLabelValues(string(tier), "error").Inc()
		p.recordError(res.RunID, err)
		logger.Error("tier refresh failed", "error", err, "items", res.Items, "failed", res.Failed)
		return res, err
	}

	outcome := "success"
	if res.Failed > 0 {
		outcome = "partial"
		logger.Warn("partial fetch failure", "failed", res.Failed, "items", res.Items, "failures", failureSummary(res.Failures))
	}
	p.metrics.TierRefreshes.WithLabelValues(string(tier), outcome).Inc()
	p.metrics.TierRows.WithLabelValues(string(tier)).Set(float64(res.Rows))
	logger.Info("tier refreshed", "items", res.Items, "rows", res.Rows, "failed", res.Failed, "duration", res.Duration)
	return res, nil
}

func (p *Pipeline) refreshTier(ctx context.Context, res *RefreshResult) error {
	items, err := p.source.ListItems(ctx, res.Tier)
	if err != nil {
		return fmt.Errorf("list %s items: %w", res.Tier, err)
	}
	res.Items = len(items)
	if len(items) == 0 {
		return fmt.Errorf("%s: %w", res.Tier, ErrNoItems)
	}

	results := make([]itemResult, len(items))
	var g errgroup.Group
	g.SetLimit(p.cfg.FetchConcurrency)
	for i, item := range items {
		g.Go(func() error {
			results[i] = p.loadItem(ctx, item, res.LoadedAt)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	var records []domain.MeasurementRecord
	for i, r := range results {
		if r.err != nil {
			res.Failures = append(res.Failures, ItemFailure{
				StationID: items[i].StationID,
				Item:      items[i].Name,
				Error:     r.err.Error(),
			})
			continue
		}
		records = append(records, r.records...)
	}
	res.Failed = len(res.Failures)
	res.Succeeded = res.Items - res.Failed
	if res.Succeeded == 0 {
		return fmt.Errorf("%s: %w (%d items)", res.Tier, ErrAllItemsFailed, res.Items)
	}

	sortRecords(records)
	if err := p.store.ReplaceTier(ctx, res.Tier, records, res.LoadedAt); err != nil {
		return fmt.Errorf("replace %s tier: %w", res.Tier, err)
	}
	res.Rows = len(records)
	res.Replaced = true
	return nil
}

func (p *Pipeline) loadItem(ctx context.Context, item domain.SourceItem, loadedAt time.Time) itemResult {
	data, err := p.source.Fetch(ctx, item)
	if err != nil {
		return itemResult{err: err}
	}
	recs, err := ingest.ParseMeasurements(bytes.NewReader(data), item.Tier, item.Name, loadedAt)
	if err != nil {
		return itemResult{err: fmt.Errorf("parse %s: %w", item.Name, err)}
	}
	return itemResult{records: recs}
}

// sortRecords orders tier rows by key and source file so a reload of identical
// files stores identical tables.
func sortRecords(records []domain.MeasurementRecord) {
	slices.SortStableFunc(records, func(a, b domain.MeasurementRecord) int {
		if c := strings.Compare(a.StationID, b.StationID); c != 0 {
			return c
		}
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.SourceFile, b.SourceFile)
	})
}

func failureSummary(failures []ItemFailure) string {
	const maxListed = 5
	names := make([]string, 0, min(len(failures), maxListed))
	for i, f := range failures {
		if i == maxListed {
			names = append(names, fmt.Sprintf("+%d more", len(failures)-maxListed))
			break
		}
		names = append(names, f.Item)
	}
	return strings.Join(names, ", ")
}

// StationsResult describes one refresh of the station dimension.
type StationsResult struct {
	RunID    string        `json:"run_id"`
	Item     string        `json:"item"`
	Rows     int           `json:"rows"`
	Duration time.Duration `json:"duration_ns"`
}

// RefreshStations reloads the station metadata dimension.
func (p *Pipeline) RefreshStations(ctx context.Context) (StationsResult, error) {
	unlock := p.lockRun("refreshing stations")
	defer unlock()

	start := p.clock.Now()
	res := StationsResult{RunID: uuid.NewString()}
	logger := p.logger.With("run_id", res.RunID)

	err := p.refreshStations(ctx, &res)
	res.Duration = p.clock.Since(start)
	if err != nil {
		p.recordError(res.RunID, err)
		logger.Error("station refresh failed", "error", err)
		return res, err
	}
	logger.Info("stations refreshed", "rows", res.Rows, "item", res.Item)
	return res, nil
}

func (p *Pipeline) refreshStations(ctx context.Context, res *StationsResult) error {
	item, err := p.source.StationsItem(ctx)
	if err != nil {
		return fmt.Errorf("locate station metadata: %w", err)
	}
	res.Item = item.Name

	data, err := p.source.Fetch(ctx, item)
	if err != nil {
		return err
	}
	stations, err := ingest.ParseStations(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("parse %s: %w", item.Name, err)
	}
	if len(stations) == 0 {
		return fmt.Errorf("%s: %w", item.Name, ErrNoItems)
	}
	slices.SortFunc(stations, func(a, b domain.StationMetadata) int {
		return strings.Compare(a.StationID, b.StationID)
	})
	if err := p.store.ReplaceStations(ctx, stations, p.now()); err != nil {
		return fmt.Errorf("replace stations: %w", err)
	}
	res.Rows = len(stations)
	return nil
}
