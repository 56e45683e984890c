package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/couchcryptid/meteoswiss-reconciler/internal/domain"
)

// RecomputeResult describes one reconciliation run.
type RecomputeResult struct {
	RunID       string               `json:"run_id"`
	RefreshedAt time.Time            `json:"refreshed_at"`
	InputRows   int                  `json:"input_rows"`
	Rows        int                  `json:"rows"`
	SourceTiers []domain.TierCount   `json:"source_tiers"`
	Duplicates  map[domain.Tier]int  `json:"duplicates_within_tier,omitempty"`
	NewestLoad  time.Time            `json:"newest_load,omitempty"`
	StaleInput  bool                 `json:"stale_input"`
	Duration    time.Duration        `json:"duration_ns"`
	Tiers       []domain.TierSummary `json:"tiers"`
}

// Recompute reads a consistent snapshot of every policy tier, reconciles it and
// atomically replaces the reconciled table. On any failure the previous reconciled
// snapshot stays in place and the failure is recorded in Status.
func (p *Pipeline) Recompute(ctx context.Context) (RecomputeResult, error) {
	unlock := p.lockRun("recomputing")
	defer unlock()

	start := p.clock.Now()
	res := RecomputeResult{RunID: uuid.NewString()}
	logger := p.logger.With("run_id", res.RunID)

	err := p.recompute(ctx, &res)
	res.Duration = p.clock.Since(start)
	if err != nil {
		p.metrics.RecomputeTotal.WithLabelValues("error").Inc()
		p.recordError(res.RunID, err)
		logger.Error("recompute failed, keeping previous reconciled snapshot", "error", err)
		return res, err
	}

	p.metrics.RecomputeTotal.WithLabelValues("success").Inc()
	p.metrics.RecomputeDuration.Observe(res.Duration.Seconds())
	p.metrics.ReconciledRows.Set(float64(res.Rows))
	p.metrics.LastSuccessfulRecompute.Set(float64(res.RefreshedAt.Unix()))

	p.mu.Lock()
	p.state.lastRunID = res.RunID
	p.state.lastError = ""
	p.state.lastErrorAt = time.Time{}
	p.state.staleInput = res.StaleInput
	p.state.inputNewest = res.NewestLoad
	p.mu.Unlock()
	p.ready.Store(true)

	logger.Info("reconciled table replaced", "rows", res.Rows, "input_rows", res.InputRows, "duration", res.Duration)
	p.notify(ctx, res)
	return res, nil
}

func (p *Pipeline) recompute(ctx context.Context, res *RecomputeResult) error {
	snapshots, err := p.store.ReadTiers(ctx, p.cfg.Priority)
	if err != nil {
		return fmt.Errorf("read tier snapshot: %w", err)
	}

	out, err := domain.Reconcile(snapshots, p.cfg.Priority)
	if err != nil {
		return err
	}

	res.RefreshedAt = p.now()
	res.InputRows = out.InputRows
	res.Rows = len(out.Records)
	res.SourceTiers = domain.SourceTierCounts(out.Records)
	res.NewestLoad = out.NewestLoad
	res.Tiers = domain.Summarize(snapshots)

	dups := out.DuplicatesByTier()
	for _, tier := range p.cfg.Priority {
		n := dups[tier]
		p.metrics.DuplicatesWithinTier.WithLabelValues(string(tier)).Set(float64(n))
		if n > 0 {
			p.logger.Warn("duplicate keys within tier", "tier", tier, "rows", n, "run_id", res.RunID)
		}
	}
	if len(dups) > 0 {
		res.Duplicates = dups
	}

	if out.NewestLoad.IsZero() || res.RefreshedAt.Sub(out.NewestLoad) > p.cfg.StalenessBound {
		res.StaleInput = true
		p.metrics.StaleInput.Set(1)
		p.logger.Warn("stale input", "newest_load", out.NewestLoad, "staleness_bound", p.cfg.StalenessBound, "run_id", res.RunID)
	} else {
		p.metrics.StaleInput.Set(0)
	}

	if err := p.store.ReplaceReconciled(ctx, out.Records, res.RefreshedAt); err != nil {
		return fmt.Errorf("replace reconciled table: %w", err)
	}
	return nil
}

func (p *Pipeline) notify(ctx context.Context, res RecomputeResult) {
	if p.notifier == nil {
		return
	}
	event := domain.ReconciledEvent{
		RunID:         res.RunID,
		RefreshedAt:   res.RefreshedAt,
		Rows:          res.Rows,
		SourceTiers:   res.SourceTiers,
		Duplicates:    res.Duplicates,
		StaleInput:    res.StaleInput,
		SchemaVersion: domain.SchemaVersion,
	}
	if err := p.notifier.Notify(ctx, event); err != nil {
		p.logger.Warn("publish reconciled event failed", "error", err, "run_id", res.RunID)
	}
}

// Status is the monitoring view of the reconciled output.
type Status struct {
	State           string             `json:"state"` // "idle" or the active run
	InProgress      bool               `json:"in_progress"`
	LastRefreshedAt time.Time          `json:"last_refreshed_at,omitempty"`
	Rows            int                `json:"rows"`
	StalenessBound  string             `json:"staleness_bound"`
	Lag             string             `json:"lag"`
	Stale           bool               `json:"stale"`
	StaleInput      bool               `json:"stale_input"`
	InputNewest     time.Time          `json:"input_newest,omitempty"`
	LastRunID       string             `json:"last_run_id,omitempty"`
	LastError       string             `json:"last_error,omitempty"`
	LastErrorAt     time.Time          `json:"last_error_at,omitempty"`
	Priority        string             `json:"priority"`
	Tables          []domain.TableInfo `json:"tables"`
}

// Status reports when the reconciled table was last replaced, how far it lags the
// freshest tier load, and the outcome of the latest run.
func (p *Pipeline) Status(ctx context.Context) (Status, error) {
	p.mu.RLock()
	st := Status{
		State:          p.state.activity,
		InProgress:     p.state.activity != "",
		StalenessBound: p.cfg.StalenessBound.String(),
		StaleInput:     p.state.staleInput,
		InputNewest:    p.state.inputNewest,
		LastRunID:      p.state.lastRunID,
		LastError:      p.state.lastError,
		LastErrorAt:    p.state.lastErrorAt,
		Priority:       p.cfg.Priority.String(),
	}
	p.mu.RUnlock()
	if st.State == "" {
		st.State = "idle"
	}

	rec, err := p.store.TableInfo(ctx, domain.TableReconciled)
	if err != nil {
		return st, fmt.Errorf("read reconciled table info: %w", err)
	}
	st.LastRefreshedAt = rec.RefreshedAt
	st.Rows = rec.Rows

	var freshest time.Time
	for _, tier := range p.cfg.Priority {
		info, err := p.store.TableInfo(ctx, string(tier))
		if err != nil {
			return st, fmt.Errorf("read %s table info: %w", tier, err)
		}
		if info.RefreshedAt.After(freshest) {
			freshest = info.RefreshedAt
		}
		st.Tables = append(st.Tables, info)
	}
	st.Tables = append(st.Tables, rec)

	var lag time.Duration
	if freshest.After(rec.RefreshedAt) {
		lag = freshest.Sub(rec.RefreshedAt)
	}
	st.Lag = lag.String()
	st.Stale = rec.RefreshedAt.IsZero() || lag > p.cfg.StalenessBound || st.StaleInput
	return st, nil
}

// MonitoringReport gathers the data-quality checks over the stored tables.
type MonitoringReport struct {
	GeneratedAt          time.Time                    `json:"generated_at"`
	From                 time.Time                    `json:"from,omitempty"`
	To                   time.Time                    `json:"to,omitempty"`
	ReconciledRows       int                          `json:"reconciled_rows"`
	DuplicateKeys        int                          `json:"duplicate_keys"`
	DuplicatesWithinTier []domain.DuplicateKey        `json:"duplicates_within_tier"`
	Overlap              []domain.TierOverlap         `json:"overlap"`
	SourceTiers          []domain.TierCount           `json:"source_tiers"`
	Completeness         []domain.StationCompleteness `json:"completeness"`
}

// Monitor runs the monitoring queries. A non-zero window restricts the reconciled
// rows and the completeness calculation to [from, to).
func (p *Pipeline) Monitor(ctx context.Context, from, to time.Time) (MonitoringReport, error) {
	snapshots, err := p.store.ReadTiers(ctx, p.cfg.Priority)
	if err != nil {
		return MonitoringReport{}, fmt.Errorf("read tier snapshot: %w", err)
	}
	page, err := p.store.ReadReconciled(ctx, domain.ReconciledQuery{From: from, To: to})
	if err != nil {
		return MonitoringReport{}, fmt.Errorf("read reconciled: %w", err)
	}
	records := page.Records

	dups := domain.WithinTierDuplicates(snapshots)
	if dups == nil {
		dups = []domain.DuplicateKey{}
	}
	return MonitoringReport{
		GeneratedAt:          p.now(),
		From:                 from,
		To:                   to,
		ReconciledRows:       len(records),
		DuplicateKeys:        domain.CountDuplicateKeys(records),
		DuplicatesWithinTier: dups,
		Overlap:              domain.Overlap(snapshots),
		SourceTiers:          domain.SourceTierCounts(records),
		Completeness:         domain.Completeness(records, from, to),
	}, nil
}
