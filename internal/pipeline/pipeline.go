package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/meteoswiss-reconciler/internal/domain"
	"github.com/couchcryptid/meteoswiss-reconciler/internal/observability"
)

// Source lists and downloads the upstream files of each tier.
type Source interface {
	ListItems(ctx context.Context, tier domain.Tier) ([]domain.SourceItem, error)
	StationsItem(ctx context.Context) (domain.SourceItem, error)
	Fetch(ctx context.Context, item domain.SourceItem) ([]byte, error)
}

// Store persists the tier tables, the station dimension and the reconciled table.
// Every Replace call is atomic: readers see either the old or the new contents.
type Store interface {
	ReplaceTier(ctx context.Context, tier domain.Tier, records []domain.MeasurementRecord, refreshedAt time.Time) error
	// ReadTiers returns one consistent snapshot across all requested tiers.
	ReadTiers(ctx context.Context, tiers []domain.Tier) ([]domain.TierSnapshot, error)

	ReplaceStations(ctx context.Context, stations []domain.StationMetadata, refreshedAt time.Time) error
	ReadStations(ctx context.Context) ([]domain.StationMetadata, error)

	ReplaceReconciled(ctx context.Context, records []domain.ReconciledRecord, refreshedAt time.Time) error
	// ReadReconciled returns the matching rows together with the refresh time of the
	// snapshot they were read from.
	ReadReconciled(ctx context.Context, q domain.ReconciledQuery) (domain.ReconciledPage, error)

	TableInfo(ctx context.Context, table string) (domain.TableInfo, error)
}

// Notifier announces a new reconciled snapshot to downstream consumers.
type Notifier interface {
	Notify(ctx context.Context, event domain.ReconciledEvent) error
}

// Config holds the reconciliation policy and refresh limits.
type Config struct {
	Priority         domain.Priority
	StalenessBound   time.Duration
	FetchConcurrency int
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithClock replaces the wall clock used for load and refresh timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithNotifier publishes an event after every successful recompute.
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

// Pipeline refreshes tier tables from the source and recomputes the reconciled
// table. All runs are serialized: at most one refresh or recompute is active.
type Pipeline struct {
	source   Source
	store    Store
	notifier Notifier
	cfg      Config
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics

	runMu sync.Mutex
	ready atomic.Bool

	mu    sync.RWMutex // guards state
	state runState
}

// runState is the in-memory part of Status.
type runState struct {
	activity    string
	lastRunID   string
	lastError   string
	lastErrorAt time.Time
	staleInput  bool
	inputNewest time.Time
}

// New creates a Pipeline reading from source and writing to store.
func New(source Source, store Store, cfg Config, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Pipeline {
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 1
	}
	if cfg.StalenessBound <= 0 {
		cfg.StalenessBound = time.Hour
	}
	p := &Pipeline{
		source:  source,
		store:   store,
		cfg:     cfg,
		clock:   clockwork.NewRealClock(),
		logger:  logger,
		metrics: metrics,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Priority returns the tier policy the pipeline reconciles with.
func (p *Pipeline) Priority() domain.Priority {
	return p.cfg.Priority
}

// CheckReadiness returns nil once a reconciled snapshot is available, either from a
// recompute in this process or from a previous run persisted in the store.
func (p *Pipeline) CheckReadiness(ctx context.Context) error {
	if p.ready.Load() {
		return nil
	}
	info, err := p.store.TableInfo(ctx, domain.TableReconciled)
	if err != nil {
		return fmt.Errorf("read reconciled table info: %w", err)
	}
	if info.RefreshedAt.IsZero() {
		return errors.New("no reconciled snapshot available yet")
	}
	p.ready.Store(true)
	return nil
}

// ReadReconciled returns the last successfully reconciled records matching q.
func (p *Pipeline) ReadReconciled(ctx context.Context, q domain.ReconciledQuery) (domain.ReconciledPage, error) {
	return p.store.ReadReconciled(ctx, q)
}

// ReadStations returns the station dimension.
func (p *Pipeline) ReadStations(ctx context.Context) ([]domain.StationMetadata, error) {
	return p.store.ReadStations(ctx)
}

// lockRun takes the run lock and marks activity until the returned func is called.
func (p *Pipeline) lockRun(activity string) func() {
	p.runMu.Lock()
	p.setActivity(activity)
	p.metrics.PipelineRunning.Set(1)
	return func() {
		p.metrics.PipelineRunning.Set(0)
		p.setActivity("")
		p.runMu.Unlock()
	}
}

func (p *Pipeline) setActivity(a string) {
	p.mu.Lock()
	p.state.activity = a
	p.mu.Unlock()
}

func (p *Pipeline) recordError(runID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.lastRunID = runID
	p.state.lastError = err.Error()
	p.state.lastErrorAt = p.clock.Now().UTC()
}

func (p *Pipeline) now() time.Time {
	return p.clock.Now().UTC()
}
