package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/couchcryptid/meteoswiss-reconciler/internal/domain"
)

// Schedule mirrors the MeteoSwiss publication cadence of each tier.
type Schedule struct {
	NowInterval    time.Duration // NOW files are updated every 10 minutes
	RecentCron     string        // RECENT is published daily around 12:00 UTC
	HistoricalCron string        // HISTORICAL changes once a year
	StationsCron   string
	RunOnStart     bool
}

// Scheduler triggers tier refreshes and the recompute that follows them.
type Scheduler struct {
	scheduler *gocron.Scheduler
	pipeline  *Pipeline
	schedule  Schedule
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewScheduler creates a scheduler in UTC. Jobs never overlap with themselves.
func NewScheduler(p *Pipeline, schedule Schedule, logger *slog.Logger) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{
		scheduler: s,
		pipeline:  p,
		schedule:  schedule,
		logger:    logger,
	}
}

// Start registers the jobs for every tier in the pipeline's priority and starts the
// scheduler. ctx bounds every job run.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	for _, tier := range s.pipeline.Priority() {
		job := func() { s.refreshAndRecompute(tier) }

		var err error
		switch tier {
		case domain.TierNow:
			_, err = s.scheduler.Every(s.schedule.NowInterval).WaitForSchedule().Tag(string(tier)).Do(job)
		case domain.TierRecent:
			_, err = s.scheduler.Cron(s.schedule.RecentCron).Tag(string(tier)).Do(job)
		case domain.TierHistorical:
			_, err = s.scheduler.Cron(s.schedule.HistoricalCron).Tag(string(tier)).Do(job)
		}
		if err != nil {
			return fmt.Errorf("schedule %s refresh: %w", tier, err)
		}
	}

	if _, err := s.scheduler.Cron(s.schedule.StationsCron).Tag(domain.TableStations).Do(s.refreshStations); err != nil {
		return fmt.Errorf("schedule station refresh: %w", err)
	}

	s.scheduler.StartAsync()
	s.logger.Info("scheduler started",
		"jobs", len(s.scheduler.Jobs()),
		"now_interval", s.schedule.NowInterval,
		"recent_cron", s.schedule.RecentCron,
		"historical_cron", s.schedule.HistoricalCron,
	)

	if s.schedule.RunOnStart {
		go s.RunAll()
	}
	return nil
}

// Stop stops the scheduler and cancels running jobs.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.scheduler.Stop()
}

// RunAll refreshes the stations and every policy tier, then recomputes once if any
// tier loaded.
func (s *Scheduler) RunAll() {
	s.refreshStations()

	loaded := 0
	for _, tier := range s.pipeline.Priority() {
		if s.ctx.Err() != nil {
			return
		}
		if _, err := s.pipeline.RefreshTier(s.ctx, tier); err == nil {
			loaded++
		}
	}
	if loaded == 0 {
		s.logger.Warn("initial run loaded no tier, skipping recompute")
		return
	}
	_, _ = s.pipeline.Recompute(s.ctx)
}

// refreshAndRecompute recomputes only when the tier table actually changed.
func (s *Scheduler) refreshAndRecompute(tier domain.Tier) {
	if _, err := s.pipeline.RefreshTier(s.ctx, tier); err != nil {
		return
	}
	_, _ = s.pipeline.Recompute(s.ctx)
}

func (s *Scheduler) refreshStations() {
	_, _ = s.pipeline.RefreshStations(s.ctx)
}
