// Package memory keeps all tables in process memory. Each Replace swaps a whole
// slice under a write lock, so readers never observe a partially written table.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/couchcryptid/meteoswiss-reconciler/internal/domain"
)

type table[T any] struct {
	rows        []T
	refreshedAt time.Time
}

// Store is an in-memory implementation of the pipeline store.
type Store struct {
	mu         sync.RWMutex
	tiers      map[domain.Tier]table[domain.MeasurementRecord]
	stations   table[domain.StationMetadata]
	reconciled table[domain.ReconciledRecord]
}

// New creates an empty Store.
func New() *Store {
	return &Store{tiers: make(map[domain.Tier]table[domain.MeasurementRecord])}
}

func (s *Store) ReplaceTier(ctx context.Context, tier domain.Tier, records []domain.MeasurementRecord, refreshedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rows := slices.Clone(records)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiers[tier] = table[domain.MeasurementRecord]{rows: rows, refreshedAt: refreshedAt.UTC()}
	return nil
}

func (s *Store) ReadTiers(ctx context.Context, tiers []domain.Tier) ([]domain.TierSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.TierSnapshot, 0, len(tiers))
	for _, tier := range tiers {
		t := s.tiers[tier]
		out = append(out, domain.TierSnapshot{
			Tier:        tier,
			Records:     slices.Clone(t.rows),
			RefreshedAt: t.refreshedAt,
		})
	}
	return out, nil
}

func (s *Store) ReplaceStations(ctx context.Context, stations []domain.StationMetadata, refreshedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rows := slices.Clone(stations)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stations = table[domain.StationMetadata]{rows: rows, refreshedAt: refreshedAt.UTC()}
	return nil
}

func (s *Store) ReadStations(ctx context.Context) ([]domain.StationMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.stations.rows), nil
}

func (s *Store) ReplaceReconciled(ctx context.Context, records []domain.ReconciledRecord, refreshedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rows := slices.Clone(records)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconciled = table[domain.ReconciledRecord]{rows: rows, refreshedAt: refreshedAt.UTC()}
	return nil
}

// ReadReconciled filters the stored rows, which are kept in (station, timestamp) order.
func (s *Store) ReadReconciled(ctx context.Context, q domain.ReconciledQuery) (domain.ReconciledPage, error) {
	if err := ctx.Err(); err != nil {
		return domain.ReconciledPage{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	page := domain.ReconciledPage{RefreshedAt: s.reconciled.refreshedAt}
	for _, r := range s.reconciled.rows {
		if !q.Match(r) {
			continue
		}
		page.Records = append(page.Records, r)
		if q.Limit > 0 && len(page.Records) == q.Limit {
			break
		}
	}
	return page, nil
}

func (s *Store) TableInfo(ctx context.Context, name string) (domain.TableInfo, error) {
	if err := ctx.Err(); err != nil {
		return domain.TableInfo{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := domain.TableInfo{Table: name}
	switch name {
	case domain.TableReconciled:
		info.Rows, info.RefreshedAt = len(s.reconciled.rows), s.reconciled.refreshedAt
	case domain.TableStations:
		info.Rows, info.RefreshedAt = len(s.stations.rows), s.stations.refreshedAt
	default:
		tier, err := domain.ParseTier(name)
		if err != nil {
			return domain.TableInfo{}, fmt.Errorf("unknown table %q: %w", name, err)
		}
		t := s.tiers[tier]
		info.Rows, info.RefreshedAt = len(t.rows), t.refreshedAt
	}
	return info, nil
}
