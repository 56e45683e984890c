package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/meteoswiss-reconciler/internal/adapter/storetest"
	"github.com/couchcryptid/meteoswiss-reconciler/internal/domain"
	"github.com/couchcryptid/meteoswiss-reconciler/internal/pipeline"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) pipeline.Store { return openMemory(t) })
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "reconciler.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ts := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	s, err := Open(ctx, path, logger)
	require.NoError(t, err)
	require.NoError(t, s.ReplaceReconciled(ctx, []domain.ReconciledRecord{{
		StationID:  "BAS",
		Timestamp:  ts,
		SourceTier: domain.TierRecent,
		SourceFile: "ogd-smn_bas_t_recent.csv",
		LoadedAt:   ts,
	}}, ts))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, logger)
	require.NoError(t, err)
	defer s.Close()

	page, err := s.ReadReconciled(ctx, domain.ReconciledQuery{})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, domain.TierRecent, page.Records[0].SourceTier)
	assert.True(t, ts.Equal(page.Records[0].Timestamp))

	info, err := s.TableInfo(ctx, domain.TableReconciled)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Rows)
}

func TestStore_DuplicateReconciledKeyRollsBack(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	ts := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	first := []domain.ReconciledRecord{{StationID: "BAS", Timestamp: ts, SourceTier: domain.TierNow, LoadedAt: ts}}
	require.NoError(t, s.ReplaceReconciled(ctx, first, ts))

	dup := []domain.ReconciledRecord{
		{StationID: "ZRH", Timestamp: ts, SourceTier: domain.TierNow, LoadedAt: ts},
		{StationID: "ZRH", Timestamp: ts, SourceTier: domain.TierRecent, LoadedAt: ts},
	}
	require.Error(t, s.ReplaceReconciled(ctx, dup, ts.Add(time.Hour)))

	page, err := s.ReadReconciled(ctx, domain.ReconciledQuery{})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "BAS", page.Records[0].StationID)
	assert.True(t, ts.Equal(page.RefreshedAt))

	info, err := s.TableInfo(ctx, domain.TableReconciled)
	require.NoError(t, err)
	assert.True(t, ts.Equal(info.RefreshedAt))
}
