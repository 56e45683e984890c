// Package postgres stores the tier, station and reconciled tables in PostgreSQL.
// Replaces bulk-load with COPY inside a transaction, and multi-table reads use a
// single REPEATABLE READ snapshot.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/couchcryptid/meteoswiss-reconciler/internal/domain"
)

//go:embed sql/schema.sql
var schemaSQL string

const upsertTableInfoSQL = `INSERT INTO table_info (name, row_count, refreshed_at)
VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE
SET row_count = EXCLUDED.row_count,
    refreshed_at = EXCLUDED.refreshed_at`

var (
	valueColumns = func() []string {
		cols := make([]string, len(domain.Parameters))
		for i, p := range domain.Parameters {
			cols[i] = p.Column
		}
		return cols
	}()

	tierColumns       = append(append([]string{"tier", "station_id", "ts"}, valueColumns...), "source_file", "loaded_at")
	reconciledColumns = append(append([]string{"station_id", "ts", "source_tier"}, valueColumns...), "source_file", "loaded_at")
	stationColumns    = []string{"station_id", "name", "canton", "wgs84_lat", "wgs84_lon", "lv95_east", "lv95_north", "elevation_m", "data_since"}

	selectTierSQL = fmt.Sprintf(
		"SELECT station_id, ts, %s, source_file, loaded_at FROM tier_measurements WHERE tier = $1 ORDER BY station_id, ts, source_file",
		strings.Join(valueColumns, ", "))
	selectReconciledSQL = fmt.Sprintf(
		"SELECT %s FROM reconciled", strings.Join(reconciledColumns, ", "))
)

// Store implements the pipeline store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL and applies the schema.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) replace(ctx context.Context, clear string, clearArgs []any, table string, columns []string, rows [][]any, info string, refreshedAt time.Time) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, clear, clearArgs...); err != nil {
			return fmt.Errorf("clear %s: %w", info, err)
		}
		n, err := tx.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("copy %s: %w", info, err)
		}
		if _, err := tx.Exec(ctx, upsertTableInfoSQL, info, n, refreshedAt.UTC()); err != nil {
			return fmt.Errorf("update table info %s: %w", info, err)
		}
		return nil
	})
}

func (s *Store) ReplaceTier(ctx context.Context, tier domain.Tier, records []domain.MeasurementRecord, refreshedAt time.Time) error {
	rows := make([][]any, len(records))
	for i, r := range records {
		row := append(make([]any, 0, len(tierColumns)), string(tier), r.StationID, r.Timestamp.UTC())
		row = appendValues(row, r.Values)
		rows[i] = append(row, r.SourceFile, r.LoadedAt.UTC())
	}
	return s.replace(ctx, "DELETE FROM tier_measurements WHERE tier = $1", []any{string(tier)},
		"tier_measurements", tierColumns, rows, string(tier), refreshedAt)
}

func (s *Store) ReadTiers(ctx context.Context, tiers []domain.Tier) ([]domain.TierSnapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	out := make([]domain.TierSnapshot, 0, len(tiers))
	for _, tier := range tiers {
		snap, err := readTier(ctx, tx, tier)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, tx.Commit(ctx)
}

func readTier(ctx context.Context, tx pgx.Tx, tier domain.Tier) (domain.TierSnapshot, error) {
	snap := domain.TierSnapshot{Tier: tier}
	info, err := tableInfo(ctx, tx, string(tier))
	if err != nil {
		return snap, err
	}
	snap.RefreshedAt = info.RefreshedAt

	rows, err := tx.Query(ctx, selectTierSQL, string(tier))
	if err != nil {
		return snap, fmt.Errorf("query %s: %w", tier, err)
	}
	defer rows.Close()

	for rows.Next() {
		r := domain.MeasurementRecord{Tier: tier}
		dest := []any{&r.StationID, &r.Timestamp}
		dest = appendFields(dest, &r.Values)
		dest = append(dest, &r.SourceFile, &r.LoadedAt)
		if err := rows.Scan(dest...); err != nil {
			return snap, err
		}
		r.Timestamp, r.LoadedAt = r.Timestamp.UTC(), r.LoadedAt.UTC()
		snap.Records = append(snap.Records, r)
	}
	return snap, rows.Err()
}

func (s *Store) ReplaceStations(ctx context.Context, stations []domain.StationMetadata, refreshedAt time.Time) error {
	rows := make([][]any, len(stations))
	for i, st := range stations {
		var since *time.Time
		if !st.DataSince.IsZero() {
			t := st.DataSince.UTC()
			since = &t
		}
		rows[i] = []any{st.StationID, st.Name, st.Canton, st.WGS84Lat, st.WGS84Lon,
			st.LV95East, st.LV95North, st.ElevationM, since}
	}
	return s.replace(ctx, "DELETE FROM stations", nil, "stations", stationColumns, rows, domain.TableStations, refreshedAt)
}

func (s *Store) ReadStations(ctx context.Context) ([]domain.StationMetadata, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+strings.Join(stationColumns, ", ")+" FROM stations ORDER BY station_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StationMetadata
	for rows.Next() {
		var st domain.StationMetadata
		var since *time.Time
		if err := rows.Scan(&st.StationID, &st.Name, &st.Canton, &st.WGS84Lat, &st.WGS84Lon,
			&st.LV95East, &st.LV95North, &st.ElevationM, &since); err != nil {
			return nil, err
		}
		if since != nil {
			st.DataSince = since.UTC()
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) ReplaceReconciled(ctx context.Context, records []domain.ReconciledRecord, refreshedAt time.Time) error {
	rows := make([][]any, len(records))
	for i, r := range records {
		row := append(make([]any, 0, len(reconciledColumns)), r.StationID, r.Timestamp.UTC(), string(r.SourceTier))
		row = appendValues(row, r.Values)
		rows[i] = append(row, r.SourceFile, r.LoadedAt.UTC())
	}
	return s.replace(ctx, "DELETE FROM reconciled", nil, "reconciled", reconciledColumns, rows, domain.TableReconciled, refreshedAt)
}

func (s *Store) ReadReconciled(ctx context.Context, q domain.ReconciledQuery) (domain.ReconciledPage, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.StationID != "" {
		where = append(where, "station_id = "+arg(q.StationID))
	}
	if !q.From.IsZero() {
		where = append(where, "ts >= "+arg(q.From.UTC()))
	}
	if !q.To.IsZero() {
		where = append(where, "ts < "+arg(q.To.UTC()))
	}
	query := selectReconciledSQL
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY station_id, ts"
	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return domain.ReconciledPage{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	info, err := tableInfo(ctx, tx, domain.TableReconciled)
	if err != nil {
		return domain.ReconciledPage{}, err
	}
	page := domain.ReconciledPage{RefreshedAt: info.RefreshedAt}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return domain.ReconciledPage{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var r domain.ReconciledRecord
		var tier string
		dest := []any{&r.StationID, &r.Timestamp, &tier}
		dest = appendFields(dest, &r.Values)
		dest = append(dest, &r.SourceFile, &r.LoadedAt)
		if err := rows.Scan(dest...); err != nil {
			return domain.ReconciledPage{}, err
		}
		r.SourceTier = domain.Tier(tier)
		r.Timestamp, r.LoadedAt = r.Timestamp.UTC(), r.LoadedAt.UTC()
		page.Records = append(page.Records, r)
	}
	if err := rows.Err(); err != nil {
		return domain.ReconciledPage{}, err
	}
	rows.Close()
	return page, tx.Commit(ctx)
}

func (s *Store) TableInfo(ctx context.Context, name string) (domain.TableInfo, error) {
	if name != domain.TableReconciled && name != domain.TableStations {
		if _, err := domain.ParseTier(name); err != nil {
			return domain.TableInfo{}, fmt.Errorf("unknown table %q: %w", name, err)
		}
	}
	return tableInfo(ctx, s.pool, name)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func tableInfo(ctx context.Context, q querier, name string) (domain.TableInfo, error) {
	info := domain.TableInfo{Table: name}
	var rows int64
	err := q.QueryRow(ctx, "SELECT row_count, refreshed_at FROM table_info WHERE name = $1", name).Scan(&rows, &info.RefreshedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return info, nil
	}
	if err != nil {
		return info, err
	}
	info.Rows = int(rows)
	info.RefreshedAt = info.RefreshedAt.UTC()
	return info, nil
}

func appendValues(row []any, v domain.Values) []any {
	for _, p := range v.List() {
		row = append(row, p)
	}
	return row
}

func appendFields(dest []any, v *domain.Values) []any {
	for _, f := range v.Fields() {
		dest = append(dest, f)
	}
	return dest
}
