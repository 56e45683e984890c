// Package sqlite stores the tier, station and reconciled tables in a SQLite file.
// Every Replace runs in a single transaction.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/couchcryptid/meteoswiss-reconciler/internal/domain"
)

//go:embed sql/schema.sql
var schemaSQL string

//go:embed sql/upsert-table-info.sql
var upsertTableInfoSQL string

//go:embed sql/get-table-info.sql
var getTableInfoSQL string

//go:embed sql/get-stations.sql
var getStationsSQL string

//go:embed sql/insert-station.sql
var insertStationSQL string

// Queries over the measurement columns are built from domain.Parameters so the
// column list cannot drift from the Values struct.
var (
	valueColumns = func() string {
		cols := make([]string, len(domain.Parameters))
		for i, p := range domain.Parameters {
			cols[i] = p.Column
		}
		return strings.Join(cols, ", ")
	}()

	insertTierSQL = fmt.Sprintf(
		"INSERT INTO tier_measurements (tier, station_id, ts, %s, source_file, loaded_at) VALUES (%s)",
		valueColumns, placeholders(len(domain.Parameters)+5))
	selectTierSQL = fmt.Sprintf(
		"SELECT station_id, ts, %s, source_file, loaded_at FROM tier_measurements WHERE tier = ? ORDER BY station_id, ts, source_file",
		valueColumns)
	insertReconciledSQL = fmt.Sprintf(
		"INSERT INTO reconciled (station_id, ts, source_tier, %s, source_file, loaded_at) VALUES (%s)",
		valueColumns, placeholders(len(domain.Parameters)+5))
	selectReconciledSQL = fmt.Sprintf(
		"SELECT station_id, ts, source_tier, %s, source_file, loaded_at FROM reconciled",
		valueColumns)
)

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Store implements the pipeline store on SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies the schema.
// ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	// One connection: an in-memory database exists per connection, and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func buildDSN(path string) (string, error) {
	if path == ":memory:" {
		return "file::memory:?_busy_timeout=5000", nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path), nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction and commits when it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit()
}

func setTableInfo(ctx context.Context, tx *sql.Tx, name string, rows int, refreshedAt time.Time) error {
	_, err := tx.ExecContext(ctx, upsertTableInfoSQL, name, rows, formatTime(refreshedAt))
	return err
}

func (s *Store) ReplaceTier(ctx context.Context, tier domain.Tier, records []domain.MeasurementRecord, refreshedAt time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM tier_measurements WHERE tier = ?", string(tier)); err != nil {
			return fmt.Errorf("clear %s: %w", tier, err)
		}
		stmt, err := tx.PrepareContext(ctx, insertTierSQL)
		if err != nil {
			return err
		}
		defer stmt.Close()

		args := make([]any, 0, len(domain.Parameters)+5)
		for _, r := range records {
			args = args[:0]
			args = append(args, string(tier), r.StationID, r.Timestamp.Unix())
			args = appendValues(args, r.Values)
			args = append(args, r.SourceFile, formatTime(r.LoadedAt))
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("insert %s row: %w", tier, err)
			}
		}
		return setTableInfo(ctx, tx, string(tier), len(records), refreshedAt)
	})
}

func (s *Store) ReadTiers(ctx context.Context, tiers []domain.Tier) ([]domain.TierSnapshot, error) {
	out := make([]domain.TierSnapshot, 0, len(tiers))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, tier := range tiers {
			snap, err := readTier(ctx, tx, tier)
			if err != nil {
				return err
			}
			out = append(out, snap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func readTier(ctx context.Context, tx *sql.Tx, tier domain.Tier) (domain.TierSnapshot, error) {
	snap := domain.TierSnapshot{Tier: tier}
	info, err := tableInfo(ctx, tx, string(tier))
	if err != nil {
		return snap, err
	}
	snap.RefreshedAt = info.RefreshedAt

	rows, err := tx.QueryContext(ctx, selectTierSQL, string(tier))
	if err != nil {
		return snap, fmt.Errorf("query %s: %w", tier, err)
	}
	defer rows.Close()

	for rows.Next() {
		r := domain.MeasurementRecord{Tier: tier}
		var ts int64
		var loaded string
		dest := []any{&r.StationID, &ts}
		dest = appendFields(dest, &r.Values)
		dest = append(dest, &r.SourceFile, &loaded)
		if err := rows.Scan(dest...); err != nil {
			return snap, err
		}
		r.Timestamp = time.Unix(ts, 0).UTC()
		if r.LoadedAt, err = parseTime(loaded); err != nil {
			return snap, err
		}
		snap.Records = append(snap.Records, r)
	}
	return snap, rows.Err()
}

func (s *Store) ReplaceStations(ctx context.Context, stations []domain.StationMetadata, refreshedAt time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM stations"); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, insertStationSQL)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, st := range stations {
			since := ""
			if !st.DataSince.IsZero() {
				since = formatTime(st.DataSince)
			}
			if _, err := stmt.ExecContext(ctx, st.StationID, st.Name, st.Canton,
				st.WGS84Lat, st.WGS84Lon, st.LV95East, st.LV95North, st.ElevationM, since); err != nil {
				return fmt.Errorf("insert station %s: %w", st.StationID, err)
			}
		}
		return setTableInfo(ctx, tx, domain.TableStations, len(stations), refreshedAt)
	})
}

func (s *Store) ReadStations(ctx context.Context) ([]domain.StationMetadata, error) {
	rows, err := s.db.QueryContext(ctx, getStationsSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StationMetadata
	for rows.Next() {
		var st domain.StationMetadata
		var since string
		if err := rows.Scan(&st.StationID, &st.Name, &st.Canton, &st.WGS84Lat, &st.WGS84Lon,
			&st.LV95East, &st.LV95North, &st.ElevationM, &since); err != nil {
			return nil, err
		}
		if since != "" {
			if st.DataSince, err = parseTime(since); err != nil {
				return nil, err
			}
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) ReplaceReconciled(ctx context.Context, records []domain.ReconciledRecord, refreshedAt time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM reconciled"); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, insertReconciledSQL)
		if err != nil {
			return err
		}
		defer stmt.Close()

		args := make([]any, 0, len(domain.Parameters)+5)
		for _, r := range records {
			args = args[:0]
			args = append(args, r.StationID, r.Timestamp.Unix(), string(r.SourceTier))
			args = appendValues(args, r.Values)
			args = append(args, r.SourceFile, formatTime(r.LoadedAt))
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("insert reconciled row: %w", err)
			}
		}
		return setTableInfo(ctx, tx, domain.TableReconciled, len(records), refreshedAt)
	})
}

func (s *Store) ReadReconciled(ctx context.Context, q domain.ReconciledQuery) (domain.ReconciledPage, error) {
	var page domain.ReconciledPage
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		info, err := tableInfo(ctx, tx, domain.TableReconciled)
		if err != nil {
			return err
		}
		page.RefreshedAt = info.RefreshedAt
		page.Records, err = readReconciled(ctx, tx, q)
		return err
	})
	if err != nil {
		return domain.ReconciledPage{}, err
	}
	return page, nil
}

func readReconciled(ctx context.Context, tx *sql.Tx, q domain.ReconciledQuery) ([]domain.ReconciledRecord, error) {
	var where []string
	var args []any
	if q.StationID != "" {
		where = append(where, "station_id = ?")
		args = append(args, q.StationID)
	}
	if !q.From.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, q.From.Unix())
	}
	if !q.To.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, q.To.Unix())
	}
	query := selectReconciledSQL
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY station_id, ts"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ReconciledRecord
	for rows.Next() {
		var r domain.ReconciledRecord
		var ts int64
		var tier, loaded string
		dest := []any{&r.StationID, &ts, &tier}
		dest = appendFields(dest, &r.Values)
		dest = append(dest, &r.SourceFile, &loaded)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		r.Timestamp = time.Unix(ts, 0).UTC()
		r.SourceTier = domain.Tier(tier)
		if r.LoadedAt, err = parseTime(loaded); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) TableInfo(ctx context.Context, name string) (domain.TableInfo, error) {
	if name != domain.TableReconciled && name != domain.TableStations {
		if _, err := domain.ParseTier(name); err != nil {
			return domain.TableInfo{}, fmt.Errorf("unknown table %q: %w", name, err)
		}
	}
	return tableInfo(ctx, s.db, name)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func tableInfo(ctx context.Context, q queryRower, name string) (domain.TableInfo, error) {
	info := domain.TableInfo{Table: name}
	var refreshed string
	err := q.QueryRowContext(ctx, getTableInfoSQL, name).Scan(&info.Rows, &refreshed)
	if errors.Is(err, sql.ErrNoRows) {
		return info, nil
	}
	if err != nil {
		return info, err
	}
	info.RefreshedAt, err = parseTime(refreshed)
	return info, err
}

func appendValues(args []any, v domain.Values) []any {
	for _, p := range v.List() {
		args = append(args, p)
	}
	return args
}

func appendFields(dest []any, v *domain.Values) []any {
	for _, f := range v.Fields() {
		dest = append(dest, f)
	}
	return dest
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
