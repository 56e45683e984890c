// Package ingest decodes MeteoSwiss SMN files into typed tier rows. It owns the file
// format (delimiter, encoding, null sentinels, timestamp layout) so that reconciliation
// only ever sees validated records.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"github.com/couchcryptid/meteoswiss-reconciler/internal/domain"
)

const (
	// TimestampLayout is the reference_timestamp format of SMN data files (UTC).
	TimestampLayout = "02.01.2006 15:04"
	// DateLayout is used for date-only metadata columns.
	DateLayout = "02.01.2006"

	colStation   = "station_abbr"
	colTimestamp = "reference_timestamp"
)

// ErrMissingColumn is returned when a required header column is absent.
var ErrMissingColumn = errors.New("missing required column")

// ParseError locates a malformed value in a source file.
type ParseError struct {
	Line   int
	Column string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d column %q: %v", e.Line, e.Column, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// isNull reports whether a raw cell is one of the null sentinels.
func isNull(s string) bool {
	return s == "" || s == "-"
}

func newReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comma = ';'
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	cr.LazyQuotes = true
	return cr
}

// readHeader returns the column index by lower-cased name.
func readHeader(cr *csv.Reader) (map[string]int, error) {
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty file: %w", ErrMissingColumn)
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimPrefix(h, "\ufeff")
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	return idx, nil
}

func requireColumns(idx map[string]int, names ...string) error {
	for _, n := range names {
		if _, ok := idx[n]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingColumn, n)
		}
	}
	return nil
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// ParseMeasurements decodes one SMN 10-minute CSV file into tier rows. Every row is
// stamped with tier, sourceFile and loadedAt. Unknown columns are ignored and
// parameters missing from the header stay null. A malformed timestamp or number
// rejects the whole file with a *ParseError.
func ParseMeasurements(r io.Reader, tier domain.Tier, sourceFile string, loadedAt time.Time) ([]domain.MeasurementRecord, error) {
	cr := newReader(r)
	idx, err := readHeader(cr)
	if err != nil {
		return nil, err
	}
	if err := requireColumns(idx, colStation, colTimestamp); err != nil {
		return nil, err
	}

	paramIdx := make([]int, len(domain.Parameters))
	for i, p := range domain.Parameters {
		j, ok := idx[p.Code]
		if !ok {
			j = -1
		}
		paramIdx[i] = j
	}

	loadedAt = loadedAt.UTC()
	var out []domain.MeasurementRecord
	line := 1
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(row) == 1 && strings.TrimSpace(row[0]) == "" {
			continue
		}

		station := strings.ToUpper(cell(row, idx[colStation]))
		if station == "" {
			return nil, &ParseError{Line: line, Column: colStation, Err: errors.New("empty station")}
		}
		ts, err := time.ParseInLocation(TimestampLayout, cell(row, idx[colTimestamp]), time.UTC)
		if err != nil {
			return nil, &ParseError{Line: line, Column: colTimestamp, Err: err}
		}

		rec := domain.MeasurementRecord{
			StationID:  station,
			Timestamp:  ts,
			Tier:       tier,
			SourceFile: sourceFile,
			LoadedAt:   loadedAt,
		}
		fields := rec.Values.Fields()
		for i, j := range paramIdx {
			raw := cell(row, j)
			if isNull(raw) {
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, &ParseError{Line: line, Column: domain.Parameters[i].Code, Err: err}
			}
			*fields[i] = &v
		}
		out = append(out, rec)
	}
	return out, nil
}

// WriteMeasurements encodes records in the SMN 10-minute CSV layout with every
// parameter column. Null values are written as empty cells.
func WriteMeasurements(w io.Writer, records []domain.MeasurementRecord) error {
	cw := csv.NewWriter(w)
	cw.Comma = ';'

	header := make([]string, 0, len(domain.Parameters)+2)
	header = append(header, colStation, colTimestamp)
	for _, p := range domain.Parameters {
		header = append(header, p.Code)
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	row := make([]string, len(header))
	for _, r := range records {
		row[0] = r.StationID
		row[1] = r.Timestamp.UTC().Format(TimestampLayout)
		for i, v := range r.Values.List() {
			if v == nil {
				row[i+2] = ""
				continue
			}
			row[i+2] = strconv.FormatFloat(*v, 'f', -1, 64)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ParseStations decodes the SMN station metadata file. The file is Windows-1252
// encoded (station names carry accents) and is keyed by header names.
func ParseStations(r io.Reader) ([]domain.StationMetadata, error) {
	cr := newReader(transform.NewReader(r, charmap.Windows1252.NewDecoder()))
	idx, err := readHeader(cr)
	if err != nil {
		return nil, err
	}
	if err := requireColumns(idx, colStation); err != nil {
		return nil, err
	}
	col := func(row []string, name string) string {
		i, ok := idx[name]
		if !ok {
			return ""
		}
		return cell(row, i)
	}

	var out []domain.StationMetadata
	line := 1
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		station := strings.ToUpper(col(row, colStation))
		if station == "" {
			continue
		}
		st := domain.StationMetadata{
			StationID: station,
			Name:      col(row, "station_name"),
			Canton:    col(row, "station_canton"),
		}
		numbers := []struct {
			name string
			dst  *float64
		}{
			{"station_height_masl", &st.ElevationM},
			{"station_coordinates_lv95_east", &st.LV95East},
			{"station_coordinates_lv95_north", &st.LV95North},
			{"station_coordinates_wgs84_lat", &st.WGS84Lat},
			{"station_coordinates_wgs84_lon", &st.WGS84Lon},
		}
		for _, n := range numbers {
			raw := col(row, n.name)
			if isNull(raw) {
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, &ParseError{Line: line, Column: n.name, Err: err}
			}
			*n.dst = v
		}
		if raw := col(row, "station_data_since"); !isNull(raw) {
			since, err := time.ParseInLocation(DateLayout, raw, time.UTC)
			if err != nil {
				return nil, &ParseError{Line: line, Column: "station_data_since", Err: err}
			}
			st.DataSince = since
		}
		out = append(out, st)
	}
	return out, nil
}
