package ingest

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"

	"github.com/couchcryptid/meteoswiss-reconciler/internal/domain"
)

var loadedAt = time.Date(2024, 2, 2, 6, 0, 0, 0, time.UTC)

const nowFile = "station_abbr;reference_timestamp;tre200s0;ure200s0;rre150z0;unused\n" +
	"BAS;01.02.2024 00:00;5.2;81;0;x\n" +
	"BAS;01.02.2024 00:10;-;82.5;;x\n" +
	"ber;01.02.2024 00:00;3.9;90;0.1;x\n"

func TestParseMeasurements(t *testing.T) {
	recs, err := ParseMeasurements(strings.NewReader(nowFile), domain.TierNow, "ogd-smn_bas_t_now.csv", loadedAt)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	first := recs[0]
	assert.Equal(t, "BAS", first.StationID)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), first.Timestamp)
	assert.Equal(t, domain.TierNow, first.Tier)
	assert.Equal(t, "ogd-smn_bas_t_now.csv", first.SourceFile)
	assert.Equal(t, loadedAt, first.LoadedAt)
	require.NotNil(t, first.Values.AirTemperature2m)
	assert.InDelta(t, 5.2, *first.Values.AirTemperature2m, 1e-9)
	assert.InDelta(t, 81.0, *first.Values.RelativeHumidity, 1e-9)
	assert.InDelta(t, 0.0, *first.Values.Precipitation, 1e-9)
	assert.Nil(t, first.Values.WindSpeed, "columns absent from the header stay null")

	second := recs[1]
	assert.Nil(t, second.Values.AirTemperature2m, "dash is null")
	assert.Nil(t, second.Values.Precipitation, "empty cell is null")
	assert.Equal(t, 1, second.Values.Present())

	assert.Equal(t, "BER", recs[2].StationID, "station ids are upper-cased")
}

func TestParseMeasurements_Errors(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		column string
		isMiss bool
	}{
		{"empty file", "", "", true},
		{"missing timestamp column", "station_abbr;tre200s0\nBAS;1\n", "", true},
		{"bad timestamp", "station_abbr;reference_timestamp\nBAS;2024-02-01T00:00\n", colTimestamp, false},
		{"bad number", "station_abbr;reference_timestamp;tre200s0\nBAS;01.02.2024 00:00;warm\n", "tre200s0", false},
		{"empty station", "station_abbr;reference_timestamp\n;01.02.2024 00:00\n", colStation, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMeasurements(strings.NewReader(tt.input), domain.TierRecent, "f.csv", loadedAt)
			require.Error(t, err)
			if tt.isMiss {
				assert.ErrorIs(t, err, ErrMissingColumn)
				return
			}
			var pe *ParseError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.column, pe.Column)
			assert.Equal(t, 2, pe.Line)
		})
	}
}

func TestParseMeasurements_BOMAndBlankLines(t *testing.T) {
	in := "\ufeffstation_abbr;reference_timestamp;tre200s0\n\nSMA;01.02.2024 00:10;1.5\n"
	recs, err := ParseMeasurements(strings.NewReader(in), domain.TierRecent, "f.csv", loadedAt)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "SMA", recs[0].StationID)
}

func TestWriteMeasurements_RoundTrip(t *testing.T) {
	in, err := ParseMeasurements(strings.NewReader(nowFile), domain.TierNow, "f.csv", loadedAt)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteMeasurements(&buf, in))

	header := strings.SplitN(buf.String(), "\n", 2)[0]
	assert.Equal(t, len(domain.Parameters)+2, strings.Count(header, ";")+1)

	out, err := ParseMeasurements(&buf, domain.TierNow, "f.csv", loadedAt)
	require.NoError(t, err)
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestParseStations(t *testing.T) {
	src := "station_abbr;station_name;station_canton;station_height_masl;" +
		"station_coordinates_lv95_east;station_coordinates_lv95_north;" +
		"station_coordinates_wgs84_lat;station_coordinates_wgs84_lon;station_data_since\n" +
		"GVE;Genève / Cointrin;GE;411;2498904;1122632;46.247519;6.127742;01.01.1864\n" +
		"SMA;Zürich / Fluntern;ZH;555;2685117;1248073;47.377925;8.565742;-\n"
	encoded, err := charmap.Windows1252.NewEncoder().String(src)
	require.NoError(t, err)

	stations, err := ParseStations(strings.NewReader(encoded))
	require.NoError(t, err)
	require.Len(t, stations, 2)

	gve := stations[0]
	assert.Equal(t, "GVE", gve.StationID)
	assert.Equal(t, "Genève / Cointrin", gve.Name)
	assert.Equal(t, "GE", gve.Canton)
	assert.InDelta(t, 411.0, gve.ElevationM, 1e-9)
	assert.InDelta(t, 46.247519, gve.WGS84Lat, 1e-9)
	assert.InDelta(t, 2498904.0, gve.LV95East, 1e-9)
	assert.Equal(t, time.Date(1864, 1, 1, 0, 0, 0, 0, time.UTC), gve.DataSince)

	assert.Equal(t, "Zürich / Fluntern", stations[1].Name)
	assert.True(t, stations[1].DataSince.IsZero())
}

func TestParseStations_MissingStationColumn(t *testing.T) {
	_, err := ParseStations(strings.NewReader("station_name\nBasel\n"))
	assert.ErrorIs(t, err, ErrMissingColumn)
}
