package domain

import (
	"cmp"
	"time"
)

// SchemaVersion identifies the parameter set below. Adding or removing a parameter
// bumps it so stored tables and downstream consumers can detect the change.
const SchemaVersion = 1

// Interval is the SMN measurement cadence.
const Interval = 10 * time.Minute

// Parameter describes one SMN measurement column.
type Parameter struct {
	Code   string // MeteoSwiss parameter code as it appears in the CSV header
	Column string // storage and JSON column name
	Unit   string
}

// Parameters lists the stored parameters in column order. The order matches the
// fields of Values and must not change without bumping SchemaVersion.
var Parameters = []Parameter{
	{"tre200s0", "air_temperature_2m", "°C"},
	{"tre005s0", "air_temperature_5cm", "°C"},
	{"tresurs0", "surface_temperature", "°C"},
	{"xchills0", "wind_chill", "°C"},
	{"ure200s0", "relative_humidity", "%"},
	{"tde200s0", "dew_point", "°C"},
	{"pva200s0", "vapour_pressure", "hPa"},
	{"prestas0", "pressure_station", "hPa"},
	{"pp0qffs0", "pressure_qff", "hPa"},
	{"pp0qnhs0", "pressure_qnh", "hPa"},
	{"ppz850s0", "geopotential_850hpa", "gpm"},
	{"ppz700s0", "geopotential_700hpa", "gpm"},
	{"dkl010z0", "wind_direction", "°"},
	{"fkl010z0", "wind_speed", "m/s"},
	{"fkl010z1", "wind_gust", "m/s"},
	{"fu3010z0", "wind_speed_kmh", "km/h"},
	{"fu3010z1", "wind_gust_kmh", "km/h"},
	{"dv1towz0", "wind_direction_tower", "°"},
	{"fu3towz0", "wind_speed_tower_kmh", "km/h"},
	{"fu3towz1", "wind_gust_tower_kmh", "km/h"},
	{"rre150z0", "precipitation", "mm"},
	{"htoauts0", "snow_depth", "cm"},
	{"gre000z0", "global_radiation", "W/m²"},
	{"ods000z0", "diffuse_radiation", "W/m²"},
	{"oli000z0", "longwave_incoming", "W/m²"},
	{"olo000z0", "longwave_outgoing", "W/m²"},
	{"osr000z0", "shortwave_reflected", "W/m²"},
	{"sre000z0", "sunshine_duration", "min"},
	{"tso005s0", "soil_temperature_5cm", "°C"},
	{"tso010s0", "soil_temperature_10cm", "°C"},
	{"tso020s0", "soil_temperature_20cm", "°C"},
	{"tso050s0", "soil_temperature_50cm", "°C"},
	{"tso100s0", "soil_temperature_100cm", "°C"},
}

// Values is the measurement vector of one 10-minute observation. Every field is
// independently nullable.
type Values struct {
	AirTemperature2m     *float64 `json:"air_temperature_2m,omitempty"`
	AirTemperature5cm    *float64 `json:"air_temperature_5cm,omitempty"`
	SurfaceTemperature   *float64 `json:"surface_temperature,omitempty"`
	WindChill            *float64 `json:"wind_chill,omitempty"`
	RelativeHumidity     *float64 `json:"relative_humidity,omitempty"`
	DewPoint             *float64 `json:"dew_point,omitempty"`
	VapourPressure       *float64 `json:"vapour_pressure,omitempty"`
	PressureStation      *float64 `json:"pressure_station,omitempty"`
	PressureQFF          *float64 `json:"pressure_qff,omitempty"`
	PressureQNH          *float64 `json:"pressure_qnh,omitempty"`
	Geopotential850      *float64 `json:"geopotential_850hpa,omitempty"`
	Geopotential700      *float64 `json:"geopotential_700hpa,omitempty"`
	WindDirection        *float64 `json:"wind_direction,omitempty"`
	WindSpeed            *float64 `json:"wind_speed,omitempty"`
	WindGust             *float64 `json:"wind_gust,omitempty"`
	WindSpeedKMH         *float64 `json:"wind_speed_kmh,omitempty"`
	WindGustKMH          *float64 `json:"wind_gust_kmh,omitempty"`
	WindDirectionTower   *float64 `json:"wind_direction_tower,omitempty"`
	WindSpeedTowerKMH    *float64 `json:"wind_speed_tower_kmh,omitempty"`
	WindGustTowerKMH     *float64 `json:"wind_gust_tower_kmh,omitempty"`
	Precipitation        *float64 `json:"precipitation,omitempty"`
	SnowDepth            *float64 `json:"snow_depth,omitempty"`
	GlobalRadiation      *float64 `json:"global_radiation,omitempty"`
	DiffuseRadiation     *float64 `json:"diffuse_radiation,omitempty"`
	LongwaveIncoming     *float64 `json:"longwave_incoming,omitempty"`
	LongwaveOutgoing     *float64 `json:"longwave_outgoing,omitempty"`
	ShortwaveReflected   *float64 `json:"shortwave_reflected,omitempty"`
	SunshineDuration     *float64 `json:"sunshine_duration,omitempty"`
	SoilTemperature5cm   *float64 `json:"soil_temperature_5cm,omitempty"`
	SoilTemperature10cm  *float64 `json:"soil_temperature_10cm,omitempty"`
	SoilTemperature20cm  *float64 `json:"soil_temperature_20cm,omitempty"`
	SoilTemperature50cm  *float64 `json:"soil_temperature_50cm,omitempty"`
	SoilTemperature100cm *float64 `json:"soil_temperature_100cm,omitempty"`
}

// Fields returns pointers to every field of v in Parameters order. Storage adapters
// use it to scan into and bind from a Values without naming each column.
func (v *Values) Fields() []**float64 {
	return []**float64{
		&v.AirTemperature2m,
		&v.AirTemperature5cm,
		&v.SurfaceTemperature,
		&v.WindChill,
		&v.RelativeHumidity,
		&v.DewPoint,
		&v.VapourPressure,
		&v.PressureStation,
		&v.PressureQFF,
		&v.PressureQNH,
		&v.Geopotential850,
		&v.Geopotential700,
		&v.WindDirection,
		&v.WindSpeed,
		&v.WindGust,
		&v.WindSpeedKMH,
		&v.WindGustKMH,
		&v.WindDirectionTower,
		&v.WindSpeedTowerKMH,
		&v.WindGustTowerKMH,
		&v.Precipitation,
		&v.SnowDepth,
		&v.GlobalRadiation,
		&v.DiffuseRadiation,
		&v.LongwaveIncoming,
		&v.LongwaveOutgoing,
		&v.ShortwaveReflected,
		&v.SunshineDuration,
		&v.SoilTemperature5cm,
		&v.SoilTemperature10cm,
		&v.SoilTemperature20cm,
		&v.SoilTemperature50cm,
		&v.SoilTemperature100cm,
	}
}

// List returns the field values in Parameters order.
func (v Values) List() []*float64 {
	fields := v.Fields()
	out := make([]*float64, len(fields))
	for i, f := range fields {
		out[i] = *f
	}
	return out
}

// Present counts the non-null fields.
func (v Values) Present() int {
	n := 0
	for _, f := range v.List() {
		if f != nil {
			n++
		}
	}
	return n
}

// compareValues orders two vectors field by field; null sorts before any number.
func compareValues(a, b Values) int {
	av, bv := a.List(), b.List()
	for i := range av {
		switch {
		case av[i] == nil && bv[i] == nil:
			continue
		case av[i] == nil:
			return -1
		case bv[i] == nil:
			return 1
		}
		if c := cmp.Compare(*av[i], *bv[i]); c != 0 {
			return c
		}
	}
	return 0
}

// Key identifies one observation slot.
type Key struct {
	StationID string
	Timestamp time.Time
}

// MeasurementRecord is one observation of one station at one 10-minute timestamp as
// loaded into a tier table.
type MeasurementRecord struct {
	StationID  string    `json:"station_id"`
	Timestamp  time.Time `json:"timestamp"`
	Tier       Tier      `json:"tier"`
	Values     Values    `json:"values"`
	SourceFile string    `json:"source_file"`
	LoadedAt   time.Time `json:"loaded_at"`
}

// Key returns the reconciliation key of the record.
func (r MeasurementRecord) Key() Key {
	return Key{StationID: r.StationID, Timestamp: r.Timestamp}
}

// ReconciledRecord is the single authoritative record for a key together with the tier
// it was taken from.
type ReconciledRecord struct {
	StationID  string    `json:"station_id"`
	Timestamp  time.Time `json:"timestamp"`
	SourceTier Tier      `json:"source_tier"`
	Values     Values    `json:"values"`
	SourceFile string    `json:"source_file"`
	LoadedAt   time.Time `json:"loaded_at"`
}

// Key returns the reconciliation key of the record.
func (r ReconciledRecord) Key() Key {
	return Key{StationID: r.StationID, Timestamp: r.Timestamp}
}

// TierSnapshot is a consistent read of one tier table.
type TierSnapshot struct {
	Tier        Tier
	Records     []MeasurementRecord
	RefreshedAt time.Time // zero when the tier was never loaded
}

// ReconciledQuery filters reads of the reconciled table. Zero values mean no filter.
type ReconciledQuery struct {
	StationID string
	From      time.Time // inclusive
	To        time.Time // exclusive
	Limit     int
}

// Match reports whether r passes the station and time filters of q (Limit is applied
// by the caller).
func (q ReconciledQuery) Match(r ReconciledRecord) bool {
	if q.StationID != "" && r.StationID != q.StationID {
		return false
	}
	if !q.From.IsZero() && r.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !r.Timestamp.Before(q.To) {
		return false
	}
	return true
}

// StationMetadata describes one SMN station. It is a join dimension only and takes no
// part in reconciliation.
type StationMetadata struct {
	StationID  string    `json:"station_id"`
	Name       string    `json:"name"`
	Canton     string    `json:"canton,omitempty"`
	WGS84Lat   float64   `json:"wgs84_lat"`
	WGS84Lon   float64   `json:"wgs84_lon"`
	LV95East   float64   `json:"lv95_east"`
	LV95North  float64   `json:"lv95_north"`
	ElevationM float64   `json:"elevation_m"`
	DataSince  time.Time `json:"data_since,omitempty"`
}
