package domain

// SourceItem is one downloadable file: a tier data file for a station, or the
// station metadata file (Tier is empty).
type SourceItem struct {
	StationID string `json:"station_id,omitempty"`
	Tier      Tier   `json:"tier,omitempty"`
	Name      string `json:"name"` // asset name, recorded as SourceFile on every row
	Href      string `json:"href"`
}
