package domain

import "time"

// Names of the non-tier tables. Tier tables are named after their tier.
const (
	TableReconciled = "reconciled"
	TableStations   = "stations"
)

// TableInfo summarizes one stored table. RefreshedAt is zero when the table was
// never written.
type TableInfo struct {
	Table       string    `json:"table"`
	Rows        int       `json:"rows"`
	RefreshedAt time.Time `json:"refreshed_at,omitempty"`
}

// ReconciledPage is one read of the reconciled table. RefreshedAt is the refresh
// time of the same snapshot the records were read from.
type ReconciledPage struct {
	RefreshedAt time.Time
	Records     []ReconciledRecord
}

// ReconciledEvent announces a successful replacement of the reconciled table.
type ReconciledEvent struct {
	RunID         string       `json:"run_id"`
	RefreshedAt   time.Time    `json:"refreshed_at"`
	Rows          int          `json:"rows"`
	SourceTiers   []TierCount  `json:"source_tiers"`
	Duplicates    map[Tier]int `json:"duplicates,omitempty"`
	StaleInput    bool         `json:"stale_input"`
	SchemaVersion int          `json:"schema_version"`
}
