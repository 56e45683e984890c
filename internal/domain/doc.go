// Package domain models MeteoSwiss SwissMetNet (SMN) 10-minute measurements and the
// reconciliation of overlapping measurement tiers into one authoritative stream.
//
// # Data Source
//
// Measurements come from the MeteoSwiss open data (OGD) collection
// "ch.meteoschweiz.ogd-smn" published on the geo.admin.ch STAC API. Each station item
// carries several CSV assets, one per coverage window ("tier"):
//
//	<abbr>_t_historical_<decade>.csv  measurement start .. Dec 31 of last year
//	<abbr>_t_recent.csv               Jan 1 of this year .. yesterday (daily at 12:00 UTC)
//	<abbr>_t_now.csv                  yesterday 12:00 UTC .. now (every 10 minutes)
//
// The recent and now windows overlap by 12–36 hours so that no gap opens while MeteoSwiss
// hands data over from one file to the next. Historical and recent can also overlap
// around the turn of the year until the yearly rollover has been published.
//
// # Tiers and Priority
//
// A key is (station_id, timestamp). When several tiers carry the same key, exactly one
// record wins, chosen by an injected [Priority] (best tier first). Two orders are in use:
//
//	historical,recent,now   quality-controlled data wins over raw realtime values
//	now,recent,historical   freshest reading wins
//
// The engine has no default of its own; the service configuration supplies one.
// Selection is per record: the winning tier's full value vector is kept, nothing is
// merged field by field.
//
// # Duplicates Within a Tier
//
// A tier table is fully replaced on every refresh, but a bad reload can still leave two
// rows for one key inside a tier. The tie-break is deterministic: latest LoadedAt wins,
// then the lexically greater SourceFile, then the value vector itself. Duplicates are
// reported so they can be monitored, never silently dropped.
//
// # Parameters
//
// SMN parameter codes are eight characters: a three letter quantity, a three character
// height or variant, and a two character aggregation suffix. "s0" is the instantaneous
// value at the end of the 10-minute interval, "z0" the 10-minute mean or sum, "z1" the
// 10-minute maximum. See [Parameters] for the fixed set this service stores.
package domain
