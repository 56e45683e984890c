package domain

import (
	"errors"
	"fmt"
)

// ErrSchemaViolation marks structural input errors: a tier whose records lack the key
// fields or do not belong to it. It means the ingestion contract was broken upstream.
var ErrSchemaViolation = errors.New("schema violation")

// SchemaViolation locates a structural error in the reconciliation input.
type SchemaViolation struct {
	Tier   Tier
	Index  int // record index within the tier snapshot, -1 for tier-level errors
	Reason string
}

func (e *SchemaViolation) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("schema violation in tier %q: %s", e.Tier, e.Reason)
	}
	return fmt.Sprintf("schema violation in tier %q record %d: %s", e.Tier, e.Index, e.Reason)
}

func (e *SchemaViolation) Unwrap() error { return ErrSchemaViolation }
