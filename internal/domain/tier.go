package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Tier names one independently refreshed coverage window of the measurement stream.
type Tier string

const (
	TierHistorical Tier = "historical"
	TierRecent     Tier = "recent"
	TierNow        Tier = "now"
)

// KnownTiers lists the tiers MeteoSwiss publishes, oldest window first.
var KnownTiers = []Tier{TierHistorical, TierRecent, TierNow}

// ErrUnknownTier is returned for tier names that are not part of the configuration.
var ErrUnknownTier = errors.New("unknown tier")

// ParseTier validates a tier name (case-insensitive).
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	for _, k := range KnownTiers {
		if t == k {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
}

// Priority orders tiers for conflict resolution, best tier first.
type Priority []Tier

// ParsePriority parses a comma separated list such as "historical,recent,now".
// Every tier may appear once; an empty list is rejected.
func ParsePriority(s string) (Priority, error) {
	parts := strings.Split(s, ",")
	p := make(Priority, 0, len(parts))
	seen := make(map[Tier]bool, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		t, err := ParseTier(part)
		if err != nil {
			return nil, err
		}
		if seen[t] {
			return nil, fmt.Errorf("duplicate tier %q in priority", t)
		}
		seen[t] = true
		p = append(p, t)
	}
	if len(p) == 0 {
		return nil, errors.New("priority must name at least one tier")
	}
	return p, nil
}

// Rank returns the position of tier in the policy (0 is best).
func (p Priority) Rank(tier Tier) (int, bool) {
	for i, t := range p {
		if t == tier {
			return i, true
		}
	}
	return 0, false
}

// Contains reports whether tier is part of the policy.
func (p Priority) Contains(tier Tier) bool {
	_, ok := p.Rank(tier)
	return ok
}

func (p Priority) String() string {
	names := make([]string, len(p))
	for i, t := range p {
		names[i] = string(t)
	}
	return strings.Join(names, ",")
}
